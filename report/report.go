// Package report renders matrix run results as canonical, signable text
// documents.
//
// A report is the exchange format between conformance labs: one lab runs a
// matrix, renders and signs the report, and another lab verifies the
// signature and re-derives the report CID without trusting the sender's
// tooling. Canonical bytes make that possible: rendering is deterministic,
// and parsing rejects any document that does not re-render to the exact
// input bytes.
package report

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/provide-io/tofusoup-go/matrix"
)

const (
	Preamble  = "-----BEGIN TOFUSOUP REPORT-----"
	Postamble = "-----END TOFUSOUP REPORT-----"

	// FormatID names the document format in the META section.
	FormatID = "tofusoup-report-1"

	// DefaultHarnessID identifies this implementation in rendered reports.
	DefaultHarnessID = "tofusoup-go"
)

const docVersion = "1"

// Meta holds the run identity fields of a report.
type Meta struct {
	Harness    string
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// PlanInfo holds the cross product the run covered.
type PlanInfo struct {
	Clients   []string
	Servers   []string
	Crypto    []string
	Scenarios []string
	Network   string
	Workers   int
	Force     bool
}

// Cell is one recorded combination in a report.
type Cell struct {
	ID       string
	Client   string
	Server   string
	CryptoID string
	Status   string
	Forced   bool

	ErrorKind  string
	ErrorPhase string

	DurationMS int64

	ScenariosPassed []string
	ScenariosFailed []string

	// OutputCID cites the stored server transcript for this cell.
	OutputCID string
}

// Crypto holds the signature fields of a signed report.
type Crypto struct {
	HashAlg      string
	SignatureAlg string
	SignerKey    string
	Signature    string
}

// Report is the parsed form of a canonical report document.
type Report struct {
	raw []byte

	Meta  Meta
	Plan  PlanInfo
	Cells []Cell

	// Crypto is nil for unsigned reports.
	Crypto *Crypto
}

// Bytes returns a copy of the canonical document bytes.
func (r *Report) Bytes() []byte {
	return append([]byte(nil), r.raw...)
}

// Signed reports whether the document carries a populated CRYPTO section.
func (r *Report) Signed() bool { return r.Crypto != nil }

// Options controls Render.
type Options struct {
	// Harness identifies the tool that produced the report. Empty means
	// DefaultHarnessID.
	Harness string

	// OutputCIDs maps cell IDs to stored transcript CIDs. Cells with an
	// entry get an Output-CID line citing the evidence.
	OutputCIDs map[string]string
}

// Render produces a canonical unsigned report for a matrix run. Sections are
// always present and ordering is deterministic, so the same result always
// yields the same bytes.
func Render(res *matrix.Result, opts Options) []byte {
	harness := opts.Harness
	if harness == "" {
		harness = DefaultHarnessID
	}

	meta := Meta{
		Harness:    harness,
		RunID:      res.RunID,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
	}
	plan := PlanInfo{
		Clients:   res.Plan.Clients,
		Servers:   res.Plan.Servers,
		Crypto:    res.Plan.Crypto,
		Scenarios: res.Plan.Scenarios,
		Network:   res.Plan.Network,
		Workers:   res.Plan.Workers,
		Force:     res.Plan.Force,
	}

	cells := make([]Cell, 0, len(res.Cells))
	for i := range res.Cells {
		cells = append(cells, cellFromResult(&res.Cells[i], opts.OutputCIDs))
	}

	return renderDocument(meta, plan, cells, nil)
}

func cellFromResult(cr *matrix.CellResult, outputCIDs map[string]string) Cell {
	c := Cell{
		ID:         cr.CellID,
		Client:     cr.Client,
		Server:     cr.Server,
		CryptoID:   cr.CryptoID,
		Status:     string(cr.Status),
		Forced:     cr.Forced,
		ErrorKind:  cr.ErrorKind,
		ErrorPhase: cr.ErrorPhase,
		DurationMS: cr.DurationMS,
	}
	for _, s := range cr.Scenarios {
		if s.Status == matrix.StatusPassed {
			c.ScenariosPassed = append(c.ScenariosPassed, s.Name)
		} else {
			c.ScenariosFailed = append(c.ScenariosFailed, s.Name)
		}
	}
	if outputCIDs != nil {
		c.OutputCID = outputCIDs[cr.CellID]
	}
	return c
}

// renderDocument is the single place report bytes come from. Render, Sign,
// and the Parse round-trip check all go through it.
func renderDocument(meta Meta, plan PlanInfo, cells []Cell, crypto *Crypto) []byte {
	var sb strings.Builder
	sb.WriteString(Preamble)
	sb.WriteString("\n")

	// META
	sb.WriteString("META\n")
	metaLines := []string{
		"Finished-At: " + meta.FinishedAt.UTC().Format(time.RFC3339),
		"Format: " + FormatID,
		"Harness: " + meta.Harness,
		"Run-ID: " + meta.RunID,
		"Started-At: " + meta.StartedAt.UTC().Format(time.RFC3339),
		"Version: " + docVersion,
	}
	sort.Strings(metaLines)
	for _, l := range metaLines {
		sb.WriteString(l)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")

	// PLAN
	sb.WriteString("PLAN\n")
	var planLines []string
	for _, v := range plan.Clients {
		planLines = append(planLines, "Client: "+v)
	}
	for _, v := range plan.Crypto {
		planLines = append(planLines, "Crypto: "+v)
	}
	if plan.Force {
		planLines = append(planLines, "Force: true")
	}
	planLines = append(planLines, "Network: "+plan.Network)
	for _, v := range plan.Scenarios {
		planLines = append(planLines, "Scenario: "+v)
	}
	for _, v := range plan.Servers {
		planLines = append(planLines, "Server: "+v)
	}
	planLines = append(planLines, "Workers: "+strconv.Itoa(plan.Workers))
	sort.Strings(planLines)
	for _, l := range planLines {
		sb.WriteString(l)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")

	// CELLS
	sb.WriteString("CELLS\n")
	sorted := append([]Cell(nil), cells...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for _, c := range sorted {
		sb.WriteString("Cell-ID: ")
		sb.WriteString(c.ID)
		sb.WriteString("\n")
		sb.WriteString("Client: ")
		sb.WriteString(c.Client)
		sb.WriteString("\n")
		sb.WriteString("Server: ")
		sb.WriteString(c.Server)
		sb.WriteString("\n")
		sb.WriteString("Crypto: ")
		sb.WriteString(c.CryptoID)
		sb.WriteString("\n")
		sb.WriteString("Status: ")
		sb.WriteString(c.Status)
		sb.WriteString("\n")
		if c.Forced {
			sb.WriteString("Forced: true\n")
		}
		if c.ErrorKind != "" {
			sb.WriteString("Error-Kind: ")
			sb.WriteString(c.ErrorKind)
			sb.WriteString("\n")
		}
		if c.ErrorPhase != "" {
			sb.WriteString("Error-Phase: ")
			sb.WriteString(c.ErrorPhase)
			sb.WriteString("\n")
		}
		sb.WriteString("Duration-MS: ")
		sb.WriteString(strconv.FormatInt(c.DurationMS, 10))
		sb.WriteString("\n")
		passed := append([]string(nil), c.ScenariosPassed...)
		sort.Strings(passed)
		for _, s := range passed {
			sb.WriteString("Scenario-Passed: ")
			sb.WriteString(s)
			sb.WriteString("\n")
		}
		failed := append([]string(nil), c.ScenariosFailed...)
		sort.Strings(failed)
		for _, s := range failed {
			sb.WriteString("Scenario-Failed: ")
			sb.WriteString(s)
			sb.WriteString("\n")
		}
		if c.OutputCID != "" {
			sb.WriteString("Output-CID: ")
			sb.WriteString(c.OutputCID)
			sb.WriteString("\n")
		}
	}
	sb.WriteString("\n")

	// CRYPTO (empty until signed)
	sb.WriteString("CRYPTO\n")
	if crypto != nil {
		cryptoLines := []string{
			"Hash-Alg: " + crypto.HashAlg,
			"Signature: " + crypto.Signature,
			"Signature-Alg: " + crypto.SignatureAlg,
			"Signer-Key: " + crypto.SignerKey,
		}
		sort.Strings(cryptoLines)
		for _, l := range cryptoLines {
			sb.WriteString(l)
			sb.WriteString("\n")
		}
	}
	sb.WriteString("\n")

	sb.WriteString(Postamble)
	sb.WriteString("\n")
	return []byte(sb.String())
}
