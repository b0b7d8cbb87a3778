package report

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

var sectionOrder = []string{"META", "PLAN", "CELLS", "CRYPTO"}

// Parse reads a report document, enforcing canonical form.
//
// The check is strict: after field validation the parsed document is
// re-rendered and byte-compared against the input, so any accepted report is
// canonical by construction. Signing, verification, and CID derivation all
// require a Parse-accepted document.
func Parse(reportBytes []byte) (*Report, error) {
	canon, err := canonicalBytes(reportBytes)
	if err != nil {
		return nil, err
	}

	sections, err := splitSections(canon)
	if err != nil {
		return nil, err
	}

	r := &Report{raw: canon}
	if err := parseMeta(sections["META"], &r.Meta); err != nil {
		return nil, err
	}
	if err := parsePlan(sections["PLAN"], &r.Plan); err != nil {
		return nil, err
	}
	r.Cells, err = parseCells(sections["CELLS"])
	if err != nil {
		return nil, err
	}
	r.Crypto, err = parseCrypto(sections["CRYPTO"])
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(renderDocument(r.Meta, r.Plan, r.Cells, r.Crypto), canon) {
		return nil, errors.New("report is not in canonical form")
	}
	return r, nil
}

func canonicalBytes(input []byte) ([]byte, error) {
	if len(input) == 0 {
		return nil, errors.New("empty report")
	}
	if !utf8.Valid(input) {
		return nil, errors.New("report must be valid UTF-8")
	}
	if bytes.HasPrefix(input, []byte{0xEF, 0xBB, 0xBF}) {
		return nil, errors.New("BOM not allowed")
	}
	if bytes.Contains(input, []byte("\r")) {
		return nil, errors.New("CR line endings not allowed")
	}
	if input[len(input)-1] != '\n' {
		return nil, errors.New("missing trailing newline")
	}
	for _, line := range bytes.Split(input, []byte("\n")) {
		if len(line) > 0 && (line[len(line)-1] == ' ' || line[len(line)-1] == '\t') {
			return nil, errors.New("trailing whitespace forbidden")
		}
	}
	// Copy so later mutation of the input cannot reach the parsed report.
	return append([]byte(nil), input...), nil
}

func splitSections(doc []byte) (map[string][]string, error) {
	lines := strings.Split(string(doc), "\n")
	// The trailing newline makes the final element empty.
	if len(lines) < 3 {
		return nil, errors.New("report too short")
	}
	if lines[0] != Preamble {
		return nil, errors.New("missing report preamble")
	}
	if lines[len(lines)-1] != "" {
		return nil, errors.New("missing trailing newline")
	}
	if lines[len(lines)-2] != Postamble {
		return nil, errors.New("missing report postamble")
	}

	sections := make(map[string][]string, len(sectionOrder))
	i := 1
	for _, sec := range sectionOrder {
		if i >= len(lines)-2 {
			return nil, fmt.Errorf("missing section %q", sec)
		}
		if lines[i] != sec {
			return nil, fmt.Errorf("sections missing or out of order (expected %q got %q)", sec, lines[i])
		}
		i++
		start := i
		for i < len(lines)-2 && lines[i] != "" {
			i++
		}
		if i >= len(lines)-2 {
			return nil, fmt.Errorf("missing blank line after section %q", sec)
		}
		sections[sec] = lines[start:i]
		// Consume the section terminator blank line.
		i++
	}
	if i != len(lines)-2 {
		return nil, errors.New("unexpected content before postamble")
	}
	return sections, nil
}

func splitKV(line string) (string, string, error) {
	if !strings.Contains(line, ": ") {
		return "", "", errors.New("invalid key-value formatting")
	}
	k, v, _ := strings.Cut(line, ": ")
	if k == "" {
		return "", "", errors.New("empty key")
	}
	if v == "" {
		return "", "", errors.New("empty value")
	}
	return k, v, nil
}

func parseTime(section, key, v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: invalid %s: %w", section, key, err)
	}
	return t, nil
}

func parseMeta(body []string, meta *Meta) error {
	var haveFormat, haveVersion bool
	for _, l := range body {
		k, v, err := splitKV(l)
		if err != nil {
			return fmt.Errorf("META: %w", err)
		}
		switch k {
		case "Finished-At":
			t, err := parseTime("META", k, v)
			if err != nil {
				return err
			}
			meta.FinishedAt = t
		case "Format":
			if v != FormatID {
				return fmt.Errorf("META: unsupported Format %q", v)
			}
			haveFormat = true
		case "Harness":
			meta.Harness = v
		case "Run-ID":
			meta.RunID = v
		case "Started-At":
			t, err := parseTime("META", k, v)
			if err != nil {
				return err
			}
			meta.StartedAt = t
		case "Version":
			if v != docVersion {
				return fmt.Errorf("META: unsupported Version %q", v)
			}
			haveVersion = true
		default:
			return fmt.Errorf("META: unknown field %q", k)
		}
	}
	switch {
	case !haveFormat:
		return errors.New("META: missing Format")
	case !haveVersion:
		return errors.New("META: missing Version")
	case meta.Harness == "":
		return errors.New("META: missing Harness")
	case meta.RunID == "":
		return errors.New("META: missing Run-ID")
	case meta.StartedAt.IsZero():
		return errors.New("META: missing Started-At")
	case meta.FinishedAt.IsZero():
		return errors.New("META: missing Finished-At")
	}
	return nil
}

func parsePlan(body []string, plan *PlanInfo) error {
	for _, l := range body {
		k, v, err := splitKV(l)
		if err != nil {
			return fmt.Errorf("PLAN: %w", err)
		}
		switch k {
		case "Client":
			plan.Clients = append(plan.Clients, v)
		case "Crypto":
			plan.Crypto = append(plan.Crypto, v)
		case "Force":
			if v != "true" {
				return fmt.Errorf("PLAN: invalid Force value %q", v)
			}
			if plan.Force {
				return errors.New("PLAN: duplicate Force")
			}
			plan.Force = true
		case "Network":
			if plan.Network != "" {
				return errors.New("PLAN: duplicate Network")
			}
			plan.Network = v
		case "Scenario":
			plan.Scenarios = append(plan.Scenarios, v)
		case "Server":
			plan.Servers = append(plan.Servers, v)
		case "Workers":
			if plan.Workers != 0 {
				return errors.New("PLAN: duplicate Workers")
			}
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				return fmt.Errorf("PLAN: invalid Workers value %q", v)
			}
			plan.Workers = n
		default:
			return fmt.Errorf("PLAN: unknown field %q", k)
		}
	}
	switch {
	case len(plan.Clients) == 0:
		return errors.New("PLAN: missing Client")
	case len(plan.Servers) == 0:
		return errors.New("PLAN: missing Server")
	case len(plan.Crypto) == 0:
		return errors.New("PLAN: missing Crypto")
	case len(plan.Scenarios) == 0:
		return errors.New("PLAN: missing Scenario")
	case plan.Network == "":
		return errors.New("PLAN: missing Network")
	case plan.Workers == 0:
		return errors.New("PLAN: missing Workers")
	}
	for key, vals := range map[string][]string{
		"Client":   plan.Clients,
		"Crypto":   plan.Crypto,
		"Scenario": plan.Scenarios,
		"Server":   plan.Servers,
	} {
		if err := strictlyAscending("PLAN", key, vals); err != nil {
			return err
		}
	}
	return nil
}

var cellStatuses = map[string]bool{
	"passed":  true,
	"failed":  true,
	"skipped": true,
	"timeout": true,
}

func parseCells(body []string) ([]Cell, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var cells []Cell
	i := 0
	next := func(key string) (string, bool) {
		if i < len(body) && strings.HasPrefix(body[i], key+": ") {
			_, v, err := splitKV(body[i])
			if err != nil {
				return "", false
			}
			i++
			return v, true
		}
		return "", false
	}
	for i < len(body) {
		var c Cell
		v, ok := next("Cell-ID")
		if !ok {
			return nil, errors.New("CELLS: each record must start with Cell-ID")
		}
		c.ID = v

		for _, req := range []struct {
			key string
			dst *string
		}{
			{"Client", &c.Client},
			{"Server", &c.Server},
			{"Crypto", &c.CryptoID},
			{"Status", &c.Status},
		} {
			v, ok := next(req.key)
			if !ok {
				return nil, fmt.Errorf("CELLS: record %s missing %s", c.ID, req.key)
			}
			*req.dst = v
		}
		if !cellStatuses[c.Status] {
			return nil, fmt.Errorf("CELLS: record %s has invalid Status %q", c.ID, c.Status)
		}

		if v, ok := next("Forced"); ok {
			if v != "true" {
				return nil, fmt.Errorf("CELLS: record %s has invalid Forced value %q", c.ID, v)
			}
			c.Forced = true
		}
		if v, ok := next("Error-Kind"); ok {
			c.ErrorKind = v
		}
		if v, ok := next("Error-Phase"); ok {
			c.ErrorPhase = v
		}

		v, ok = next("Duration-MS")
		if !ok {
			return nil, fmt.Errorf("CELLS: record %s missing Duration-MS", c.ID)
		}
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms < 0 {
			return nil, fmt.Errorf("CELLS: record %s has invalid Duration-MS %q", c.ID, v)
		}
		c.DurationMS = ms

		for {
			v, ok := next("Scenario-Passed")
			if !ok {
				break
			}
			c.ScenariosPassed = append(c.ScenariosPassed, v)
		}
		for {
			v, ok := next("Scenario-Failed")
			if !ok {
				break
			}
			c.ScenariosFailed = append(c.ScenariosFailed, v)
		}
		if v, ok := next("Output-CID"); ok {
			c.OutputCID = v
		}

		if err := strictlyAscending("CELLS", "Scenario-Passed", c.ScenariosPassed); err != nil {
			return nil, err
		}
		if err := strictlyAscending("CELLS", "Scenario-Failed", c.ScenariosFailed); err != nil {
			return nil, err
		}
		cells = append(cells, c)
	}

	for i := 1; i < len(cells); i++ {
		if !(cells[i-1].ID < cells[i].ID) {
			return nil, errors.New("CELLS: records not sorted by Cell-ID")
		}
	}
	return cells, nil
}

func parseCrypto(body []string) (*Crypto, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var c Crypto
	for _, l := range body {
		k, v, err := splitKV(l)
		if err != nil {
			return nil, fmt.Errorf("CRYPTO: %w", err)
		}
		var dst *string
		switch k {
		case "Hash-Alg":
			dst = &c.HashAlg
		case "Signature":
			dst = &c.Signature
		case "Signature-Alg":
			dst = &c.SignatureAlg
		case "Signer-Key":
			dst = &c.SignerKey
		default:
			return nil, fmt.Errorf("CRYPTO: unknown field %q", k)
		}
		if *dst != "" {
			return nil, fmt.Errorf("CRYPTO: duplicate %s", k)
		}
		*dst = v
	}
	// A partially populated CRYPTO section is invalid.
	if c.HashAlg == "" || c.Signature == "" || c.SignatureAlg == "" || c.SignerKey == "" {
		return nil, errors.New("CRYPTO: incomplete signature fields")
	}
	return &c, nil
}

func strictlyAscending(section, key string, vals []string) error {
	for i := 1; i < len(vals); i++ {
		if !(vals[i-1] < vals[i]) {
			return fmt.Errorf("%s: %s entries not sorted or duplicated", section, key)
		}
	}
	return nil
}
