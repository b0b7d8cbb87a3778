package matrix

import "time"

// Status classifies one recorded cell or scenario outcome.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
	StatusTimeout Status = "timeout"
)

// ScenarioResult records one scenario run inside a cell.
type ScenarioResult struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	DurationMS int64  `json:"durationMS"`
	Detail     string `json:"detail,omitempty"`
}

// CellResult is the record of one (client, server, crypto) combination.
// The run collector is its only writer; once collected it is never
// mutated.
type CellResult struct {
	CellID   string `json:"cellID"`
	Client   string `json:"clientRuntime"`
	Server   string `json:"serverRuntime"`
	CryptoID string `json:"cryptoID"`

	Status Status `json:"status"`

	// Forced marks a cell the compatibility table ruled out but the plan
	// attempted anyway.
	Forced bool `json:"forced,omitempty"`

	// Endpoint is the server's advertised address once its handshake
	// line was read.
	Endpoint string `json:"endpoint,omitempty"`

	ErrorKind   string `json:"errorKind,omitempty"`
	ErrorPhase  string `json:"errorPhase,omitempty"`
	ErrorDetail string `json:"errorDetail,omitempty"`

	// OutputTail holds the last lines of the server's standard error so
	// a cross-runtime failure is diagnosable from the report alone.
	OutputTail []string `json:"outputTail,omitempty"`

	Scenarios []ScenarioResult `json:"scenarios,omitempty"`

	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	DurationMS int64     `json:"durationMS"`
}

// Summary counts cells by status.
type Summary struct {
	Total    int `json:"total"`
	Passed   int `json:"passed"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
	TimedOut int `json:"timedOut"`
}

// Result is the full record of one matrix run.
type Result struct {
	RunID      string       `json:"runID"`
	Plan       Plan         `json:"plan"`
	Cells      []CellResult `json:"cells"`
	Summary    Summary      `json:"summary"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`
	DurationMS int64        `json:"durationMS"`
}

// Failed reports whether the run should exit non-zero: any cell failed or
// ran out of time. Skipped cells are expected outcomes and do not fail a
// run.
func (r *Result) Failed() bool {
	return r.Summary.Failed > 0 || r.Summary.TimedOut > 0
}

func summarize(cells []CellResult) Summary {
	s := Summary{Total: len(cells)}
	for i := range cells {
		switch cells[i].Status {
		case StatusPassed:
			s.Passed++
		case StatusFailed:
			s.Failed++
		case StatusSkipped:
			s.Skipped++
		case StatusTimeout:
			s.TimedOut++
		}
	}
	return s
}
