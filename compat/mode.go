package compat

// Mode selects how the orchestrator treats an unsupported verdict.
//
// Advisory mode records the verdict and lets an explicit override force the
// attempt anyway. Enforcing mode refuses overrides, so a suite can guarantee
// it never spends wall-clock time on pairings known to fail.
type Mode int

const (
	Advisory Mode = iota
	Enforcing
)
