// Package compat answers, before any process is spawned, whether a
// (client runtime, server runtime, crypto config) triple is expected to
// work. The table is pure data; extending supported combinations never
// requires touching connection or orchestration logic.
package compat

import (
	"sort"
	"strings"
)

// Wildcard matches any runtime or crypto id in a rule field.
const Wildcard = "*"

// Rule is one row of the table. Empty Reason is permitted for supported
// rows.
type Rule struct {
	Client    string
	Server    string
	Crypto    string
	Supported bool
	Reason    string
}

// Pair identifies one matrix cell to validate.
type Pair struct {
	Client string
	Server string
	Crypto string
}

// Verdict is the validator's answer. Alternatives lists crypto ids known to
// work for the same runtime pairing and is populated only for unsupported
// verdicts.
type Verdict struct {
	Supported    bool
	Reason       string
	Alternatives []string
}

// Table holds compatibility rules. The zero value permits everything.
type Table struct {
	Meta  map[string]string
	Rules []Rule

	// CandidateCryptoIDs is the universe used to suggest alternatives.
	// When empty, crypto ids named by the rules are used.
	CandidateCryptoIDs []string
}

// Validate is a pure lookup. Pairs no rule covers are permitted; the table
// encodes known facts, not an allowlist. The most specific matching rule
// wins, and at equal specificity the later declaration wins so appended
// overrides take effect.
func (t *Table) Validate(p Pair) Verdict {
	p = normalizePair(p)
	v, matched := t.lookup(p)
	if !matched {
		return Verdict{Supported: true}
	}
	if !v.Supported {
		v.Alternatives = t.alternatives(p)
	}
	return v
}

func (t *Table) lookup(p Pair) (Verdict, bool) {
	best := -1
	var out Verdict
	matched := false
	for _, r := range t.Rules {
		if !fieldMatch(r.Client, p.Client) || !fieldMatch(r.Server, p.Server) || !fieldMatch(r.Crypto, p.Crypto) {
			continue
		}
		if s := specificity(r); s >= best {
			best = s
			out = Verdict{Supported: r.Supported, Reason: r.Reason}
			matched = true
		}
	}
	return out, matched
}

func (t *Table) alternatives(p Pair) []string {
	ids := t.CandidateCryptoIDs
	if len(ids) == 0 {
		ids = t.ruleCryptoIDs()
	}
	var alts []string
	for _, id := range ids {
		id = strings.ToLower(strings.TrimSpace(id))
		if id == p.Crypto || id == Wildcard {
			continue
		}
		v, matched := t.lookup(Pair{Client: p.Client, Server: p.Server, Crypto: id})
		if !matched || v.Supported {
			alts = append(alts, id)
		}
	}
	return alts
}

func (t *Table) ruleCryptoIDs() []string {
	seen := map[string]bool{}
	for _, r := range t.Rules {
		if r.Crypto != Wildcard {
			seen[r.Crypto] = true
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func fieldMatch(rule, value string) bool {
	return rule == Wildcard || rule == value
}

func specificity(r Rule) int {
	n := 0
	for _, f := range []string{r.Client, r.Server, r.Crypto} {
		if f != Wildcard {
			n++
		}
	}
	return n
}

func normalizePair(p Pair) Pair {
	return Pair{
		Client: strings.ToLower(strings.TrimSpace(p.Client)),
		Server: strings.ToLower(strings.TrimSpace(p.Server)),
		Crypto: strings.ToLower(strings.TrimSpace(p.Crypto)),
	}
}
