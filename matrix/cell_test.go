package matrix

import (
	"testing"

	"github.com/provide-io/tofusoup-go/compat"
)

func TestExpandCrossProduct(t *testing.T) {
	plan := DefaultPlan()
	plan.Clients = []string{"go", "exec:/opt/kv"}
	plan.Servers = []string{"go"}
	plan.Crypto = []string{CryptoDisabled, "ec-p256"}

	cells := Expand(plan, nil)
	if len(cells) != 4 {
		t.Fatalf("expanded %d cells, want 4", len(cells))
	}

	// Clients vary slowest, crypto fastest.
	wantOrder := []struct{ client, crypto string }{
		{"go", CryptoDisabled},
		{"go", "ec-p256"},
		{"exec:/opt/kv", CryptoDisabled},
		{"exec:/opt/kv", "ec-p256"},
	}
	ids := map[string]bool{}
	for i, cell := range cells {
		if cell.Index != i {
			t.Errorf("cell %d has Index %d", i, cell.Index)
		}
		if cell.Client != wantOrder[i].client || cell.CryptoID != wantOrder[i].crypto {
			t.Errorf("cell %d = (%s, %s), want (%s, %s)",
				i, cell.Client, cell.CryptoID, wantOrder[i].client, wantOrder[i].crypto)
		}
		if cell.ID == "" || ids[cell.ID] {
			t.Errorf("cell %d has missing or duplicate ID %q", i, cell.ID)
		}
		ids[cell.ID] = true
		if !cell.Verdict.Supported {
			t.Errorf("cell %d unexpectedly unsupported: %s", i, cell.Verdict.Reason)
		}
	}
}

func TestExpandCapturesVerdicts(t *testing.T) {
	table := &compat.Table{
		Rules: []compat.Rule{
			{Client: "legacy", Server: compat.Wildcard, Crypto: "ec-p521", Supported: false, Reason: "curve not wired up"},
		},
		CandidateCryptoIDs: []string{"ec-p256", "ec-p521"},
	}

	plan := DefaultPlan()
	plan.Clients = []string{"legacy"}
	plan.Servers = []string{"go"}
	plan.Crypto = []string{"ec-p256", "ec-p521"}

	cells := Expand(plan, table)
	if len(cells) != 2 {
		t.Fatalf("expanded %d cells, want 2", len(cells))
	}
	if !cells[0].Verdict.Supported {
		t.Errorf("ec-p256 cell marked unsupported: %s", cells[0].Verdict.Reason)
	}
	if cells[1].Verdict.Supported {
		t.Error("ec-p521 cell not marked unsupported")
	}
	if got := cells[1].Verdict.Reason; got != "curve not wired up" {
		t.Errorf("verdict reason = %q", got)
	}
	if len(cells[1].Verdict.Alternatives) == 0 {
		t.Error("unsupported verdict suggests no alternatives")
	}
}
