package compat

import (
	"strings"
	"testing"

	"github.com/provide-io/tofusoup-go/soup"
)

const validTable = `-----BEGIN TOFUSOUP COMPAT TABLE-----
META
Version: 1
Spec: tofusoup-compat-1

RULES
Pair:
  Client: *
  Server: *
  Crypto: *
  Supported: yes

Pair:
  Client: python
  Server: *
  Crypto: ec-p521
  Supported: no
  Reason: no secp521r1
-----END TOFUSOUP COMPAT TABLE-----`

func TestParseValidTable(t *testing.T) {
	table, err := ParseTable([]byte(validTable))
	if err != nil {
		t.Fatalf("expected valid table, got error: %v", err)
	}
	if len(table.Rules) != 2 {
		t.Fatalf("expected 2 rules, got %+v", table.Rules)
	}
	if table.Rules[1].Client != "python" || table.Rules[1].Supported {
		t.Errorf("expected unsupported python rule, got %+v", table.Rules[1])
	}
}

func TestValidate_MostSpecificRuleWins(t *testing.T) {
	table, err := ParseTable([]byte(validTable))
	if err != nil {
		t.Fatalf("ParseTable: %v", err)
	}

	v := table.Validate(Pair{Client: "python", Server: "go", Crypto: "ec-p521"})
	if v.Supported {
		t.Fatalf("expected unsupported verdict, got %+v", v)
	}
	if v.Reason != "no secp521r1" {
		t.Fatalf("reason = %q", v.Reason)
	}

	v = table.Validate(Pair{Client: "go", Server: "go", Crypto: "ec-p521"})
	if !v.Supported {
		t.Fatalf("wildcard row should permit go client, got %+v", v)
	}
}

func TestValidate_LaterRowWinsTies(t *testing.T) {
	table := &Table{Rules: []Rule{
		{Client: "go", Server: "go", Crypto: "ec-p256", Supported: false, Reason: "stale"},
		{Client: "go", Server: "go", Crypto: "ec-p256", Supported: true},
	}}
	if v := table.Validate(Pair{"go", "go", "ec-p256"}); !v.Supported {
		t.Fatalf("appended override did not win: %+v", v)
	}
}

func TestValidate_UnknownPairPermitted(t *testing.T) {
	table := &Table{}
	if v := table.Validate(Pair{"zig", "lua", "ec-p384"}); !v.Supported {
		t.Fatalf("empty table must permit, got %+v", v)
	}
}

func TestValidate_NormalizesCase(t *testing.T) {
	table, err := ParseTable([]byte(validTable))
	if err != nil {
		t.Fatalf("ParseTable: %v", err)
	}
	if v := table.Validate(Pair{Client: " Python ", Server: "GO", Crypto: "EC-P521"}); v.Supported {
		t.Fatalf("case variation dodged the rule: %+v", v)
	}
}

func TestValidate_SuggestsAlternatives(t *testing.T) {
	table, err := ParseTable([]byte(validTable))
	if err != nil {
		t.Fatalf("ParseTable: %v", err)
	}
	table.CandidateCryptoIDs = []string{"ec-p256", "ec-p384", "ec-p521", "rsa-2048"}

	v := table.Validate(Pair{Client: "python", Server: "go", Crypto: "ec-p521"})
	if v.Supported {
		t.Fatalf("expected unsupported verdict, got %+v", v)
	}
	want := []string{"ec-p256", "ec-p384", "rsa-2048"}
	if len(v.Alternatives) != len(want) {
		t.Fatalf("alternatives = %v, want %v", v.Alternatives, want)
	}
	for i := range want {
		if v.Alternatives[i] != want[i] {
			t.Fatalf("alternatives = %v, want %v", v.Alternatives, want)
		}
	}
}

func TestParseStrict_RequiresExplicitSupported(t *testing.T) {
	doc := `-----BEGIN TOFUSOUP COMPAT TABLE-----
META
Version: 1
Spec: tofusoup-compat-1

RULES
Pair:
  Client: go
  Server: go
  Crypto: ec-p256
-----END TOFUSOUP COMPAT TABLE-----`

	table, err := ParseTable([]byte(doc))
	if err != nil {
		t.Fatalf("permissive parse: %v", err)
	}
	if !table.Rules[0].Supported {
		t.Fatalf("permissive default should be supported, got %+v", table.Rules[0])
	}

	if _, err := ParseTableStrict([]byte(doc)); soup.KindOf(err) != soup.KindConfiguration {
		t.Fatalf("strict parse = %v, want ConfigurationError", err)
	}
}

func TestParseStrict_RequiresReasonWhenUnsupported(t *testing.T) {
	doc := `-----BEGIN TOFUSOUP COMPAT TABLE-----
META
Version: 1
Spec: tofusoup-compat-1

RULES
Pair:
  Client: go
  Server: go
  Crypto: ec-p256
  Supported: no
-----END TOFUSOUP COMPAT TABLE-----`

	if _, err := ParseTableStrict([]byte(doc)); err == nil {
		t.Fatal("expected strict parse error")
	}
}

func TestParse_RejectsUnknownField(t *testing.T) {
	doc := `-----BEGIN TOFUSOUP COMPAT TABLE-----
META
Version: 1
Spec: tofusoup-compat-1

RULES
Pair:
  Client: go
  Server: go
  Crypto: ec-p256
  Nope: 1
-----END TOFUSOUP COMPAT TABLE-----`

	if _, err := ParseTable([]byte(doc)); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParse_RejectsInvalidSupportedValue(t *testing.T) {
	doc := strings.Replace(validTable, "Supported: no", "Supported: maybe", 1)
	if _, err := ParseTable([]byte(doc)); err == nil {
		t.Fatal("expected error for invalid Supported value")
	}
}

func TestParse_MissingPreamble(t *testing.T) {
	if _, err := ParseTable([]byte("META\nVersion: 1\n")); err == nil {
		t.Fatal("expected error for missing preamble")
	}
}

func TestParse_MissingMetaSpec(t *testing.T) {
	doc := strings.Replace(validTable, "Spec: tofusoup-compat-1\n", "", 1)
	if _, err := ParseTable([]byte(doc)); err == nil {
		t.Fatal("expected error for missing META Spec")
	}
}

func TestParse_FormatHygiene(t *testing.T) {
	if _, err := ParseTable(append([]byte{0xEF, 0xBB, 0xBF}, []byte(validTable)...)); err == nil {
		t.Error("expected error for BOM")
	}
	if _, err := ParseTable([]byte(strings.ReplaceAll(validTable, "\n", "\r\n"))); err == nil {
		t.Error("expected error for CR line endings")
	}
	if _, err := ParseTable([]byte(strings.Replace(validTable, "Version: 1", "Version: 1 ", 1))); err == nil {
		t.Error("expected error for trailing whitespace")
	}
}

func TestDefaultTable(t *testing.T) {
	table := DefaultTable()
	if v := table.Validate(Pair{"go", "go", "ec-p256"}); !v.Supported {
		t.Fatalf("baseline pairing unsupported: %+v", v)
	}

	v := table.Validate(Pair{"python", "go", "ec-p521"})
	if v.Supported {
		t.Fatalf("expected unsupported verdict, got %+v", v)
	}
	if v.Reason == "" {
		t.Fatal("unsupported verdict missing reason")
	}
	found := false
	for _, alt := range v.Alternatives {
		if alt == "rsa-4096" {
			found = true
		}
	}
	if !found {
		t.Fatalf("alternatives %v missing rsa-4096", v.Alternatives)
	}
}
