package compat

import (
	"bufio"
	"bytes"
	_ "embed"
	"io"
	"strings"

	"github.com/provide-io/tofusoup-go/soup"
)

// Table document format, line oriented:
//
//	-----BEGIN TOFUSOUP COMPAT TABLE-----
//	META
//	Version: 1
//	Spec: tofusoup-compat-1
//
//	RULES
//	Pair:
//	  Client: python
//	  Server: *
//	  Crypto: ec-p521
//	  Supported: no
//	  Reason: secp521r1 is disabled in common python TLS builds
//	-----END TOFUSOUP COMPAT TABLE-----
//
// Pair blocks are separated by blank lines. No BOM, no CR line endings, no
// trailing whitespace.
const (
	tablePreamble  = "-----BEGIN TOFUSOUP COMPAT TABLE-----"
	tablePostamble = "-----END TOFUSOUP COMPAT TABLE-----"
	tableSpec      = "tofusoup-compat-1"
)

//go:embed default_rules.soup
var defaultRules []byte

var defaultTable *Table

func init() {
	t, err := ParseTableStrict(defaultRules)
	if err != nil {
		panic("compat: embedded default table does not parse: " + err.Error())
	}
	defaultTable = t
}

// DefaultTable returns the table shipped with the harness. Callers must not
// mutate it; load an override file instead.
func DefaultTable() *Table { return defaultTable }

// ParseTable parses a compatibility table. Pair blocks may omit Supported,
// which defaults to yes.
func ParseTable(data []byte) (*Table, error) { return parseTable(data, false) }

// ParseTableStrict is ParseTable with no defaults: every Pair block must
// state Supported explicitly, and unsupported blocks must carry a Reason.
func ParseTableStrict(data []byte) (*Table, error) { return parseTable(data, true) }

func parseTable(data []byte, strict bool) (*Table, error) {
	if bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}) {
		return nil, soup.New(soup.KindConfiguration, "compat table: BOM not allowed")
	}
	if bytes.Contains(data, []byte("\r")) {
		return nil, soup.New(soup.KindConfiguration, "compat table: CR line endings not allowed")
	}
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(line) > 0 && (line[len(line)-1] == ' ' || line[len(line)-1] == '\t') {
			return nil, soup.New(soup.KindConfiguration, "compat table: trailing whitespace forbidden")
		}
	}

	if !bytes.HasPrefix(data, []byte(tablePreamble)) {
		return nil, soup.New(soup.KindConfiguration, "compat table: missing preamble")
	}
	if !bytes.HasSuffix(bytes.TrimSpace(data), []byte(tablePostamble)) {
		return nil, soup.New(soup.KindConfiguration, "compat table: missing postamble")
	}

	sections := map[string]bool{"META": true, "RULES": true}
	reader := bufio.NewReader(bytes.NewReader(data))
	var currSection string
	meta := make(map[string]string)
	var rules []Rule
	for {
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}
		trimmed := strings.TrimSpace(line)
		if sections[trimmed] {
			currSection = trimmed
			if err != nil {
				break
			}
			continue
		}
		if currSection == "META" && strings.Contains(trimmed, ": ") {
			kv := strings.SplitN(trimmed, ": ", 2)
			meta[kv[0]] = kv[1]
		}
		if currSection == "RULES" && trimmed == "Pair:" {
			r, perr := readPairBlock(reader, strict)
			if perr != nil {
				return nil, perr
			}
			rules = append(rules, r)
		}
		if err != nil {
			break
		}
	}

	if meta["Spec"] != tableSpec {
		return nil, soup.Newf(soup.KindConfiguration, "compat table: META Spec must be %q", tableSpec)
	}
	return &Table{Meta: meta, Rules: rules}, nil
}

func readPairBlock(reader *bufio.Reader, strict bool) (Rule, error) {
	var r Rule
	supportedSet := false
	r.Supported = true
	for {
		l, _ := reader.ReadString('\n')
		l = strings.TrimSpace(l)
		if l == "" || strings.HasSuffix(l, ":") || l == tablePostamble {
			break
		}
		switch {
		case strings.HasPrefix(l, "Client: "):
			r.Client = strings.ToLower(strings.TrimPrefix(l, "Client: "))
		case strings.HasPrefix(l, "Server: "):
			r.Server = strings.ToLower(strings.TrimPrefix(l, "Server: "))
		case strings.HasPrefix(l, "Crypto: "):
			r.Crypto = strings.ToLower(strings.TrimPrefix(l, "Crypto: "))
		case strings.HasPrefix(l, "Supported: "):
			switch strings.TrimPrefix(l, "Supported: ") {
			case "yes":
				r.Supported = true
			case "no":
				r.Supported = false
			default:
				return Rule{}, soup.Newf(soup.KindConfiguration, "compat table: invalid Supported value in %q", l)
			}
			supportedSet = true
		case strings.HasPrefix(l, "Reason: "):
			r.Reason = strings.TrimPrefix(l, "Reason: ")
		default:
			return Rule{}, soup.Newf(soup.KindConfiguration, "compat table: unknown field %q in Pair block", l)
		}
	}
	if r.Client == "" || r.Server == "" || r.Crypto == "" {
		return Rule{}, soup.New(soup.KindConfiguration, "compat table: Pair block missing Client, Server, or Crypto")
	}
	if strict {
		if !supportedSet {
			return Rule{}, soup.New(soup.KindConfiguration, "compat table: Pair block missing explicit Supported")
		}
		if !r.Supported && r.Reason == "" {
			return Rule{}, soup.New(soup.KindConfiguration, "compat table: unsupported Pair block missing Reason")
		}
	}
	return r, nil
}
