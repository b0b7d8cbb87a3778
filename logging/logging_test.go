package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		raw  string
		want zerolog.Level
		ok   bool
	}{
		{"", zerolog.InfoLevel, false},
		{"trace", zerolog.TraceLevel, true},
		{"DEBUG", zerolog.DebugLevel, true},
		{" info ", zerolog.InfoLevel, true},
		{"warning", zerolog.WarnLevel, true},
		{"error", zerolog.ErrorLevel, true},
		{"off", zerolog.Disabled, true},
		{"verbose", zerolog.InfoLevel, false},
	}
	for _, tc := range cases {
		got, ok := parseLevel(tc.raw)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("parseLevel(%q) = (%v, %v), want (%v, %v)", tc.raw, got, ok, tc.want, tc.ok)
		}
	}
}

func TestNew_JSONFormat(t *testing.T) {
	t.Setenv(EnvLogFormat, "json")
	t.Setenv(EnvLogLevel, "debug")

	var buf bytes.Buffer
	logger := New(&buf, "kv")
	logger.Debug().Str("key", "greeting").Msg("put")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if rec["component"] != "kv" {
		t.Fatalf("expected component=kv, got %v", rec["component"])
	}
	if rec["key"] != "greeting" {
		t.Fatalf("expected key field, got %v", rec["key"])
	}
}

func TestNew_LevelFiltersBelow(t *testing.T) {
	t.Setenv(EnvLogFormat, "json")
	t.Setenv(EnvLogLevel, "warn")

	var buf bytes.Buffer
	logger := New(&buf, "matrix")
	logger.Info().Msg("suppressed")
	logger.Warn().Msg("kept")

	out := buf.String()
	if strings.Contains(out, "suppressed") {
		t.Fatalf("info line leaked past warn level:\n%s", out)
	}
	if !strings.Contains(out, "kept") {
		t.Fatalf("warn line missing:\n%s", out)
	}
}

func TestNew_UnknownLevelDefaultsToInfo(t *testing.T) {
	t.Setenv(EnvLogFormat, "json")
	t.Setenv(EnvLogLevel, "shouting")

	var buf bytes.Buffer
	logger := New(&buf, "cli")
	logger.Info().Msg("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Fatalf("expected info output at defaulted level:\n%s", buf.String())
	}
}
