// Package logging builds the zerolog loggers used across the harness.
//
// Server-side processes must log to standard error only: standard output is
// reserved for the single handshake line a harness emits at startup.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel  = "SOUP_LOG_LEVEL"
	EnvLogFormat = "SOUP_LOG_FORMAT"
)

// New returns a logger writing to w, configured from the environment.
//
// SOUP_LOG_FORMAT selects "console" (default) or "json" output.
// SOUP_LOG_LEVEL selects the minimum level, defaulting to info; unknown
// values degrade to info rather than failing.
func New(w io.Writer, component string) zerolog.Logger {
	var out io.Writer = zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
	}
	if strings.EqualFold(strings.TrimSpace(os.Getenv(EnvLogFormat)), "json") {
		out = w
	}
	level, ok := parseLevel(os.Getenv(EnvLogLevel))
	if !ok {
		level = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("component", component).Logger()
}

// NewHarness returns a logger for a harness server process. Output goes to
// standard error unconditionally.
func NewHarness(component string) zerolog.Logger {
	return New(os.Stderr, component)
}

var configureOnce sync.Once

// Configure installs the process-wide default logger exactly once.
// Later calls are no-ops, so tests and libraries may call it freely.
func Configure(component string) {
	configureOnce.Do(func() {
		log.Logger = NewHarness(component)
	})
}

func parseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}
