package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/provide-io/tofusoup-go/channel"
	"github.com/provide-io/tofusoup-go/kv/fsstore"
	"github.com/provide-io/tofusoup-go/logging"
	"github.com/provide-io/tofusoup-go/soup"
)

// Environment variables recognized as overrides. Storage root and log
// settings reuse the names their owning packages declare.
const (
	EnvCookieKey   = "TOFUSOUP_COOKIE_KEY"
	EnvCookieValue = "TOFUSOUP_COOKIE_VALUE"
	EnvTLSMode     = "SOUP_TLS_MODE"
	EnvTLSKeyType  = "SOUP_TLS_KEY_TYPE"
	EnvTLSCurve    = "SOUP_TLS_CURVE"
	EnvTLSRSABits  = "SOUP_TLS_RSA_BITS"
)

// applyEnvOverrides overrides config values with environment variables if
// set. Malformed values fail fast rather than degrade to defaults.
func applyEnvOverrides(cfg *Harness) error {
	if key := os.Getenv(EnvCookieKey); key != "" {
		cfg.Cookie.Key = key
	}
	if val := os.Getenv(EnvCookieValue); val != "" {
		cfg.Cookie.Value = val
	}

	if root := os.Getenv(fsstore.EnvRoot); root != "" {
		cfg.KV.Root = root
	}

	if mode := os.Getenv(EnvTLSMode); mode != "" {
		m, err := channel.ParseMode(mode)
		if err != nil {
			return err
		}
		cfg.TLS.Mode = string(m)
	}
	if kt := os.Getenv(EnvTLSKeyType); kt != "" {
		kt = strings.ToLower(strings.TrimSpace(kt))
		if kt != "rsa" && kt != "ec" {
			return soup.Newf(soup.KindConfiguration, "invalid %s %q (want rsa or ec)", EnvTLSKeyType, kt)
		}
		cfg.TLS.KeyType = kt
	}
	if curve := os.Getenv(EnvTLSCurve); curve != "" {
		c, err := parseCurve(curve)
		if err != nil {
			return err
		}
		cfg.TLS.Curve = string(c)
	}
	if bits := os.Getenv(EnvTLSRSABits); bits != "" {
		n, err := strconv.Atoi(strings.TrimSpace(bits))
		if err != nil {
			return soup.Wrap(soup.KindConfiguration, "invalid "+EnvTLSRSABits+" "+strconv.Quote(bits), err)
		}
		cfg.TLS.RSABits = n
	}

	if level := os.Getenv(logging.EnvLogLevel); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv(logging.EnvLogFormat); format != "" {
		cfg.Logging.Format = format
	}
	return nil
}
