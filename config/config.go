// Package config loads harness configuration: defaults, then an optional
// TOML file, then environment overrides, validated as a whole.
package config

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/provide-io/tofusoup-go/certs"
	"github.com/provide-io/tofusoup-go/channel"
	"github.com/provide-io/tofusoup-go/handshake"
	"github.com/provide-io/tofusoup-go/soup"
)

// Duration is a time.Duration that unmarshals from TOML strings like "10s".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Harness is the full configuration surface shared by the server daemon and
// the orchestrator CLI.
type Harness struct {
	Server  ServerConfig  `toml:"server"`
	TLS     TLSConfig     `toml:"tls"`
	KV      KVConfig      `toml:"kv"`
	Matrix  MatrixConfig  `toml:"matrix"`
	Logging LoggingConfig `toml:"logging"`
	Cookie  CookieConfig  `toml:"cookie"`
}

type ServerConfig struct {
	Network        string   `toml:"network"`
	Address        string   `toml:"address"`
	StartupTimeout Duration `toml:"startup_timeout"`
}

type TLSConfig struct {
	Mode     string `toml:"mode"`
	KeyType  string `toml:"key_type"`
	Curve    string `toml:"curve"`
	RSABits  int    `toml:"rsa_bits"`
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
	CAFile   string `toml:"ca_file"`
}

type KVConfig struct {
	Backend           string `toml:"backend"`
	Root              string `toml:"root"`
	DisableEnrichment bool   `toml:"disable_enrichment"`
}

type MatrixConfig struct {
	Workers      int      `toml:"workers"`
	SuiteTimeout Duration `toml:"suite_timeout"`
	CellTimeout  Duration `toml:"cell_timeout"`
	PlanFile     string   `toml:"plan_file"`
	RulesFile    string   `toml:"rules_file"`
	Override     bool     `toml:"override_incompatible"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type CookieConfig struct {
	Key   string `toml:"key"`
	Value string `toml:"value"`
}

// Default returns the configuration used when no file or environment is
// present.
func Default() Harness {
	return Harness{
		Server: ServerConfig{
			Network:        "tcp",
			Address:        "127.0.0.1:0",
			StartupTimeout: Duration(handshake.DefaultStartupTimeout),
		},
		TLS: TLSConfig{
			Mode:    string(channel.ModeDisabled),
			KeyType: string(certs.KeyEC),
			Curve:   string(certs.CurveP256),
			RSABits: 2048,
		},
		KV: KVConfig{Backend: "mem"},
		Matrix: MatrixConfig{
			Workers:      4,
			SuiteTimeout: Duration(10 * time.Minute),
			CellTimeout:  Duration(time.Minute),
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Cookie: CookieConfig{
			Key:   handshake.DefaultCookieKey,
			Value: handshake.DefaultCookieValue,
		},
	}
}

// Load builds the effective configuration: defaults, then path when
// non-empty, then environment overrides, then validation.
func Load(path string) (Harness, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Harness{}, soup.Wrap(soup.KindConfiguration, "loading config file "+path, err)
		}
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return Harness{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Harness{}, err
	}
	return cfg, nil
}

func (c Harness) Validate() error {
	switch c.Server.Network {
	case handshake.NetworkTCP, handshake.NetworkUnix:
	default:
		return soup.Newf(soup.KindConfiguration, "server network %q (want tcp or unix)", c.Server.Network)
	}
	if c.Server.StartupTimeout < 0 {
		return soup.New(soup.KindConfiguration, "server startup_timeout is negative")
	}
	if _, err := c.TLS.ChannelMode(); err != nil {
		return err
	}
	if _, err := c.TLS.CryptoConfig(); err != nil {
		return err
	}
	if strings.TrimSpace(c.KV.Backend) == "" {
		return soup.New(soup.KindConfiguration, "kv backend not set")
	}
	if c.Matrix.Workers < 1 {
		return soup.Newf(soup.KindConfiguration, "matrix workers %d (want at least 1)", c.Matrix.Workers)
	}
	if c.Cookie.Key == "" || c.Cookie.Value == "" {
		return soup.New(soup.KindConfiguration, "cookie key and value must both be set")
	}
	return nil
}

// ChannelMode parses the TLS mode field.
func (t TLSConfig) ChannelMode() (channel.Mode, error) {
	return channel.ParseMode(t.Mode)
}

// CryptoConfig assembles the certificate policy from the key type fields.
func (t TLSConfig) CryptoConfig() (certs.CryptoConfig, error) {
	switch strings.ToLower(strings.TrimSpace(t.KeyType)) {
	case string(certs.KeyRSA):
		bits := t.RSABits
		if bits == 0 {
			bits = 2048
		}
		cfg := certs.CryptoConfig{KeyType: certs.KeyRSA, RSABits: bits}
		return cfg, cfg.Validate()
	case string(certs.KeyEC):
		curve, err := parseCurve(t.Curve)
		if err != nil {
			return certs.CryptoConfig{}, err
		}
		cfg := certs.CryptoConfig{KeyType: certs.KeyEC, Curve: curve}
		return cfg, cfg.Validate()
	default:
		return certs.CryptoConfig{}, soup.Newf(soup.KindConfiguration, "tls key_type %q (want rsa or ec)", t.KeyType)
	}
}

// Files returns the manual-mode certificate material paths.
func (t TLSConfig) Files() channel.FileSet {
	return channel.FileSet{CertFile: t.CertFile, KeyFile: t.KeyFile, CAFile: t.CAFile}
}

func parseCurve(s string) (certs.CurveID, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(certs.CurveP256), "secp256r1":
		return certs.CurveP256, nil
	case string(certs.CurveP384), "secp384r1":
		return certs.CurveP384, nil
	case string(certs.CurveP521), "secp521r1":
		return certs.CurveP521, nil
	default:
		return "", soup.Newf(soup.KindConfiguration, "tls curve %q (want p256, p384, or p521)", s)
	}
}
