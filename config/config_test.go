package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/provide-io/tofusoup-go/soup"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate(): %v", err)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "soup.toml")
	doc := `
[server]
network = "unix"
address = "/tmp/soup.sock"
startup_timeout = "250ms"

[tls]
mode = "auto"
key_type = "ec"
curve = "p384"

[kv]
backend = "fs"
root = "/var/lib/soup"

[matrix]
workers = 8
cell_timeout = "90s"
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Network != "unix" || cfg.Server.Address != "/tmp/soup.sock" {
		t.Fatalf("server section not applied: %+v", cfg.Server)
	}
	if cfg.Server.StartupTimeout.Std() != 250*time.Millisecond {
		t.Fatalf("startup_timeout = %v", cfg.Server.StartupTimeout.Std())
	}
	if cfg.TLS.Mode != "auto" || cfg.TLS.Curve != "p384" {
		t.Fatalf("tls section not applied: %+v", cfg.TLS)
	}
	if cfg.KV.Backend != "fs" || cfg.KV.Root != "/var/lib/soup" {
		t.Fatalf("kv section not applied: %+v", cfg.KV)
	}
	if cfg.Matrix.Workers != 8 || cfg.Matrix.CellTimeout.Std() != 90*time.Second {
		t.Fatalf("matrix section not applied: %+v", cfg.Matrix)
	}

	// Sections absent from the file keep their defaults.
	if cfg.Cookie.Key == "" || cfg.Logging.Level != "info" {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv(EnvTLSMode, "manual")
	t.Setenv(EnvCookieValue, "from-env")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TLS.Mode != "manual" {
		t.Fatalf("TLS mode = %q, want manual", cfg.TLS.Mode)
	}
	if cfg.Cookie.Value != "from-env" {
		t.Fatalf("cookie value = %q, want from-env", cfg.Cookie.Value)
	}
}

func TestLoad_MalformedEnvFailsFast(t *testing.T) {
	t.Setenv(EnvTLSRSABits, "lots")
	if _, err := Load(""); soup.KindOf(err) != soup.KindConfiguration {
		t.Fatalf("Load = %v, want ConfigurationError", err)
	}
}

func TestLoad_UnknownTLSModeEnvRejected(t *testing.T) {
	t.Setenv(EnvTLSMode, "mutual")
	if _, err := Load(""); soup.KindOf(err) != soup.KindConfiguration {
		t.Fatalf("Load = %v, want ConfigurationError", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Harness)
	}{
		{"bad network", func(c *Harness) { c.Server.Network = "udp" }},
		{"bad tls mode", func(c *Harness) { c.TLS.Mode = "sometimes" }},
		{"bad curve", func(c *Harness) { c.TLS.Curve = "p999" }},
		{"bad rsa bits", func(c *Harness) { c.TLS.KeyType = "rsa"; c.TLS.RSABits = 1024 }},
		{"no kv backend", func(c *Harness) { c.KV.Backend = " " }},
		{"zero workers", func(c *Harness) { c.Matrix.Workers = 0 }},
		{"empty cookie", func(c *Harness) { c.Cookie.Value = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("Validate accepted %s", tc.name)
			}
		})
	}
}

func TestCryptoConfigMapping(t *testing.T) {
	tls := TLSConfig{KeyType: "ec", Curve: "secp384r1"}
	cc, err := tls.CryptoConfig()
	if err != nil {
		t.Fatalf("CryptoConfig: %v", err)
	}
	if cc.ID() != "ec-p384" {
		t.Fatalf("ID = %q, want ec-p384", cc.ID())
	}

	tls = TLSConfig{KeyType: "rsa"}
	cc, err = tls.CryptoConfig()
	if err != nil {
		t.Fatalf("CryptoConfig: %v", err)
	}
	if cc.ID() != "rsa-2048" {
		t.Fatalf("ID = %q, want rsa-2048 when bits unset", cc.ID())
	}
}
