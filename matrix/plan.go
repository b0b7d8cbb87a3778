package matrix

import (
	"bytes"
	"errors"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/provide-io/tofusoup-go/certs"
	"github.com/provide-io/tofusoup-go/handshake"
	"github.com/provide-io/tofusoup-go/soup"
)

// CryptoDisabled is the crypto axis entry selecting a plaintext channel
// instead of a key-generation policy.
const CryptoDisabled = "disabled"

// Duration reads "250ms" style text in plan files and reports.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Timeouts bound every suspension point of a run. Zero values disable the
// corresponding bound.
type Timeouts struct {
	// Startup bounds the wait for a spawned server's handshake line.
	Startup Duration `yaml:"startup" json:"startup"`
	// Connect bounds channel establishment.
	Connect Duration `yaml:"connect" json:"connect"`
	// Call bounds a single probe RPC.
	Call Duration `yaml:"call" json:"call"`
	// Cell bounds one full cell, launch through teardown.
	Cell Duration `yaml:"cell" json:"cell"`
	// Suite bounds the whole run.
	Suite Duration `yaml:"suite" json:"suite"`
}

// Plan declares the cross product a run covers and how hard to drive it.
type Plan struct {
	Clients   []string `yaml:"clients" json:"clients"`
	Servers   []string `yaml:"servers" json:"servers"`
	Crypto    []string `yaml:"crypto" json:"crypto"`
	Scenarios []string `yaml:"scenarios" json:"scenarios"`

	// Network is the listener family servers are asked to bind, "tcp" or
	// "unix".
	Network string `yaml:"network" json:"network"`

	// Workers bounds how many cells run concurrently.
	Workers int `yaml:"workers" json:"workers"`

	// Force attempts combinations the compatibility table rules out
	// instead of skipping them.
	Force bool `yaml:"force" json:"force"`

	Timeouts Timeouts `yaml:"timeouts" json:"timeouts"`
}

// DefaultPlan is the smallest useful run: the in-repo runtime against
// itself, plaintext and the default key policy, every scenario.
func DefaultPlan() Plan {
	return Plan{
		Clients:   []string{"go"},
		Servers:   []string{"go"},
		Crypto:    []string{CryptoDisabled, certs.DefaultCryptoConfig.ID()},
		Scenarios: ScenarioNames(),
		Network:   handshake.NetworkTCP,
		Workers:   4,
		Timeouts: Timeouts{
			Startup: Duration(handshake.DefaultStartupTimeout),
			Connect: Duration(5 * time.Second),
			Call:    Duration(30 * time.Second),
			Cell:    Duration(2 * time.Minute),
			Suite:   Duration(15 * time.Minute),
		},
	}
}

// LoadPlan reads a YAML plan file. Omitted fields keep their defaults;
// unknown fields are rejected.
func LoadPlan(path string) (Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, soup.Wrap(soup.KindConfiguration, "reading plan file", err)
	}
	plan := DefaultPlan()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&plan); err != nil && !errors.Is(err, io.EOF) {
		return Plan{}, soup.Wrap(soup.KindConfiguration, "parsing plan file", err)
	}
	if err := plan.Validate(); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

// Validate rejects plans that could not produce a meaningful run.
func (p Plan) Validate() error {
	if len(p.Clients) == 0 {
		return soup.New(soup.KindConfiguration, "plan names no client runtimes")
	}
	if len(p.Servers) == 0 {
		return soup.New(soup.KindConfiguration, "plan names no server runtimes")
	}
	if len(p.Crypto) == 0 {
		return soup.New(soup.KindConfiguration, "plan names no crypto configurations")
	}
	for _, axis := range []struct {
		label   string
		entries []string
	}{
		{"clients", p.Clients},
		{"servers", p.Servers},
		{"crypto", p.Crypto},
		{"scenarios", p.Scenarios},
	} {
		seen := make(map[string]bool, len(axis.entries))
		for _, e := range axis.entries {
			if seen[e] {
				return soup.Newf(soup.KindConfiguration, "duplicate %s entry %q", axis.label, e)
			}
			seen[e] = true
		}
	}
	for _, id := range p.Crypto {
		if id == CryptoDisabled {
			continue
		}
		if _, err := certs.ParseCryptoConfig(id); err != nil {
			return err
		}
	}
	if _, err := ResolveScenarios(p.Scenarios); err != nil {
		return err
	}
	switch p.Network {
	case handshake.NetworkTCP, handshake.NetworkUnix:
	default:
		return soup.Newf(soup.KindConfiguration, "unknown network %q (want %s or %s)",
			p.Network, handshake.NetworkTCP, handshake.NetworkUnix)
	}
	if p.Workers < 1 {
		return soup.Newf(soup.KindConfiguration, "workers must be at least 1, got %d", p.Workers)
	}
	for _, tmo := range []struct {
		label string
		d     Duration
	}{
		{"startup", p.Timeouts.Startup},
		{"connect", p.Timeouts.Connect},
		{"call", p.Timeouts.Call},
		{"cell", p.Timeouts.Cell},
		{"suite", p.Timeouts.Suite},
	} {
		if tmo.d < 0 {
			return soup.Newf(soup.KindConfiguration, "%s timeout is negative", tmo.label)
		}
	}
	return nil
}
