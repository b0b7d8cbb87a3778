// Package runtimes names the harness implementations the matrix can drive
// and knows how to invoke each one.
//
// A runtime's server side is spawned as a child process following the
// conformance CLI contract; its client side either runs in the
// orchestrator's own process (the in-repo Go runtime) or is invoked
// through a sibling harness's connect command. External binaries can be
// addressed without registration through the "exec:<path>" form.
package runtimes

import (
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/provide-io/tofusoup-go/certs"
)

// Spec describes one server launch: where to bind, how to secure the
// channel, and which store backend to run. The launch cookie, storage
// root, and exchanged trust material travel through the environment, not
// through Spec.
type Spec struct {
	Network string
	Address string
	TLSMode string

	// Crypto is the key policy for secured modes; ignored when TLSMode
	// is disabled.
	Crypto certs.CryptoConfig

	Backend string
	WorkDir string
}

// ClientSpec describes one scenario run handed to an external client
// runtime's connect command.
type ClientSpec struct {
	Network string
	Address string
	TLSMode string

	// ServerFingerprint is the pin taken from the server's handshake
	// line, empty in plaintext mode.
	ServerFingerprint string

	// CertFile/KeyFile carry the client's certificate material when the
	// channel is secured.
	CertFile string
	KeyFile  string

	Scenario string
}

// Runtime is one registered implementation family.
//
// ServerCommand builds the invocation that starts this runtime's probe
// server. A nil ClientCommand means the orchestrator's own in-process
// client drives scenarios against servers of other runtimes.
type Runtime struct {
	Name        string
	Description string

	ServerCommand func(spec Spec) (*exec.Cmd, error)
	ClientCommand func(spec ClientSpec) (*exec.Cmd, error)
}

const execPrefix = "exec:"

var (
	mu       sync.RWMutex
	registry = map[string]Runtime{}
)

// Register registers a runtime.
func Register(rt Runtime) error {
	if rt.Name == "" {
		return fmt.Errorf("runtimes: runtime name is required")
	}
	if strings.HasPrefix(rt.Name, execPrefix) {
		return fmt.Errorf("runtimes: the %q prefix is reserved for ad hoc binaries", execPrefix)
	}
	if rt.ServerCommand == nil {
		return fmt.Errorf("runtimes: runtime %q missing ServerCommand", rt.Name)
	}

	mu.Lock()
	defer mu.Unlock()
	if _, exists := registry[rt.Name]; exists {
		return fmt.Errorf("runtimes: runtime %q already registered", rt.Name)
	}
	registry[rt.Name] = rt
	return nil
}

// MustRegister is like Register but panics on error.
func MustRegister(rt Runtime) {
	if err := Register(rt); err != nil {
		panic(err)
	}
}

// Names returns registered runtime names, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Lookup resolves a runtime name. The "exec:<path>" form wraps an
// unregistered harness binary that follows the conformance CLI contract.
func Lookup(name string) (Runtime, error) {
	if strings.HasPrefix(name, execPrefix) {
		path := strings.TrimPrefix(name, execPrefix)
		if path == "" {
			return Runtime{}, fmt.Errorf("runtimes: %q names no binary", name)
		}
		return external(name, path), nil
	}
	mu.RLock()
	rt, ok := registry[name]
	mu.RUnlock()
	if !ok {
		return Runtime{}, fmt.Errorf("runtimes: unknown runtime %q (have %s)", name, strings.Join(Names(), ", "))
	}
	return rt, nil
}

// ServerArgs renders the server entry point flags of the conformance CLI
// contract for a spec.
func ServerArgs(spec Spec) []string {
	args := []string{
		"--network", spec.Network,
		"--address", spec.Address,
		"--tls-mode", spec.TLSMode,
	}
	if spec.TLSMode != "" && spec.TLSMode != "disabled" {
		args = append(args, cryptoArgs(spec.Crypto)...)
	}
	if spec.Backend != "" {
		args = append(args, "--backend", spec.Backend)
	}
	return args
}

// ClientArgs renders the connect entry point flags of the conformance CLI
// contract for one scenario.
func ClientArgs(spec ClientSpec) []string {
	args := []string{
		"--network", spec.Network,
		"--address", spec.Address,
		"--tls-mode", spec.TLSMode,
		"--scenario", spec.Scenario,
	}
	if spec.ServerFingerprint != "" {
		args = append(args, "--server-fp", spec.ServerFingerprint)
	}
	if spec.CertFile != "" {
		args = append(args, "--client-cert", spec.CertFile, "--client-key", spec.KeyFile)
	}
	return args
}

func cryptoArgs(cfg certs.CryptoConfig) []string {
	switch cfg.KeyType {
	case certs.KeyRSA:
		return []string{"--tls-key-type", "rsa", "--tls-rsa-bits", strconv.Itoa(cfg.RSABits)}
	case certs.KeyEC:
		return []string{"--tls-key-type", "ec", "--tls-curve", string(cfg.Curve)}
	}
	return nil
}

func external(name, path string) Runtime {
	return Runtime{
		Name:        name,
		Description: "external harness at " + path,
		ServerCommand: func(spec Spec) (*exec.Cmd, error) {
			return exec.Command(path, append([]string{"server"}, ServerArgs(spec)...)...), nil
		},
		ClientCommand: func(spec ClientSpec) (*exec.Cmd, error) {
			return exec.Command(path, append([]string{"connect"}, ClientArgs(spec)...)...), nil
		},
	}
}
