package runtimes

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// daemonName is the probe server binary installed alongside the
// orchestrator.
const daemonName = "soup-kvd"

func init() {
	MustRegister(Runtime{
		Name:        "go",
		Description: "in-repo Go harness",
		// soup-kvd is a dedicated server binary, so no subcommand is
		// prepended. The client half runs inside the orchestrator
		// process, hence no ClientCommand.
		ServerCommand: func(spec Spec) (*exec.Cmd, error) {
			path, err := locateDaemon()
			if err != nil {
				return nil, err
			}
			return exec.Command(path, ServerArgs(spec)...), nil
		},
	})
}

// locateDaemon prefers a soup-kvd sitting beside the running executable,
// falling back to PATH. Matrix runs from a built release tree hit the
// first case; go test and ad hoc invocations hit the second.
func locateDaemon() (string, error) {
	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), daemonName)
		if info, err := os.Stat(sibling); err == nil && !info.IsDir() {
			return sibling, nil
		}
	}
	path, err := exec.LookPath(daemonName)
	if err != nil {
		return "", fmt.Errorf("runtimes: %s not found beside the executable or on PATH: %w", daemonName, err)
	}
	return path, nil
}
