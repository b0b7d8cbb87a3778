package matrix

import (
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/provide-io/tofusoup-go/soup"
)

// terminateGrace is how long a server gets to exit after SIGTERM before
// it is killed.
const terminateGrace = 3 * time.Second

// exitStatus is the terminal state of a spawned harness process. code is
// -1 when the process was signaled or never produced an exit code.
type exitStatus struct {
	code int
	err  error
}

// process is one live harness server. stdout stays attached to the
// handshake reader; everything written to stderr lands in tail for
// failure reports.
type process struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	tail   *outputTail

	done   chan struct{}
	status exitStatus
}

// launch starts cmd with stdout piped back to the caller and stderr
// captured. The returned process is already reaped in the background; use
// exited and terminate rather than cmd.Wait.
func launch(cmd *exec.Cmd, dir string, extraEnv []string, tail *outputTail) (*process, error) {
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), extraEnv...)
	cmd.Stderr = tail

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, soup.Wrap(soup.KindHarnessCrash, "attach stdout pipe", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, soup.Wrap(soup.KindConfiguration, "start server process "+cmd.Path, err)
	}

	p := &process{cmd: cmd, stdout: stdout, tail: tail, done: make(chan struct{})}
	go func() {
		p.status = waitStatus(cmd.Wait())
		close(p.done)
	}()
	return p, nil
}

func waitStatus(err error) exitStatus {
	if err == nil {
		return exitStatus{code: 0}
	}
	if exit, ok := err.(*exec.ExitError); ok {
		return exitStatus{code: exit.ExitCode(), err: err}
	}
	return exitStatus{code: -1, err: err}
}

// exited reports whether the process has terminated, without blocking.
func (p *process) exited() (exitStatus, bool) {
	select {
	case <-p.done:
		return p.status, true
	default:
		return exitStatus{}, false
	}
}

// terminate asks the server to exit and escalates to SIGKILL after the
// grace period. Safe to call on an already dead process.
func (p *process) terminate() exitStatus {
	select {
	case <-p.done:
		return p.status
	default:
	}

	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	timer := time.NewTimer(terminateGrace)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		_ = p.cmd.Process.Kill()
		<-p.done
	}
	return p.status
}
