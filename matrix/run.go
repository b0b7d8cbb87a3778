// Package matrix expands a conformance plan into (client runtime, server
// runtime, crypto config) cells and drives each one end to end: spawn the
// server, read its handshake line, establish the negotiated channel, run
// the probe scenarios, and record a structured result.
//
// Cells are independent and run concurrently up to the plan's worker
// bound. A cell failing, crashing, or timing out never takes the run down
// with it; the outcome lands in that cell's result and the run carries on.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/provide-io/tofusoup-go/certs"
	"github.com/provide-io/tofusoup-go/channel"
	"github.com/provide-io/tofusoup-go/compat"
	"github.com/provide-io/tofusoup-go/handshake"
	"github.com/provide-io/tofusoup-go/kv/fsstore"
	"github.com/provide-io/tofusoup-go/kv/kvrpc"
	"github.com/provide-io/tofusoup-go/matrix/runtimes"
	"github.com/provide-io/tofusoup-go/soup"
)

// serverBackend is the store every spawned server is asked to run. The
// filesystem backend rooted in the cell directory keeps cells isolated
// from each other and leaves the stored keys on disk for inspection when
// a cell fails.
const serverBackend = "fs"

// Runner executes matrix plans. The zero value is usable; every field is
// an override.
type Runner struct {
	// Table replaces the embedded compatibility rules.
	Table *compat.Table

	// Enforcement is the posture toward unsupported verdicts. Under
	// compat.Enforcing a plan with Force set is rejected up front.
	Enforcement compat.Mode

	// Authority issues certificate bundles for secured cells. Sharing an
	// authority across runs reuses its per-config cache.
	Authority *certs.Authority

	// CookieKey and CookieValue replace the default launch cookie.
	CookieKey   string
	CookieValue string

	// WorkRoot is where per-cell directories are created. Empty means a
	// temporary directory that is removed when the run finishes.
	WorkRoot string

	Log zerolog.Logger

	// Observer receives every lifecycle event when set. Calls are
	// serialized; a blocking observer stalls the run.
	Observer func(Event)

	// LookupRuntime replaces runtime resolution, primarily for tests.
	LookupRuntime func(name string) (runtimes.Runtime, error)
}

// runContext is the per-run state shared by the workers.
type runContext struct {
	plan      Plan
	scenarios []Scenario

	authority   *certs.Authority
	cookieKey   string
	cookieValue string
	workRoot    string
	lookup      func(name string) (runtimes.Runtime, error)

	log    zerolog.Logger
	events chan<- Event
}

type cellOutcome struct {
	idx int
	res CellResult
}

// Run executes the plan and returns the full record of what happened.
// Cell-level failures are data in the Result, not errors; the error
// return covers only problems that prevent the run from happening at all.
func (r *Runner) Run(ctx context.Context, plan Plan) (*Result, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	if r.Enforcement == compat.Enforcing && plan.Force {
		return nil, soup.New(soup.KindConfiguration,
			"the compatibility table is enforced for this run; forced cells are not allowed")
	}
	scens, err := ResolveScenarios(plan.Scenarios)
	if err != nil {
		return nil, err
	}

	workRoot := r.WorkRoot
	if workRoot == "" {
		tmp, err := os.MkdirTemp("", "tofusoup-matrix-")
		if err != nil {
			return nil, soup.Wrap(soup.KindConfiguration, "creating run work directory", err)
		}
		defer os.RemoveAll(tmp)
		workRoot = tmp
	}

	events := make(chan Event)
	rc := &runContext{
		plan:        plan,
		scenarios:   scens,
		authority:   r.Authority,
		cookieKey:   r.CookieKey,
		cookieValue: r.CookieValue,
		workRoot:    workRoot,
		lookup:      r.LookupRuntime,
		log:         r.Log,
		events:      events,
	}
	if rc.authority == nil {
		rc.authority = certs.NewAuthority()
	}
	if rc.cookieKey == "" {
		rc.cookieKey = handshake.DefaultCookieKey
	}
	if rc.cookieValue == "" {
		rc.cookieValue = handshake.DefaultCookieValue
	}
	if rc.lookup == nil {
		rc.lookup = runtimes.Lookup
	}

	cells := Expand(plan, r.Table)

	runCtx := ctx
	if d := plan.Timeouts.Suite.Std(); d > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	result := &Result{
		RunID:     uuid.NewString(),
		Plan:      plan,
		StartedAt: time.Now().UTC(),
	}
	rc.log.Info().
		Str("run_id", result.RunID).
		Int("cells", len(cells)).
		Int("workers", plan.Workers).
		Msg("matrix run starting")

	eventsDone := make(chan struct{})
	go func() {
		defer close(eventsDone)
		for ev := range events {
			rc.log.Debug().
				Str("cell_id", ev.CellID).
				Str("server", ev.Server).
				Str("event", string(ev.Type)).
				Str("endpoint", ev.Endpoint).
				Msg("cell lifecycle")
			if r.Observer != nil {
				r.Observer(ev)
			}
		}
	}()

	jobs := make(chan Cell)
	outcomes := make(chan cellOutcome)

	var wg sync.WaitGroup
	for i := 0; i < plan.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for cell := range jobs {
				if runCtx.Err() != nil {
					outcomes <- cellOutcome{idx: cell.Index, res: timedOutBeforeStart(cell)}
					continue
				}
				outcomes <- cellOutcome{idx: cell.Index, res: rc.runCell(runCtx, cell)}
			}
		}()
	}

	go func() {
		for _, cell := range cells {
			jobs <- cell
		}
		close(jobs)
	}()
	go func() {
		wg.Wait()
		close(outcomes)
		close(events)
	}()

	// Single writer for the results slice; workers only hand outcomes over.
	results := make([]CellResult, len(cells))
	for oc := range outcomes {
		results[oc.idx] = oc.res
		evt := rc.log.Info()
		if oc.res.Status == StatusFailed || oc.res.Status == StatusTimeout {
			evt = rc.log.Warn()
		}
		evt.Str("cell_id", oc.res.CellID).
			Str("client", oc.res.Client).
			Str("server", oc.res.Server).
			Str("crypto", oc.res.CryptoID).
			Str("status", string(oc.res.Status)).
			Int64("duration_ms", oc.res.DurationMS).
			Msg("cell finished")
	}
	<-eventsDone

	result.Cells = results
	result.Summary = summarize(results)
	result.FinishedAt = time.Now().UTC()
	result.DurationMS = result.FinishedAt.Sub(result.StartedAt).Milliseconds()

	rc.log.Info().
		Str("run_id", result.RunID).
		Int("passed", result.Summary.Passed).
		Int("failed", result.Summary.Failed).
		Int("skipped", result.Summary.Skipped).
		Int("timed_out", result.Summary.TimedOut).
		Int64("duration_ms", result.DurationMS).
		Msg("matrix run finished")
	return result, nil
}

func (rc *runContext) runCell(ctx context.Context, cell Cell) CellResult {
	res := CellResult{
		CellID:    cell.ID,
		Client:    cell.Client,
		Server:    cell.Server,
		CryptoID:  cell.CryptoID,
		Status:    StatusPassed,
		StartedAt: time.Now().UTC(),
	}

	cellCtx := ctx
	cancel := context.CancelFunc(func() {})
	if d := rc.plan.Timeouts.Cell.Std(); d > 0 {
		cellCtx, cancel = context.WithTimeout(ctx, d)
	}
	err := rc.driveCell(cellCtx, cell, &res)
	cancel()

	res.FinishedAt = time.Now().UTC()
	res.DurationMS = res.FinishedAt.Sub(res.StartedAt).Milliseconds()
	if err != nil {
		res.Status = StatusFailed
		if cellCtx.Err() != nil && isContextErr(err) {
			res.Status = StatusTimeout
		}
		applyError(&res, err)
	}
	return res
}

// driveCell walks one cell through its lifecycle, mutating res as facts
// become known. A non-nil return is a cell-level failure; scenario-level
// failures are recorded in res and return nil.
func (rc *runContext) driveCell(ctx context.Context, cell Cell, res *CellResult) error {
	if !cell.Verdict.Supported {
		if !rc.plan.Force {
			res.Status = StatusSkipped
			res.ErrorKind = string(soup.KindIncompatiblePairing)
			res.ErrorDetail = skipDetail(cell.Verdict)
			return nil
		}
		res.Forced = true
	}

	serverRT, err := rc.lookup(cell.Server)
	if err != nil {
		return soup.Wrap(soup.KindConfiguration, "resolving server runtime", err)
	}
	clientRT, err := rc.lookup(cell.Client)
	if err != nil {
		return soup.Wrap(soup.KindConfiguration, "resolving client runtime", err)
	}

	dir := filepath.Join(rc.workRoot, "cell-"+cell.ID)
	storage := filepath.Join(dir, "kv")
	if err := os.MkdirAll(storage, 0o700); err != nil {
		return soup.Wrap(soup.KindConfiguration, "creating cell directory", err)
	}

	mode, crypto, err := cellCrypto(cell.CryptoID)
	if err != nil {
		return err
	}
	var bundle *certs.Bundle
	if mode == channel.ModeAuto {
		bundle, err = rc.authority.Issue(ctx, crypto)
		if err != nil {
			return err
		}
	}

	cmd, err := serverRT.ServerCommand(runtimes.Spec{
		Network: rc.plan.Network,
		Address: bindAddress(rc.plan.Network, dir),
		TLSMode: string(mode),
		Crypto:  crypto,
		Backend: serverBackend,
		WorkDir: dir,
	})
	if err != nil {
		return soup.Wrap(soup.KindConfiguration, "building server command", err)
	}

	env := []string{
		rc.cookieKey + "=" + rc.cookieValue,
		fsstore.EnvRoot + "=" + storage,
	}
	if bundle != nil {
		env = append(env, channel.EnvClientCA+"="+string(bundle.CACertPEM))
	}

	tail := newOutputTail(tailLines)
	p, err := launch(cmd, dir, env, tail)
	if err != nil {
		return err
	}
	rc.emit(Event{Type: EventStarted, CellID: cell.ID, Server: cell.Server})
	defer func() {
		st := p.terminate()
		res.OutputTail = tail.Lines()
		rc.emit(Event{Type: EventExited, CellID: cell.ID, Server: cell.Server, Code: st.code})
	}()

	line, err := handshake.Negotiate(ctx, p.stdout, handshake.NegotiateOptions{
		Timeout:   rc.plan.Timeouts.Startup.Std(),
		TailLines: tailLines,
	})
	if err != nil {
		return err
	}
	// Keep the pipe drained so the server never blocks on stdout.
	go io.Copy(io.Discard, p.stdout)

	res.Endpoint = line.Network + "://" + line.Address
	rc.emit(Event{Type: EventHandshakeRead, CellID: cell.ID, Server: cell.Server, Endpoint: res.Endpoint})

	pin := ""
	if der, err := line.CertDER(); err != nil {
		return err
	} else if len(der) > 0 {
		pin = certs.Fingerprint(der)
	}

	if clientRT.ClientCommand == nil {
		return rc.driveInProcess(ctx, cell, res, line, mode, bundle, pin, p)
	}
	return rc.driveExternal(ctx, cell, res, clientRT, line, mode, bundle, pin, p, dir)
}

// driveInProcess runs the scenarios with this process as the client,
// over a channel established from the handshake line.
func (rc *runContext) driveInProcess(ctx context.Context, cell Cell, res *CellResult, line handshake.Line, mode channel.Mode, bundle *certs.Bundle, pin string, p *process) error {
	if line.Protocol != handshake.ProtocolGRPC {
		return soup.Newf(soup.KindConfiguration,
			"server advertises protocol %q, the in-process client speaks %s", line.Protocol, handshake.ProtocolGRPC)
	}

	cc, err := channel.Establish(ctx, line.Network, line.Address, channel.Options{
		Mode:              mode,
		PinnedFingerprint: pin,
		Bundle:            bundle,
		DialTimeout:       rc.plan.Timeouts.Connect.Std(),
	})
	if err != nil {
		return err
	}
	defer cc.Close()

	client := kvrpc.NewClient(cc)
	client.Timeout = rc.plan.Timeouts.Call.Std()

	rc.emit(Event{Type: EventReady, CellID: cell.ID, Server: cell.Server, Endpoint: res.Endpoint})
	return rc.runScenarios(ctx, p, res, func(sctx context.Context, sc Scenario) error {
		return sc.Run(sctx, client)
	})
}

// driveExternal runs each scenario through the client runtime's connect
// command. Client certificate material is written into the cell directory
// so an out-of-process client can load it.
func (rc *runContext) driveExternal(ctx context.Context, cell Cell, res *CellResult, clientRT runtimes.Runtime, line handshake.Line, mode channel.Mode, bundle *certs.Bundle, pin string, p *process, dir string) error {
	spec := runtimes.ClientSpec{
		Network:           line.Network,
		Address:           line.Address,
		TLSMode:           string(mode),
		ServerFingerprint: pin,
	}
	if bundle != nil {
		certFile := filepath.Join(dir, "client-cert.pem")
		keyFile := filepath.Join(dir, "client-key.pem")
		if err := os.WriteFile(certFile, bundle.ClientCertPEM, 0o600); err != nil {
			return soup.Wrap(soup.KindConfiguration, "writing client certificate", err)
		}
		if err := os.WriteFile(keyFile, bundle.ClientKeyPEM, 0o600); err != nil {
			return soup.Wrap(soup.KindConfiguration, "writing client key", err)
		}
		spec.CertFile, spec.KeyFile = certFile, keyFile
	}

	rc.emit(Event{Type: EventReady, CellID: cell.ID, Server: cell.Server, Endpoint: res.Endpoint})
	return rc.runScenarios(ctx, p, res, func(sctx context.Context, sc Scenario) error {
		s := spec
		s.Scenario = sc.Name
		return runClientProcess(sctx, clientRT, s, dir)
	})
}

// runScenarios drives every planned scenario in order, recording one
// ScenarioResult each. A failing scenario marks the cell failed but the
// remaining scenarios still run; a dead server or an expired deadline
// aborts the loop.
func (rc *runContext) runScenarios(ctx context.Context, p *process, res *CellResult, runOne func(context.Context, Scenario) error) error {
	for _, sc := range rc.scenarios {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if st, dead := p.exited(); dead {
			return soup.Newf(soup.KindHarnessCrash,
				"server exited with status %d before scenario %s", st.code, sc.Name)
		}

		start := time.Now()
		err := runOne(ctx, sc)
		sr := ScenarioResult{
			Name:       sc.Name,
			Status:     StatusPassed,
			DurationMS: time.Since(start).Milliseconds(),
		}
		if err != nil {
			sr.Status = StatusFailed
			sr.Detail = err.Error()
			res.Scenarios = append(res.Scenarios, sr)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if st, dead := p.exited(); dead {
				return soup.Newf(soup.KindHarnessCrash,
					"server exited with status %d during scenario %s", st.code, sc.Name)
			}
			res.Status = StatusFailed
			continue
		}
		res.Scenarios = append(res.Scenarios, sr)
	}
	return nil
}

// runClientProcess executes one external client invocation and maps its
// exit status: zero passes, anything else fails with the captured output
// as the detail.
func runClientProcess(ctx context.Context, rt runtimes.Runtime, spec runtimes.ClientSpec, dir string) error {
	cmd, err := rt.ClientCommand(spec)
	if err != nil {
		return soup.Wrap(soup.KindConfiguration, "building client command", err)
	}
	tail := newOutputTail(tailLines)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	cmd.Stdout = tail
	cmd.Stderr = tail
	if err := cmd.Start(); err != nil {
		return soup.Wrap(soup.KindConfiguration, "start client process "+cmd.Path, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("client %s: %w%s", filepath.Base(cmd.Path), err, clientOutput(tail))
		}
		return nil
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		return ctx.Err()
	}
}

func clientOutput(tail *outputTail) string {
	lines := tail.Lines()
	if len(lines) == 0 {
		return ""
	}
	return "; client output:\n  " + strings.Join(lines, "\n  ")
}

func (rc *runContext) emit(ev Event) {
	ev.At = time.Now().UTC()
	rc.events <- ev
}

func applyError(res *CellResult, err error) {
	res.ErrorKind = string(soup.KindOf(err))
	res.ErrorPhase = soup.PhaseOf(err)
	res.ErrorDetail = err.Error()
}

func skipDetail(v compat.Verdict) string {
	detail := v.Reason
	if detail == "" {
		detail = "combination ruled out by the compatibility table"
	}
	if len(v.Alternatives) > 0 {
		detail += "; known-good crypto configs for this pairing: " + strings.Join(v.Alternatives, ", ")
	}
	return detail
}

// cellCrypto maps a crypto axis entry onto a channel mode and, for
// secured cells, a key policy.
func cellCrypto(id string) (channel.Mode, certs.CryptoConfig, error) {
	if id == CryptoDisabled {
		return channel.ModeDisabled, certs.CryptoConfig{}, nil
	}
	cfg, err := certs.ParseCryptoConfig(id)
	if err != nil {
		return "", certs.CryptoConfig{}, err
	}
	return channel.ModeAuto, cfg, nil
}

// bindAddress picks the address a server is asked to bind. TCP servers
// bind an ephemeral port and advertise the real one in their handshake
// line, so concurrent cells never race over port numbers.
func bindAddress(network, dir string) string {
	if network == handshake.NetworkUnix {
		return filepath.Join(dir, "kv.sock")
	}
	return "127.0.0.1:0"
}

func timedOutBeforeStart(cell Cell) CellResult {
	now := time.Now().UTC()
	return CellResult{
		CellID:      cell.ID,
		Client:      cell.Client,
		Server:      cell.Server,
		CryptoID:    cell.CryptoID,
		Status:      StatusTimeout,
		ErrorDetail: "run deadline expired before the cell started",
		StartedAt:   now,
		FinishedAt:  now,
	}
}

// isContextErr reports whether err is the shape a canceled or expired
// context produces, directly or through a gRPC status.
func isContextErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Canceled, codes.DeadlineExceeded:
			return true
		}
	}
	return false
}
