// Command soup drives the conformance harness: it serves the KV probe
// service, connects to running servers, executes matrix plans, consults the
// compatibility table, and manages signing keys, reports, and stored run
// artifacts.
package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/provide-io/tofusoup-go/artifact"
	"github.com/provide-io/tofusoup-go/certs"
	"github.com/provide-io/tofusoup-go/channel"
	"github.com/provide-io/tofusoup-go/compat"
	"github.com/provide-io/tofusoup-go/config"
	"github.com/provide-io/tofusoup-go/handshake"
	"github.com/provide-io/tofusoup-go/internal/kvd"
	"github.com/provide-io/tofusoup-go/keys"
	"github.com/provide-io/tofusoup-go/kv"
	"github.com/provide-io/tofusoup-go/kv/kvregistry"
	"github.com/provide-io/tofusoup-go/kv/kvrpc"
	"github.com/provide-io/tofusoup-go/logging"
	"github.com/provide-io/tofusoup-go/matrix"
	"github.com/provide-io/tofusoup-go/report"

	_ "github.com/provide-io/tofusoup-go/kv/fsstore"
	_ "github.com/provide-io/tofusoup-go/kv/memstore"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printUsage(errOut)
		return 2
	}

	switch args[0] {
	case "server":
		return kvd.Run("soup server", args[1:], out, errOut)
	case "connect":
		return cmdConnect(args[1:], out, errOut)
	case "kv":
		return cmdKV(args[1:], out, errOut)
	case "matrix":
		return cmdMatrix(args[1:], out, errOut)
	case "compat":
		return cmdCompat(args[1:], out, errOut)
	case "keys":
		return cmdKeys(args[1:], out, errOut)
	case "report":
		return cmdReport(args[1:], out, errOut)
	case "artifact":
		return cmdArtifact(args[1:], out, errOut)
	case "help", "-h", "--help":
		printUsage(out)
		return 0
	default:
		fmt.Fprintf(errOut, "unknown command: %s\n\n", args[0])
		printUsage(errOut)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "soup: cross-runtime conformance harness for RPC plugin servers")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  soup server [--network tcp|unix] [--address <addr>] [--tls-mode disabled|auto|manual] [--backend <name>] ...")
	fmt.Fprintln(w, "  soup connect (--address <addr> | --handshake <line>) [--network tcp|unix] [--tls-mode <mode>] [--scenario <name> ...] [--server-fp <hex>] [--client-cert <pem> --client-key <pem>] [--server-ca <pem>]")
	fmt.Fprintln(w, "  soup kv get|put|delete|list [--address <addr> ... | --backend <name>] [key] [value]")
	fmt.Fprintln(w, "  soup matrix run [--plan <plan.yaml>] [--client <rt> ...] [--server <rt> ...] [--crypto <id> ...] [--force | --enforce] [--json <file>] [--report <file>] [--artifacts <dir>]")
	fmt.Fprintln(w, "  soup matrix cells [--plan <plan.yaml>] [--rules <file>] [--force]")
	fmt.Fprintln(w, "  soup compat validate --client <rt> --server <rt> --crypto <id> [--rules <file>]")
	fmt.Fprintln(w, "  soup compat show [--rules <file>]")
	fmt.Fprintln(w, "  soup keys generate --name <name> [--seed-hex <64hex>] [--force]")
	fmt.Fprintln(w, "  soup keys derive --from <name> --role <role> [--force]")
	fmt.Fprintln(w, "  soup keys list")
	fmt.Fprintln(w, "  soup keys export --name <name> [--role <role>]")
	fmt.Fprintln(w, "  soup report render --result <run.json> [--harness <id>] [--output-cid <cell>=<CID> ...] [signer flags] [--out <file>]")
	fmt.Fprintln(w, "  soup report sign --in <report> (--seed-hex <64hex> | --signer <name> [--signer-role <role>] | --key-file <path>) [--out <file>]")
	fmt.Fprintln(w, "  soup report verify <file>")
	fmt.Fprintln(w, "  soup report cid <file>")
	fmt.Fprintln(w, "  soup artifact put [--root <dir>] <file>")
	fmt.Fprintln(w, "  soup artifact get [--root <dir>] <cid>")
	fmt.Fprintln(w, "  soup artifact ls [--root <dir>]")
	fmt.Fprintln(w, "  soup artifact export [--root <dir>] [--out <file>] [--index] [--label <name>=<CID> ...] (<cid> ... | --all)")
	fmt.Fprintln(w, "  soup artifact import [--root <dir>] [--ignore-unknown] <bundle.tar>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Notes:")
	fmt.Fprintln(w, "  - server follows the launch contract: it validates the TOFU_SOUP_COOKIE")
	fmt.Fprintln(w, "    environment variable, prints one handshake line to stdout, and logs to")
	fmt.Fprintln(w, "    stderr only")
	fmt.Fprintln(w, "  - connect accepts the server's handshake line verbatim via --handshake,")
	fmt.Fprintln(w, "    which supplies the network, address, and certificate pin")
	fmt.Fprintln(w, "  - both secured TLS modes require a client certificate; servers verify it")
	fmt.Fprintln(w, "  - keys are ed25519 seeds under ~/.tofusoup/keys/<name> (0600 seed files)")
	fmt.Fprintln(w, "  - artifacts default to ~/.tofusoup/artifacts, content-addressed by CIDv1")
	fmt.Fprintln(w, "  - report signing from the CLI uses ed25519; --seed-hex must be 32 bytes")
	fmt.Fprintln(w, "    (64 hex chars)")
}

type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// clientOptions maps connection flags to channel options. Certificate
// material always arrives as files out of process, so both secured modes
// establish with the manual loader; a pinned fingerprint stands in for the
// chain when no CA file is given.
func clientOptions(tlsMode, serverFP, certFile, keyFile, caFile string) (channel.Options, error) {
	mode, err := channel.ParseMode(tlsMode)
	if err != nil {
		return channel.Options{}, err
	}
	opts := channel.Options{Mode: mode, PinnedFingerprint: serverFP}
	if mode != channel.ModeDisabled {
		opts.Mode = channel.ModeManual
		opts.Files = channel.FileSet{CertFile: certFile, KeyFile: keyFile, CAFile: caFile}
	}
	return opts, nil
}

func checkSecuredFlags(tlsMode, serverFP, certFile, keyFile, caFile string) error {
	mode, err := channel.ParseMode(tlsMode)
	if err != nil {
		return err
	}
	if mode == channel.ModeDisabled {
		return nil
	}
	if certFile == "" || keyFile == "" {
		return errors.New("secured connection requires --client-cert and --client-key")
	}
	if serverFP == "" && caFile == "" {
		return errors.New("secured connection requires --server-fp or --server-ca")
	}
	return nil
}

func cmdConnect(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("connect", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var network string
	var address string
	var handshakeLine string
	var tlsMode string
	var scenarioNames stringList
	var serverFP string
	var clientCert string
	var clientKey string
	var serverCA string
	var timeout time.Duration

	fs.StringVar(&network, "network", "tcp", "Server network (tcp or unix)")
	fs.StringVar(&address, "address", "", "Server address from its handshake line")
	fs.StringVar(&handshakeLine, "handshake", "", "Handshake line emitted by the server; supplies network, address, and certificate pin")
	fs.StringVar(&tlsMode, "tls-mode", "disabled", "Channel security: disabled, auto, or manual")
	fs.Var(&scenarioNames, "scenario", "Scenario to run (repeatable; default all)")
	fs.StringVar(&serverFP, "server-fp", "", "Pinned SHA-256 fingerprint of the server certificate")
	fs.StringVar(&clientCert, "client-cert", "", "Client certificate (PEM)")
	fs.StringVar(&clientKey, "client-key", "", "Client key (PEM)")
	fs.StringVar(&serverCA, "server-ca", "", "CA bundle verifying the server chain (PEM)")
	fs.DurationVar(&timeout, "timeout", 30*time.Second, "Deadline covering connection and every scenario")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if handshakeLine != "" {
		line, err := handshake.Parse(strings.TrimSpace(handshakeLine))
		if err != nil {
			fmt.Fprintf(errOut, "invalid --handshake: %v\n", err)
			return 2
		}
		network, address = line.Network, line.Address
		if line.CertB64 != "" && serverFP == "" {
			der, err := line.CertDER()
			if err != nil {
				fmt.Fprintf(errOut, "invalid --handshake: %v\n", err)
				return 2
			}
			serverFP = certs.Fingerprint(der)
		}
	}
	if address == "" {
		fmt.Fprintln(errOut, "missing --address (or --handshake)")
		return 2
	}
	if err := checkSecuredFlags(tlsMode, serverFP, clientCert, clientKey, serverCA); err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}
	scens, err := matrix.ResolveScenarios(scenarioNames)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}
	opts, err := clientOptions(tlsMode, serverFP, clientCert, clientKey, serverCA)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cc, err := channel.Establish(ctx, network, address, opts)
	if err != nil {
		fmt.Fprintf(errOut, "establish: %v\n", err)
		return 1
	}
	client := kvrpc.NewClient(cc)
	defer client.Close()

	failed := false
	for _, sc := range scens {
		start := time.Now()
		err := sc.Run(ctx, client)
		elapsed := time.Since(start).Milliseconds()
		if err != nil {
			failed = true
			fmt.Fprintf(errOut, "scenario %s: %v\n", sc.Name, err)
			fmt.Fprintf(out, "scenario %s: failed (%dms)\n", sc.Name, elapsed)
			continue
		}
		fmt.Fprintf(out, "scenario %s: passed (%dms)\n", sc.Name, elapsed)
	}
	if failed {
		return 1
	}
	return 0
}

// kvTarget selects where a kv verb operates: a running probe server when
// --address is set, the local backend otherwise.
type kvTarget struct {
	network    string
	address    string
	tlsMode    string
	serverFP   string
	clientCert string
	clientKey  string
	serverCA   string
	backend    string
	timeout    time.Duration
}

func (t *kvTarget) register(fs *flag.FlagSet) {
	fs.StringVar(&t.address, "address", "", "Server address; empty operates on the local backend directly")
	fs.StringVar(&t.network, "network", "tcp", "Server network (tcp or unix)")
	fs.StringVar(&t.tlsMode, "tls-mode", "disabled", "Channel security: disabled, auto, or manual")
	fs.StringVar(&t.serverFP, "server-fp", "", "Pinned SHA-256 fingerprint of the server certificate")
	fs.StringVar(&t.clientCert, "client-cert", "", "Client certificate (PEM)")
	fs.StringVar(&t.clientKey, "client-key", "", "Client key (PEM)")
	fs.StringVar(&t.serverCA, "server-ca", "", "CA bundle verifying the server chain (PEM)")
	fs.StringVar(&t.backend, "backend", "fs", "Local backend when no --address is given")
	fs.DurationVar(&t.timeout, "timeout", 10*time.Second, "Deadline covering connection and the operation")
	kvregistry.RegisterFlags(fs, kvregistry.UsageCLI)
}

func (t *kvTarget) check() error {
	if t.address == "" {
		return nil
	}
	return checkSecuredFlags(t.tlsMode, t.serverFP, t.clientCert, t.clientKey, t.serverCA)
}

func (t *kvTarget) open(ctx context.Context) (kv.Store, func() error, error) {
	if t.address == "" {
		return kvregistry.Open(t.backend, kvregistry.UsageCLI)
	}
	opts, err := clientOptions(t.tlsMode, t.serverFP, t.clientCert, t.clientKey, t.serverCA)
	if err != nil {
		return nil, nil, err
	}
	cc, err := channel.Establish(ctx, t.network, t.address, opts)
	if err != nil {
		return nil, nil, err
	}
	client := kvrpc.NewClient(cc)
	return client, client.Close, nil
}

func cmdKV(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printKVUsage(errOut)
		return 2
	}
	switch args[0] {
	case "get":
		return cmdKVGet(args[1:], out, errOut)
	case "put":
		return cmdKVPut(args[1:], out, errOut)
	case "delete":
		return cmdKVDelete(args[1:], out, errOut)
	case "list":
		return cmdKVList(args[1:], out, errOut)
	case "help", "-h", "--help":
		printKVUsage(out)
		return 0
	default:
		fmt.Fprintf(errOut, "unknown kv subcommand: %s\n\n", args[0])
		printKVUsage(errOut)
		return 2
	}
}

func printKVUsage(w io.Writer) {
	fmt.Fprintln(w, "soup kv: probe a KV server, or inspect a local store directly")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  soup kv get [target flags] <key>")
	fmt.Fprintln(w, "  soup kv put [target flags] [--file <path>] <key> [value]")
	fmt.Fprintln(w, "  soup kv delete [target flags] <key>")
	fmt.Fprintln(w, "  soup kv list [target flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Target flags: --address (plus --network, --tls-mode, --server-fp,")
	fmt.Fprintln(w, "--client-cert, --client-key, --server-ca) select a running server;")
	fmt.Fprintln(w, "without --address the verb opens the local --backend (fs or mem)")
	fmt.Fprintln(w, "directly, e.g. a cell's kv directory kept by soup matrix run --work-dir.")
}

func cmdKVGet(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("kv get", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var target kvTarget
	target.register(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: soup kv get [target flags] <key>")
		return 2
	}
	if err := target.check(); err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), target.timeout)
	defer cancel()
	store, closeStore, err := target.open(ctx)
	if err != nil {
		fmt.Fprintf(errOut, "open store: %v\n", err)
		return 1
	}
	if closeStore != nil {
		defer closeStore()
	}

	val, err := store.Get(ctx, fs.Arg(0))
	if err != nil {
		fmt.Fprintf(errOut, "get: %v\n", err)
		return 1
	}
	_, _ = out.Write(val)
	return 0
}

func cmdKVPut(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("kv put", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var target kvTarget
	var valueFile string
	target.register(fs)
	fs.StringVar(&valueFile, "file", "", "Read the value from this file instead of the command line")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var key string
	var value []byte
	switch {
	case valueFile != "" && fs.NArg() == 1:
		key = fs.Arg(0)
		b, err := os.ReadFile(valueFile)
		if err != nil {
			fmt.Fprintf(errOut, "read --file: %v\n", err)
			return 1
		}
		value = b
	case valueFile == "" && fs.NArg() == 2:
		key = fs.Arg(0)
		value = []byte(fs.Arg(1))
	default:
		fmt.Fprintln(errOut, "usage: soup kv put [target flags] [--file <path>] <key> [value]")
		return 2
	}
	if err := target.check(); err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), target.timeout)
	defer cancel()
	store, closeStore, err := target.open(ctx)
	if err != nil {
		fmt.Fprintf(errOut, "open store: %v\n", err)
		return 1
	}
	if closeStore != nil {
		defer closeStore()
	}

	if err := store.Put(ctx, key, value); err != nil {
		fmt.Fprintf(errOut, "put: %v\n", err)
		return 1
	}
	return 0
}

func cmdKVDelete(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("kv delete", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var target kvTarget
	target.register(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: soup kv delete [target flags] <key>")
		return 2
	}
	if err := target.check(); err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), target.timeout)
	defer cancel()
	store, closeStore, err := target.open(ctx)
	if err != nil {
		fmt.Fprintf(errOut, "open store: %v\n", err)
		return 1
	}
	if closeStore != nil {
		defer closeStore()
	}

	if err := store.Delete(ctx, fs.Arg(0)); err != nil {
		fmt.Fprintf(errOut, "delete: %v\n", err)
		return 1
	}
	return 0
}

func cmdKVList(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("kv list", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var target kvTarget
	target.register(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(errOut, "usage: soup kv list [target flags]")
		return 2
	}
	if err := target.check(); err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), target.timeout)
	defer cancel()
	store, closeStore, err := target.open(ctx)
	if err != nil {
		fmt.Fprintf(errOut, "open store: %v\n", err)
		return 1
	}
	if closeStore != nil {
		defer closeStore()
	}

	names, err := store.List(ctx)
	if err != nil {
		fmt.Fprintf(errOut, "list: %v\n", err)
		return 1
	}
	for _, name := range names {
		fmt.Fprintln(out, name)
	}
	return 0
}

func cmdMatrix(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(errOut, "usage: soup matrix <subcommand> ...")
		fmt.Fprintln(errOut, "subcommands: run, cells")
		return 2
	}
	switch args[0] {
	case "run":
		return cmdMatrixRun(args[1:], out, errOut)
	case "cells":
		return cmdMatrixCells(args[1:], out, errOut)
	default:
		fmt.Fprintf(errOut, "unknown matrix subcommand: %s\n", args[0])
		return 2
	}
}

func loadCompatTable(path string) (*compat.Table, error) {
	if path == "" {
		return compat.DefaultTable(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return compat.ParseTable(data)
}

func cmdMatrixRun(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("matrix run", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var configPath string
	var planPath string
	var clients stringList
	var servers stringList
	var cryptoIDs stringList
	var scenarioNames stringList
	var network string
	var workers int
	var force bool
	var enforce bool
	var suiteTimeout time.Duration
	var cellTimeout time.Duration
	var rulesPath string
	var workDir string
	var jsonPath string
	var reportPath string
	var artifactsDir string
	var harnessID string

	fs.StringVar(&configPath, "config", "", "Optional TOML config file")
	fs.StringVar(&planPath, "plan", "", "YAML plan file (default: the built-in plan)")
	fs.Var(&clients, "client", "Client runtime (repeatable; replaces the plan's client axis)")
	fs.Var(&servers, "server", "Server runtime (repeatable; replaces the plan's server axis)")
	fs.Var(&cryptoIDs, "crypto", "Crypto config id (repeatable; replaces the plan's crypto axis)")
	fs.Var(&scenarioNames, "scenario", "Scenario (repeatable; replaces the plan's scenario list)")
	fs.StringVar(&network, "network", "", "Listener network for spawned servers (tcp or unix)")
	fs.IntVar(&workers, "workers", 0, "Concurrent cells (overrides the plan)")
	fs.BoolVar(&force, "force", false, "Attempt combinations the compatibility table rules out")
	fs.BoolVar(&enforce, "enforce", false, "Treat the compatibility table as binding; rejects --force")
	fs.DurationVar(&suiteTimeout, "suite-timeout", 0, "Whole-run deadline (overrides the plan)")
	fs.DurationVar(&cellTimeout, "cell-timeout", 0, "Per-cell deadline (overrides the plan)")
	fs.StringVar(&rulesPath, "rules", "", "Compatibility table override file")
	fs.StringVar(&workDir, "work-dir", "", "Keep per-cell directories under this root")
	fs.StringVar(&jsonPath, "json", "", "Write the run result as JSON to this file")
	fs.StringVar(&reportPath, "report", "", "Write the canonical run report to this file")
	fs.StringVar(&artifactsDir, "artifacts", "", "Store the result and report in this artifact store")
	fs.StringVar(&harnessID, "harness", "", "Harness id recorded in the report")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}

	if planPath == "" {
		planPath = cfg.Matrix.PlanFile
	}
	var plan matrix.Plan
	if planPath != "" {
		plan, err = matrix.LoadPlan(planPath)
		if err != nil {
			fmt.Fprintln(errOut, err)
			return 2
		}
	} else {
		plan = matrix.DefaultPlan()
		plan.Workers = cfg.Matrix.Workers
		plan.Force = cfg.Matrix.Override
		if d := cfg.Matrix.SuiteTimeout.Std(); d > 0 {
			plan.Timeouts.Suite = matrix.Duration(d)
		}
		if d := cfg.Matrix.CellTimeout.Std(); d > 0 {
			plan.Timeouts.Cell = matrix.Duration(d)
		}
	}
	// Explicit flags win over both the plan file and the config file.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "client":
			plan.Clients = clients
		case "server":
			plan.Servers = servers
		case "crypto":
			plan.Crypto = cryptoIDs
		case "scenario":
			plan.Scenarios = scenarioNames
		case "network":
			plan.Network = network
		case "workers":
			plan.Workers = workers
		case "force":
			plan.Force = force
		case "suite-timeout":
			plan.Timeouts.Suite = matrix.Duration(suiteTimeout)
		case "cell-timeout":
			plan.Timeouts.Cell = matrix.Duration(cellTimeout)
		}
	})
	if err := plan.Validate(); err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}

	if rulesPath == "" {
		rulesPath = cfg.Matrix.RulesFile
	}
	table, err := loadCompatTable(rulesPath)
	if err != nil {
		fmt.Fprintf(errOut, "compat rules: %v\n", err)
		return 2
	}

	logging.Configure("soup")
	runner := &matrix.Runner{
		Table:       table,
		WorkRoot:    workDir,
		CookieKey:   cfg.Cookie.Key,
		CookieValue: cfg.Cookie.Value,
		Log:         logging.New(errOut, "matrix"),
	}
	if enforce {
		runner.Enforcement = compat.Enforcing
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := runner.Run(ctx, plan)
	if err != nil {
		fmt.Fprintf(errOut, "matrix run: %v\n", err)
		return 1
	}

	resultJSON, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		fmt.Fprintf(errOut, "encode result: %v\n", err)
		return 1
	}
	resultJSON = append(resultJSON, '\n')
	if jsonPath != "" {
		if err := os.WriteFile(jsonPath, resultJSON, 0o644); err != nil {
			fmt.Fprintf(errOut, "write --json: %v\n", err)
			return 1
		}
	}

	var reportBytes []byte
	if reportPath != "" || artifactsDir != "" {
		reportBytes = report.Render(res, report.Options{Harness: harnessID})
	}
	if reportPath != "" {
		if err := os.WriteFile(reportPath, reportBytes, 0o644); err != nil {
			fmt.Fprintf(errOut, "write --report: %v\n", err)
			return 1
		}
	}
	if artifactsDir != "" {
		store, err := artifact.Open(artifactsDir)
		if err != nil {
			fmt.Fprintf(errOut, "artifacts: %v\n", err)
			return 1
		}
		resID, err := store.Put(resultJSON)
		if err != nil {
			fmt.Fprintf(errOut, "store result: %v\n", err)
			return 1
		}
		repID, err := store.Put(reportBytes)
		if err != nil {
			fmt.Fprintf(errOut, "store report: %v\n", err)
			return 1
		}
		fmt.Fprintf(out, "result artifact: %s\n", resID)
		fmt.Fprintf(out, "report artifact: %s\n", repID)
	}

	fmt.Fprintf(out, "run %s: %d cells, %d passed, %d failed, %d skipped, %d timed out in %s\n",
		res.RunID, res.Summary.Total, res.Summary.Passed, res.Summary.Failed,
		res.Summary.Skipped, res.Summary.TimedOut,
		time.Duration(res.DurationMS)*time.Millisecond)
	if res.Failed() {
		return 1
	}
	return 0
}

func cmdMatrixCells(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("matrix cells", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var planPath string
	var rulesPath string
	var force bool
	fs.StringVar(&planPath, "plan", "", "YAML plan file (default: the built-in plan)")
	fs.StringVar(&rulesPath, "rules", "", "Compatibility table override file")
	fs.BoolVar(&force, "force", false, "Mark ruled-out combinations forced instead of skipped")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	var plan matrix.Plan
	if planPath != "" {
		var err error
		plan, err = matrix.LoadPlan(planPath)
		if err != nil {
			fmt.Fprintln(errOut, err)
			return 2
		}
	} else {
		plan = matrix.DefaultPlan()
	}
	table, err := loadCompatTable(rulesPath)
	if err != nil {
		fmt.Fprintf(errOut, "compat rules: %v\n", err)
		return 2
	}

	for _, c := range matrix.Expand(plan, table) {
		if c.Verdict.Supported {
			fmt.Fprintf(out, "%s\t%s\t%s\trun\n", c.Client, c.Server, c.CryptoID)
			continue
		}
		disposition := "skip"
		if force || plan.Force {
			disposition = "forced"
		}
		reason := c.Verdict.Reason
		if reason == "" {
			reason = "ruled out by the compatibility table"
		}
		fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%s\n", c.Client, c.Server, c.CryptoID, disposition, reason)
	}
	return 0
}

func cmdCompat(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(errOut, "usage: soup compat <subcommand> ...")
		fmt.Fprintln(errOut, "subcommands: validate, show")
		return 2
	}
	switch args[0] {
	case "validate":
		return cmdCompatValidate(args[1:], out, errOut)
	case "show":
		return cmdCompatShow(args[1:], out, errOut)
	default:
		fmt.Fprintf(errOut, "unknown compat subcommand: %s\n", args[0])
		return 2
	}
}

func cmdCompatValidate(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("compat validate", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var client string
	var server string
	var cryptoID string
	var rulesPath string
	fs.StringVar(&client, "client", "", "Client runtime")
	fs.StringVar(&server, "server", "", "Server runtime")
	fs.StringVar(&cryptoID, "crypto", "", "Crypto config id")
	fs.StringVar(&rulesPath, "rules", "", "Compatibility table override file")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if client == "" || server == "" || cryptoID == "" {
		fmt.Fprintln(errOut, "usage: soup compat validate --client <rt> --server <rt> --crypto <id> [--rules <file>]")
		return 2
	}
	table, err := loadCompatTable(rulesPath)
	if err != nil {
		fmt.Fprintf(errOut, "compat rules: %v\n", err)
		return 2
	}

	v := table.Validate(compat.Pair{Client: client, Server: server, Crypto: cryptoID})
	if v.Supported {
		fmt.Fprintln(out, "supported")
		return 0
	}
	if v.Reason != "" {
		fmt.Fprintf(out, "unsupported: %s\n", v.Reason)
	} else {
		fmt.Fprintln(out, "unsupported")
	}
	if len(v.Alternatives) > 0 {
		fmt.Fprintf(out, "known-good crypto configs for this pairing: %s\n", strings.Join(v.Alternatives, ", "))
	}
	return 1
}

func cmdCompatShow(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("compat show", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var rulesPath string
	fs.StringVar(&rulesPath, "rules", "", "Compatibility table override file")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	table, err := loadCompatTable(rulesPath)
	if err != nil {
		fmt.Fprintf(errOut, "compat rules: %v\n", err)
		return 2
	}

	for _, r := range table.Rules {
		supported := "yes"
		if !r.Supported {
			supported = "no"
		}
		if r.Reason != "" {
			fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%s\n", r.Client, r.Server, r.Crypto, supported, r.Reason)
			continue
		}
		fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", r.Client, r.Server, r.Crypto, supported)
	}
	return 0
}

func cmdKeys(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printKeysUsage(errOut)
		return 2
	}
	switch args[0] {
	case "generate":
		return cmdKeysGenerate(args[1:], out, errOut)
	case "derive":
		return cmdKeysDerive(args[1:], out, errOut)
	case "list":
		return cmdKeysList(args[1:], out, errOut)
	case "export":
		return cmdKeysExport(args[1:], out, errOut)
	case "help", "-h", "--help":
		printKeysUsage(out)
		return 0
	default:
		fmt.Fprintf(errOut, "unknown keys subcommand: %s\n\n", args[0])
		printKeysUsage(errOut)
		return 2
	}
}

func printKeysUsage(w io.Writer) {
	fmt.Fprintln(w, "soup keys: local report-signing key management")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  soup keys generate --name <name> [--seed-hex <64hex>] [--force]")
	fmt.Fprintln(w, "  soup keys derive --from <name> --role <role> [--force]")
	fmt.Fprintln(w, "  soup keys list")
	fmt.Fprintln(w, "  soup keys export --name <name> [--role <role>]")
}

func cmdKeysGenerate(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("keys generate", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var name string
	var seedHex string
	var force bool
	fs.StringVar(&name, "name", "", "Signer name (directory under ~/.tofusoup/keys)")
	fs.StringVar(&seedHex, "seed-hex", "", "Optional ed25519 seed as 64 hex chars (for reproducible setups)")
	fs.BoolVar(&force, "force", false, "Overwrite existing seed files")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if name == "" {
		fmt.Fprintln(errOut, "missing --name")
		return 2
	}
	if err := keys.CheckName(name); err != nil {
		fmt.Fprintf(errOut, "invalid --name: %v\n", err)
		return 2
	}
	ks, err := keys.Open("")
	if err != nil {
		fmt.Fprintf(errOut, "keys: %v\n", err)
		return 1
	}

	var seed []byte
	if seedHex != "" {
		seed, err = keys.ParseSeedHex(seedHex)
		if err != nil {
			fmt.Fprintf(errOut, "invalid --seed-hex: %v\n", err)
			return 2
		}
	} else {
		seed = make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			fmt.Fprintf(errOut, "rand: %v\n", err)
			return 1
		}
	}

	signerID, path, err := ks.SaveRoot(name, seed, force)
	if err != nil {
		fmt.Fprintf(errOut, "write key: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "Created root key: %s\n", signerID)
	fmt.Fprintf(out, "Stored at: %s\n", path)
	return 0
}

func cmdKeysDerive(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("keys derive", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var from string
	var role string
	var force bool
	fs.StringVar(&from, "from", "", "Root signer name")
	fs.StringVar(&role, "role", "", "Role identifier (e.g. lab, nightly)")
	fs.BoolVar(&force, "force", false, "Overwrite existing seed files")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if from == "" {
		fmt.Fprintln(errOut, "missing --from")
		return 2
	}
	if role == "" {
		fmt.Fprintln(errOut, "missing --role")
		return 2
	}
	if err := keys.CheckName(from); err != nil {
		fmt.Fprintf(errOut, "invalid --from: %v\n", err)
		return 2
	}
	if err := keys.CheckRole(role); err != nil {
		fmt.Fprintf(errOut, "invalid --role: %v\n", err)
		return 2
	}
	ks, err := keys.Open("")
	if err != nil {
		fmt.Fprintf(errOut, "keys: %v\n", err)
		return 1
	}
	signerID, path, err := ks.DeriveRole(from, role, force)
	if err != nil {
		fmt.Fprintf(errOut, "derive role key: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "Created role key: %s\n", signerID)
	fmt.Fprintf(out, "Stored at: %s\n", path)
	return 0
}

func cmdKeysList(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("keys list", flag.ContinueOnError)
	fs.SetOutput(errOut)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	ks, err := keys.Open("")
	if err != nil {
		fmt.Fprintf(errOut, "keys: %v\n", err)
		return 1
	}
	entries, err := ks.List()
	if err != nil {
		fmt.Fprintf(errOut, "list keys: %v\n", err)
		return 1
	}
	for _, e := range entries {
		fmt.Fprintf(out, "%s\n", e.Name)
		for _, r := range e.Roles {
			fmt.Fprintf(out, "  - %s\n", r)
		}
	}
	return 0
}

func cmdKeysExport(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("keys export", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var name string
	var role string
	fs.StringVar(&name, "name", "", "Signer name")
	fs.StringVar(&role, "role", "", "Optional role (if set, exports the derived role key)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if name == "" {
		fmt.Fprintln(errOut, "missing --name")
		return 2
	}
	if err := keys.CheckName(name); err != nil {
		fmt.Fprintf(errOut, "invalid --name: %v\n", err)
		return 2
	}
	if role != "" {
		if err := keys.CheckRole(role); err != nil {
			fmt.Fprintf(errOut, "invalid --role: %v\n", err)
			return 2
		}
	}
	ks, err := keys.Open("")
	if err != nil {
		fmt.Fprintf(errOut, "keys: %v\n", err)
		return 1
	}
	signerID, err := ks.Export(name, role)
	if err != nil {
		fmt.Fprintf(errOut, "export key: %v\n", err)
		return 1
	}
	fmt.Fprintln(out, signerID)
	return 0
}

// resolveEd25519Signer applies the mutual-exclusion rules for the signer
// flags and loads the seed. When no signer flag is given it returns a nil
// key so the caller can leave the document unsigned.
func resolveEd25519Signer(seedHex, signer, signerRole, keyFile string) (ed25519.PrivateKey, error) {
	if signerRole != "" && signer == "" {
		return nil, errors.New("--signer-role requires --signer")
	}
	if seedHex == "" && signer == "" && keyFile == "" {
		return nil, nil
	}
	if seedHex != "" && (signer != "" || keyFile != "") {
		return nil, errors.New("conflicting signer flags: --seed-hex cannot be combined with --signer or --key-file")
	}
	if signer != "" && keyFile != "" {
		return nil, errors.New("conflicting signer flags: --signer cannot be combined with --key-file")
	}
	ks, err := keys.Open("")
	if err != nil {
		return nil, err
	}
	seed, err := ks.ResolveSeed(seedHex, signer, signerRole, keyFile)
	if err != nil {
		return nil, err
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func cmdReport(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(errOut, "usage: soup report <subcommand> ...")
		fmt.Fprintln(errOut, "subcommands: render, sign, verify, cid")
		return 2
	}
	switch args[0] {
	case "render":
		return cmdReportRender(args[1:], out, errOut)
	case "sign":
		return cmdReportSign(args[1:], out, errOut)
	case "verify":
		return cmdReportVerify(args[1:], out, errOut)
	case "cid":
		return cmdReportCID(args[1:], out, errOut)
	default:
		fmt.Fprintf(errOut, "unknown report subcommand: %s\n", args[0])
		return 2
	}
}

func cmdReportRender(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("report render", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var resultPath string
	var harnessID string
	var outPath string
	var cidPairs stringList
	var seedHex string
	var signer string
	var signerRole string
	var keyFile string

	fs.StringVar(&resultPath, "result", "", "Run result JSON written by soup matrix run --json")
	fs.StringVar(&harnessID, "harness", "", "Harness id recorded in the report")
	fs.StringVar(&outPath, "out", "", "Write the report here instead of stdout")
	fs.Var(&cidPairs, "output-cid", "Cell evidence as <cell-id>=<CID> (repeatable)")
	fs.StringVar(&seedHex, "seed-hex", "", "ed25519 seed as 64 hex chars")
	fs.StringVar(&signer, "signer", "", "Sign with a stored key by name (from 'soup keys generate')")
	fs.StringVar(&signerRole, "signer-role", "", "When using --signer, use a derived role key")
	fs.StringVar(&keyFile, "key-file", "", "Path to a seed file created by 'soup keys generate'")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if resultPath == "" {
		fmt.Fprintln(errOut, "missing --result")
		return 2
	}
	outputCIDs, err := parseKVPairs(cidPairs)
	if err != nil {
		fmt.Fprintf(errOut, "invalid --output-cid: %v\n", err)
		return 2
	}
	priv, err := resolveEd25519Signer(seedHex, signer, signerRole, keyFile)
	if err != nil {
		fmt.Fprintf(errOut, "invalid signer: %v\n", err)
		return 2
	}

	data, err := os.ReadFile(resultPath)
	if err != nil {
		fmt.Fprintf(errOut, "read --result: %v\n", err)
		return 1
	}
	var res matrix.Result
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&res); err != nil {
		fmt.Fprintf(errOut, "invalid result file: %v\n", err)
		return 1
	}

	doc := report.Render(&res, report.Options{Harness: harnessID, OutputCIDs: outputCIDs})
	if priv != nil {
		doc, err = report.Sign(doc, report.Signer{Ed25519: priv})
		if err != nil {
			fmt.Fprintf(errOut, "sign: %v\n", err)
			return 1
		}
	}
	if outPath == "" {
		_, _ = out.Write(doc)
		return 0
	}
	if err := os.WriteFile(outPath, doc, 0o644); err != nil {
		fmt.Fprintf(errOut, "write --out: %v\n", err)
		return 1
	}
	return 0
}

func cmdReportSign(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("report sign", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var inPath string
	var outPath string
	var seedHex string
	var signer string
	var signerRole string
	var keyFile string

	fs.StringVar(&inPath, "in", "", "Unsigned canonical report file")
	fs.StringVar(&outPath, "out", "", "Write the signed report here instead of stdout")
	fs.StringVar(&seedHex, "seed-hex", "", "ed25519 seed as 64 hex chars")
	fs.StringVar(&signer, "signer", "", "Sign with a stored key by name (from 'soup keys generate')")
	fs.StringVar(&signerRole, "signer-role", "", "When using --signer, use a derived role key")
	fs.StringVar(&keyFile, "key-file", "", "Path to a seed file created by 'soup keys generate'")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if inPath == "" {
		fmt.Fprintln(errOut, "missing --in")
		return 2
	}
	priv, err := resolveEd25519Signer(seedHex, signer, signerRole, keyFile)
	if err != nil {
		fmt.Fprintf(errOut, "invalid signer: %v\n", err)
		return 2
	}
	if priv == nil {
		fmt.Fprintln(errOut, "missing signer: use --seed-hex, --signer, or --key-file")
		return 2
	}

	data, err := os.ReadFile(inPath)
	if err != nil {
		fmt.Fprintf(errOut, "read --in: %v\n", err)
		return 1
	}
	signed, err := report.Sign(data, report.Signer{Ed25519: priv})
	if err != nil {
		fmt.Fprintf(errOut, "sign: %v\n", err)
		return 1
	}
	if outPath == "" {
		_, _ = out.Write(signed)
		return 0
	}
	if err := os.WriteFile(outPath, signed, 0o644); err != nil {
		fmt.Fprintf(errOut, "write --out: %v\n", err)
		return 1
	}
	return 0
}

func cmdReportVerify(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("report verify", flag.ContinueOnError)
	fs.SetOutput(errOut)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: soup report verify <file>")
		return 2
	}
	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(errOut, "read report: %v\n", err)
		return 1
	}
	ok, err := report.VerifySignature(data)
	if err != nil {
		fmt.Fprintf(errOut, "invalid: %v\n", err)
		return 1
	}
	if !ok {
		fmt.Fprintln(errOut, "report is unsigned")
		return 1
	}
	fmt.Fprintln(out, "OK")
	return 0
}

func cmdReportCID(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("report cid", flag.ContinueOnError)
	fs.SetOutput(errOut)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: soup report cid <file>")
		return 2
	}
	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(errOut, "read report: %v\n", err)
		return 1
	}
	id, err := report.ReportCID(data)
	if err != nil {
		fmt.Fprintf(errOut, "invalid report: %v\n", err)
		return 1
	}
	fmt.Fprintln(out, id)
	return 0
}

func cmdArtifact(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(errOut, "usage: soup artifact <subcommand> ...")
		fmt.Fprintln(errOut, "subcommands: put, get, ls, export, import")
		return 2
	}
	switch args[0] {
	case "put":
		return cmdArtifactPut(args[1:], out, errOut)
	case "get":
		return cmdArtifactGet(args[1:], out, errOut)
	case "ls":
		return cmdArtifactLs(args[1:], out, errOut)
	case "export":
		return cmdArtifactExport(args[1:], out, errOut)
	case "import":
		return cmdArtifactImport(args[1:], out, errOut)
	default:
		fmt.Fprintf(errOut, "unknown artifact subcommand: %s\n", args[0])
		return 2
	}
}

func openArtifactStore(root string) (*artifact.Store, error) {
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		root = filepath.Join(home, ".tofusoup", "artifacts")
	}
	return artifact.Open(root)
}

func cmdArtifactPut(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("artifact put", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var root string
	fs.StringVar(&root, "root", "", "Artifact store directory (default ~/.tofusoup/artifacts)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: soup artifact put [--root <dir>] <file>")
		return 2
	}
	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(errOut, "read %s: %v\n", filepath.Base(fs.Arg(0)), err)
		return 1
	}
	store, err := openArtifactStore(root)
	if err != nil {
		fmt.Fprintf(errOut, "open store: %v\n", err)
		return 1
	}
	id, err := store.Put(data)
	if err != nil {
		fmt.Fprintf(errOut, "put: %v\n", err)
		return 1
	}
	fmt.Fprintln(out, id)
	return 0
}

func cmdArtifactGet(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("artifact get", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var root string
	fs.StringVar(&root, "root", "", "Artifact store directory (default ~/.tofusoup/artifacts)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: soup artifact get [--root <dir>] <cid>")
		return 2
	}
	id, err := cid.Decode(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(errOut, "invalid cid: %v\n", err)
		return 2
	}
	store, err := openArtifactStore(root)
	if err != nil {
		fmt.Fprintf(errOut, "open store: %v\n", err)
		return 1
	}
	data, err := store.Get(id)
	if err != nil {
		fmt.Fprintf(errOut, "get: %v\n", err)
		return 1
	}
	_, _ = out.Write(data)
	return 0
}

func cmdArtifactLs(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("artifact ls", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var root string
	fs.StringVar(&root, "root", "", "Artifact store directory (default ~/.tofusoup/artifacts)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	store, err := openArtifactStore(root)
	if err != nil {
		fmt.Fprintf(errOut, "open store: %v\n", err)
		return 1
	}
	ids, err := store.List()
	if err != nil {
		fmt.Fprintf(errOut, "list: %v\n", err)
		return 1
	}
	for _, id := range ids {
		fmt.Fprintln(out, id)
	}
	return 0
}

func cmdArtifactExport(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("artifact export", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var root string
	var outPath string
	var includeIndex bool
	var all bool
	var labelPairs stringList
	fs.StringVar(&root, "root", "", "Artifact store directory (default ~/.tofusoup/artifacts)")
	fs.StringVar(&outPath, "out", "", "Write the bundle here instead of stdout")
	fs.BoolVar(&includeIndex, "index", false, "Include an index.json entry in the bundle")
	fs.BoolVar(&all, "all", false, "Export every object in the store")
	fs.Var(&labelPairs, "label", "Label as <name>=<CID> (repeatable; implies --index)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 && !all {
		fmt.Fprintln(errOut, "usage: soup artifact export [--root <dir>] [--out <file>] [--index] [--label <name>=<CID> ...] (<cid> ... | --all)")
		return 2
	}

	ids := make([]cid.Cid, 0, fs.NArg())
	for _, arg := range fs.Args() {
		id, err := cid.Decode(arg)
		if err != nil {
			fmt.Fprintf(errOut, "invalid cid %s: %v\n", arg, err)
			return 2
		}
		ids = append(ids, id)
	}
	rawLabels, err := parseKVPairs(labelPairs)
	if err != nil {
		fmt.Fprintf(errOut, "invalid --label: %v\n", err)
		return 2
	}
	var labels map[string]cid.Cid
	if len(rawLabels) > 0 {
		includeIndex = true
		labels = make(map[string]cid.Cid, len(rawLabels))
		for name, v := range rawLabels {
			id, err := cid.Decode(v)
			if err != nil {
				fmt.Fprintf(errOut, "invalid --label %s: %v\n", name, err)
				return 2
			}
			labels[name] = id
		}
	}

	store, err := openArtifactStore(root)
	if err != nil {
		fmt.Fprintf(errOut, "open store: %v\n", err)
		return 1
	}
	if all {
		stored, err := store.List()
		if err != nil {
			fmt.Fprintf(errOut, "list: %v\n", err)
			return 1
		}
		ids = append(ids, stored...)
	}

	var w io.Writer = out
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			fmt.Fprintf(errOut, "create --out: %v\n", err)
			return 1
		}
		defer f.Close()
		w = f
	}
	opts := artifact.ExportOptions{Labels: labels, IncludeIndex: includeIndex}
	if err := artifact.Export(w, store, ids, opts); err != nil {
		fmt.Fprintf(errOut, "export: %v\n", err)
		return 1
	}
	return 0
}

func cmdArtifactImport(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("artifact import", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var root string
	var ignoreUnknown bool
	fs.StringVar(&root, "root", "", "Artifact store directory (default ~/.tofusoup/artifacts)")
	fs.BoolVar(&ignoreUnknown, "ignore-unknown", false, "Skip unrecognized bundle entries instead of failing")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: soup artifact import [--root <dir>] [--ignore-unknown] <bundle.tar>")
		return 2
	}
	f, err := os.Open(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(errOut, "open bundle: %v\n", err)
		return 1
	}
	defer f.Close()
	store, err := openArtifactStore(root)
	if err != nil {
		fmt.Fprintf(errOut, "open store: %v\n", err)
		return 1
	}
	if err := artifact.ImportWithOptions(f, store, artifact.ImportOptions{IgnoreUnknown: ignoreUnknown}); err != nil {
		fmt.Fprintf(errOut, "import: %v\n", err)
		return 1
	}
	return 0
}

func parseKVPairs(items []string) (map[string]string, error) {
	if len(items) == 0 {
		return nil, nil
	}
	pairs := make(map[string]string, len(items))
	for _, it := range items {
		k, v, ok := strings.Cut(it, "=")
		if !ok {
			return nil, fmt.Errorf("expected Name=Value, got %q", it)
		}
		k = strings.TrimSpace(k)
		if k == "" {
			return nil, errors.New("empty name")
		}
		if _, exists := pairs[k]; exists {
			return nil, fmt.Errorf("duplicate name %q", k)
		}
		pairs[k] = v
	}
	return pairs, nil
}
