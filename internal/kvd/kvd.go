// Package kvd is the KV probe server harness shared by the soup-kvd
// daemon and the soup CLI's server subcommand.
//
// Startup follows the conformance launch contract: validate the launch
// cookie (exiting non-zero with no output when absent), bind the listener,
// emit the single handshake line on standard output, then serve the KV
// service until terminated. All logging goes to standard error.
package kvd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/provide-io/tofusoup-go/certs"
	"github.com/provide-io/tofusoup-go/channel"
	"github.com/provide-io/tofusoup-go/config"
	"github.com/provide-io/tofusoup-go/handshake"
	"github.com/provide-io/tofusoup-go/kv"
	"github.com/provide-io/tofusoup-go/kv/fsstore"
	"github.com/provide-io/tofusoup-go/kv/kvregistry"
	"github.com/provide-io/tofusoup-go/kv/kvrpc"
	"github.com/provide-io/tofusoup-go/logging"

	_ "github.com/provide-io/tofusoup-go/kv/memstore"
)

// Run parses args and serves until signalled or the listener fails. The
// return value is the process exit code: 2 for configuration problems, 1
// for runtime failures. The handshake line is written to stdout; nothing
// else ever is.
func Run(name string, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Optional TOML config file")
	network := fs.String("network", "tcp", "Listener network (tcp or unix)")
	address := fs.String("address", "127.0.0.1:0", "Listener address (host:port or socket path)")
	tlsMode := fs.String("tls-mode", "disabled", "Channel security: disabled, auto, or manual")
	tlsKeyType := fs.String("tls-key-type", "ec", "Auto mode key algorithm: rsa or ec")
	tlsCurve := fs.String("tls-curve", "p256", "Auto mode EC curve: p256, p384, or p521")
	tlsRSABits := fs.Int("tls-rsa-bits", 2048, "Auto mode RSA key size: 2048 or 4096")
	tlsCert := fs.String("tls-cert", "", "Manual mode server certificate (PEM)")
	tlsKey := fs.String("tls-key", "", "Manual mode server key (PEM)")
	tlsCA := fs.String("tls-ca", "", "Manual mode client CA bundle (PEM)")
	backend := fs.String("backend", "mem", "KV store backend name")
	disableEnrichment := fs.Bool("disable-enrichment", false, "Store payloads byte for byte, skipping metadata injection")
	listBackends := fs.Bool("list-backends", false, "List supported backends and exit")

	kvregistry.RegisterFlags(fs, kvregistry.UsageDaemon)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *listBackends {
		for _, b := range kvregistry.List(kvregistry.UsageDaemon) {
			if b.Description == "" {
				fmt.Fprintf(stdout, "%s\n", b.Name)
				continue
			}
			fmt.Fprintf(stdout, "%s\t%s\n", b.Name, b.Description)
		}
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	// Explicit flags win over the config file and environment.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "network":
			cfg.Server.Network = *network
		case "address":
			cfg.Server.Address = *address
		case "tls-mode":
			cfg.TLS.Mode = *tlsMode
		case "tls-key-type":
			cfg.TLS.KeyType = *tlsKeyType
		case "tls-curve":
			cfg.TLS.Curve = *tlsCurve
		case "tls-rsa-bits":
			cfg.TLS.RSABits = *tlsRSABits
		case "tls-cert":
			cfg.TLS.CertFile = *tlsCert
		case "tls-key":
			cfg.TLS.KeyFile = *tlsKey
		case "tls-ca":
			cfg.TLS.CAFile = *tlsCA
		case "backend":
			cfg.KV.Backend = *backend
		case "disable-enrichment":
			cfg.KV.DisableEnrichment = *disableEnrichment
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	logging.Configure(name)
	log := logging.NewHarness(name)

	// The cookie gate comes before the listener: a process launched outside
	// the harness must die without binding a port or touching stdout.
	session := handshake.NewServerSession(handshake.ServerOptions{
		CookieKey:   cfg.Cookie.Key,
		CookieValue: cfg.Cookie.Value,
		Out:         stdout,
	})
	if err := session.ValidateCookie(); err != nil {
		log.Error().Err(err).Msg("launch cookie rejected")
		return 1
	}

	if cfg.KV.Root != "" && os.Getenv(fsstore.EnvRoot) == "" {
		os.Setenv(fsstore.EnvRoot, cfg.KV.Root)
	}
	store, closeStore, err := kvregistry.Open(cfg.KV.Backend, kvregistry.UsageDaemon)
	if err != nil {
		log.Error().Err(err).Str("backend", cfg.KV.Backend).Msg("opening store backend")
		return 2
	}
	if closeStore != nil {
		defer closeStore()
	}

	mode, err := cfg.TLS.ChannelMode()
	if err != nil {
		log.Error().Err(err).Msg("invalid TLS mode")
		return 2
	}
	crypto, err := cfg.TLS.CryptoConfig()
	if err != nil {
		log.Error().Err(err).Msg("invalid crypto config")
		return 2
	}

	var bundle *certs.Bundle
	if mode == channel.ModeAuto {
		bundle, err = certs.NewAuthority().Issue(context.Background(), crypto)
		if err != nil {
			log.Error().Err(err).Str("crypto", crypto.ID()).Msg("issuing session certificates")
			return 1
		}
	}
	tlsCfg, err := channel.ServerTLS(mode, bundle, cfg.TLS.Files(), []byte(os.Getenv(channel.EnvClientCA)))
	if err != nil {
		log.Error().Err(err).Msg("building server TLS configuration")
		return 1
	}

	lis, err := net.Listen(cfg.Server.Network, cfg.Server.Address)
	if err != nil {
		log.Error().Err(err).Str("network", cfg.Server.Network).Str("address", cfg.Server.Address).Msg("binding listener")
		return 1
	}
	defer lis.Close()

	line := handshake.Line{
		CoreVersion:     handshake.CoreProtocolVersion,
		ProtocolVersion: handshake.ProtocolVersion,
		Network:         cfg.Server.Network,
		Address:         lis.Addr().String(),
		Protocol:        handshake.ProtocolGRPC,
	}
	meta := kv.Meta{
		ProtocolVersion: handshake.ProtocolVersion,
		TLSMode:         string(mode),
	}
	if mode != channel.ModeDisabled {
		meta.CryptoConfigID = crypto.ID()
	}
	if bundle != nil {
		if line.CertB64, err = bundle.ServerCertB64(); err != nil {
			log.Error().Err(err).Msg("encoding server certificate")
			return 1
		}
		if meta.CertFingerprint, err = bundle.ServerFingerprint(); err != nil {
			log.Error().Err(err).Msg("fingerprinting server certificate")
			return 1
		}
	}

	var opts []grpc.ServerOption
	if tlsCfg != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}
	srv := grpc.NewServer(opts...)
	kvrpc.RegisterKVServer(srv, &kvrpc.Server{
		Store:             store,
		Session:           meta,
		DisableEnrichment: cfg.KV.DisableEnrichment,
		Log:               log,
	})

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigc)
	go func() {
		sig := <-sigc
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		srv.GracefulStop()
	}()

	if err := session.EmitLine(line); err != nil {
		log.Error().Err(err).Msg("emitting handshake line")
		return 1
	}
	log.Info().
		Str("network", line.Network).
		Str("address", line.Address).
		Str("tls_mode", string(mode)).
		Str("backend", cfg.KV.Backend).
		Msg("serving")

	if err := srv.Serve(lis); err != nil {
		log.Error().Err(err).Msg("serve")
		return 1
	}
	session.Terminate()
	return 0
}
