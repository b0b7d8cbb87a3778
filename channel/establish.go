package channel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/provide-io/tofusoup-go/certs"
	"github.com/provide-io/tofusoup-go/soup"
)

const (
	defaultDialTimeout   = 5 * time.Second
	defaultRetryInterval = 500 * time.Millisecond

	// alertWait bounds the post-handshake read that harvests a client
	// certificate rejection. TLS 1.3 completes the client's handshake
	// before the server has seen the client certificate, so the alert
	// arrives only afterward.
	alertWait = 250 * time.Millisecond
)

// Options configure Establish.
type Options struct {
	Mode Mode

	// PinnedFingerprint is the expected lowercase hex SHA-256 fingerprint
	// of the server certificate, taken from the handshake line. When set,
	// the pin alone authenticates the server and no CA chain is checked;
	// this is the trust-on-first-use path for peers with independent key
	// material. Empty falls back to chain verification against the
	// Bundle or FileSet CA.
	PinnedFingerprint string

	// Bundle supplies the client certificate, and in unpinned operation
	// the CA, in auto mode.
	Bundle *certs.Bundle

	// Files supply certificate material in manual mode.
	Files FileSet

	// Incompatible, when non-empty, marks the pairing as known bad before
	// any network activity. The value is the validator's reason.
	Incompatible string

	// Attempts bounds connection attempts. Zero or one means a single
	// try. Only errors without a handshake phase are retried.
	Attempts int

	// RetryInterval spaces attempts when Attempts > 1.
	RetryInterval time.Duration

	// DialTimeout bounds each attempt.
	DialTimeout time.Duration
}

// Establish opens a client connection to a probe server over network
// ("tcp" or "unix") at address, secured per opts.Mode.
//
// Failure classes are distinguishable by the caller: a known incompatible
// pairing surfaces as KindIncompatiblePairing before any dial, TLS failures
// carry KindTLSHandshake with a phase tag, and anything else is a transport
// error safe to retry.
func Establish(ctx context.Context, network, address string, opts Options) (*grpc.ClientConn, error) {
	if opts.Incompatible != "" {
		return nil, soup.Newf(soup.KindIncompatiblePairing, "pairing known incompatible: %s", opts.Incompatible)
	}

	switch opts.Mode {
	case ModeDisabled:
		if err := preflight(ctx, network, address, nil, opts); err != nil {
			return nil, err
		}
		return dialGRPC(ctx, network, address, insecure.NewCredentials())
	case ModeAuto, ModeManual:
		cfg, err := clientTLS(network, address, opts)
		if err != nil {
			return nil, err
		}
		if err := preflight(ctx, network, address, cfg, opts); err != nil {
			return nil, err
		}
		return dialGRPC(ctx, network, address, credentials.NewTLS(cfg))
	default:
		return nil, soup.Newf(soup.KindConfiguration, "unknown TLS mode %q", string(opts.Mode))
	}
}

func clientTLS(network, address string, opts Options) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	switch opts.Mode {
	case ModeAuto:
		if opts.Bundle == nil {
			return nil, soup.New(soup.KindConfiguration, "auto TLS mode requires an issued certificate bundle")
		}
		cert, err := opts.Bundle.ClientCertificate()
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
		if opts.PinnedFingerprint == "" {
			pool, err := opts.Bundle.CAPool()
			if err != nil {
				return nil, err
			}
			cfg.RootCAs = pool
		}
	case ModeManual:
		cert, pool, err := opts.Files.load(opts.PinnedFingerprint == "")
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
		cfg.RootCAs = pool
	}

	cfg.ServerName = serverName(network, address)
	if opts.PinnedFingerprint != "" {
		// The spawned server's certificate chains to a CA this process
		// never sees. The fingerprint from the handshake line is the
		// trust anchor; chain and hostname verification are replaced by
		// the pin check.
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = pinVerifier(opts.PinnedFingerprint)
	}
	return cfg, nil
}

// serverName picks the name sent in SNI and, in unpinned operation,
// verified against the server certificate. Unix sockets have no host, and
// issued server certificates always carry the localhost SAN.
func serverName(network, address string) string {
	if network == "unix" {
		return "localhost"
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil || host == "" {
		return "localhost"
	}
	return host
}

// pinVerifier enforces that the leaf presented during the encrypted
// handshake is the one advertised in the plaintext handshake line.
func pinVerifier(want string) func(rawCerts [][]byte, verified [][]*x509.Certificate) error {
	want = strings.ToLower(strings.TrimSpace(want))
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return soup.TLS(soup.PhaseServerAuth, "server presented no certificate", nil)
		}
		if got := certs.Fingerprint(rawCerts[0]); got != want {
			return soup.TLS(soup.PhaseServerAuth, "server certificate fingerprint does not match the advertised handshake line", nil)
		}
		return nil
	}
}

// preflight connects once before any RPC so that failures surface here,
// phase-tagged where possible, instead of inside a lazily-connecting RPC
// stack. A nil cfg probes the raw transport only.
func preflight(ctx context.Context, network, address string, cfg *tls.Config, opts Options) error {
	attempts := opts.Attempts
	if attempts < 1 {
		attempts = 1
	}
	interval := opts.RetryInterval
	if interval <= 0 {
		interval = defaultRetryInterval
	}

	op := func() error {
		err := probe(ctx, network, address, cfg, opts.DialTimeout)
		if err == nil {
			return nil
		}
		if tagged := classifyTLS(err); tagged != nil {
			return backoff.Permanent(tagged)
		}
		return err
	}
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(attempts-1)),
		ctx,
	)
	return backoff.Retry(op, bo)
}

func probe(ctx context.Context, network, address string, cfg *tls.Config, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d := &net.Dialer{}
	raw, err := d.DialContext(dctx, network, address)
	if err != nil {
		return err
	}
	if cfg == nil {
		return raw.Close()
	}
	conn := tls.Client(raw, cfg)
	defer conn.Close()
	if err := conn.HandshakeContext(dctx); err != nil {
		return err
	}
	return readAlert(dctx, conn)
}

// readAlert gives the server a moment to reject the client certificate.
// Under TLS 1.3 that rejection is only observable on the first read after
// the handshake. Both a timely byte (a server speaking first, as HTTP/2
// does with its SETTINGS frame) and a quiet wire mean acceptance.
func readAlert(ctx context.Context, conn *tls.Conn) error {
	deadline := time.Now().Add(alertWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil
	}
	var buf [1]byte
	_, err := conn.Read(buf[:])
	if err == nil {
		return nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return nil
	}
	return err
}

// classifyTLS maps a handshake error onto the phase taxonomy. It returns
// nil for errors that do not look like TLS negotiation failures, leaving
// them retryable.
//
// The standard library reports alerts sent by the peer only as message
// text, so the client_auth and cipher_negotiation phases match on the
// alert strings.
func classifyTLS(err error) error {
	if err == nil {
		return nil
	}
	if soup.KindOf(err) == soup.KindTLSHandshake {
		return err
	}

	var (
		unknownAuth x509.UnknownAuthorityError
		hostname    x509.HostnameError
		invalid     x509.CertificateInvalidError
	)
	if errors.As(err, &unknownAuth) || errors.As(err, &hostname) || errors.As(err, &invalid) {
		return soup.TLS(soup.PhaseServerAuth, "server certificate verification failed", err)
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "bad certificate"),
		strings.Contains(msg, "certificate required"),
		strings.Contains(msg, "unknown certificate authority"):
		return soup.TLS(soup.PhaseClientAuth, "server rejected the client certificate", err)
	case strings.Contains(msg, "handshake failure"),
		strings.Contains(msg, "cipher suite"),
		strings.Contains(msg, "protocol version"):
		return soup.TLS(soup.PhaseCipherNegotiation, "no TLS parameters in common with the server", err)
	}
	return nil
}

func dialGRPC(ctx context.Context, network, address string, creds credentials.TransportCredentials) (*grpc.ClientConn, error) {
	target, err := grpcTarget(network, address)
	if err != nil {
		return nil, err
	}
	cc, err := grpc.DialContext(ctx, target, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, err
	}
	return cc, nil
}

func grpcTarget(network, address string) (string, error) {
	switch network {
	case "tcp":
		return address, nil
	case "unix":
		if strings.HasPrefix(address, "/") {
			return "unix://" + address, nil
		}
		return "unix:" + address, nil
	default:
		return "", soup.Newf(soup.KindConfiguration, "unknown network %q (want tcp or unix)", network)
	}
}
