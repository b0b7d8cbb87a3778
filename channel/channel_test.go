package channel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/provide-io/tofusoup-go/certs"
	"github.com/provide-io/tofusoup-go/soup"
)

func issueBundle(t *testing.T, a *certs.Authority) *certs.Bundle {
	t.Helper()
	b, err := a.Issue(context.Background(), certs.DefaultCryptoConfig)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return b
}

// serveTLS accepts connections and drives the server end of each handshake
// until the listener closes with the test.
func serveTLS(t *testing.T, cfg *tls.Config) string {
	t.Helper()
	ln, err := tls.Listen("tcp", "127.0.0.1:0", cfg)
	if err != nil {
		t.Fatalf("tls.Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				if tc, ok := c.(*tls.Conn); ok {
					if err := tc.HandshakeContext(context.Background()); err != nil {
						return
					}
				}
				io.Copy(io.Discard, c)
			}(c)
		}
	}()
	return ln.Addr().String()
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{
		"disabled": ModeDisabled,
		"AUTO":     ModeAuto,
		" manual ": ModeManual,
	} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseMode("mutual"); soup.KindOf(err) != soup.KindConfiguration {
		t.Fatalf("ParseMode(mutual) = %v, want ConfigurationError", err)
	}
}

func TestServerTLS_DisabledIsNil(t *testing.T) {
	cfg, err := ServerTLS(ModeDisabled, nil, FileSet{})
	if err != nil || cfg != nil {
		t.Fatalf("ServerTLS(disabled) = %v, %v; want nil, nil", cfg, err)
	}
}

func TestServerTLS_AutoRequiresClientCerts(t *testing.T) {
	bundle := issueBundle(t, certs.NewAuthority())
	cfg, err := ServerTLS(ModeAuto, bundle, FileSet{})
	if err != nil {
		t.Fatalf("ServerTLS: %v", err)
	}
	if cfg.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Fatalf("ClientAuth = %v, want RequireAndVerifyClientCert", cfg.ClientAuth)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("Certificates = %d, want 1", len(cfg.Certificates))
	}
}

func TestEstablish_AutoPinnedRoundTrip(t *testing.T) {
	authority := certs.NewAuthority()
	bundle := issueBundle(t, authority)

	serverCfg, err := ServerTLS(ModeAuto, bundle, FileSet{})
	if err != nil {
		t.Fatalf("ServerTLS: %v", err)
	}
	addr := serveTLS(t, serverCfg)

	pin, err := bundle.ServerFingerprint()
	if err != nil {
		t.Fatalf("ServerFingerprint: %v", err)
	}

	cc, err := Establish(context.Background(), "tcp", addr, Options{
		Mode:              ModeAuto,
		Bundle:            bundle,
		PinnedFingerprint: pin,
		DialTimeout:       5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Establish: %v", err)
	}
	cc.Close()
}

func TestEstablish_PinMismatchIsServerAuth(t *testing.T) {
	authority := certs.NewAuthority()
	bundle := issueBundle(t, authority)

	serverCfg, err := ServerTLS(ModeAuto, bundle, FileSet{})
	if err != nil {
		t.Fatalf("ServerTLS: %v", err)
	}
	addr := serveTLS(t, serverCfg)

	// Pin from a different session: same crypto config, different leaf.
	otherPin, err := issueBundle(t, certs.NewAuthority()).ServerFingerprint()
	if err != nil {
		t.Fatalf("ServerFingerprint: %v", err)
	}

	_, err = Establish(context.Background(), "tcp", addr, Options{
		Mode:              ModeAuto,
		Bundle:            bundle,
		PinnedFingerprint: otherPin,
		DialTimeout:       5 * time.Second,
	})
	if soup.KindOf(err) != soup.KindTLSHandshake {
		t.Fatalf("Establish = %v, want TLSHandshakeError", err)
	}
	if soup.PhaseOf(err) != soup.PhaseServerAuth {
		t.Fatalf("phase = %q, want %q", soup.PhaseOf(err), soup.PhaseServerAuth)
	}
}

// A server only trusts client certificates chained to a CA it knows. A
// client keyed by a foreign authority passes its own pin check but is
// rejected by the server, and that rejection reads as client_auth.
func TestEstablish_ForeignClientCertIsClientAuth(t *testing.T) {
	serverBundle := issueBundle(t, certs.NewAuthority())
	clientBundle := issueBundle(t, certs.NewAuthority())

	serverCfg, err := ServerTLS(ModeAuto, serverBundle, FileSet{})
	if err != nil {
		t.Fatalf("ServerTLS: %v", err)
	}
	addr := serveTLS(t, serverCfg)

	pin, err := serverBundle.ServerFingerprint()
	if err != nil {
		t.Fatalf("ServerFingerprint: %v", err)
	}

	_, err = Establish(context.Background(), "tcp", addr, Options{
		Mode:              ModeAuto,
		Bundle:            clientBundle,
		PinnedFingerprint: pin,
		DialTimeout:       5 * time.Second,
	})
	if soup.KindOf(err) != soup.KindTLSHandshake {
		t.Fatalf("Establish = %v, want TLSHandshakeError", err)
	}
	if soup.PhaseOf(err) != soup.PhaseClientAuth {
		t.Fatalf("phase = %q, want %q", soup.PhaseOf(err), soup.PhaseClientAuth)
	}
}

// The spawn topology: each process issues its own material, the server
// learns the client's CA out of band, and the client trusts the server
// purely through the advertised fingerprint.
func TestEstablish_IndependentAuthoritiesWithExchangedTrust(t *testing.T) {
	serverBundle := issueBundle(t, certs.NewAuthority())
	clientBundle := issueBundle(t, certs.NewAuthority())

	serverCfg, err := ServerTLS(ModeAuto, serverBundle, FileSet{}, clientBundle.CACertPEM)
	if err != nil {
		t.Fatalf("ServerTLS: %v", err)
	}
	addr := serveTLS(t, serverCfg)

	pin, err := serverBundle.ServerFingerprint()
	if err != nil {
		t.Fatalf("ServerFingerprint: %v", err)
	}

	cc, err := Establish(context.Background(), "tcp", addr, Options{
		Mode:              ModeAuto,
		Bundle:            clientBundle,
		PinnedFingerprint: pin,
		DialTimeout:       5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Establish: %v", err)
	}
	cc.Close()
}

func TestEstablish_ManualFromFiles(t *testing.T) {
	bundle := issueBundle(t, certs.NewAuthority())

	dir := t.TempDir()
	files := FileSet{
		CertFile: filepath.Join(dir, "client.crt"),
		KeyFile:  filepath.Join(dir, "client.key"),
		CAFile:   filepath.Join(dir, "ca.crt"),
	}
	for path, pem := range map[string][]byte{
		files.CertFile: bundle.ClientCertPEM,
		files.KeyFile:  bundle.ClientKeyPEM,
		files.CAFile:   bundle.CACertPEM,
	} {
		if err := os.WriteFile(path, pem, 0o600); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}

	serverFiles := FileSet{
		CertFile: filepath.Join(dir, "server.crt"),
		KeyFile:  filepath.Join(dir, "server.key"),
		CAFile:   files.CAFile,
	}
	if err := os.WriteFile(serverFiles.CertFile, bundle.ServerCertPEM, 0o600); err != nil {
		t.Fatalf("write server cert: %v", err)
	}
	if err := os.WriteFile(serverFiles.KeyFile, bundle.ServerKeyPEM, 0o600); err != nil {
		t.Fatalf("write server key: %v", err)
	}

	serverCfg, err := ServerTLS(ModeManual, nil, serverFiles)
	if err != nil {
		t.Fatalf("ServerTLS: %v", err)
	}
	addr := serveTLS(t, serverCfg)

	cc, err := Establish(context.Background(), "tcp", addr, Options{
		Mode:        ModeManual,
		Files:       files,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Establish: %v", err)
	}
	cc.Close()
}

// Manual mode does not demand a CA file when a pinned fingerprint stands
// in for chain verification.
func TestEstablish_ManualPinnedWithoutCAFile(t *testing.T) {
	bundle := issueBundle(t, certs.NewAuthority())

	dir := t.TempDir()
	files := FileSet{
		CertFile: filepath.Join(dir, "client.crt"),
		KeyFile:  filepath.Join(dir, "client.key"),
	}
	if err := os.WriteFile(files.CertFile, bundle.ClientCertPEM, 0o600); err != nil {
		t.Fatalf("write client cert: %v", err)
	}
	if err := os.WriteFile(files.KeyFile, bundle.ClientKeyPEM, 0o600); err != nil {
		t.Fatalf("write client key: %v", err)
	}

	serverCfg, err := ServerTLS(ModeAuto, bundle, FileSet{})
	if err != nil {
		t.Fatalf("ServerTLS: %v", err)
	}
	addr := serveTLS(t, serverCfg)

	pin, err := bundle.ServerFingerprint()
	if err != nil {
		t.Fatalf("ServerFingerprint: %v", err)
	}

	cc, err := Establish(context.Background(), "tcp", addr, Options{
		Mode:              ModeManual,
		Files:             files,
		PinnedFingerprint: pin,
		DialTimeout:       5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Establish: %v", err)
	}
	cc.Close()
}

func TestEstablish_ManualMissingFileFailsFast(t *testing.T) {
	_, err := Establish(context.Background(), "tcp", "127.0.0.1:1", Options{
		Mode: ModeManual,
		Files: FileSet{
			CertFile: filepath.Join(t.TempDir(), "nope.crt"),
			KeyFile:  filepath.Join(t.TempDir(), "nope.key"),
			CAFile:   filepath.Join(t.TempDir(), "nope-ca.crt"),
		},
	})
	if soup.KindOf(err) != soup.KindConfiguration {
		t.Fatalf("Establish = %v, want ConfigurationError", err)
	}
}

func TestEstablish_KnownIncompatibleShortCircuits(t *testing.T) {
	_, err := Establish(context.Background(), "tcp", "127.0.0.1:1", Options{
		Mode:         ModeAuto,
		Incompatible: "client runtime lacks p521 support",
	})
	if soup.KindOf(err) != soup.KindIncompatiblePairing {
		t.Fatalf("Establish = %v, want IncompatiblePairingError", err)
	}
}

func TestEstablish_TransientFailureNotPhaseTagged(t *testing.T) {
	// Grab a port with no listener behind it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	bundle := issueBundle(t, certs.NewAuthority())
	_, err = Establish(context.Background(), "tcp", addr, Options{
		Mode:        ModeAuto,
		Bundle:      bundle,
		DialTimeout: 2 * time.Second,
	})
	if err == nil {
		t.Fatal("Establish succeeded against a dead address")
	}
	if kind := soup.KindOf(err); kind != "" {
		t.Fatalf("transient failure carries taxonomy kind %q: %v", kind, err)
	}
}

// Plaintext mode still probes the transport so a dead server surfaces at
// establish time rather than on the first RPC.
func TestEstablish_DisabledProbesTransport(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	_, err = Establish(context.Background(), "tcp", addr, Options{
		Mode:        ModeDisabled,
		DialTimeout: 2 * time.Second,
	})
	if err == nil {
		t.Fatal("Establish succeeded against a dead address")
	}
	if kind := soup.KindOf(err); kind != "" {
		t.Fatalf("transport failure carries taxonomy kind %q: %v", kind, err)
	}
}

func TestClassifyTLS_PhaseMapping(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		phase string
	}{
		{"peer rejected our cert", errors.New("remote error: tls: bad certificate"), soup.PhaseClientAuth},
		{"peer requires a cert", errors.New("remote error: tls: certificate required"), soup.PhaseClientAuth},
		{"no shared parameters", errors.New("remote error: tls: handshake failure"), soup.PhaseCipherNegotiation},
		{"protocol floor too high", errors.New("tls: protocol version not supported"), soup.PhaseCipherNegotiation},
		{"untrusted chain", x509.UnknownAuthorityError{}, soup.PhaseServerAuth},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyTLS(tc.err)
			if soup.KindOf(got) != soup.KindTLSHandshake {
				t.Fatalf("classifyTLS(%v) = %v, want TLSHandshakeError", tc.err, got)
			}
			if soup.PhaseOf(got) != tc.phase {
				t.Fatalf("phase = %q, want %q", soup.PhaseOf(got), tc.phase)
			}
		})
	}

	if got := classifyTLS(errors.New("connect: connection refused")); got != nil {
		t.Fatalf("transport error classified as TLS failure: %v", got)
	}
	if got := classifyTLS(nil); got != nil {
		t.Fatalf("classifyTLS(nil) = %v", got)
	}
}
