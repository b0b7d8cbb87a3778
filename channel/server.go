package channel

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/provide-io/tofusoup-go/certs"
	"github.com/provide-io/tofusoup-go/soup"
)

// EnvClientCA is the environment variable through which a launching client
// hands its CA certificate (PEM) to a spawned server. The server adds it to
// the pool used to verify client certificates, so two independently keyed
// processes can still authenticate each other: the client trusts the server
// through the fingerprint advertised in the handshake line, and the server
// trusts certificates chained to the CA received here.
const EnvClientCA = "SOUP_CLIENT_CA"

// FileSet names the certificate material for manual mode.
//
// CertFile and KeyFile are always required. CAFile is required wherever the
// peer is verified by chain: always on the server side, and on the client
// side unless a pinned fingerprint stands in for the chain.
type FileSet struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

// check verifies every required file exists and is readable before any
// connection work starts, so a bad path fails fast instead of surfacing
// mid-handshake.
func (f FileSet) check(requireCA bool) error {
	entries := []struct{ label, path string }{
		{"certificate", f.CertFile},
		{"key", f.KeyFile},
	}
	if requireCA || f.CAFile != "" {
		entries = append(entries, struct{ label, path string }{"CA certificate", f.CAFile})
	}
	for _, p := range entries {
		if p.path == "" {
			return soup.Newf(soup.KindConfiguration, "manual TLS mode: %s file not set", p.label)
		}
		fh, err := os.Open(p.path)
		if err != nil {
			return soup.Wrap(soup.KindConfiguration, "manual TLS mode: "+p.label+" file unreadable", err)
		}
		fh.Close()
	}
	return nil
}

func (f FileSet) load(requireCA bool) (tls.Certificate, *x509.CertPool, error) {
	if err := f.check(requireCA); err != nil {
		return tls.Certificate{}, nil, err
	}
	cert, err := tls.LoadX509KeyPair(f.CertFile, f.KeyFile)
	if err != nil {
		return tls.Certificate{}, nil, soup.Wrap(soup.KindConfiguration, "loading key pair", err)
	}
	var pool *x509.CertPool
	if f.CAFile != "" {
		caPEM, err := os.ReadFile(f.CAFile)
		if err != nil {
			return tls.Certificate{}, nil, soup.Wrap(soup.KindConfiguration, "reading CA certificate", err)
		}
		pool = x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return tls.Certificate{}, nil, soup.New(soup.KindConfiguration, "CA certificate PEM did not parse")
		}
	}
	return cert, pool, nil
}

// ServerTLS builds the serving TLS configuration for mode. Disabled mode
// returns nil. Both secured modes require the connecting client to present
// a certificate chained to a trusted CA: the session CA in auto mode, the
// CAFile in manual mode, plus any extraClientCAs (PEM blocks, typically the
// launching client's CA received via EnvClientCA).
func ServerTLS(mode Mode, bundle *certs.Bundle, files FileSet, extraClientCAs ...[]byte) (*tls.Config, error) {
	switch mode {
	case ModeDisabled:
		return nil, nil
	case ModeAuto:
		if bundle == nil {
			return nil, soup.New(soup.KindConfiguration, "auto TLS mode requires an issued certificate bundle")
		}
		cert, err := bundle.ServerCertificate()
		if err != nil {
			return nil, err
		}
		pool, err := bundle.CAPool()
		if err != nil {
			return nil, err
		}
		if err := appendClientCAs(pool, extraClientCAs); err != nil {
			return nil, err
		}
		return &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
			ClientCAs:    pool,
			ClientAuth:   tls.RequireAndVerifyClientCert,
		}, nil
	case ModeManual:
		cert, pool, err := files.load(true)
		if err != nil {
			return nil, err
		}
		if err := appendClientCAs(pool, extraClientCAs); err != nil {
			return nil, err
		}
		return &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
			ClientCAs:    pool,
			ClientAuth:   tls.RequireAndVerifyClientCert,
		}, nil
	default:
		return nil, soup.Newf(soup.KindConfiguration, "unknown TLS mode %q", string(mode))
	}
}

func appendClientCAs(pool *x509.CertPool, pems [][]byte) error {
	for _, pem := range pems {
		if len(pem) == 0 {
			continue
		}
		if !pool.AppendCertsFromPEM(pem) {
			return soup.New(soup.KindConfiguration, "client CA PEM did not parse")
		}
	}
	return nil
}
