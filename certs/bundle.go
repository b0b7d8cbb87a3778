package certs

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"

	"github.com/provide-io/tofusoup-go/soup"
)

// Bundle is the certificate material for one crypto config: an ephemeral CA
// plus a server leaf and a client leaf chained to it. All fields are PEM.
//
// A bundle is immutable once issued and is discarded with the session. The
// private keys must not be persisted or reused outside conformance runs.
type Bundle struct {
	ConfigID string

	CACertPEM []byte
	CAKeyPEM  []byte

	ServerCertPEM []byte
	ServerKeyPEM  []byte

	ClientCertPEM []byte
	ClientKeyPEM  []byte
}

// ServerCertificate returns the server leaf as a tls.Certificate.
func (b *Bundle) ServerCertificate() (tls.Certificate, error) {
	cert, err := tls.X509KeyPair(b.ServerCertPEM, b.ServerKeyPEM)
	if err != nil {
		return tls.Certificate{}, soup.Wrap(soup.KindCertGeneration, "loading server key pair", err)
	}
	return cert, nil
}

// ClientCertificate returns the client leaf as a tls.Certificate.
func (b *Bundle) ClientCertificate() (tls.Certificate, error) {
	cert, err := tls.X509KeyPair(b.ClientCertPEM, b.ClientKeyPEM)
	if err != nil {
		return tls.Certificate{}, soup.Wrap(soup.KindCertGeneration, "loading client key pair", err)
	}
	return cert, nil
}

// CAPool returns a pool holding only the bundle's CA, for peer verification.
func (b *Bundle) CAPool() (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(b.CACertPEM) {
		return nil, soup.New(soup.KindCertGeneration, "CA certificate PEM did not parse")
	}
	return pool, nil
}

// ServerLeafDER returns the raw DER bytes of the server certificate.
func (b *Bundle) ServerLeafDER() ([]byte, error) {
	block, _ := pem.Decode(b.ServerCertPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, soup.New(soup.KindCertGeneration, "server certificate PEM did not decode")
	}
	return block.Bytes, nil
}

// ServerCertB64 returns the base64 (raw, unpadded) DER of the server
// certificate, the form advertised in a handshake line.
func (b *Bundle) ServerCertB64() (string, error) {
	der, err := b.ServerLeafDER()
	if err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(der), nil
}

// ServerFingerprint returns the SHA-256 fingerprint of the server leaf DER.
func (b *Bundle) ServerFingerprint() (string, error) {
	der, err := b.ServerLeafDER()
	if err != nil {
		return "", err
	}
	return Fingerprint(der), nil
}

// Fingerprint returns the lowercase hex SHA-256 digest of DER bytes.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}
