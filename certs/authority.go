package certs

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/provide-io/tofusoup-go/soup"
)

// Authority issues certificate bundles, one per crypto config id per
// session. It is an explicit value owned by whoever drives a run; there is
// no package-level instance.
//
// Issuance is single-flight per config id: concurrent callers for the same
// id share one generation, callers for different ids proceed in parallel.
// Issued bundles are cached for the life of the Authority.
type Authority struct {
	// Lifetime bounds issued certificates. Zero means one day, which
	// outlives any conformance run by a wide margin.
	Lifetime time.Duration

	mu      sync.RWMutex
	bundles map[string]*Bundle
	group   singleflight.Group
}

// NewAuthority returns an Authority with an empty session cache.
func NewAuthority() *Authority {
	return &Authority{bundles: make(map[string]*Bundle)}
}

// Issue returns the bundle for cfg, generating it on first use.
//
// Two calls with the same config id within one session return the same
// bundle, byte for byte. Unsupported algorithms or curves fail with a
// structured CertGenerationError rather than a panic.
func (a *Authority) Issue(ctx context.Context, cfg CryptoConfig) (*Bundle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	id := cfg.ID()

	a.mu.RLock()
	cached := a.bundles[id]
	a.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	v, err, _ := a.group.Do(id, func() (any, error) {
		a.mu.RLock()
		existing := a.bundles[id]
		a.mu.RUnlock()
		if existing != nil {
			return existing, nil
		}
		b, err := generateBundle(cfg, a.lifetime())
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		a.bundles[id] = b
		a.mu.Unlock()
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return v.(*Bundle), nil
}

func (a *Authority) lifetime() time.Duration {
	if a.Lifetime > 0 {
		return a.Lifetime
	}
	return 24 * time.Hour
}

func generateBundle(cfg CryptoConfig, lifetime time.Duration) (*Bundle, error) {
	notBefore := time.Now().Add(-time.Hour)
	notAfter := notBefore.Add(lifetime + time.Hour)

	caKey, err := generateKey(cfg)
	if err != nil {
		return nil, err
	}
	caTemplate := &x509.Certificate{
		SerialNumber:          mustSerial(),
		Subject:               pkix.Name{CommonName: "tofusoup conformance CA", Organization: []string{"provide.io"}},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		MaxPathLenZero:        true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, caKey.Public(), caKey)
	if err != nil {
		return nil, soup.Wrap(soup.KindCertGeneration, "creating CA certificate", err)
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		return nil, soup.Wrap(soup.KindCertGeneration, "parsing CA certificate", err)
	}

	serverDER, serverKey, err := issueLeaf(cfg, caCert, caKey, leafParams{
		commonName:  "tofusoup-server",
		extKeyUsage: x509.ExtKeyUsageServerAuth,
		dnsNames:    []string{"localhost"},
		ips:         []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		notBefore:   notBefore,
		notAfter:    notAfter,
	})
	if err != nil {
		return nil, err
	}
	clientDER, clientKey, err := issueLeaf(cfg, caCert, caKey, leafParams{
		commonName:  "tofusoup-client",
		extKeyUsage: x509.ExtKeyUsageClientAuth,
		notBefore:   notBefore,
		notAfter:    notAfter,
	})
	if err != nil {
		return nil, err
	}

	b := &Bundle{ConfigID: cfg.ID()}
	b.CACertPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDER})
	b.ServerCertPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: serverDER})
	b.ClientCertPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: clientDER})
	if b.CAKeyPEM, err = marshalKey(caKey); err != nil {
		return nil, err
	}
	if b.ServerKeyPEM, err = marshalKey(serverKey); err != nil {
		return nil, err
	}
	if b.ClientKeyPEM, err = marshalKey(clientKey); err != nil {
		return nil, err
	}
	return b, nil
}

type leafParams struct {
	commonName  string
	extKeyUsage x509.ExtKeyUsage
	dnsNames    []string
	ips         []net.IP
	notBefore   time.Time
	notAfter    time.Time
}

func issueLeaf(cfg CryptoConfig, caCert *x509.Certificate, caKey crypto.Signer, p leafParams) ([]byte, crypto.Signer, error) {
	key, err := generateKey(cfg)
	if err != nil {
		return nil, nil, err
	}
	template := &x509.Certificate{
		SerialNumber: mustSerial(),
		Subject:      pkix.Name{CommonName: p.commonName, Organization: []string{"provide.io"}},
		NotBefore:    p.notBefore,
		NotAfter:     p.notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{p.extKeyUsage},
		DNSNames:     p.dnsNames,
		IPAddresses:  p.ips,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, caCert, key.Public(), caKey)
	if err != nil {
		return nil, nil, soup.Wrap(soup.KindCertGeneration, "creating "+p.commonName+" certificate", err)
	}
	return der, key, nil
}

func generateKey(cfg CryptoConfig) (crypto.Signer, error) {
	switch cfg.KeyType {
	case KeyRSA:
		key, err := rsa.GenerateKey(rand.Reader, cfg.RSABits)
		if err != nil {
			return nil, soup.Wrap(soup.KindCertGeneration, "generating RSA key", err)
		}
		return key, nil
	case KeyEC:
		curve, err := cfg.curve()
		if err != nil {
			return nil, err
		}
		key, err := ecdsa.GenerateKey(curve, rand.Reader)
		if err != nil {
			return nil, soup.Wrap(soup.KindCertGeneration, "generating EC key", err)
		}
		return key, nil
	default:
		return nil, soup.Newf(soup.KindCertGeneration, "unsupported key type %q", string(cfg.KeyType))
	}
}

func marshalKey(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, soup.Wrap(soup.KindCertGeneration, "marshaling private key", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

var serialLimit = new(big.Int).Lsh(big.NewInt(1), 128)

func mustSerial() *big.Int {
	n, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		// crypto/rand failure is unrecoverable for certificate issuance.
		panic(err)
	}
	return n
}
