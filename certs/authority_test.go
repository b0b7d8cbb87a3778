package certs

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"sync"
	"testing"

	"github.com/provide-io/tofusoup-go/soup"
)

func leafDER(pemBytes []byte) ([]byte, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("no certificate PEM block")
	}
	return block.Bytes, nil
}

func TestIssue_CachedPerConfigID(t *testing.T) {
	a := NewAuthority()
	ctx := context.Background()

	first, err := a.Issue(ctx, DefaultCryptoConfig)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	second, err := a.Issue(ctx, DefaultCryptoConfig)
	if err != nil {
		t.Fatalf("Issue (cached): %v", err)
	}
	if first != second {
		t.Fatalf("expected the cached bundle on the second call")
	}
	if !bytes.Equal(first.ServerCertPEM, second.ServerCertPEM) {
		t.Fatalf("cached bundle certificates differ")
	}
}

func TestIssue_SingleFlightUnderConcurrency(t *testing.T) {
	a := NewAuthority()
	ctx := context.Background()

	const callers = 16
	bundles := make([]*Bundle, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bundles[i], errs[i] = a.Issue(ctx, DefaultCryptoConfig)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if bundles[i] != bundles[0] {
			t.Fatalf("caller %d received a different bundle", i)
		}
	}
}

func TestIssue_ChainsToSharedCA(t *testing.T) {
	a := NewAuthority()
	b, err := a.Issue(context.Background(), DefaultCryptoConfig)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	pool, err := b.CAPool()
	if err != nil {
		t.Fatalf("CAPool: %v", err)
	}

	for _, leafPEM := range [][]byte{b.ServerCertPEM, b.ClientCertPEM} {
		der, err := leafDER(leafPEM)
		if err != nil {
			t.Fatalf("decoding leaf: %v", err)
		}
		leaf, err := x509.ParseCertificate(der)
		if err != nil {
			t.Fatalf("parsing leaf: %v", err)
		}
		if _, err := leaf.Verify(x509.VerifyOptions{
			Roots:     pool,
			KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		}); err != nil {
			t.Fatalf("leaf %q does not chain to the bundle CA: %v", leaf.Subject.CommonName, err)
		}
	}
}

func TestIssue_ServerSANsCoverLoopback(t *testing.T) {
	a := NewAuthority()
	b, err := a.Issue(context.Background(), CryptoConfig{KeyType: KeyEC, Curve: CurveP384})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	der, err := b.ServerLeafDER()
	if err != nil {
		t.Fatalf("ServerLeafDER: %v", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing server leaf: %v", err)
	}
	if err := leaf.VerifyHostname("localhost"); err != nil {
		t.Fatalf("server certificate does not cover localhost: %v", err)
	}
	if err := leaf.VerifyHostname("127.0.0.1"); err != nil {
		t.Fatalf("server certificate does not cover 127.0.0.1: %v", err)
	}
}

func TestIssue_RSABundleLoads(t *testing.T) {
	if testing.Short() {
		t.Skip("RSA key generation is slow")
	}
	a := NewAuthority()
	b, err := a.Issue(context.Background(), CryptoConfig{KeyType: KeyRSA, RSABits: 2048})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := b.ServerCertificate(); err != nil {
		t.Fatalf("ServerCertificate: %v", err)
	}
	if _, err := b.ClientCertificate(); err != nil {
		t.Fatalf("ClientCertificate: %v", err)
	}
}

func TestIssue_DistinctConfigsDistinctCAs(t *testing.T) {
	a := NewAuthority()
	ctx := context.Background()

	p256, err := a.Issue(ctx, CryptoConfig{KeyType: KeyEC, Curve: CurveP256})
	if err != nil {
		t.Fatalf("Issue p256: %v", err)
	}
	p521, err := a.Issue(ctx, CryptoConfig{KeyType: KeyEC, Curve: CurveP521})
	if err != nil {
		t.Fatalf("Issue p521: %v", err)
	}
	if bytes.Equal(p256.CACertPEM, p521.CACertPEM) {
		t.Fatalf("different configs share a CA certificate")
	}
}

func TestIssue_UnsupportedConfig(t *testing.T) {
	a := NewAuthority()
	_, err := a.Issue(context.Background(), CryptoConfig{KeyType: KeyRSA, RSABits: 512})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !soup.IsKind(err, soup.KindCertGeneration) {
		t.Fatalf("expected KindCertGeneration, got %v", err)
	}
}

func TestServerCertB64_DecodesToLeafDER(t *testing.T) {
	a := NewAuthority()
	b, err := a.Issue(context.Background(), DefaultCryptoConfig)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	encoded, err := b.ServerCertB64()
	if err != nil {
		t.Fatalf("ServerCertB64: %v", err)
	}
	der, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("decoding cert_b64: %v", err)
	}
	want, err := b.ServerLeafDER()
	if err != nil {
		t.Fatalf("ServerLeafDER: %v", err)
	}
	if !bytes.Equal(der, want) {
		t.Fatalf("cert_b64 does not round-trip to the server leaf DER")
	}
	fp, err := b.ServerFingerprint()
	if err != nil {
		t.Fatalf("ServerFingerprint: %v", err)
	}
	if len(fp) != 64 {
		t.Fatalf("fingerprint should be 64 hex chars, got %d", len(fp))
	}
	if fp != Fingerprint(der) {
		t.Fatalf("fingerprint mismatch between bundle and raw DER")
	}
}
