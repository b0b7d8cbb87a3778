// Package certs issues the ephemeral certificate material used by
// automatic mTLS conformance runs.
//
// Bundles are scoped to a single process session. The private keys they
// carry exist only to exercise transport handshakes between harness
// processes and must never be reused outside a conformance run.
package certs

import (
	"crypto/elliptic"
	"strings"

	"github.com/provide-io/tofusoup-go/soup"
)

// KeyType selects the key-generation algorithm for a crypto config.
type KeyType string

const (
	KeyRSA KeyType = "rsa"
	KeyEC  KeyType = "ec"
)

// CurveID names a supported elliptic curve.
type CurveID string

const (
	CurveP256 CurveID = "p256"
	CurveP384 CurveID = "p384"
	CurveP521 CurveID = "p521"
)

// CryptoConfig is an immutable TLS key-generation policy. The zero value is
// not valid; construct via ParseCryptoConfig or the package constants.
type CryptoConfig struct {
	KeyType KeyType
	RSABits int     // 2048 or 4096, KeyRSA only
	Curve   CurveID // KeyEC only
}

// DefaultCryptoConfig is the policy used when a caller does not pick one.
var DefaultCryptoConfig = CryptoConfig{KeyType: KeyEC, Curve: CurveP256}

// SupportedConfigs enumerates every policy the authority can issue,
// in the identifier order used by reports and the compatibility table.
var SupportedConfigs = []CryptoConfig{
	{KeyType: KeyRSA, RSABits: 2048},
	{KeyType: KeyRSA, RSABits: 4096},
	{KeyType: KeyEC, Curve: CurveP256},
	{KeyType: KeyEC, Curve: CurveP384},
	{KeyType: KeyEC, Curve: CurveP521},
}

// ID returns the stable identifier for the policy: "rsa-2048", "rsa-4096",
// "ec-p256", "ec-p384", or "ec-p521".
func (c CryptoConfig) ID() string {
	switch c.KeyType {
	case KeyRSA:
		switch c.RSABits {
		case 2048:
			return "rsa-2048"
		case 4096:
			return "rsa-4096"
		}
	case KeyEC:
		if c.Curve != "" {
			return "ec-" + string(c.Curve)
		}
	}
	return "invalid"
}

// Validate reports whether the policy names a primitive the authority
// supports.
func (c CryptoConfig) Validate() error {
	switch c.KeyType {
	case KeyRSA:
		if c.RSABits != 2048 && c.RSABits != 4096 {
			return soup.Newf(soup.KindCertGeneration, "unsupported RSA key size %d (want 2048 or 4096)", c.RSABits)
		}
		if c.Curve != "" {
			return soup.New(soup.KindCertGeneration, "curve set on an RSA config")
		}
		return nil
	case KeyEC:
		if _, err := c.curve(); err != nil {
			return err
		}
		if c.RSABits != 0 {
			return soup.New(soup.KindCertGeneration, "RSA bits set on an EC config")
		}
		return nil
	default:
		return soup.Newf(soup.KindCertGeneration, "unsupported key type %q", string(c.KeyType))
	}
}

func (c CryptoConfig) curve() (elliptic.Curve, error) {
	switch c.Curve {
	case CurveP256:
		return elliptic.P256(), nil
	case CurveP384:
		return elliptic.P384(), nil
	case CurveP521:
		return elliptic.P521(), nil
	default:
		return nil, soup.Newf(soup.KindCertGeneration, "unsupported curve %q", string(c.Curve))
	}
}

// ParseCryptoConfig parses a policy identifier as produced by ID.
// Curve aliases secp256r1/secp384r1/secp521r1 are accepted for callers
// that speak the TLS registry names.
func ParseCryptoConfig(id string) (CryptoConfig, error) {
	switch strings.ToLower(strings.TrimSpace(id)) {
	case "rsa-2048", "rsa2048":
		return CryptoConfig{KeyType: KeyRSA, RSABits: 2048}, nil
	case "rsa-4096", "rsa4096":
		return CryptoConfig{KeyType: KeyRSA, RSABits: 4096}, nil
	case "ec-p256", "p256", "secp256r1":
		return CryptoConfig{KeyType: KeyEC, Curve: CurveP256}, nil
	case "ec-p384", "p384", "secp384r1":
		return CryptoConfig{KeyType: KeyEC, Curve: CurveP384}, nil
	case "ec-p521", "p521", "secp521r1":
		return CryptoConfig{KeyType: KeyEC, Curve: CurveP521}, nil
	default:
		return CryptoConfig{}, soup.Newf(soup.KindCertGeneration, "unknown crypto config %q", id)
	}
}
