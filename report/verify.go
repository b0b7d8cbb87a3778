package report

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudflare/circl/sign/dilithium/mode3"

	"github.com/provide-io/tofusoup-go/keys"
)

// VerifySignature verifies the report's CRYPTO signature, if present.
//
// Returns (true, nil) if the document is signed and the signature verifies.
// Returns (false, nil) if the document is canonical but not signed.
// Returns (false, err) for malformed, non-canonical, or invalid signatures.
func VerifySignature(reportBytes []byte) (bool, error) {
	r, err := Parse(reportBytes)
	if err != nil {
		return false, fmt.Errorf("canonical report required: %w", err)
	}
	if r.Crypto == nil {
		return false, nil
	}
	c := r.Crypto

	keyAlg, keyB64, ok := strings.Cut(c.SignerKey, ":")
	if !ok {
		return false, errors.New("CRYPTO: invalid Signer-Key encoding")
	}
	if keyAlg != c.SignatureAlg {
		return false, errors.New("CRYPTO: Signer-Key alg does not match Signature-Alg")
	}

	sig, err := base64.StdEncoding.DecodeString(c.Signature)
	if err != nil {
		return false, fmt.Errorf("CRYPTO: invalid Signature encoding: %w", err)
	}

	scope, err := signatureScope(r.raw)
	if err != nil {
		return false, err
	}
	digest, err := keys.DigestFor(c.HashAlg, scope)
	if err != nil {
		return false, fmt.Errorf("CRYPTO: %w", err)
	}

	switch c.SignatureAlg {
	case "ed25519":
		pub, err := base64.StdEncoding.DecodeString(keyB64)
		if err != nil {
			return false, fmt.Errorf("CRYPTO: invalid Signer-Key encoding: %w", err)
		}
		if len(pub) != ed25519.PublicKeySize {
			return false, errors.New("CRYPTO: invalid Signer-Key length")
		}
		if len(sig) != ed25519.SignatureSize {
			return false, errors.New("CRYPTO: invalid Signature length")
		}
		if !ed25519.Verify(ed25519.PublicKey(pub), digest, sig) {
			return false, errors.New("CRYPTO: signature did not verify")
		}
		return true, nil
	case "dilithium3":
		raw, err := base64.StdEncoding.DecodeString(keyB64)
		if err != nil {
			return false, fmt.Errorf("CRYPTO: invalid Signer-Key encoding: %w", err)
		}
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(raw); err != nil {
			return false, fmt.Errorf("CRYPTO: invalid dilithium3 public key: %w", err)
		}
		if len(sig) != mode3.SignatureSize {
			return false, errors.New("CRYPTO: invalid Signature length")
		}
		if !mode3.Verify(&pk, digest, sig) {
			return false, errors.New("CRYPTO: signature did not verify")
		}
		return true, nil
	default:
		return false, fmt.Errorf("CRYPTO: unsupported Signature-Alg %q", c.SignatureAlg)
	}
}
