package report

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudflare/circl/sign/dilithium/mode3"

	"github.com/provide-io/tofusoup-go/keys"
)

const sigPlaceholder = "0"

// Signer selects the key and digest for signing a report. Exactly one of
// Ed25519 and Dilithium3 must be set.
type Signer struct {
	// HashAlg selects the digest over the signature scope: sha256, sha512,
	// or sha3-256. Empty means sha256. Ed25519 signing is fixed to sha256.
	HashAlg string

	Ed25519    ed25519.PrivateKey
	Dilithium3 *mode3.PrivateKey
}

// Sign returns a copy of reportBytes with the CRYPTO section populated and
// the Signature computed over the document excluding the Signature line.
// The input must be a canonical unsigned report.
func Sign(reportBytes []byte, signer Signer) ([]byte, error) {
	r, err := Parse(reportBytes)
	if err != nil {
		return nil, fmt.Errorf("canonical report required: %w", err)
	}
	if r.Crypto != nil {
		return nil, errors.New("report is already signed")
	}

	hashAlg := signer.HashAlg
	if hashAlg == "" {
		hashAlg = "sha256"
	}

	var crypto Crypto
	switch {
	case signer.Ed25519 != nil && signer.Dilithium3 != nil:
		return nil, errors.New("exactly one signing key must be set")
	case signer.Ed25519 != nil:
		if hashAlg != "sha256" {
			return nil, fmt.Errorf("ed25519 signing uses sha256, not %q", hashAlg)
		}
		if len(signer.Ed25519) != ed25519.PrivateKeySize {
			return nil, errors.New("invalid ed25519 private key")
		}
		signerKey, err := keys.SignerIDFromPublicKey(signer.Ed25519.Public().(ed25519.PublicKey))
		if err != nil {
			return nil, err
		}
		crypto = Crypto{HashAlg: hashAlg, SignatureAlg: "ed25519", SignerKey: signerKey, Signature: sigPlaceholder}
	case signer.Dilithium3 != nil:
		if _, err := keys.DigestFor(hashAlg, nil); err != nil {
			return nil, err
		}
		signerKey, err := keys.Dilithium3SignerID(signer.Dilithium3.Public().(*mode3.PublicKey))
		if err != nil {
			return nil, err
		}
		crypto = Crypto{HashAlg: hashAlg, SignatureAlg: "dilithium3", SignerKey: signerKey, Signature: sigPlaceholder}
	default:
		return nil, errors.New("no signing key provided")
	}

	skeleton := renderDocument(r.Meta, r.Plan, r.Cells, &crypto)
	scope, err := signatureScope(skeleton)
	if err != nil {
		return nil, err
	}

	var sig string
	if signer.Ed25519 != nil {
		sig = keys.SignEd25519SHA256(scope, signer.Ed25519)
	} else {
		sig, err = keys.SignDilithium3(scope, hashAlg, signer.Dilithium3)
		if err != nil {
			return nil, err
		}
	}

	signed := strings.Replace(string(skeleton), "Signature: "+sigPlaceholder+"\n", "Signature: "+sig+"\n", 1)
	return []byte(signed), nil
}

// signatureScope returns the document with the Signature line removed. Both
// signing and verification digest exactly these bytes.
func signatureScope(reportBytes []byte) ([]byte, error) {
	lines := strings.Split(string(reportBytes), "\n")
	var out []string
	removed := false
	for _, l := range lines {
		if strings.HasPrefix(l, "Signature: ") {
			if removed {
				return nil, errors.New("multiple Signature lines")
			}
			removed = true
			continue
		}
		out = append(out, l)
	}
	if !removed {
		return nil, errors.New("missing Signature line")
	}
	return []byte(strings.Join(out, "\n")), nil
}
