package keys

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// SignerID returns the report signer identity for an ed25519 seed.
//
// Format: "ed25519:" + base64(public key). This string is what appears in a
// report's Signer-Key field.
func SignerID(seed []byte) string {
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return "ed25519:" + base64.StdEncoding.EncodeToString(pub)
}

// DeriveRoleSeed deterministically derives a role-specific ed25519 seed from
// a root seed. The same root and role always yield the same key.
func DeriveRoleSeed(rootSeed []byte, role string) ([]byte, error) {
	if len(rootSeed) != ed25519.SeedSize {
		return nil, fmt.Errorf("root seed must be %d bytes", ed25519.SeedSize)
	}
	if err := CheckRole(role); err != nil {
		return nil, err
	}

	h := sha256.New()
	_, _ = h.Write(rootSeed)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte("tofusoup-report-keys-v1"))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte("role:"))
	_, _ = h.Write([]byte(role))
	sum := h.Sum(nil)
	if len(sum) < ed25519.SeedSize {
		return nil, errors.New("kdf output too short")
	}
	out := make([]byte, ed25519.SeedSize)
	copy(out, sum[:ed25519.SeedSize])
	return out, nil
}
