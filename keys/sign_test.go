package keys

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"strings"
	"testing"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
)

type deterministicReader struct{ b byte }

func (r *deterministicReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = r.b
		r.b++
	}
	return len(p), nil
}

func TestSignEd25519SHA256Verifies(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	msg := []byte("hello")
	sigB64 := SignEd25519SHA256(msg, priv)
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}

	digest := sha256.Sum256(msg)
	if !ed25519.Verify(pub, digest[:], sig) {
		t.Fatalf("signature did not verify")
	}
}

func TestSignDilithium3VerifiesSHA3_256(t *testing.T) {
	pk, sk, err := GenerateDilithium3Keypair(io.Reader(&deterministicReader{}))
	if err != nil {
		t.Fatalf("GenerateDilithium3Keypair: %v", err)
	}

	msg := []byte("hello")
	sigB64, err := SignDilithium3(msg, "sha3-256", sk)
	if err != nil {
		t.Fatalf("SignDilithium3: %v", err)
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	if len(sig) != mode3.SignatureSize {
		t.Fatalf("unexpected signature size: got %d want %d", len(sig), mode3.SignatureSize)
	}

	digest, err := DigestFor("sha3-256", msg)
	if err != nil {
		t.Fatalf("DigestFor: %v", err)
	}
	if !mode3.Verify(pk, digest, sig) {
		t.Fatalf("signature did not verify")
	}
}

func TestSignDilithium3RejectsUnknownHash(t *testing.T) {
	_, sk, err := GenerateDilithium3Keypair(io.Reader(&deterministicReader{}))
	if err != nil {
		t.Fatalf("GenerateDilithium3Keypair: %v", err)
	}
	if _, err := SignDilithium3([]byte("hello"), "md5", sk); err == nil {
		t.Fatalf("expected error for unsupported hash algorithm")
	}
	if _, err := SignDilithium3([]byte("hello"), "sha256", nil); err == nil {
		t.Fatalf("expected error for missing private key")
	}
}

func TestDilithium3SignerIDRoundTrip(t *testing.T) {
	pk, sk, err := GenerateDilithium3Keypair(io.Reader(&deterministicReader{}))
	if err != nil {
		t.Fatalf("GenerateDilithium3Keypair: %v", err)
	}
	id, err := Dilithium3SignerID(pk)
	if err != nil {
		t.Fatalf("Dilithium3SignerID: %v", err)
	}
	if !strings.HasPrefix(id, "dilithium3:") {
		t.Fatalf("expected dilithium3 prefix, got %q", id[:20])
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(id, "dilithium3:"))
	if err != nil {
		t.Fatalf("decode public key: %v", err)
	}
	var back mode3.PublicKey
	if err := back.UnmarshalBinary(raw); err != nil {
		t.Fatalf("unpack public key: %v", err)
	}

	msg := []byte("round trip")
	sigB64, err := SignDilithium3(msg, "sha512", sk)
	if err != nil {
		t.Fatalf("SignDilithium3: %v", err)
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	digest, err := DigestFor("sha512", msg)
	if err != nil {
		t.Fatalf("DigestFor: %v", err)
	}
	if !mode3.Verify(&back, digest, sig) {
		t.Fatalf("signature did not verify against unpacked key")
	}
}

func TestDigestForAlgorithms(t *testing.T) {
	msg := []byte("digest me")
	sizes := map[string]int{"sha256": 32, "sha512": 64, "sha3-256": 32}
	for alg, want := range sizes {
		d, err := DigestFor(alg, msg)
		if err != nil {
			t.Fatalf("DigestFor(%s): %v", alg, err)
		}
		if len(d) != want {
			t.Fatalf("DigestFor(%s): got %d bytes, want %d", alg, len(d), want)
		}
	}
	if _, err := DigestFor("blake2b", msg); err == nil {
		t.Fatalf("expected error for unsupported algorithm")
	}
}
