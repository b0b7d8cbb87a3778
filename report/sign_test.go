package report

import (
	"bytes"
	"crypto/ed25519"
	"strings"
	"testing"

	"github.com/cloudflare/circl/sign/dilithium/mode3"

	"github.com/provide-io/tofusoup-go/artifact"
	"github.com/provide-io/tofusoup-go/keys"
)

// fillReader yields an endless stream of one byte value so key generation
// is reproducible.
type fillReader byte

func (r fillReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = byte(r)
	}
	return len(p), nil
}

func testEd25519Key(seed byte) ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(bytes.Repeat([]byte{seed}, ed25519.SeedSize))
}

func testDilithium3Key(t *testing.T, fill byte) *mode3.PrivateKey {
	t.Helper()
	_, sk, err := keys.GenerateDilithium3Keypair(fillReader(fill))
	if err != nil {
		t.Fatalf("generate dilithium3 key: %v", err)
	}
	return sk
}

func TestSignEd25519ThenVerify(t *testing.T) {
	priv := testEd25519Key(0x42)
	doc := Render(sampleResult(), Options{})

	signed, err := Sign(doc, Signer{Ed25519: priv})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if bytes.Equal(signed, doc) {
		t.Fatal("signing did not change the document")
	}

	ok, err := VerifySignature(signed)
	if err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
	if !ok {
		t.Fatal("valid signature rejected")
	}

	r, err := Parse(signed)
	if err != nil {
		t.Fatalf("Parse signed: %v", err)
	}
	if !r.Signed() || r.Crypto == nil {
		t.Fatal("signed report not reported as signed")
	}
	if r.Crypto.SignatureAlg != "ed25519" || r.Crypto.HashAlg != "sha256" {
		t.Fatalf("crypto fields = %+v", r.Crypto)
	}
	wantKey, err := keys.SignerIDFromPublicKey(priv.Public().(ed25519.PublicKey))
	if err != nil {
		t.Fatalf("SignerIDFromPublicKey: %v", err)
	}
	if r.Crypto.SignerKey != wantKey {
		t.Fatalf("Signer-Key = %q, want %q", r.Crypto.SignerKey, wantKey)
	}

	// Signing is deterministic for a deterministic scheme and key.
	signed2, err := Sign(doc, Signer{Ed25519: priv})
	if err != nil {
		t.Fatalf("Sign again: %v", err)
	}
	if !bytes.Equal(signed, signed2) {
		t.Fatal("repeated signing produced different documents")
	}
}

func TestSignDilithium3ThenVerify(t *testing.T) {
	sk := testDilithium3Key(t, 0x07)
	doc := Render(minimalResult(), Options{})

	for _, hashAlg := range []string{"", "sha256", "sha512", "sha3-256"} {
		t.Run("hash="+hashAlg, func(t *testing.T) {
			signed, err := Sign(doc, Signer{HashAlg: hashAlg, Dilithium3: sk})
			if err != nil {
				t.Fatalf("Sign: %v", err)
			}
			ok, err := VerifySignature(signed)
			if err != nil {
				t.Fatalf("VerifySignature: %v", err)
			}
			if !ok {
				t.Fatal("valid signature rejected")
			}

			r, err := Parse(signed)
			if err != nil {
				t.Fatalf("Parse signed: %v", err)
			}
			if r.Crypto.SignatureAlg != "dilithium3" {
				t.Fatalf("Signature-Alg = %q", r.Crypto.SignatureAlg)
			}
			want := hashAlg
			if want == "" {
				want = "sha256"
			}
			if r.Crypto.HashAlg != want {
				t.Fatalf("Hash-Alg = %q, want %q", r.Crypto.HashAlg, want)
			}
		})
	}
}

func TestVerifyUnsignedReturnsFalse(t *testing.T) {
	ok, err := VerifySignature([]byte(goldenReport))
	if err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
	if ok {
		t.Fatal("unsigned report verified as signed")
	}
}

func TestVerifyDetectsTamper(t *testing.T) {
	signed, err := Sign(Render(sampleResult(), Options{}), Signer{Ed25519: testEd25519Key(0x01)})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	// Flipping a cell status keeps the document canonical but breaks the
	// signature scope.
	tampered := strings.Replace(string(signed), "Status: passed", "Status: failed", 1)
	if tampered == string(signed) {
		t.Fatal("tamper mutation did not apply")
	}
	if _, err := Parse([]byte(tampered)); err != nil {
		t.Fatalf("tampered document should still be canonical: %v", err)
	}
	ok, err := VerifySignature([]byte(tampered))
	if ok || err == nil {
		t.Fatal("tampered document verified")
	}
	if !strings.Contains(err.Error(), "did not verify") {
		t.Fatalf("unexpected error: %v", err)
	}

	// Corrupting the signature value itself must also fail.
	r, err := Parse(signed)
	if err != nil {
		t.Fatalf("Parse signed: %v", err)
	}
	sig := r.Crypto.Signature
	corrupt := "B" + sig[1:]
	if sig[0] == 'B' {
		corrupt = "C" + sig[1:]
	}
	badSig := strings.Replace(string(signed), "Signature: "+sig, "Signature: "+corrupt, 1)
	ok, err = VerifySignature([]byte(badSig))
	if ok || err == nil {
		t.Fatal("corrupted signature verified")
	}
}

func TestSignRejections(t *testing.T) {
	doc := Render(minimalResult(), Options{})
	ed := testEd25519Key(0x05)
	dl := testDilithium3Key(t, 0x05)

	signed, err := Sign(doc, Signer{Ed25519: ed})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	cases := []struct {
		name    string
		input   []byte
		signer  Signer
		wantErr string
	}{
		{"no key", doc, Signer{}, "no signing key"},
		{"both keys", doc, Signer{Ed25519: ed, Dilithium3: dl}, "exactly one"},
		{"ed25519 with sha512", doc, Signer{HashAlg: "sha512", Ed25519: ed}, "uses sha256"},
		{"unsupported hash", doc, Signer{HashAlg: "blake2b", Dilithium3: dl}, "unsupported hash"},
		{"short ed25519 key", doc, Signer{Ed25519: ed[:16]}, "invalid ed25519"},
		{"already signed", signed, Signer{Ed25519: ed}, "already signed"},
		{"non-canonical input", []byte(strings.TrimSuffix(string(doc), "\n")), Signer{Ed25519: ed}, "canonical report required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Sign(tc.input, tc.signer); err == nil {
				t.Fatal("Sign succeeded")
			} else if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestReportCID(t *testing.T) {
	doc := Render(sampleResult(), Options{})

	id1, err := ReportCID(doc)
	if err != nil {
		t.Fatalf("ReportCID: %v", err)
	}
	id2, err := ReportCID(doc)
	if err != nil {
		t.Fatalf("ReportCID: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("CID not stable: %s vs %s", id1, id2)
	}
	if id1 != artifact.CID(doc) {
		t.Fatal("report CID does not address the canonical bytes")
	}

	signed, err := Sign(doc, Signer{Ed25519: testEd25519Key(0x09)})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	signedID, err := ReportCID(signed)
	if err != nil {
		t.Fatalf("ReportCID signed: %v", err)
	}
	if signedID == id1 {
		t.Fatal("signing must change the report CID")
	}

	if _, err := ReportCID([]byte("not a report\n")); err == nil {
		t.Fatal("ReportCID accepted a non-canonical document")
	}
}
