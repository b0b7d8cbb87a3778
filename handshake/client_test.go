package handshake

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/provide-io/tofusoup-go/soup"
)

func TestNegotiate_SkipsLogNoise(t *testing.T) {
	stream := strings.Join([]string{
		"2026-08-19T10:00:01Z INF starting kv harness",
		"listening on 127.0.0.1:43219",
		"",
		"1|1|tcp|127.0.0.1:43219|grpc|",
		"this line must never be read",
	}, "\n") + "\n"

	l, err := Negotiate(context.Background(), strings.NewReader(stream), NegotiateOptions{Timeout: time.Second})
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if l.Address != "127.0.0.1:43219" || l.Network != NetworkTCP {
		t.Fatalf("unexpected line: %+v", l)
	}
}

func TestNegotiate_StartupStreamVector(t *testing.T) {
	f, err := os.Open(filepath.Join("testdata", "startup_stream.txt"))
	if err != nil {
		t.Fatalf("open vector: %v", err)
	}
	defer f.Close()

	l, err := Negotiate(context.Background(), f, NegotiateOptions{Timeout: time.Second})
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if l.Protocol != ProtocolGRPC {
		t.Fatalf("unexpected protocol %q", l.Protocol)
	}
	if l.CertB64 == "" {
		t.Fatalf("vector advertises a certificate; got none")
	}
}

func TestNegotiate_TimeoutCarriesOutputTail(t *testing.T) {
	pr, pw := io.Pipe()
	defer pr.Close()

	go func() {
		io.WriteString(pw, "booting...\n")
		io.WriteString(pw, "fatal: unsupported flag --tls-mode\n")
		// Keep the pipe open so the scanner blocks until the timeout fires.
	}()

	_, err := Negotiate(context.Background(), pr, NegotiateOptions{Timeout: 150 * time.Millisecond})
	if !soup.IsKind(err, soup.KindHandshakeTimeout) {
		t.Fatalf("expected KindHandshakeTimeout, got %v", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "unsupported flag --tls-mode") {
		t.Fatalf("timeout diagnostic is missing the captured output:\n%s", msg)
	}
	pw.Close()
}

func TestNegotiate_EOFIsHarnessCrash(t *testing.T) {
	stream := "panic: runtime error\ngoroutine 1 [running]:\n"
	_, err := Negotiate(context.Background(), strings.NewReader(stream), NegotiateOptions{Timeout: time.Second})
	if !soup.IsKind(err, soup.KindHarnessCrash) {
		t.Fatalf("expected KindHarnessCrash, got %v", err)
	}
	if !strings.Contains(err.Error(), "panic: runtime error") {
		t.Fatalf("crash diagnostic is missing the captured output:\n%v", err)
	}
}

func TestNegotiate_CRLFAndBOMTolerated(t *testing.T) {
	stream := "\xEF\xBB\xBFwindows runtime starting\r\n1|1|tcp|127.0.0.1:9000|grpc|\r\n"
	l, err := Negotiate(context.Background(), strings.NewReader(stream), NegotiateOptions{Timeout: time.Second})
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if l.Address != "127.0.0.1:9000" {
		t.Fatalf("unexpected address %q", l.Address)
	}
}

func TestNegotiate_CoreVersionMismatch(t *testing.T) {
	stream := "9|1|tcp|127.0.0.1:9000|grpc|\n"
	_, err := Negotiate(context.Background(), strings.NewReader(stream), NegotiateOptions{Timeout: time.Second})
	if !soup.IsKind(err, soup.KindConfiguration) {
		t.Fatalf("expected KindConfiguration, got %v", err)
	}
}

func TestNegotiate_ContextCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pr.Close()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := Negotiate(ctx, pr, NegotiateOptions{Timeout: 5 * time.Second})
	if !soup.IsKind(err, soup.KindHandshakeTimeout) {
		t.Fatalf("expected KindHandshakeTimeout on cancel, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("cancel took %s, expected prompt return", elapsed)
	}
}
