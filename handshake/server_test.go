package handshake

import (
	"bytes"
	"strings"
	"testing"

	"github.com/provide-io/tofusoup-go/soup"
)

func testLine() Line {
	return Line{
		CoreVersion:     CoreProtocolVersion,
		ProtocolVersion: ProtocolVersion,
		Network:         NetworkTCP,
		Address:         "127.0.0.1:43219",
		Protocol:        ProtocolGRPC,
	}
}

func TestServerSession_HappyPath(t *testing.T) {
	t.Setenv(DefaultCookieKey, DefaultCookieValue)

	var out bytes.Buffer
	s := NewServerSession(ServerOptions{Out: &out})
	if got := s.State(); got != StateNotStarted {
		t.Fatalf("initial state %s", got)
	}

	if err := s.ValidateCookie(); err != nil {
		t.Fatalf("ValidateCookie: %v", err)
	}
	if got := s.State(); got != StateAwaitingHandshakeEmit {
		t.Fatalf("state after cookie check: %s", got)
	}

	if err := s.EmitLine(testLine()); err != nil {
		t.Fatalf("EmitLine: %v", err)
	}
	if got := s.State(); got != StateServing {
		t.Fatalf("state after emit: %s", got)
	}

	want := testLine().Render() + "\n"
	if out.String() != want {
		t.Fatalf("emitted %q, want %q", out.String(), want)
	}

	s.Terminate()
	if got := s.State(); got != StateTerminated {
		t.Fatalf("state after terminate: %s", got)
	}
}

func TestServerSession_CookieFailureTerminates(t *testing.T) {
	t.Setenv("SOUP_SESSION_COOKIE", "wrong")

	var out bytes.Buffer
	s := NewServerSession(ServerOptions{
		CookieKey:   "SOUP_SESSION_COOKIE",
		CookieValue: "right",
		Out:         &out,
	})
	err := s.ValidateCookie()
	if !soup.IsKind(err, soup.KindCookieValidation) {
		t.Fatalf("expected KindCookieValidation, got %v", err)
	}
	if got := s.State(); got != StateTerminated {
		t.Fatalf("state after cookie failure: %s", got)
	}
	if err := s.EmitLine(testLine()); err == nil {
		t.Fatalf("EmitLine after termination should fail")
	}
	if out.Len() != 0 {
		t.Fatalf("terminated session wrote output: %q", out.String())
	}
}

func TestServerSession_EmitRequiresCookieCheck(t *testing.T) {
	var out bytes.Buffer
	s := NewServerSession(ServerOptions{Out: &out})
	if err := s.EmitLine(testLine()); err == nil {
		t.Fatalf("EmitLine before cookie check should fail")
	}
	if out.Len() != 0 {
		t.Fatalf("premature emit wrote output")
	}
}

func TestServerSession_EmitExactlyOnce(t *testing.T) {
	t.Setenv(DefaultCookieKey, DefaultCookieValue)

	var out bytes.Buffer
	s := NewServerSession(ServerOptions{Out: &out})
	if err := s.ValidateCookie(); err != nil {
		t.Fatalf("ValidateCookie: %v", err)
	}
	if err := s.EmitLine(testLine()); err != nil {
		t.Fatalf("first EmitLine: %v", err)
	}
	if err := s.EmitLine(testLine()); err == nil {
		t.Fatalf("second EmitLine should fail")
	}
	if n := strings.Count(out.String(), "\n"); n != 1 {
		t.Fatalf("expected exactly one emitted line, got %d", n)
	}
}

func TestServerSession_DoubleCookieCheckRejected(t *testing.T) {
	t.Setenv(DefaultCookieKey, DefaultCookieValue)

	s := NewServerSession(ServerOptions{Out: &bytes.Buffer{}})
	if err := s.ValidateCookie(); err != nil {
		t.Fatalf("ValidateCookie: %v", err)
	}
	if err := s.ValidateCookie(); !soup.IsKind(err, soup.KindConfiguration) {
		t.Fatalf("expected KindConfiguration on repeat check, got %v", err)
	}
}
