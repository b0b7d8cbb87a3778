package handshake

import (
	"os"
	"strings"
	"testing"

	"github.com/provide-io/tofusoup-go/soup"
)

func TestCheckCookie_Match(t *testing.T) {
	t.Setenv("SOUP_TEST_COOKIE", "sesame")
	if err := CheckCookie("SOUP_TEST_COOKIE", "sesame"); err != nil {
		t.Fatalf("CheckCookie: %v", err)
	}
}

func TestCheckCookie_Unset(t *testing.T) {
	// t.Setenv registers the variable for cleanup, then we remove it so the
	// lookup genuinely misses.
	t.Setenv("SOUP_TEST_COOKIE_UNSET", "x")
	if err := os.Unsetenv("SOUP_TEST_COOKIE_UNSET"); err != nil {
		t.Fatalf("unsetenv: %v", err)
	}

	err := CheckCookie("SOUP_TEST_COOKIE_UNSET", "sesame")
	if !soup.IsKind(err, soup.KindCookieValidation) {
		t.Fatalf("expected KindCookieValidation, got %v", err)
	}
}

func TestCheckCookie_Mismatch(t *testing.T) {
	t.Setenv("SOUP_TEST_COOKIE", "open says me")
	err := CheckCookie("SOUP_TEST_COOKIE", "sesame")
	if !soup.IsKind(err, soup.KindCookieValidation) {
		t.Fatalf("expected KindCookieValidation, got %v", err)
	}
}

func TestCheckCookie_SecretNeverInError(t *testing.T) {
	t.Setenv("SOUP_TEST_COOKIE", "presented-secret")
	err := CheckCookie("SOUP_TEST_COOKIE", "expected-secret")
	if err == nil {
		t.Fatalf("expected error")
	}
	msg := err.Error()
	for _, secret := range []string{"presented-secret", "expected-secret"} {
		if strings.Contains(msg, secret) {
			t.Fatalf("error message leaks cookie material: %q", msg)
		}
	}
}

func TestCheckCookie_Unconfigured(t *testing.T) {
	if err := CheckCookie("", "v"); !soup.IsKind(err, soup.KindConfiguration) {
		t.Fatalf("expected KindConfiguration for empty key, got %v", err)
	}
	if err := CheckCookie("K", ""); !soup.IsKind(err, soup.KindConfiguration) {
		t.Fatalf("expected KindConfiguration for empty value, got %v", err)
	}
}
