package handshake

import (
	"crypto/subtle"
	"os"

	"github.com/provide-io/tofusoup-go/soup"
)

// Default launch cookie. The key names the environment variable a parent
// sets before spawning a harness; the value is the shared secret the
// harness requires before it will bind a listener.
const (
	DefaultCookieKey   = "TOFU_SOUP_COOKIE"
	DefaultCookieValue = "conformance-v1-2f1acc"
)

// CheckCookie verifies the launch cookie in the process environment.
//
// A missing or mismatched cookie is a CookieValidationError: the harness
// was not launched by its expected parent and must exit non-zero without
// emitting any handshake output. The comparison is constant time; neither
// the expected nor the presented value appears in the error.
func CheckCookie(key, want string) error {
	if key == "" || want == "" {
		return soup.New(soup.KindConfiguration, "launch cookie key and value must both be configured")
	}
	got, ok := os.LookupEnv(key)
	if !ok {
		return soup.Newf(soup.KindCookieValidation, "cookie variable %s is not set; this process must be launched by the harness", key)
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return soup.Newf(soup.KindCookieValidation, "cookie variable %s does not match the configured secret", key)
	}
	return nil
}
