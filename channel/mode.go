package channel

import (
	"strings"

	"github.com/provide-io/tofusoup-go/soup"
)

// Mode selects how a channel between probe client and server is secured.
type Mode string

const (
	// ModeDisabled carries RPC traffic in plaintext with no certificate
	// exchange.
	ModeDisabled Mode = "disabled"
	// ModeAuto derives both endpoints' certificates from the same crypto
	// config through the in-process certificate authority, with the client
	// pinning the fingerprint advertised in the handshake line.
	ModeAuto Mode = "auto"
	// ModeManual loads caller-supplied certificate and key files.
	ModeManual Mode = "manual"
)

// ParseMode normalizes and validates a mode string, typically from a flag
// or environment variable.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeDisabled:
		return ModeDisabled, nil
	case ModeAuto:
		return ModeAuto, nil
	case ModeManual:
		return ModeManual, nil
	default:
		return "", soup.Newf(soup.KindConfiguration, "unknown TLS mode %q (want disabled, auto, or manual)", s)
	}
}
