package soup

import (
	"errors"
	"fmt"
)

// Kind is a stable failure category for programmatic error handling.
//
// These categories are intended to remain stable across versions.
// Callers should branch on Kind (and Phase for TLS failures) rather than
// matching error strings.
//
// NOTE: Error() strings are intentionally kept human-readable and may evolve.
// Use errors.As to extract *Error for structured handling.
type Kind string

const (
	// KindConfiguration covers bad flags, unreadable files, and malformed
	// environment values. Fatal to the invocation.
	KindConfiguration Kind = "ConfigurationError"

	// KindCookieValidation covers a missing or mismatched launch cookie.
	// Fatal to the single server process, raised before any handshake output.
	KindCookieValidation Kind = "CookieValidationError"

	// KindHandshakeTimeout is the client-side failure to observe a handshake
	// line within the startup timeout. The Message carries the captured
	// process output so cross-runtime mismatches are diagnosable.
	KindHandshakeTimeout Kind = "HandshakeTimeoutError"

	// KindCertGeneration covers unsupported key algorithms or curves.
	KindCertGeneration Kind = "CertGenerationError"

	// KindTLSHandshake covers transport handshake failures. Phase narrows
	// the failing stage to client_auth, server_auth, or cipher_negotiation.
	KindTLSHandshake Kind = "TLSHandshakeError"

	// KindInvalidKey is a KV key outside the permitted charset.
	KindInvalidKey Kind = "InvalidKeyError"

	// KindNotFound is an expected, non-fatal KV miss.
	KindNotFound Kind = "NotFoundError"

	// KindIncompatiblePairing marks a runtime/crypto combination the
	// compatibility table rules out. Raised before any process is spawned.
	KindIncompatiblePairing Kind = "IncompatiblePairingError"

	// KindHarnessCrash is an unexpected server process exit mid-scenario.
	KindHarnessCrash Kind = "HarnessCrashError"
)

// TLS handshake phases carried by Error.Phase when Kind is KindTLSHandshake.
const (
	PhaseClientAuth        = "client_auth"
	PhaseServerAuth        = "server_auth"
	PhaseCipherNegotiation = "cipher_negotiation"
)

// Error is the harness's structured error type.
//
// Phase is populated only for KindTLSHandshake and names the handshake
// stage that failed.
//
// Message is intended for humans; do not match on it.
type Error struct {
	Kind    Kind
	Phase   string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Phase != "" {
		return string(e.Kind) + " [" + e.Phase + "]: " + e.Message
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// New returns a structured error of the given kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

// Newf formats like fmt.Errorf and returns a structured error of the given kind.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns a structured error of the given kind whose Unwrap yields cause.
// A nil cause degrades to New.
func Wrap(kind Kind, msg string, cause error) error {
	if cause == nil {
		return New(kind, msg)
	}
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// TLS returns a KindTLSHandshake error tagged with the failing phase.
func TLS(phase, msg string, cause error) error {
	return &Error{Kind: KindTLSHandshake, Phase: phase, Message: msg, Cause: cause}
}

// IsKind reports whether err is (or wraps) a *Error with the given Kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// KindOf returns the Kind of the outermost structured error, or "" if err
// carries none.
func KindOf(err error) Kind {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Kind
}

// PhaseOf returns the TLS phase of the outermost structured error, or "".
func PhaseOf(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Phase
}
