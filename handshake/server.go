package handshake

import (
	"fmt"
	"io"
	"sync"

	"github.com/provide-io/tofusoup-go/soup"
)

// State is a server session's position in its startup lifecycle.
type State string

const (
	StateNotStarted            State = "not_started"
	StateAwaitingCookieCheck   State = "awaiting_cookie_check"
	StateAwaitingHandshakeEmit State = "awaiting_handshake_emit"
	StateServing               State = "serving"
	StateTerminated            State = "terminated"
)

type flusher interface{ Flush() error }

// ServerSession sequences a harness server's startup:
//
//	not_started -> awaiting_cookie_check -> awaiting_handshake_emit -> serving -> terminated
//
// A cookie failure transitions directly to terminated. The handshake line
// is written at most once, during the awaiting_handshake_emit stage.
type ServerSession struct {
	cookieKey   string
	cookieValue string
	out         io.Writer

	mu    sync.Mutex
	state State
}

// ServerOptions configure a session. Zero cookie fields fall back to the
// package defaults; Out is where the handshake line goes, normally the
// process's standard output.
type ServerOptions struct {
	CookieKey   string
	CookieValue string
	Out         io.Writer
}

func NewServerSession(opts ServerOptions) *ServerSession {
	key, value := opts.CookieKey, opts.CookieValue
	if key == "" {
		key = DefaultCookieKey
	}
	if value == "" {
		value = DefaultCookieValue
	}
	return &ServerSession{
		cookieKey:   key,
		cookieValue: value,
		out:         opts.Out,
		state:       StateNotStarted,
	}
}

// State returns the current lifecycle state.
func (s *ServerSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ValidateCookie performs the cookie check stage. On failure the session
// is terminated and the harness must exit non-zero without further output.
func (s *ServerSession) ValidateCookie() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateNotStarted {
		return soup.Newf(soup.KindConfiguration, "cookie check in state %s", s.state)
	}
	s.state = StateAwaitingCookieCheck
	if err := CheckCookie(s.cookieKey, s.cookieValue); err != nil {
		s.state = StateTerminated
		return err
	}
	s.state = StateAwaitingHandshakeEmit
	return nil
}

// EmitLine writes the handshake line followed by a newline and flushes it.
// Valid only once, after a successful cookie check; the session then serves.
func (s *ServerSession) EmitLine(l Line) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAwaitingHandshakeEmit {
		return soup.Newf(soup.KindConfiguration, "handshake emit in state %s", s.state)
	}
	if s.out == nil {
		return soup.New(soup.KindConfiguration, "no handshake output writer configured")
	}
	if _, err := fmt.Fprintf(s.out, "%s\n", l.Render()); err != nil {
		s.state = StateTerminated
		return soup.Wrap(soup.KindConfiguration, "writing handshake line", err)
	}
	if f, ok := s.out.(flusher); ok {
		if err := f.Flush(); err != nil {
			s.state = StateTerminated
			return soup.Wrap(soup.KindConfiguration, "flushing handshake line", err)
		}
	}
	s.state = StateServing
	return nil
}

// Terminate marks the session finished. Idempotent; safe from any state.
func (s *ServerSession) Terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateTerminated
}
