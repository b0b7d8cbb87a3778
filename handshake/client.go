package handshake

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/provide-io/tofusoup-go/soup"
)

// DefaultStartupTimeout bounds how long a client waits for a server's
// handshake line before giving up.
const DefaultStartupTimeout = 10 * time.Second

const defaultTailLines = 32

// NegotiateOptions tune the client side of the handshake.
type NegotiateOptions struct {
	// Timeout bounds the wait for a valid handshake line.
	// Zero means DefaultStartupTimeout.
	Timeout time.Duration

	// TailLines is how many of the most recent skipped output lines are
	// carried in a failure diagnostic. Zero means a default of 32.
	TailLines int
}

// Negotiate reads a spawned server's standard output until a valid
// handshake line appears.
//
// Non-matching lines are ordinary log output: they are skipped, but
// retained in a bounded tail so a failure can show what the process
// actually printed. The failure modes are deliberately distinct:
//
//   - timeout with no handshake line: HandshakeTimeoutError carrying the
//     output tail, the signature of a client targeting an incompatible
//     server family
//   - output closed with no handshake line: HarnessCrashError carrying
//     the tail, the signature of a server that died during startup
//   - core version mismatch: ConfigurationError naming both versions
func Negotiate(ctx context.Context, stdout io.Reader, opts NegotiateOptions) (Line, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultStartupTimeout
	}
	tailMax := opts.TailLines
	if tailMax <= 0 {
		tailMax = defaultTailLines
	}

	lines := make(chan string)
	scanErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		first := true
		for scanner.Scan() {
			text := scanner.Text()
			if first {
				text = strings.TrimPrefix(text, "\xEF\xBB\xBF")
				first = false
			}
			text = strings.TrimSuffix(text, "\r")
			select {
			case lines <- text:
			case <-done:
				return
			}
		}
		select {
		case scanErr <- scanner.Err():
		case <-done:
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var tail []string
	keep := func(s string) {
		if s == "" {
			return
		}
		tail = append(tail, s)
		if len(tail) > tailMax {
			tail = tail[1:]
		}
	}

	for {
		select {
		case text := <-lines:
			l, err := Parse(text)
			if err != nil {
				if errors.Is(err, ErrNotHandshake) {
					keep(text)
					continue
				}
				return Line{}, err
			}
			if l.CoreVersion != CoreProtocolVersion {
				return Line{}, soup.Newf(soup.KindConfiguration,
					"server speaks core protocol version %d, this client speaks %d", l.CoreVersion, CoreProtocolVersion)
			}
			return l, nil

		case err := <-scanErr:
			if err == nil {
				err = io.EOF
			}
			return Line{}, soup.Newf(soup.KindHarnessCrash,
				"server closed its output before emitting a handshake line (%v)%s", err, formatTail(tail))

		case <-timer.C:
			return Line{}, soup.Newf(soup.KindHandshakeTimeout,
				"no handshake line within %s%s", timeout, formatTail(tail))

		case <-ctx.Done():
			return Line{}, soup.Wrap(soup.KindHandshakeTimeout,
				"handshake wait canceled"+formatTail(tail), ctx.Err())
		}
	}
}

func formatTail(tail []string) string {
	if len(tail) == 0 {
		return "; the process emitted no output"
	}
	return "; captured output:\n  " + strings.Join(tail, "\n  ")
}
