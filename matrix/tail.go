package matrix

import (
	"bytes"
	"strings"
	"sync"
)

const (
	tailLines = 32

	// maxPartial caps an unterminated line so progress spinners cannot
	// grow the buffer without bound.
	maxPartial = 4096
)

// outputTail is an io.Writer retaining only the most recent lines written
// through it. It is the stderr sink for spawned processes; whole-run
// output is never kept in memory.
type outputTail struct {
	mu      sync.Mutex
	max     int
	lines   []string
	partial []byte
}

func newOutputTail(max int) *outputTail {
	return &outputTail{max: max}
}

func (t *outputTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.partial = append(t.partial, p...)
	for {
		i := bytes.IndexByte(t.partial, '\n')
		if i < 0 {
			break
		}
		t.push(strings.TrimSuffix(string(t.partial[:i]), "\r"))
		t.partial = t.partial[i+1:]
	}
	if len(t.partial) > maxPartial {
		t.push(string(t.partial))
		t.partial = nil
	}
	return len(p), nil
}

func (t *outputTail) push(line string) {
	if line == "" {
		return
	}
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[1:]
	}
}

// Lines returns the retained tail, including any unterminated final line.
func (t *outputTail) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := append([]string(nil), t.lines...)
	if len(t.partial) > 0 {
		out = append(out, string(t.partial))
	}
	return out
}
