package matrix

import (
	"fmt"
	"strings"
	"testing"
)

func TestOutputTailKeepsMostRecent(t *testing.T) {
	tail := newOutputTail(3)
	for i := 1; i <= 5; i++ {
		fmt.Fprintf(tail, "line %d\n", i)
	}
	got := tail.Lines()
	want := []string{"line 3", "line 4", "line 5"}
	if len(got) != len(want) {
		t.Fatalf("retained %d lines, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestOutputTailSplitWrites(t *testing.T) {
	tail := newOutputTail(8)
	tail.Write([]byte("hel"))
	tail.Write([]byte("lo wor"))
	tail.Write([]byte("ld\r\nsecond"))

	got := tail.Lines()
	if len(got) != 2 {
		t.Fatalf("got %v, want the completed line plus the pending partial", got)
	}
	if got[0] != "hello world" {
		t.Errorf("first line = %q", got[0])
	}
	if got[1] != "second" {
		t.Errorf("pending partial = %q", got[1])
	}
}

func TestOutputTailSkipsBlankLines(t *testing.T) {
	tail := newOutputTail(8)
	tail.Write([]byte("\n\nreal output\n\n"))
	got := tail.Lines()
	if len(got) != 1 || got[0] != "real output" {
		t.Fatalf("got %v, want only the non-blank line", got)
	}
}

func TestOutputTailFlushesOversizedPartial(t *testing.T) {
	tail := newOutputTail(4)
	tail.Write([]byte(strings.Repeat("x", maxPartial+10)))
	got := tail.Lines()
	if len(got) != 1 {
		t.Fatalf("got %d entries, want the flushed oversized partial", len(got))
	}
	if len(got[0]) < maxPartial {
		t.Errorf("flushed partial lost data: %d bytes", len(got[0]))
	}
}
