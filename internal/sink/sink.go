// Package sink models the user-visible output destination as a small
// interchangeable capability, matching the "polymorphic output sink" design
// note in spec.md §9: stdout, an in-memory buffer for tests, and a null
// sink are all the same shape.
package sink

import (
	"bytes"
	"io"
	"sync"

	"github.com/mattn/go-isatty"
	"golang.org/x/term"
)

// Sink accepts free-text output and diagnostics destined for the user, plus
// a Clear for the "--clear" option.
type Sink interface {
	io.Writer
	// Clear erases the sink's prior content: a terminal sink clears the
	// screen (or writes a separator line when not a terminal), a Buffer
	// drops its content, and the null sink ignores it.
	Clear()
}

// terminalSink wraps an io.Writer, only emitting a real clear-screen
// sequence when the underlying file descriptor is an interactive terminal —
// otherwise --clear degrades to a plain separator line, so piped output
// (e.g. to a log file or another process) never fills up with escape codes.
type terminalSink struct {
	mu  sync.Mutex
	w   io.Writer
	isTTY bool
}

// NewTerminal builds a Sink around w, probing fd (if w also satisfies an fd)
// to decide whether Clear can use terminal escapes.
func NewTerminal(w io.Writer, fd uintptr) Sink {
	return &terminalSink{w: w, isTTY: isatty.IsTerminal(fd) || term.IsTerminal(int(fd))}
}

func (t *terminalSink) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.w.Write(p)
}

func (t *terminalSink) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isTTY {
		// Move cursor home and clear the screen.
		_, _ = t.w.Write([]byte("\x1b[H\x1b[2J"))
	} else {
		_, _ = t.w.Write([]byte("----\n"))
	}
}

// Buffer is an in-memory Sink for tests.
type Buffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// NewBuffer returns an empty in-memory Sink.
func NewBuffer() *Buffer {
	return &Buffer{}
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// Clear drops the buffer's accumulated content, mirroring a real terminal
// clear rather than ignoring it, so tests can assert on post-clear content
// only.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}

// String returns the buffer's current content.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// null discards everything written to it.
type null struct{}

// Null returns a Sink that discards all output, for commands whose output is
// unwanted (the session's ":set prompt" and the shutdown ":quit").
func Null() Sink { return null{} }

func (null) Write(p []byte) (int, error) { return len(p), nil }
func (null) Clear()                      {}
