// Package lineio turns an async byte stream into a UTF-8 line stream,
// tolerating partial codepoints at chunk boundaries and invalid UTF-8, and
// honoring cancellation so a blocking Read unblocks promptly on shutdown
// instead of only when the child process closes its end of the pipe.
package lineio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/muesli/cancelreader"
)

const initialBufCap = 4096

// Reader yields one UTF-8 line at a time (newline stripped) from an
// underlying byte stream.
type Reader struct {
	cr     cancelreader.CancelReader
	br     *bufio.Reader
	pend   []byte // a trailing incomplete codepoint carried to the next chunk
	closed bool
}

// New wraps r for line-oriented reading. r is adapted to a CancelReader so
// that Cancel (tied to ctx) unblocks an in-flight Read immediately.
func New(ctx context.Context, r io.Reader) (*Reader, error) {
	cr, err := cancelreader.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("wrap reader for cancellation: %w", err)
	}
	rd := &Reader{
		cr: cr,
		br: bufio.NewReaderSize(cr, initialBufCap),
	}
	go func() {
		<-ctx.Done()
		cr.Cancel()
	}()
	return rd, nil
}

// ErrCanceled is returned from ReadLine when the reader was canceled via its
// context before a line (or EOF) was observed.
var ErrCanceled = cancelreader.ErrCanceled

// ReadLine returns the next line, with its trailing newline stripped. At
// end of stream it returns the final partial line (if non-empty) followed
// by io.EOF on the *next* call; a clean end-of-stream with nothing pending
// returns ("", io.EOF) directly.
func (r *Reader) ReadLine() (string, error) {
	if r.closed {
		return "", io.EOF
	}

	raw, err := r.br.ReadBytes('\n')
	if len(raw) > 0 && raw[len(raw)-1] == '\n' {
		raw = raw[:len(raw)-1]
	}

	full := append(r.pend, raw...)
	r.pend = nil

	if err != nil {
		if errors.Is(err, io.EOF) {
			r.closed = true
			if len(full) == 0 {
				return "", io.EOF
			}
			return sanitize(full), nil
		}
		if errors.Is(err, cancelreader.ErrCanceled) {
			r.closed = true
			return "", ErrCanceled
		}
		return "", fmt.Errorf("read line: %w", err)
	}

	// Hold back a trailing partial codepoint (up to 3 bytes) so it isn't
	// corrupted by splitting across this chunk boundary and the next.
	if n := trailingPartialRuneLen(full); n > 0 {
		r.pend = append(r.pend, full[len(full)-n:]...)
		full = full[:len(full)-n]
	}

	return sanitize(full), nil
}

// Close releases the underlying reader, canceling any in-flight Read.
func (r *Reader) Close() error {
	r.cr.Cancel()
	return r.cr.Close()
}

// trailingPartialRuneLen returns the length (1-3) of an incomplete UTF-8
// sequence at the end of buf, or 0 if buf ends on a complete rune boundary.
//
// utf8.DecodeRune always reports size 1 for an undecodable sequence, even
// when the lead byte declares a longer one (e.g. a lone 0xE2 three-byte
// lead with no continuation bytes yet), so it can't be used to tell "not
// enough bytes" apart from "invalid byte" here. seqLen reads the length
// out of the lead byte itself instead.
func trailingPartialRuneLen(buf []byte) int {
	for back := 1; back <= utf8.UTFMax-1 && back <= len(buf); back++ {
		b := buf[len(buf)-back]
		if utf8.RuneStart(b) {
			want := seqLen(b)
			if want == 0 || back >= want {
				return 0
			}
			return back
		}
	}
	return 0
}

// seqLen returns the UTF-8 sequence length declared by lead byte b, or 0 if
// b isn't a valid lead byte (ASCII counts as length 1).
func seqLen(b byte) int {
	switch {
	case b&0x80 == 0:
		return 1
	case b&0xE0 == 0xC0:
		return 2
	case b&0xF0 == 0xE0:
		return 3
	case b&0xF8 == 0xF0:
		return 4
	default:
		return 0
	}
}

// sanitize replaces invalid UTF-8 byte sequences with the Unicode
// replacement character rather than failing, per spec.md §4.1.
func sanitize(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	s := make([]rune, 0, len(b))
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		s = append(s, r)
		b = b[size:]
	}
	return string(s)
}
