package diagnostic

import (
	"bufio"
	"fmt"
	"os"
)

// ErrorLog writes a Log out in the de-facto ghcid format so editor plugins
// can consume it. The file is truncated and rewritten on every flush; no
// long-lived handle is kept between writes (spec.md §4.5, §5).
type ErrorLog struct {
	path string // empty disables writing
}

// NewErrorLog constructs a writer for path. An empty path disables writing
// entirely — Flush becomes a no-op — matching the CLI's "--errors" being
// optional.
func NewErrorLog(path string) *ErrorLog {
	return &ErrorLog{path: path}
}

// Flush writes log's content to the error-log file, if configured.
//
//   - No summary: writes nothing.
//   - Ok summary: writes the headline "All good (<N> module[s])\n" only.
//   - Failed summary: writes each diagnostic's verbatim text, separated by
//     blank lines, in the order they were received; no headline.
func (e *ErrorLog) Flush(log *Log) error {
	if e.path == "" {
		return nil
	}
	if log.Summary == nil {
		return nil
	}

	f, err := os.Create(e.path)
	if err != nil {
		return fmt.Errorf("create error log %s: %w", e.path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)

	if log.Summary.Result == ResultOK {
		if _, err := fmt.Fprintf(w, "All good (%s)\n", log.Summary.ModulesLoaded); err != nil {
			return fmt.Errorf("write error log headline: %w", err)
		}
	} else {
		for i, d := range log.Diagnostics {
			if i > 0 {
				if _, err := w.WriteString("\n"); err != nil {
					return fmt.Errorf("write error log separator: %w", err)
				}
			}
			if _, err := w.WriteString(d.Message); err != nil {
				return fmt.Errorf("write diagnostic: %w", err)
			}
			if len(d.Message) == 0 || d.Message[len(d.Message)-1] != '\n' {
				if _, err := w.WriteString("\n"); err != nil {
					return fmt.Errorf("write diagnostic newline: %w", err)
				}
			}
		}
	}

	// Load-bearing: without an explicit Flush, buffered writes vanish when f
	// is closed by the deferred Close — see original_source/src/ghci/error_log.rs.
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush error log: %w", err)
	}
	return f.Sync()
}

// Path returns the configured error-log path, or "" if disabled.
func (e *ErrorLog) Path() string {
	return e.path
}
