// Package diagnostic holds the types produced by one GHCi compilation cycle
// and the writer that flushes them to a ghcid-compatible error log.
package diagnostic

import (
	"sort"
	"strconv"

	"github.com/MercuryTechnologies/ghciwatch-sub001/internal/canonicalpath"
)

// Severity classifies a Diagnostic.
type Severity int

const (
	// SeverityWarning marks a non-fatal compiler complaint.
	SeverityWarning Severity = iota
	// SeverityError marks a diagnostic that failed the compilation.
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// Diagnostic is one compiler message. Path, Line, and Col are absent (the
// zero Path / nil Line,Col) for "global" diagnostics not tied to a
// location.
type Diagnostic struct {
	Path     *canonicalpath.Path
	Line     *uint32
	Col      *uint32
	Severity Severity
	// Message is the verbatim diagnostic body, as emitted by GHC, including
	// its header line and any indented continuation lines. It is written to
	// the error log exactly as received.
	Message string
}

// Less implements the presentation order from spec.md §3: by path (absent
// last), then line, then column.
func Less(a, b Diagnostic) bool {
	switch {
	case a.Path == nil && b.Path == nil:
		// fall through to line/col comparison below
	case a.Path == nil:
		return false
	case b.Path == nil:
		return true
	case !a.Path.Equal(*b.Path):
		return canonicalpath.Less(*a.Path, *b.Path)
	}

	al, bl := numOrZero(a.Line), numOrZero(b.Line)
	if al != bl {
		return al < bl
	}
	return numOrZero(a.Col) < numOrZero(b.Col)
}

func numOrZero(n *uint32) uint32 {
	if n == nil {
		return 0
	}
	return *n
}

// Result is the outcome of a compilation cycle.
type Result int

const (
	// ResultOK means the trailing summary line began with "Ok,".
	ResultOK Result = iota
	// ResultFailed means the trailing summary line began with "Failed,".
	ResultFailed
)

// Count represents the "N modules loaded" count in a CompilationSummary. GHC
// sometimes spells small counts as words ("one module loaded"); Count
// normalizes either spelling to an integer. Plural is derived from the
// count (N != 1), not read from the "module"/"modules" word on the line.
type Count struct {
	N      uint64
	Plural bool
}

var numberWords = map[string]uint64{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
}

// ParseCount parses a decimal digit string or an English number word up to
// "ten", as GHC's summary line permits.
func ParseCount(s string) (Count, bool) {
	if n, ok := numberWords[s]; ok {
		return Count{N: n, Plural: n != 1}, true
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return Count{}, false
	}
	return Count{N: n, Plural: n != 1}, true
}

// String renders "N module" or "N modules" according to Plural.
func (c Count) String() string {
	word := "module"
	if c.Plural {
		word = "modules"
	}
	return strconv.FormatUint(c.N, 10) + " " + word
}

// Summary is produced exactly once per compilation cycle: the trailing line
// of form "Ok, N modules loaded." or "Failed, …".
type Summary struct {
	Result        Result
	ModulesLoaded Count
}

// Log accumulates one compilation's summary and diagnostics. It is built
// during one reload and discarded after being flushed.
type Log struct {
	Summary     *Summary
	Diagnostics []Diagnostic
}

// Reset clears the log for reuse at the start of the next compilation.
func (l *Log) Reset() {
	l.Summary = nil
	l.Diagnostics = nil
}

// AddDiagnostic appends a diagnostic to the log, preserving arrival order.
// The error log is written in this order; Sorted gives the presentation
// order instead.
func (l *Log) AddDiagnostic(d Diagnostic) {
	l.Diagnostics = append(l.Diagnostics, d)
}

// Sorted returns the diagnostics ordered per spec.md §3's presentation
// order without mutating the log.
func (l *Log) Sorted() []Diagnostic {
	out := make([]Diagnostic, len(l.Diagnostics))
	copy(out, l.Diagnostics)
	sort.SliceStable(out, func(i, j int) bool { return Less(out[i], out[j]) })
	return out
}
