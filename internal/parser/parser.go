// Package parser classifies GHCi's noisy, line-oriented stdout/stderr into
// tagged events: prompt sentinels, module-compiling progress, diagnostics,
// and the trailing compilation summary. It is a pure function of its
// accumulated state and the next line fed to it — see spec.md §4.2.
package parser

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/MercuryTechnologies/ghciwatch-sub001/internal/diagnostic"
)

// Kind discriminates the variants of Event.
type Kind int

const (
	// KindPrompt marks the end of the current command's output.
	KindPrompt Kind = iota
	// KindCompiling reports "[N of M] Compiling Module ( path, artifact )".
	KindCompiling
	// KindDiagnostic reports one complete, possibly multi-line, diagnostic.
	KindDiagnostic
	// KindSummary reports the trailing "Ok, N modules loaded." line.
	KindSummary
	// KindText is free text forwarded to the user-visible output sink.
	KindText
)

// Compiling describes one "[N of M] Compiling X ( path, artifact )" line.
type Compiling struct {
	Index, Total int
	Module       string
	Path         string
	Artifact     string
}

// Event is one classified unit of parser output.
type Event struct {
	Kind       Kind
	Compiling  Compiling
	Diagnostic RawDiagnostic
	Summary    diagnostic.Summary
	Text       string
}

// RawDiagnostic is the parser's view of a diagnostic before the caller
// resolves Path to a canonicalpath.Path (the parser only ever sees a
// string, since canonicalization is lazy per spec.md §4.2).
type RawDiagnostic struct {
	Path     string // "" for a global diagnostic
	HasPath  bool
	Line     uint32
	Col      uint32
	HasPos   bool
	Severity diagnostic.Severity
	Message  string // verbatim accumulated text, including the header line
}

var (
	// A default prompt sentinel unlikely to appear in compiler output.
	DefaultPrompt = "ghciwatch|%{PROMPT}%|"

	compilingRe = regexp.MustCompile(`^\[(\d+) of (\d+)\] Compiling (\S+)\s*\(\s*([^,]+?)\s*,\s*(.+?)\s*\)\s*$`)
	diagStartRe = regexp.MustCompile(`^([^\s:][^:]*):(\d+):(\d+):(?:\s*(warning|error)\s*:)?\s*$|^([^\s:][^:]*):(\d+):(\d+):(?:\s*(warning|error)\s*:)?\s+(.*)$`)
	summaryRe   = regexp.MustCompile(`^(Ok|Failed), (\d+|one|two|three|four|five|six|seven|eight|nine|ten) modules? loaded\.\s*$`)
	severityRe  = regexp.MustCompile(`^\s*(warning|error)\s*:\s*$`)
)

// Parser holds the accumulated state of one stdout or stderr stream. Each
// stream (stdout, stderr) gets its own Parser instance; they are never
// shared, per spec.md §4.2.
type Parser struct {
	prompt string

	pending         *RawDiagnostic
	pendingLines    []string
	awaitingSev     bool
}

// New constructs a Parser for one output stream, matching lines against the
// given prompt sentinel.
func New(prompt string) *Parser {
	if prompt == "" {
		prompt = DefaultPrompt
	}
	return &Parser{prompt: prompt}
}

// Feed classifies one line, returning zero or more events. Zero events
// happen when a line only extends an in-progress diagnostic; two events
// happen when a non-indented line both closes a pending diagnostic and is
// itself classified as something else.
func (p *Parser) Feed(line string) []Event {
	var events []Event

	if p.pending != nil {
		if p.awaitingSev {
			p.awaitingSev = false
			if m := severityRe.FindStringSubmatch(line); m != nil {
				p.pending.Severity = severityFromString(m[1])
				p.pendingLines = append(p.pendingLines, line)
				return nil
			}
			// No severity line materialized; fall through to normal handling
			// of this line below, tolerating the older REPL shape where the
			// tag never appears at all.
		}
		if isIndented(line) {
			p.pendingLines = append(p.pendingLines, line)
			return nil
		}
		events = append(events, p.closePending())
	}

	switch {
	case line == p.prompt:
		events = append(events, Event{Kind: KindPrompt})

	case compilingRe.MatchString(line):
		m := compilingRe.FindStringSubmatch(line)
		idx, _ := strconv.Atoi(m[1])
		total, _ := strconv.Atoi(m[2])
		events = append(events, Event{Kind: KindCompiling, Compiling: Compiling{
			Index: idx, Total: total, Module: m[3], Path: m[4], Artifact: m[5],
		}})

	case diagStartRe.MatchString(line):
		p.beginPending(line)

	case summaryRe.MatchString(line):
		m := summaryRe.FindStringSubmatch(line)
		count, _ := diagnostic.ParseCount(m[2])
		result := diagnostic.ResultOK
		if m[1] == "Failed" {
			result = diagnostic.ResultFailed
		}
		events = append(events, Event{Kind: KindSummary, Summary: diagnostic.Summary{
			Result: result, ModulesLoaded: count,
		}})

	default:
		events = append(events, Event{Kind: KindText, Text: line})
	}

	return events
}

// Close flushes any diagnostic still being accumulated (e.g. at end of
// stream), returning it as an event if one was pending.
func (p *Parser) Close() (Event, bool) {
	if p.pending == nil {
		return Event{}, false
	}
	return p.closePending(), true
}

func (p *Parser) beginPending(line string) {
	m := diagStartRe.FindStringSubmatch(line)
	var pathStr, lineStr, colStr, sev string
	switch {
	case m[1] != "":
		pathStr, lineStr, colStr, sev = m[1], m[2], m[3], m[4]
	default:
		pathStr, lineStr, colStr, sev = m[5], m[6], m[7], m[8]
	}

	d := &RawDiagnostic{HasPath: true, Path: pathStr, HasPos: true}
	if n, err := strconv.ParseUint(lineStr, 10, 32); err == nil {
		d.Line = uint32(n)
	}
	if n, err := strconv.ParseUint(colStr, 10, 32); err == nil {
		d.Col = uint32(n)
	}

	if sev != "" {
		d.Severity = severityFromString(sev)
	} else {
		// Tolerate the older shape where the tag appears alone on the next
		// line, and the oldest shape where it's absent entirely.
		d.Severity = diagnostic.SeverityError
		p.awaitingSev = true
	}

	p.pending = d
	p.pendingLines = []string{line}
}

func (p *Parser) closePending() Event {
	d := *p.pending
	d.Message = strings.Join(p.pendingLines, "\n")
	if !strings.HasSuffix(d.Message, "\n") {
		d.Message += "\n"
	}
	p.pending = nil
	p.pendingLines = nil
	p.awaitingSev = false
	return Event{Kind: KindDiagnostic, Diagnostic: d}
}

func severityFromString(s string) diagnostic.Severity {
	if strings.EqualFold(s, "warning") {
		return diagnostic.SeverityWarning
	}
	return diagnostic.SeverityError
}

func isIndented(line string) bool {
	return len(line) > 0 && (line[0] == ' ' || line[0] == '\t')
}
