package parser

import (
	"testing"

	"github.com/MercuryTechnologies/ghciwatch-sub001/internal/diagnostic"
)

func feedAll(p *Parser, lines []string) []Event {
	var events []Event
	for _, l := range lines {
		events = append(events, p.Feed(l)...)
	}
	if e, ok := p.Close(); ok {
		events = append(events, e)
	}
	return events
}

func TestPromptSentinel(t *testing.T) {
	p := New("PROMPT>")
	events := feedAll(p, []string{"PROMPT>"})
	if len(events) != 1 || events[0].Kind != KindPrompt {
		t.Fatalf("got %+v", events)
	}
}

func TestCompilingLine(t *testing.T) {
	p := New("PROMPT>")
	events := feedAll(p, []string{"[1 of 2] Compiling MyModule ( src/MyModule.hs, interpreted )"})
	if len(events) != 1 || events[0].Kind != KindCompiling {
		t.Fatalf("got %+v", events)
	}
	c := events[0].Compiling
	if c.Index != 1 || c.Total != 2 || c.Module != "MyModule" || c.Path != "src/MyModule.hs" || c.Artifact != "interpreted" {
		t.Errorf("got %+v", c)
	}
}

func TestSummaryOk(t *testing.T) {
	p := New("PROMPT>")
	events := feedAll(p, []string{"Ok, 3 modules loaded."})
	if len(events) != 1 || events[0].Kind != KindSummary {
		t.Fatalf("got %+v", events)
	}
	s := events[0].Summary
	if s.Result != diagnostic.ResultOK || s.ModulesLoaded.N != 3 {
		t.Errorf("got %+v", s)
	}
}

func TestSummaryFailedWordCount(t *testing.T) {
	p := New("PROMPT>")
	events := feedAll(p, []string{"Failed, one module loaded."})
	if len(events) != 1 || events[0].Kind != KindSummary {
		t.Fatalf("got %+v", events)
	}
	s := events[0].Summary
	if s.Result != diagnostic.ResultFailed || s.ModulesLoaded.N != 1 || s.ModulesLoaded.Plural {
		t.Errorf("got %+v", s)
	}
}

func TestDiagnosticWithInlineSeverityAndBody(t *testing.T) {
	p := New("PROMPT>")
	lines := []string{
		"src/My/Module.hs:10:5: error:",
		"    Couldn't match expected type 'Int' with actual type 'String'",
		"    In the expression: foo",
		"Ok, 1 module loaded.",
	}
	events := feedAll(p, lines)
	if len(events) != 2 {
		t.Fatalf("got %d events: %+v", len(events), events)
	}
	if events[0].Kind != KindDiagnostic {
		t.Fatalf("first event kind = %v, want diagnostic", events[0].Kind)
	}
	d := events[0].Diagnostic
	if d.Path != "src/My/Module.hs" || d.Line != 10 || d.Col != 5 {
		t.Errorf("got %+v", d)
	}
	if d.Severity != diagnostic.SeverityError {
		t.Errorf("severity = %v, want error", d.Severity)
	}
	wantMsg := "src/My/Module.hs:10:5: error:\n    Couldn't match expected type 'Int' with actual type 'String'\n    In the expression: foo\n"
	if d.Message != wantMsg {
		t.Errorf("message = %q, want %q", d.Message, wantMsg)
	}
	if events[1].Kind != KindSummary {
		t.Errorf("second event = %+v, want summary", events[1])
	}
}

func TestDiagnosticWithSeverityOnFollowingLine(t *testing.T) {
	// Older GHC shape: the tag appears alone, on its own line.
	p := New("PROMPT>")
	lines := []string{
		"Foo.hs:1:1:",
		"error:",
		"    parse error on input '}'",
		"PROMPT>",
	}
	events := feedAll(p, lines)
	if len(events) < 1 || events[0].Kind != KindDiagnostic {
		t.Fatalf("got %+v", events)
	}
	d := events[0].Diagnostic
	if d.Severity != diagnostic.SeverityError {
		t.Errorf("severity = %v, want error", d.Severity)
	}
}

func TestDiagnosticWithoutSeverityTag(t *testing.T) {
	// Oldest shape: no severity tag is ever emitted; tolerate it and default
	// to error, per spec.md §4.2's ambiguity note.
	p := New("PROMPT>")
	lines := []string{
		"Foo.hs:2:1:",
		"    something went wrong",
		"PROMPT>",
	}
	events := feedAll(p, lines)
	if len(events) < 1 || events[0].Kind != KindDiagnostic {
		t.Fatalf("got %+v", events)
	}
}

func TestMultipleDiagnosticsInARow(t *testing.T) {
	p := New("PROMPT>")
	lines := []string{
		"A.hs:1:1: error:",
		"    bad A",
		"B.hs:2:2: warning:",
		"    bad B",
		"Failed, no modules loaded.",
	}
	events := feedAll(p, lines)
	// "no modules" doesn't match the summary regex's \d+|word set, so it's
	// free text here; what matters is that both diagnostics are separated.
	var diags []Event
	for _, e := range events {
		if e.Kind == KindDiagnostic {
			diags = append(diags, e)
		}
	}
	if len(diags) != 2 {
		t.Fatalf("got %d diagnostics, want 2: %+v", len(diags), events)
	}
	if diags[0].Diagnostic.Path != "A.hs" || diags[1].Diagnostic.Path != "B.hs" {
		t.Errorf("got %+v", diags)
	}
	if diags[1].Diagnostic.Severity != diagnostic.SeverityWarning {
		t.Errorf("second diagnostic severity = %v, want warning", diags[1].Diagnostic.Severity)
	}
}

func TestFreeTextPassthrough(t *testing.T) {
	p := New("PROMPT>")
	events := feedAll(p, []string{"some arbitrary banner text"})
	if len(events) != 1 || events[0].Kind != KindText || events[0].Text != "some arbitrary banner text" {
		t.Fatalf("got %+v", events)
	}
}

func TestOneSummaryBetweenPrompts(t *testing.T) {
	p := New("PROMPT>")
	lines := []string{
		"PROMPT>",
		"[1 of 1] Compiling A ( A.hs, interpreted )",
		"Ok, 1 module loaded.",
		"PROMPT>",
	}
	events := feedAll(p, lines)
	var summaries int
	for _, e := range events {
		if e.Kind == KindSummary {
			summaries++
		}
	}
	if summaries != 1 {
		t.Fatalf("got %d summaries, want exactly 1: %+v", summaries, events)
	}
}
