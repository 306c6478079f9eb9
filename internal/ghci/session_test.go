package ghci

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MercuryTechnologies/ghciwatch-sub001/internal/diagnostic"
	"github.com/MercuryTechnologies/ghciwatch-sub001/internal/sink"
)

// fakeReplScript returns a shell script that behaves like a minimal GHCi:
// it answers ":set prompt ..." and every other command with the sentinel
// prompt, and pretends every compile succeeded with one module loaded.
func fakeReplScript(prompt string) []string {
	script := fmt.Sprintf(`while IFS= read -r line; do
  case "$line" in
    :set\ prompt*) printf '%%s\n' %s ;;
    *) printf 'Ok, 1 module loaded.\n'; printf '%%s\n' %s ;;
  esac
done`, shellQuote(prompt), shellQuote(prompt))
	return []string{"sh", "-c", script}
}

func shellQuote(s string) string {
	return "'" + s + "'"
}

func TestSessionStartAndRunCapturesSummary(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	prompt := "TESTPROMPT>"
	s, err := Start(ctx, Options{Args: fakeReplScript(prompt), Prompt: prompt})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()

	if s.State() != StateIdle {
		t.Fatalf("State() = %v, want idle", s.State())
	}

	log := &diagnostic.Log{}
	out := sink.NewBuffer()
	if err := s.Run(ctx, ":add Foo.hs", log, out); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if log.Summary == nil {
		t.Fatal("expected a summary to be captured")
	}
	if log.Summary.Result != diagnostic.ResultOK || log.Summary.ModulesLoaded.N != 1 {
		t.Errorf("got summary %+v", log.Summary)
	}
}

func TestSessionCommandsAreSerialized(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	prompt := "SERIAL>"
	s, err := Start(ctx, Options{Args: fakeReplScript(prompt), Prompt: prompt})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()

	results := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func(i int) {
			log := &diagnostic.Log{}
			results <- s.Run(ctx, Command(fmt.Sprintf(":add M%d.hs", i)), log, sink.Null())
		}(i)
	}

	for i := 0; i < 3; i++ {
		if err := <-results; err != nil {
			t.Errorf("concurrent Run failed: %v", err)
		}
	}
}

func TestSessionChildExitDuringStartFails(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Start(ctx, Options{Args: []string{"sh", "-c", "exit 0"}, Prompt: "X>"})
	if err == nil {
		t.Fatal("expected Start to fail when the child exits before a prompt appears")
	}
	if !errors.Is(err, ErrChildExited) {
		t.Errorf("got %v, want an error wrapping ErrChildExited", err)
	}
}
