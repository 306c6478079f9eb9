// Package ghci owns the REPL child process: spawning it, reading its
// stdout/stderr as classified events, and serializing commands through a
// single-consumer mailbox so that at most one command is ever in flight.
// This is the "Writer / prompt-sync" and child-process half of spec.md
// §4.3 and §4.8.
package ghci

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/MercuryTechnologies/ghciwatch-sub001/internal/canonicalpath"
	"github.com/MercuryTechnologies/ghciwatch-sub001/internal/diagnostic"
	"github.com/MercuryTechnologies/ghciwatch-sub001/internal/lineio"
	"github.com/MercuryTechnologies/ghciwatch-sub001/internal/parser"
	"github.com/MercuryTechnologies/ghciwatch-sub001/internal/sink"
)

// ErrChildExited is returned from Run when the child's stdout closed before
// a prompt sentinel was observed for the in-flight command.
var ErrChildExited = errors.New("ghci: child process exited before a prompt was observed")

// streamEvent tags a parser.Event with which stream it came from, since the
// prompt sentinel only ever closes a command when seen on stdout (GHCi
// never echoes its prompt to stderr).
type streamEvent struct {
	stdout bool
	ev     parser.Event
}

// Session owns one REPL child process for its entire lifetime: one spawn,
// one stdin, two reader goroutines, and the single-consumer command
// mailbox that serializes writer access (spec.md §3, "Ownership").
type Session struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events chan streamEvent

	reqs chan writeRequest

	mu    sync.Mutex
	state State
	cmdInFlight Command

	exited chan struct{}
	waitErr error

	log *slog.Logger
}

type writeRequest struct {
	command Command
	log     *diagnostic.Log
	out     sink.Sink
	resp    chan error
}

// Options configures a session spawn.
type Options struct {
	// Args is the shell-words-split command used to spawn the REPL, e.g.
	// []string{"cabal", "repl"}.
	Args []string
	// Prompt is the sentinel injected via ":set prompt". Empty uses
	// parser.DefaultPrompt.
	Prompt string
	Logger *slog.Logger
	Dir    string
}

// Start spawns the REPL child process and synchronizes on the first
// prompt by issuing ":set prompt <sentinel>" as the session's first
// command, exactly as spec.md §4.2 describes.
func Start(ctx context.Context, opts Options) (*Session, error) {
	if len(opts.Args) == 0 {
		return nil, fmt.Errorf("start ghci: empty command")
	}
	prompt := opts.Prompt
	if prompt == "" {
		prompt = parser.DefaultPrompt
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Deliberately not exec.CommandContext: that would kill the child the
	// instant ctx is canceled, short-circuiting the supervisor's graceful
	// quit-command/SIGTERM/SIGKILL escalation (spec.md §4.8). The child's
	// lifetime is controlled exclusively by explicit signals via Pid().
	cmd := exec.Command(opts.Args[0], opts.Args[1:]...)
	cmd.Dir = opts.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("start ghci: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("start ghci: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("start ghci: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ghci: %w", err)
	}

	s := &Session{
		cmd:    cmd,
		stdin:  stdin,
		events: make(chan streamEvent, 256),
		reqs:   make(chan writeRequest),
		state:  StateStarting,
		exited: make(chan struct{}),
		log:    logger,
	}

	stdoutR, err := lineio.New(ctx, stdout)
	if err != nil {
		return nil, fmt.Errorf("start ghci: %w", err)
	}
	stderrR, err := lineio.New(ctx, stderr)
	if err != nil {
		return nil, fmt.Errorf("start ghci: %w", err)
	}

	var readerWG sync.WaitGroup
	readerWG.Add(2)
	go s.readLoop(stdoutR, parser.New(prompt), true, &readerWG)
	go s.readLoop(stderrR, parser.New(prompt), false, &readerWG)
	go func() {
		readerWG.Wait()
		close(s.events)
	}()

	go func() {
		s.waitErr = cmd.Wait()
		close(s.exited)
	}()

	go s.writerLoop()

	if err := s.Run(ctx, Command(":set prompt "+strconv.Quote(prompt)), nil, sink.Null()); err != nil {
		return s, fmt.Errorf("start ghci: set prompt: %w", err)
	}
	s.setState(StateIdle, "")

	return s, nil
}

func (s *Session) readLoop(r *lineio.Reader, p *parser.Parser, stdout bool, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		line, err := r.ReadLine()
		if line != "" || err == nil {
			for _, ev := range p.Feed(line) {
				s.events <- streamEvent{stdout: stdout, ev: ev}
			}
		}
		if err != nil {
			if ev, ok := p.Close(); ok {
				s.events <- streamEvent{stdout: stdout, ev: ev}
			}
			return
		}
	}
}

// writerLoop is the single consumer of reqs: it owns stdin and serializes
// commands FIFO, matching spec.md §4.3's "at most one command in flight."
func (s *Session) writerLoop() {
	for req := range s.reqs {
		s.setState(StateBusy, req.command)
		err := s.runOne(req.command, req.log, req.out)
		next := StateIdle
		if errors.Is(err, ErrChildExited) {
			next = StateDead
		}
		s.mu.Lock()
		if s.state == StateBusy {
			s.state, s.cmdInFlight = next, ""
		}
		s.mu.Unlock()
		req.resp <- err
	}
}

func (s *Session) runOne(command Command, log *diagnostic.Log, out sink.Sink) error {
	if _, err := fmt.Fprintf(s.stdin, "%s\n", command); err != nil {
		return fmt.Errorf("write command: %w", err)
	}

	for {
		select {
		case se, ok := <-s.events:
			if !ok {
				return ErrChildExited
			}
			if se.stdout && se.ev.Kind == parser.KindPrompt {
				return nil
			}
			dispatch(se.ev, log, out)
		case <-s.exited:
			// Drain whatever's left in the buffered channel before giving up,
			// in case the prompt raced the process exit.
			select {
			case se, ok := <-s.events:
				if ok && se.stdout && se.ev.Kind == parser.KindPrompt {
					return nil
				}
				if ok {
					dispatch(se.ev, log, out)
					continue
				}
			default:
			}
			return ErrChildExited
		}
	}
}

func dispatch(ev parser.Event, log *diagnostic.Log, out sink.Sink) {
	switch ev.Kind {
	case parser.KindText:
		if out != nil {
			fmt.Fprintln(out, ev.Text)
		}
	case parser.KindCompiling:
		if out != nil {
			fmt.Fprintf(out, "[%d of %d] Compiling %s\n", ev.Compiling.Index, ev.Compiling.Total, ev.Compiling.Module)
		}
	case parser.KindDiagnostic:
		if log != nil {
			log.AddDiagnostic(resolveDiagnostic(ev.Diagnostic))
		}
		if out != nil {
			fmt.Fprint(out, ev.Diagnostic.Message)
		}
	case parser.KindSummary:
		if log != nil {
			summary := ev.Summary
			log.Summary = &summary
		}
	}
}

func resolveDiagnostic(raw parser.RawDiagnostic) diagnostic.Diagnostic {
	d := diagnostic.Diagnostic{
		Severity: raw.Severity,
		Message:  raw.Message,
	}
	if raw.HasPos {
		line, col := raw.Line, raw.Col
		d.Line, d.Col = &line, &col
	}
	if raw.HasPath && raw.Path != "" {
		if p, err := canonicalpath.New(raw.Path); err == nil {
			d.Path = &p
		}
	}
	return d
}

// Run writes command to the child's stdin and blocks until the next prompt
// sentinel is observed on stdout. Every intervening stdout/stderr event is
// appended to log (if non-nil) or forwarded to out (if non-nil). Commands
// are serialized FIFO through the session's single-consumer mailbox, so
// concurrent callers never interleave.
func (s *Session) Run(ctx context.Context, command Command, log *diagnostic.Log, out sink.Sink) error {
	resp := make(chan error, 1)
	req := writeRequest{command: command, log: log, out: out, resp: resp}

	select {
	case s.reqs <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.exited:
		return ErrChildExited
	}

	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) setState(state State, cmd Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.cmdInFlight = cmd
}

// State reports the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Wait blocks until the child process exits, returning its exit error (if
// any).
func (s *Session) Wait() error {
	<-s.exited
	return s.waitErr
}

// Exited returns a channel closed when the child process has exited.
func (s *Session) Exited() <-chan struct{} {
	return s.exited
}

// Close stops accepting new commands and closes stdin. It does not itself
// signal the child process — that's the supervisor's job (spec.md §4.8),
// since shutdown escalation (quit command, SIGTERM, SIGKILL) depends on
// context the session doesn't have.
func (s *Session) Close() error {
	s.setState(StateExiting, "")
	close(s.reqs)
	return s.stdin.Close()
}

// Pid returns the child process id, or 0 if unavailable.
func (s *Session) Pid() int {
	if s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// ProcessState exposes the completed process's state, if any, for exit-code
// logging.
func (s *Session) ProcessState() *os.ProcessState {
	return s.cmd.ProcessState
}
