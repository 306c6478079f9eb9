// Package reconciler is the core state machine (spec.md §4.7): it turns a
// filesystem change batch plus the current module set into the minimal
// sequence of :add/:reload/restart REPL commands, and drives each to
// completion before asking for the next.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MercuryTechnologies/ghciwatch-sub001/internal/canonicalpath"
	"github.com/MercuryTechnologies/ghciwatch-sub001/internal/diagnostic"
	"github.com/MercuryTechnologies/ghciwatch-sub001/internal/ghci"
	"github.com/MercuryTechnologies/ghciwatch-sub001/internal/moduleset"
	"github.com/MercuryTechnologies/ghciwatch-sub001/internal/sink"
	"github.com/MercuryTechnologies/ghciwatch-sub001/internal/watcher"
)

// State is one of the reconciler's lifecycle states.
type State int

const (
	StateIdle State = iota
	StateReloading
	StateRestarting
	StateTesting
	StateShutting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReloading:
		return "reloading"
	case StateRestarting:
		return "restarting"
	case StateTesting:
		return "testing"
	case StateShutting:
		return "shutting"
	default:
		return "state(unknown)"
	}
}

// Hooks are lifecycle commands run at named points around startup and
// reload, per the CLI table in spec.md §6. Declaration order within each
// slice is preserved (spec.md §9's open question on hook-ordering
// ambiguity is resolved by always honoring declaration order).
// BeforeStartup and AfterStartup run around the module replay of each
// restart; they are not run for the session the Reconciler is constructed
// with.
type Hooks struct {
	BeforeStartup []ghci.Command
	AfterStartup  []ghci.Command
	BeforeReload  []ghci.Command
	AfterReload   []ghci.Command
}

// Options configures a Reconciler.
type Options struct {
	// Session is the already-started REPL session.
	Session *ghci.Session
	// SessionOptions is reused to spawn a replacement child on restart.
	SessionOptions ghci.Options
	// TestCommand, if non-empty, is run after every successful reload
	// whose summary was Ok (the --test-ghci option).
	TestCommand ghci.Command
	ErrorLog    *diagnostic.ErrorLog
	Out         sink.Sink
	// ClearOnReload clears Out before each reload/restart's output, for
	// the --clear option.
	ClearOnReload bool
	Hooks         Hooks
	Logger        *slog.Logger
	// OnReload, if set, is called after every batch that produced a
	// reload or restart, win or lose — wired to the control channel's
	// Reload notification (which gets the diagnostics themselves, in
	// spec.md §3's presentation order) and the history recorder, which
	// only needs the count (spec.md §6, §6.1).
	OnReload func(ok bool, diagnostics []diagnostic.Diagnostic, modulesLoaded int)
}

// Reconciler owns the module set and the in-progress compilation log; it is
// the single writer of REPL commands (spec.md §5's "the child's stdin is
// owned by the reconciler task").
type Reconciler struct {
	opts    Options
	log     *slog.Logger
	session *ghci.Session
	modules *moduleset.Set

	mu    sync.Mutex
	state State
}

// New constructs a Reconciler around an already-started session.
func New(opts Options) *Reconciler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		opts:    opts,
		log:     logger,
		session: opts.Session,
		modules: moduleset.New(),
		state:   StateIdle,
	}
}

// State reports the reconciler's current lifecycle state.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Reconciler) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Session returns the reconciler's current REPL session. restart() replaces
// this on module removal and on unexpected child exit, so callers that hold
// onto a session across a yield point (the supervisor's shutdown sequence,
// in particular) must call this again rather than caching the result, or
// they'll end up quitting/signaling an already-Close()'d child.
func (r *Reconciler) Session() *ghci.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

func (r *Reconciler) setSession(s *ghci.Session) {
	r.mu.Lock()
	r.session = s
	r.mu.Unlock()
}

// Modules exposes the current module set for introspection (e.g. a status
// command); callers must not mutate the returned set's backing paths.
func (r *Reconciler) Modules() *moduleset.Set {
	return r.modules
}

// Run consumes batches until ctx is canceled or the child dies
// unrecoverably. Each batch is processed to quiescence before the next is
// taken from the channel. Batches that arrive while a process() call is
// still running are merged by the watcher's own bounded-channel policy
// (spec.md §4.6) before Run ever observes them — the "pending = pending ∪
// new" merge-while-busy rule in spec.md §4.7 and the channel's
// merge-at-capacity rule in §4.6 are the same mechanism seen from two
// sides, so the reconciler needs no pending-batch field of its own.
func (r *Reconciler) Run(ctx context.Context, batches <-chan watcher.Batch) error {
	for {
		select {
		case <-ctx.Done():
			r.setState(StateShutting)
			return nil

		case <-r.Session().Exited():
			r.log.Error("ghci child exited unexpectedly")
			log, err := r.restart(ctx, nil, nil)
			r.notifyReload(err == nil, log)
			if err != nil {
				return fmt.Errorf("restart after unexpected exit: %w", err)
			}

		case b, ok := <-batches:
			if !ok {
				return nil
			}
			if err := r.process(ctx, b); err != nil {
				return err
			}
		}
	}
}

// process computes and drives the minimal REPL action for one batch,
// implementing the decision tree in spec.md §4.7.
func (r *Reconciler) process(ctx context.Context, b watcher.Batch) error {
	toAdd, toReload, toRemove := r.classify(b)

	if len(toRemove) > 0 {
		log, err := r.restart(ctx, toAdd, toRemove)
		r.notifyReload(err == nil, log)
		return err
	}

	ran, ok, log, err := r.reload(ctx, toAdd, toReload)
	if err != nil {
		if errors.Is(err, ghci.ErrChildExited) {
			r.log.Error("ghci child exited mid-compilation, restarting")
			restartLog, err := r.restart(ctx, nil, nil)
			r.notifyReload(err == nil, restartLog)
			return err
		}
		return err
	}
	if !ran {
		r.setState(StateIdle)
		return nil
	}
	r.notifyReload(ok, log)

	if ok && r.opts.TestCommand != "" {
		if err := r.runTest(ctx); err != nil {
			if errors.Is(err, ghci.ErrChildExited) {
				r.log.Error("ghci child exited during test command, restarting")
				restartLog, restartErr := r.restart(ctx, nil, nil)
				r.notifyReload(restartErr == nil, restartLog)
				return restartErr
			}
			return err
		}
	}

	r.setState(StateIdle)
	return nil
}

// notifyReload reports a completed batch to the OnReload hook, handing it
// the diagnostics in spec.md §3's presentation order (by path, then line,
// then column) rather than the arrival order the error log writes in —
// the control channel's Reload notification is the consumer for that view.
func (r *Reconciler) notifyReload(ok bool, log *diagnostic.Log) {
	if r.opts.OnReload == nil {
		return
	}
	var sorted []diagnostic.Diagnostic
	if log != nil {
		sorted = log.Sorted()
	}
	r.opts.OnReload(ok, sorted, len(r.modules.Paths()))
}

// classify computes (to_add, to_reload, to_remove) per spec.md §4.7 step 1.
func (r *Reconciler) classify(b watcher.Batch) (toAdd, toReload, toRemove []canonicalpath.Path) {
	for _, p := range b.Added {
		if !r.modules.ContainsCanonical(p) {
			toAdd = append(toAdd, p)
		}
	}
	for _, p := range b.Modified {
		if r.modules.ContainsCanonical(p) {
			toReload = append(toReload, p)
		} else if !containsPath(toAdd, p) {
			// A path reported modified that isn't in the module set yet
			// (e.g. it was added and edited within the same window) is
			// treated as added, matching the tie-break in spec.md §4.7.
			toAdd = append(toAdd, p)
		}
	}
	for _, p := range b.Removed {
		if r.modules.ContainsCanonical(p) {
			toRemove = append(toRemove, p)
		}
	}
	return
}

func containsPath(ps []canonicalpath.Path, p canonicalpath.Path) bool {
	for _, q := range ps {
		if q.Equal(p) {
			return true
		}
	}
	return false
}

// reload runs :add for each toAdd path and, if anything changed, :reload,
// returning whether a compilation actually ran, whether it succeeded, and
// the resulting diagnostic log.
func (r *Reconciler) reload(ctx context.Context, toAdd, toReload []canonicalpath.Path) (ran bool, ok bool, log *diagnostic.Log, err error) {
	log = &diagnostic.Log{}
	if len(toAdd) == 0 && len(toReload) == 0 {
		return false, false, log, nil
	}

	r.setState(StateReloading)
	if r.opts.ClearOnReload && r.opts.Out != nil {
		r.opts.Out.Clear()
	}

	if err := r.runHooks(ctx, r.opts.Hooks.BeforeReload, log); err != nil {
		return false, false, log, err
	}

	for _, p := range toAdd {
		if err := r.Session().Run(ctx, ghci.Command(":add "+p.Original()), log, r.opts.Out); err != nil {
			return true, false, log, err
		}
		r.modules.InsertCanonical(p)
	}

	if err := r.Session().Run(ctx, ghci.Command(":reload"), log, r.opts.Out); err != nil {
		return true, false, log, err
	}

	if err := r.runHooks(ctx, r.opts.Hooks.AfterReload, log); err != nil {
		return true, false, log, err
	}

	ok = log.Summary != nil && log.Summary.Result == diagnostic.ResultOK
	r.flush(log)
	return true, ok, log, nil
}

// restart tears down the current child, spawns a replacement, replays the
// surviving module set plus toAdd minus toRemove, and returns to Idle —
// spec.md §4.7 step 2.
func (r *Reconciler) restart(ctx context.Context, toAdd, toRemove []canonicalpath.Path) (log *diagnostic.Log, err error) {
	r.setState(StateRestarting)
	if r.opts.ClearOnReload && r.opts.Out != nil {
		r.opts.Out.Clear()
	}

	for _, p := range toRemove {
		r.modules.RemoveCanonical(p)
	}

	_ = r.Session().Close()

	fresh, err := ghci.Start(ctx, r.opts.SessionOptions)
	if err != nil {
		return nil, fmt.Errorf("restart ghci: %w", err)
	}
	r.setSession(fresh)

	log = &diagnostic.Log{}
	if err := r.runHooks(ctx, r.opts.Hooks.BeforeStartup, log); err != nil {
		return log, err
	}

	replay := r.modules.Paths()
	for _, p := range toAdd {
		if !containsPath(replay, p) {
			replay = append(replay, p)
		}
	}

	for _, p := range replay {
		if err := r.Session().Run(ctx, ghci.Command(":add "+p.Original()), log, r.opts.Out); err != nil {
			return log, fmt.Errorf("replay :add %s: %w", p, err)
		}
		r.modules.InsertCanonical(p)
	}

	if err := r.runHooks(ctx, r.opts.Hooks.AfterStartup, log); err != nil {
		return log, err
	}

	r.flush(log)
	r.setState(StateIdle)
	return log, nil
}

// runTest runs the configured --test-ghci expression; its output is
// forwarded but never recorded as a diagnostic (spec.md §4.7 step 4).
func (r *Reconciler) runTest(ctx context.Context) error {
	r.setState(StateTesting)
	if err := r.Session().Run(ctx, r.opts.TestCommand, nil, r.opts.Out); err != nil {
		return err
	}
	if r.opts.Out != nil {
		fmt.Fprintln(r.opts.Out, "Finished running tests")
	}
	return nil
}

func (r *Reconciler) runHooks(ctx context.Context, hooks []ghci.Command, log *diagnostic.Log) error {
	for _, h := range hooks {
		if err := r.Session().Run(ctx, h, log, r.opts.Out); err != nil {
			return fmt.Errorf("run hook %q: %w", h, err)
		}
	}
	return nil
}

func (r *Reconciler) flush(log *diagnostic.Log) {
	if r.opts.ErrorLog == nil {
		return
	}
	if err := r.opts.ErrorLog.Flush(log); err != nil {
		r.log.Error("flush error log", "error", err)
	}
}
