// Package supervisor owns the REPL child process, the watcher task, the
// reconciler task, and graceful shutdown (spec.md §4.8).
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/MercuryTechnologies/ghciwatch-sub001/internal/config"
	"github.com/MercuryTechnologies/ghciwatch-sub001/internal/control"
	"github.com/MercuryTechnologies/ghciwatch-sub001/internal/diagnostic"
	"github.com/MercuryTechnologies/ghciwatch-sub001/internal/ghci"
	"github.com/MercuryTechnologies/ghciwatch-sub001/internal/history"
	"github.com/MercuryTechnologies/ghciwatch-sub001/internal/reconciler"
	"github.com/MercuryTechnologies/ghciwatch-sub001/internal/sink"
	"github.com/MercuryTechnologies/ghciwatch-sub001/internal/watcher"
)

// GracePeriod is how long the supervisor waits for the REPL to exit after a
// quit command before escalating to SIGTERM, and after SIGTERM before
// escalating to SIGKILL.
const GracePeriod = 3 * time.Second

// Supervisor wires together one REPL session, its watcher, and its
// reconciler, and owns the shutdown escalation sequence.
type Supervisor struct {
	cfg *config.Config
	log *slog.Logger
	out sink.Sink

	watcher    *watcher.Watcher
	reconciler *reconciler.Reconciler
	control    *control.Server
	history    *history.Recorder
}

// Close releases resources Run doesn't own the lifecycle of, namely the
// history database handle. Safe to call even if history recording is off.
func (s *Supervisor) Close() error {
	return s.history.Close()
}

// New spawns the REPL child, builds its watcher and reconciler, and returns
// a Supervisor ready to Run. Startup failures here are the "unrecoverable"
// category in spec.md §7.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, out sink.Sink) (*Supervisor, error) {
	sessOpts := ghci.Options{
		Args:   cfg.Command,
		Prompt: cfg.Prompt,
		Dir:    cfg.Dir,
		Logger: logger,
	}
	session, err := ghci.Start(ctx, sessOpts)
	if err != nil {
		return nil, fmt.Errorf("spawn ghci: %w", err)
	}

	roots, forcePaths := splitRootsAndFiles(cfg.WatchRoots())
	w, err := watcher.New(watcher.Config{
		Roots:            roots,
		Extensions:       append(append([]string{}, watcher.DefaultExtensions...), cfg.WatchExtensions...),
		ForceReloadPaths: forcePaths,
		Debounce:         cfg.Debounce,
		Poll:             cfg.Poll,
		HashSuppression:  cfg.HashSuppression,
		Logger:           logger,
	})
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("build watcher: %w", err)
	}

	var ctrl *control.Server
	if cfg.ControlSocket != "" {
		ctrl = control.New(cfg.ControlSocket, logger)
	}

	hist, err := history.Open(cfg.HistoryDB)
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("open history db: %w", err)
	}

	rec := reconciler.New(reconciler.Options{
		Session:        session,
		SessionOptions: sessOpts,
		TestCommand:    ghci.Command(cfg.TestGhci),
		ErrorLog:       diagnostic.NewErrorLog(cfg.Errors),
		Out:            out,
		ClearOnReload:  cfg.Clear,
		Hooks:          hooksFromConfig(cfg),
		Logger:         logger,
		OnReload: func(ok bool, diagnostics []diagnostic.Diagnostic, modulesLoaded int) {
			if ctrl != nil {
				ctrl.NotifyReload(toControlDiagnostics(diagnostics))
			}
			result := history.ResultOk
			if !ok {
				result = history.ResultErrors
			}
			if err := hist.Record(time.Now(), result, modulesLoaded, len(diagnostics)); err != nil {
				logger.Warn("record compilation history", "error", err)
			}
		},
	})

	return &Supervisor{
		cfg:        cfg,
		log:        logger,
		out:        out,
		watcher:    w,
		reconciler: rec,
		control:    ctrl,
		history:    hist,
	}, nil
}

// toControlDiagnostics adapts the reconciler's diagnostics to the control
// channel's wire shape.
func toControlDiagnostics(diags []diagnostic.Diagnostic) []control.Diagnostic {
	out := make([]control.Diagnostic, len(diags))
	for i, d := range diags {
		cd := control.Diagnostic{
			Severity: d.Severity.String(),
			Message:  d.Message,
		}
		if d.Path != nil {
			cd.Path = d.Path.Original()
		}
		if d.Line != nil {
			cd.Line = *d.Line
		}
		if d.Col != nil {
			cd.Col = *d.Col
		}
		out[i] = cd
	}
	return out
}

func hooksFromConfig(cfg *config.Config) reconciler.Hooks {
	toCommands := func(ss []string) []ghci.Command {
		out := make([]ghci.Command, len(ss))
		for i, s := range ss {
			out[i] = ghci.Command(s)
		}
		return out
	}
	return reconciler.Hooks{
		BeforeStartup: toCommands(cfg.BeforeStartupGhci),
		AfterStartup:  toCommands(cfg.AfterStartupGhci),
		BeforeReload:  toCommands(cfg.BeforeReloadGhci),
		AfterReload:   toCommands(cfg.AfterReloadGhci),
	}
}

// splitRootsAndFiles separates watch roots that are plain files (an
// explicit --watch pointing at one file, e.g. a package.yaml) from real
// directory roots, since fsnotify only watches directories. File entries
// become force-reload paths per spec.md §4.7's "a path whose extension is
// outside the configured set but that lies on an explicit watch path still
// triggers a reload."
func splitRootsAndFiles(paths []string) (roots, files []string) {
	for _, p := range paths {
		info, err := os.Stat(p)
		if err == nil && !info.IsDir() {
			files = append(files, p)
			roots = append(roots, filepath.Dir(p))
			continue
		}
		roots = append(roots, p)
	}
	return roots, files
}

// Run drives the watcher and reconciler until ctx is canceled, then
// broadcasts shutdown: quit command, grace period, SIGTERM, grace period,
// SIGKILL (spec.md §4.8).
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.watcher.Run(gctx)
	})
	g.Go(func() error {
		return s.reconciler.Run(gctx, s.watcher.Batches())
	})
	if s.control != nil {
		g.Go(func() error {
			return s.control.Run(gctx)
		})
		g.Go(func() error {
			for {
				select {
				case cmd, ok := <-s.control.Commands():
					if !ok {
						return nil
					}
					if cmd.Tag == control.TagExit {
						s.log.Info("exit requested over control socket", "conn", cmd.ConnID)
						stopRun()
						return nil
					}
				case <-gctx.Done():
					return nil
				}
			}
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() == nil {
			// A task failed; the group is unwinding on its error.
			return nil
		}
		s.shutdown()
		return nil
	})

	return g.Wait()
}

// shutdown implements the escalation sequence. It never returns an error:
// a REPL that won't die gracefully is still killed, per spec.md §4.8.
//
// It always asks the reconciler for the current session rather than caching
// one: restart() replaces the reconciler's session on module removal or an
// unexpected child exit, and targeting a stale, already-closed session here
// would at best signal the wrong pid and at worst panic on its closed
// mailbox.
func (s *Supervisor) shutdown() {
	s.log.Info("shutdown requested")
	if s.control != nil {
		s.control.NotifyExit()
	}

	session := s.reconciler.Session()

	graceCtx, cancel := context.WithTimeout(context.Background(), GracePeriod)
	defer cancel()
	if err := session.Run(graceCtx, ghci.Command(":quit"), nil, sink.Null()); err != nil {
		s.log.Warn("quit command did not complete", "error", err)
	}

	select {
	case <-session.Exited():
		s.log.Info("all tasks completed successfully")
		return
	case <-graceCtx.Done():
	}

	s.signalAndWait(syscall.SIGTERM, GracePeriod)

	select {
	case <-s.reconciler.Session().Exited():
		s.log.Info("all tasks completed successfully")
		return
	default:
	}

	s.signalAndWait(syscall.SIGKILL, GracePeriod)
}

func (s *Supervisor) signalAndWait(sig syscall.Signal, timeout time.Duration) {
	session := s.reconciler.Session()
	pid := session.Pid()
	if pid == 0 {
		return
	}
	if err := unix.Kill(pid, sig); err != nil {
		s.log.Warn("signal child", "signal", sig, "error", err)
		return
	}
	select {
	case <-session.Exited():
	case <-time.After(timeout):
	}
}
