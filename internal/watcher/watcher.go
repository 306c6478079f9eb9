package watcher

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/blake2b"

	"github.com/MercuryTechnologies/ghciwatch-sub001/internal/canonicalpath"
)

// DefaultExtensions is the default set of watched file extensions (Haskell
// source files).
var DefaultExtensions = []string{".hs", ".lhs"}

// DefaultDebounce is the default debounce window from spec.md §4.6.
const DefaultDebounce = 500 * time.Millisecond

// Config configures a Watcher.
type Config struct {
	// Roots are the directories to watch recursively.
	Roots []string
	// Extensions is the set of watched file extensions, each including its
	// leading dot. Defaults to DefaultExtensions.
	Extensions []string
	// ForceReloadPaths are exact file paths that always classify as
	// Modified (never Added, never Removed) when touched, regardless of
	// extension or add/remove transitions — spec.md §4.7's "a path whose
	// extension is outside the configured set but that lies on an explicit
	// watch path still triggers a reload (never an add)."
	ForceReloadPaths []string
	// Debounce is the coalescing window. Defaults to DefaultDebounce.
	Debounce time.Duration
	// Poll, if non-zero, forces stat-based polling at this interval
	// instead of native OS filesystem events (the --poll flag).
	Poll time.Duration
	// HashSuppression skips a Modified classification when a file's
	// content hash is unchanged from the last time it was classified,
	// suppressing spurious reloads from atomic save-via-rename editors.
	// The zero value leaves it off; the CLI default (config.Default) turns
	// it on.
	HashSuppression bool

	Logger *slog.Logger
}

// Watcher watches a set of directories and extensions, emitting coalesced,
// classified Batch values on Batches().
type Watcher struct {
	cfg Config
	log *slog.Logger

	fsw *fsnotify.Watcher

	touches chan string
	out     chan Batch

	// sleep is called with a zero duration each time Run receives a touched
	// path; SetSleepHook replaces it. The debounce delay itself comes from
	// Run's timer and is not affected by this hook.
	sleep func(time.Duration)

	mu         sync.Mutex
	known      map[string]canonicalpath.Path // abs path -> last known canonical resolution
	lastHash   map[string][32]byte
	forcePaths map[string]struct{}
}

// New constructs a Watcher from cfg. It does not start watching until Run
// is called.
func New(cfg Config) (*Watcher, error) {
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = DefaultExtensions
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	w := &Watcher{
		cfg:        cfg,
		log:        logger,
		touches:    make(chan string, 256),
		out:        make(chan Batch, 1),
		sleep:      time.Sleep,
		known:      make(map[string]canonicalpath.Path),
		lastHash:   make(map[string][32]byte),
		forcePaths: make(map[string]struct{}),
	}
	for _, p := range cfg.ForceReloadPaths {
		if abs, err := filepath.Abs(p); err == nil {
			w.forcePaths[abs] = struct{}{}
		}
	}

	if cfg.Poll <= 0 {
		fsw, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("create watcher: %w", err)
		}
		for _, root := range cfg.Roots {
			if err := addRecursive(fsw, root); err != nil {
				fsw.Close()
				return nil, fmt.Errorf("watch %s: %w", root, err)
			}
		}
		w.fsw = fsw
	}

	return w, nil
}

func addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fsw.Add(path)
		}
		return nil
	})
}

// SetSleepHook replaces the function Run calls, with a zero duration, each
// time it receives a touched path. Pass nil to restore time.Sleep. The
// debounce timer is not affected by the hook.
func (w *Watcher) SetSleepHook(f func(time.Duration)) {
	if f == nil {
		f = time.Sleep
	}
	w.sleep = f
}

// Batches returns the channel batches are emitted on.
func (w *Watcher) Batches() <-chan Batch {
	return w.out
}

// Run watches until ctx is canceled. It should be run in its own goroutine.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() {
		if w.fsw != nil {
			w.fsw.Close()
		}
	}()

	if w.fsw != nil {
		go w.bridgeFsnotify(ctx)
	} else {
		go w.pollLoop(ctx)
	}

	touched := map[string]struct{}{}
	var timer *time.Timer
	var timerC <-chan time.Time

	// Seed the first window with every pre-existing file so the initial
	// batch brings the module set up to the full tree, matching the
	// invariant in spec.md §8 that the final module_set reflects every
	// watched file, not just ones touched after startup.
	for _, root := range w.cfg.Roots {
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			abs, err := filepath.Abs(path)
			if err != nil {
				return nil
			}
			touched[abs] = struct{}{}
			return nil
		})
	}
	for p := range w.forcePaths {
		touched[p] = struct{}{}
	}
	if len(touched) > 0 {
		timer = time.NewTimer(w.cfg.Debounce)
		timerC = timer.C
	}

	startTimer := func() {
		// A rolling debounce: new activity within the window extends it,
		// absorbing editor write-then-rename patterns (spec.md §4.6, §9).
		if timer == nil {
			timer = time.NewTimer(w.cfg.Debounce)
			timerC = timer.C
		} else {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.cfg.Debounce)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case p, ok := <-w.touches:
			if !ok {
				return nil
			}
			touched[p] = struct{}{}
			w.sleep(0) // test hook point; real sleep is the debounce timer itself
			startTimer()

		case <-timerC:
			timerC = nil
			if len(touched) == 0 {
				continue
			}
			batch := w.classify(touched)
			touched = map[string]struct{}{}
			if !batch.IsEmpty() {
				w.send(batch)
			}
		}
	}
}

func (w *Watcher) bridgeFsnotify(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			abs, err := filepath.Abs(ev.Name)
			if err != nil {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(abs); err == nil && info.IsDir() {
					_ = w.fsw.Add(abs)
				}
			}
			select {
			case w.touches <- abs:
			case <-ctx.Done():
				return
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Error("watcher error", "error", err)
		}
	}
}

func (w *Watcher) pollLoop(ctx context.Context) {
	type seenInfo struct {
		modTime time.Time
		size    int64
	}
	seen := map[string]seenInfo{}

	scan := func() map[string]seenInfo {
		cur := map[string]seenInfo{}
		for _, root := range w.cfg.Roots {
			_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
				if err != nil || d.IsDir() {
					return nil
				}
				info, err := d.Info()
				if err != nil {
					return nil
				}
				abs, err := filepath.Abs(path)
				if err != nil {
					return nil
				}
				cur[abs] = seenInfo{modTime: info.ModTime(), size: info.Size()}
				return nil
			})
		}
		return cur
	}

	ticker := time.NewTicker(w.cfg.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := scan()
			for p, info := range cur {
				if old, ok := seen[p]; !ok || old != info {
					select {
					case w.touches <- p:
					case <-ctx.Done():
						return
					}
				}
			}
			for p := range seen {
				if _, ok := cur[p]; !ok {
					select {
					case w.touches <- p:
					case <-ctx.Done():
						return
					}
				}
			}
			seen = cur
		}
	}
}

// classify turns the touched path set into a Batch by comparing each
// path's filesystem state now against whether it was known to exist
// before this window, per the rules in spec.md §4.6.
func (w *Watcher) classify(touched map[string]struct{}) Batch {
	w.mu.Lock()
	defer w.mu.Unlock()

	batch := NewBatch()
	for abs := range touched {
		_, forced := w.forcePaths[abs]
		if !forced && !w.watchedExtension(abs) {
			continue
		}

		exists := fileExists(abs)
		cached, wasKnown := w.known[abs]

		switch {
		case exists && !wasKnown:
			p, err := canonicalpath.New(abs)
			if err != nil {
				continue
			}
			w.known[abs] = p
			if !forced && w.cfg.HashSuppression {
				// Record a baseline hash for later Modified checks.
				w.contentUnchanged(abs)
			}
			if forced {
				batch.Modified[p.Canon()] = p
			} else {
				batch.Added[p.Canon()] = p
			}

		case exists && wasKnown:
			if !forced && w.cfg.HashSuppression && w.contentUnchanged(abs) {
				continue
			}
			p, err := canonicalpath.New(abs)
			if err != nil {
				p = cached
			}
			w.known[abs] = p
			batch.Modified[p.Canon()] = p

		case !exists && wasKnown:
			if forced {
				// Force-reload paths never produce a remove classification.
				continue
			}
			delete(w.known, abs)
			batch.Removed[cached.Canon()] = cached

		default:
			// Never existed and still doesn't: a created-then-deleted file
			// within one window is a net no-op against the final state.
		}
	}
	return batch
}

func (w *Watcher) watchedExtension(abs string) bool {
	base := filepath.Base(abs)
	if strings.HasPrefix(base, ".") {
		return false
	}
	ext := filepath.Ext(abs)
	for _, e := range w.cfg.Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

func (w *Watcher) contentUnchanged(abs string) bool {
	data, err := os.ReadFile(abs)
	if err != nil {
		return false
	}
	sum := blake2b.Sum256(data)
	prev, ok := w.lastHash[abs]
	w.lastHash[abs] = sum
	return ok && subtle.ConstantTimeCompare(prev[:], sum[:]) == 1
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// send hands b to the consumer, merging with whatever's already queued if
// the consumer hasn't drained the channel yet — the "batches accumulate and
// are merged opportunistically at the head of the channel" backpressure
// policy from spec.md §4.6.
func (w *Watcher) send(b Batch) {
	for {
		select {
		case w.out <- b:
			return
		default:
		}
		select {
		case old := <-w.out:
			b = old.Merge(b)
		default:
		}
	}
}
