package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestWatcher(t *testing.T, dir string, cfg Config) *Watcher {
	t.Helper()
	cfg.Roots = []string{dir}
	cfg.Debounce = 30 * time.Millisecond
	if cfg.Extensions == nil {
		cfg.Extensions = DefaultExtensions
	}
	w, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)
	return w
}

func recvBatch(t *testing.T, w *Watcher) Batch {
	t.Helper()
	select {
	case b := <-w.Batches():
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a batch")
		return Batch{}
	}
}

func TestWatcherEmitsAddedForNewFile(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, dir, Config{})

	path := filepath.Join(dir, "Foo.hs")
	if err := os.WriteFile(path, []byte("module Foo where\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	b := recvBatch(t, w)
	if len(b.Added) != 1 {
		t.Fatalf("got batch %s, want exactly one added entry", b)
	}
	if len(b.Modified) != 0 || len(b.Removed) != 0 {
		t.Errorf("unexpected modified/removed in %s", b)
	}
}

func TestWatcherEmitsModifiedForExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Foo.hs")
	if err := os.WriteFile(path, []byte("module Foo where\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	w := newTestWatcher(t, dir, Config{HashSuppression: false})
	// Run seeds its first window with the pre-existing file, so the first
	// batch (which this write also lands in) reports it as an add,
	// establishing a baseline before the modification under test.
	_ = recvBatchOrWrite(t, w, path, "module Foo where\nfoo = 1\n")

	if err := os.WriteFile(path, []byte("module Foo where\nfoo = 2\n"), 0o644); err != nil {
		t.Fatalf("rewrite file: %v", err)
	}
	b := recvBatch(t, w)
	if len(b.Modified) != 1 {
		t.Fatalf("got batch %s, want exactly one modified entry", b)
	}
}

// recvBatchOrWrite nudges the watcher into observing path once (by touching
// it) and returns the resulting batch, establishing a baseline "known"
// entry for tests that care about the add->modify transition specifically.
func recvBatchOrWrite(t *testing.T, w *Watcher, path, contents string) Batch {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	return recvBatch(t, w)
}

func TestWatcherEmitsRemovedForDeletedFile(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, dir, Config{})

	path := filepath.Join(dir, "Foo.hs")
	_ = recvBatchOrWrite(t, w, path, "module Foo where\n")

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove file: %v", err)
	}
	b := recvBatch(t, w)
	if len(b.Removed) != 1 {
		t.Fatalf("got batch %s, want exactly one removed entry", b)
	}
}

func TestWatcherIgnoresUnwatchedExtension(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, dir, Config{})

	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	// Follow up with a watched file so we have a deterministic batch to
	// wait on; if the .md write had produced a batch, it would have
	// arrived first and this assertion would catch it.
	path := filepath.Join(dir, "Foo.hs")
	b := recvBatchOrWrite(t, w, path, "module Foo where\n")
	if len(b.Added) != 1 {
		t.Fatalf("got batch %s, want exactly one added entry (the .md must be filtered)", b)
	}
}

func TestWatcherIgnoresDotfiles(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, dir, Config{})

	if err := os.WriteFile(filepath.Join(dir, ".Foo.hs"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	path := filepath.Join(dir, "Foo.hs")
	b := recvBatchOrWrite(t, w, path, "module Foo where\n")
	if len(b.Added) != 1 {
		t.Fatalf("got batch %s, want exactly one added entry (the dotfile must be filtered)", b)
	}
}

func TestWatcherCoalescesBurstsIntoOneBatch(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, dir, Config{})

	for i := 0; i < 5; i++ {
		path := filepath.Join(dir, "Foo.hs")
		if err := os.WriteFile(path, []byte(time.Now().Format(time.RFC3339Nano)), 0o644); err != nil {
			t.Fatalf("write file: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	b := recvBatch(t, w)
	if len(b.Added)+len(b.Modified) != 1 {
		t.Fatalf("got batch %s, want a single coalesced entry for repeated writes to one path", b)
	}

	select {
	case extra := <-w.Batches():
		t.Fatalf("got an unexpected second batch %s", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatcherForceReloadPathBypassesExtensionFilterAndNeverAdds(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "package.yaml")
	if err := os.WriteFile(cfgPath, []byte("name: demo\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	w := newTestWatcher(t, dir, Config{ForceReloadPaths: []string{cfgPath}})

	if err := os.WriteFile(cfgPath, []byte("name: demo2\n"), 0o644); err != nil {
		t.Fatalf("rewrite file: %v", err)
	}
	b := recvBatch(t, w)
	if len(b.Added) != 0 || len(b.Removed) != 0 || len(b.Modified) != 1 {
		t.Fatalf("got batch %s, want exactly one modified entry and never an add", b)
	}
}
