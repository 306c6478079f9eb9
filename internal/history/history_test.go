package history

import (
	"path/filepath"
	"testing"
	"time"
)

func TestOpenWithEmptyPathIsNoopRecorder(t *testing.T) {
	r, err := Open("")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if r != nil {
		t.Fatalf("want nil recorder for empty path, got %v", r)
	}
	if err := r.Record(time.Now(), ResultOk, 3, 0); err != nil {
		t.Fatalf("record on nil recorder: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close on nil recorder: %v", err)
	}
}

func TestRecordAndRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.sqlite")
	r, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if err := r.Record(base, ResultOk, 4, 0); err != nil {
		t.Fatalf("record 1: %v", err)
	}
	if err := r.Record(base.Add(time.Minute), ResultErrors, 4, 2); err != nil {
		t.Fatalf("record 2: %v", err)
	}

	rows, err := r.Recent(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].Result != ResultErrors || rows[0].DiagnosticCount != 2 {
		t.Fatalf("most recent row = %+v, want errors/2 diagnostics", rows[0])
	}
	if rows[1].Result != ResultOk || rows[1].ModulesLoaded != 4 {
		t.Fatalf("second row = %+v, want ok/4 modules", rows[1])
	}
}

func TestRecentRespectsLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.sqlite")
	r, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		if err := r.Record(base.Add(time.Duration(i)*time.Minute), ResultOk, i, 0); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	rows, err := r.Recent(2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
}
