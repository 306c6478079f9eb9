// Package history is a strictly optional compilation history recorder
// (SPEC_FULL.md §6.1): a passive observer of completed reconciler cycles,
// persisted to SQLite so a developer can inspect past sessions after the
// fact. It is never consulted by the reconciler's own decisions. Grounded
// on internal/store/store.go's sql.Open/migrate shape, trimmed to the one
// table this package needs.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Result is the outcome of one completed compilation cycle.
type Result string

const (
	ResultOk     Result = "ok"
	ResultErrors Result = "errors"
)

// Recorder appends one row per completed compilation cycle to a SQLite
// database. A nil *Recorder is valid and a no-op, so callers can construct
// one unconditionally and skip the nil check at call sites.
type Recorder struct {
	db *sql.DB
}

// Open opens (creating if necessary) the history database at path and
// ensures its schema exists. An empty path returns a nil *Recorder, nil
// error — history recording is off by default.
func Open(path string) (*Recorder, error) {
	if path == "" {
		return nil, nil
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS compilations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		result TEXT NOT NULL,
		modules_loaded INTEGER NOT NULL,
		diagnostic_count INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create compilations table: %w", err)
	}
	return &Recorder{db: db}, nil
}

// Close releases the database handle. Safe to call on a nil *Recorder.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	return r.db.Close()
}

// Record appends one row for a completed compilation cycle. Safe to call on
// a nil *Recorder (a no-op), so the reconciler's OnReload hook can call it
// unconditionally regardless of whether --history-db was passed.
func (r *Recorder) Record(at time.Time, result Result, modulesLoaded, diagnosticCount int) error {
	if r == nil {
		return nil
	}
	_, err := r.db.Exec(
		"INSERT INTO compilations (timestamp, result, modules_loaded, diagnostic_count) VALUES (?, ?, ?, ?)",
		at.UTC().Format(time.RFC3339), string(result), modulesLoaded, diagnosticCount,
	)
	if err != nil {
		return fmt.Errorf("record compilation: %w", err)
	}
	return nil
}

// Row is one recorded compilation cycle, as returned by Recent.
type Row struct {
	ID              int64
	Timestamp       time.Time
	Result          Result
	ModulesLoaded   int
	DiagnosticCount int
}

// Recent returns the last n recorded compilations, most recent first.
func (r *Recorder) Recent(n int) ([]Row, error) {
	if r == nil {
		return nil, nil
	}
	rows, err := r.db.Query(
		"SELECT id, timestamp, result, modules_loaded, diagnostic_count FROM compilations ORDER BY id DESC LIMIT ?",
		n,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent compilations: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var row Row
		var ts, result string
		if err := rows.Scan(&row.ID, &ts, &result, &row.ModulesLoaded, &row.DiagnosticCount); err != nil {
			return nil, fmt.Errorf("scan compilation row: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp: %w", err)
		}
		row.Timestamp = parsed
		row.Result = Result(result)
		out = append(out, row)
	}
	return out, rows.Err()
}
