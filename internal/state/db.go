// internal/state/db.go

// Package state records the daemon's session sweep history in SQLite.
// Session contents are never written here; only counts and timings.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Sweep triggers.
const (
	TriggerScheduled = "scheduled"
	TriggerSampled   = "sampled"
	TriggerManual    = "manual"
)

// SweepRecord is one pass of expired-session removal.
type SweepRecord struct {
	ID         int64
	Trigger    string // scheduled, sampled, manual
	State      string // success, failure
	StartedAt  time.Time
	FinishedAt time.Time
	DurationMs int64
	Removed    int
	Remaining  int
	Error      string
}

// DB wraps the SQLite database connection for sweep history.
type DB struct {
	db *sql.DB
}

const stateSchema = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL,
    applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS sweep_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    trigger_type TEXT NOT NULL,
    state TEXT NOT NULL,
    started_at DATETIME NOT NULL,
    finished_at DATETIME NOT NULL,
    duration_ms INTEGER NOT NULL,
    removed INTEGER NOT NULL DEFAULT 0,
    remaining INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_sweep_history_trigger ON sweep_history(trigger_type);
CREATE INDEX IF NOT EXISTS idx_sweep_history_started ON sweep_history(started_at);
`

// Open opens or creates a state database at the given path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Sampled sweeps record from request goroutines.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if _, err := db.Exec(stateSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count); err != nil {
		db.Close()
		return nil, fmt.Errorf("reading schema version: %w", err)
	}
	if count == 0 {
		if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (1)"); err != nil {
			db.Close()
			return nil, fmt.Errorf("writing schema version: %w", err)
		}
	}

	return &DB{db: db}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// RecordSweep stores a sweep record and returns its ID. DurationMs and
// State are derived when left zero.
func (d *DB) RecordSweep(rec SweepRecord) (int64, error) {
	if rec.DurationMs == 0 && rec.FinishedAt.After(rec.StartedAt) {
		rec.DurationMs = rec.FinishedAt.Sub(rec.StartedAt).Milliseconds()
	}
	if rec.State == "" {
		rec.State = "success"
		if rec.Error != "" {
			rec.State = "failure"
		}
	}

	var errStr *string
	if rec.Error != "" {
		errStr = &rec.Error
	}

	result, err := d.db.Exec(`
		INSERT INTO sweep_history
		(trigger_type, state, started_at, finished_at, duration_ms, removed, remaining, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Trigger, rec.State, rec.StartedAt.UTC(), rec.FinishedAt.UTC(),
		rec.DurationMs, rec.Removed, rec.Remaining, errStr,
	)
	if err != nil {
		return 0, fmt.Errorf("recording sweep: %w", err)
	}
	return result.LastInsertId()
}

// GetHistory returns sweeps newest first, optionally filtered by trigger.
// A limit of zero or less returns every row.
func (d *DB) GetHistory(trigger string, limit int) ([]SweepRecord, error) {
	query := "SELECT id, trigger_type, state, started_at, finished_at, duration_ms, removed, remaining, error FROM sweep_history WHERE 1=1"
	var args []any

	if trigger != "" {
		query += " AND trigger_type = ?"
		args = append(args, trigger)
	}

	query += " ORDER BY started_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var records []SweepRecord
	for rows.Next() {
		var r SweepRecord
		var errStr sql.NullString
		if err := rows.Scan(&r.ID, &r.Trigger, &r.State, &r.StartedAt, &r.FinishedAt,
			&r.DurationMs, &r.Removed, &r.Remaining, &errStr); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		r.Error = errStr.String
		records = append(records, r)
	}
	return records, rows.Err()
}

// LastSweep returns the most recent sweep. ok is false when none exist.
func (d *DB) LastSweep() (rec SweepRecord, ok bool, err error) {
	records, err := d.GetHistory("", 1)
	if err != nil {
		return SweepRecord{}, false, err
	}
	if len(records) == 0 {
		return SweepRecord{}, false, nil
	}
	return records[0], true, nil
}

// TotalRemoved returns the number of sessions removed since the given time.
func (d *DB) TotalRemoved(since time.Time) (int64, error) {
	var total sql.NullInt64
	err := d.db.QueryRow(
		"SELECT SUM(removed) FROM sweep_history WHERE started_at >= ?", since.UTC(),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("summing removed sessions: %w", err)
	}
	return total.Int64, nil
}

// Cleanup removes sweep records older than the specified number of days.
func (d *DB) Cleanup(retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	result, err := d.db.Exec(
		"DELETE FROM sweep_history WHERE started_at < ?", cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("cleaning up history: %w", err)
	}
	return result.RowsAffected()
}
