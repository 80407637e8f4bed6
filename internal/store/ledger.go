// Package store persists a ledger of finished sessions in a SQLite database
// inside the artifact directory, so past runs can be listed without crawling
// bundle trees.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id    TEXT PRIMARY KEY,
	command       TEXT NOT NULL,
	result        TEXT NOT NULL,
	attempts_used INTEGER NOT NULL,
	bundle_dir    TEXT NOT NULL,
	started_at    TEXT NOT NULL,
	ended_at      TEXT NOT NULL,
	duration_ms   INTEGER NOT NULL
);
`

// Entry is one ledger row.
type Entry struct {
	SessionID    string
	Command      string
	Result       string
	AttemptsUsed int
	BundleDir    string
	StartedAt    time.Time
	EndedAt      time.Time
	DurationMS   int64
}

// Ledger wraps the sessions database.
type Ledger struct {
	db *sql.DB
}

// Open opens (and initializes) the ledger database at path.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session ledger: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize session ledger: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close releases the database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Record appends a finished session.
func (l *Ledger) Record(e Entry) error {
	_, err := l.db.Exec(
		`INSERT OR REPLACE INTO sessions
		 (session_id, command, result, attempts_used, bundle_dir, started_at, ended_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.Command, e.Result, e.AttemptsUsed, e.BundleDir,
		e.StartedAt.UTC().Format(time.RFC3339), e.EndedAt.UTC().Format(time.RFC3339), e.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	return nil
}

// Recent returns up to limit sessions, newest first.
func (l *Ledger) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.Query(
		`SELECT session_id, command, result, attempts_used, bundle_dir, started_at, ended_at, duration_ms
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var started, ended string
		if err := rows.Scan(&e.SessionID, &e.Command, &e.Result, &e.AttemptsUsed,
			&e.BundleDir, &started, &ended, &e.DurationMS); err != nil {
			return nil, err
		}
		e.StartedAt, _ = time.Parse(time.RFC3339, started)
		e.EndedAt, _ = time.Parse(time.RFC3339, ended)
		out = append(out, e)
	}
	return out, rows.Err()
}
