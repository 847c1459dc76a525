// Package eventlog is a non-blocking, best-effort diagnostic trail of
// playback and extraction events, backed by modernc.org/sqlite. It is
// never on an engine's hot path: events are appended only by the session
// orchestrator (its reconciliation step and engine shutdown), each write
// bounded by a short timeout so a slow disk never stalls a
// poll cycle.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"
)

// Kind categorizes one recorded event.
type Kind string

const (
	KindStarted   Kind = "started"
	KindPaused    Kind = "paused"
	KindResumed   Kind = "resumed"
	KindSynced    Kind = "synced"
	KindStopped   Kind = "stopped"
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
)

// Event is one row in the sessions table.
type Event struct {
	SessionID string
	ItemID    string
	Kind      Kind
	Position  float64
	Detail    string
	At        time.Time
}

// Log owns the sqlite connection. Writes are fire-and-forget from the
// caller's perspective: Append logs its own errors rather than
// returning them, matching spec.md §7's rule that diagnostic paths
// never affect the primary control flow.
type Log struct {
	db *sql.DB
}

// Open creates (or reuses) the sqlite database at path and ensures the
// schema exists.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway
	l := &Log{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) migrate() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			item_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			position_seconds REAL NOT NULL,
			detail TEXT,
			created_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_session_id ON sessions (session_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_item_id ON sessions (item_id);
	`)
	if err != nil {
		return fmt.Errorf("eventlog: migrate: %w", err)
	}
	return nil
}

// Append records ev, bounded by a short timeout. Failures are logged,
// never propagated.
func (l *Log) Append(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, item_id, kind, position_seconds, detail, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.SessionID, ev.ItemID, string(ev.Kind), ev.Position, ev.Detail, ev.At,
	)
	if err != nil {
		log.Printf("eventlog: append %s/%s: %v", ev.SessionID, ev.Kind, err)
	}
}

// Recent returns the most recent n events for sessionID, newest first.
func (l *Log) Recent(sessionID string, n int) ([]Event, error) {
	rows, err := l.db.Query(
		`SELECT session_id, item_id, kind, position_seconds, detail, created_at
		 FROM sessions WHERE session_id = ? ORDER BY id DESC LIMIT ?`,
		sessionID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("eventlog: query: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var kind, detail sql.NullString
		if err := rows.Scan(&ev.SessionID, &ev.ItemID, &kind, &ev.Position, &detail, &ev.At); err != nil {
			return nil, fmt.Errorf("eventlog: scan: %w", err)
		}
		ev.Kind = Kind(kind.String)
		ev.Detail = detail.String
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Close releases the underlying database handle.
func (l *Log) Close() error { return l.db.Close() }
