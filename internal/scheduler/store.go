package scheduler

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store persists sweep history.
type Store struct {
	db *sql.DB
}

// NewStore creates a sweep store on db, running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate sweeps: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sweeps (
			id           TEXT PRIMARY KEY,
			label        TEXT NOT NULL,
			scheduled_at TEXT NOT NULL,
			started_at   TEXT,
			completed_at TEXT,
			status       TEXT NOT NULL,
			catch_up     INTEGER NOT NULL DEFAULT 0,
			users        INTEGER NOT NULL DEFAULT 0,
			delivered    INTEGER NOT NULL DEFAULT 0,
			failed       INTEGER NOT NULL DEFAULT 0,
			result       TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_sweeps_scheduled_at ON sweeps(scheduled_at);
	`)
	return err
}

// NewID generates a new UUIDv7.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails
		return uuid.New().String()
	}
	return id.String()
}

// Save inserts or replaces a sweep record.
func (s *Store) Save(sw *Sweep) error {
	_, err := s.db.Exec(`
		INSERT INTO sweeps (id, label, scheduled_at, started_at, completed_at, status,
			catch_up, users, delivered, failed, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			status = excluded.status,
			users = excluded.users,
			delivered = excluded.delivered,
			failed = excluded.failed,
			result = excluded.result
	`, sw.ID, sw.Label, sw.ScheduledAt.UTC().Format(time.RFC3339Nano),
		formatTime(sw.StartedAt), formatTime(sw.CompletedAt), string(sw.Status),
		sw.CatchUp, sw.Users, sw.Delivered, sw.Failed, sw.Result)
	if err != nil {
		return fmt.Errorf("save sweep %s: %w", sw.ID, err)
	}
	return nil
}

// List returns the most recent sweeps, newest first.
func (s *Store) List(limit int) ([]*Sweep, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, label, scheduled_at, started_at, completed_at, status,
			catch_up, users, delivered, failed, result
		FROM sweeps
		ORDER BY scheduled_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sweeps: %w", err)
	}
	defer rows.Close()

	var out []*Sweep
	for rows.Next() {
		var (
			sw                 Sweep
			scheduled, status  string
			started, completed sql.NullString
			result             sql.NullString
		)
		if err := rows.Scan(&sw.ID, &sw.Label, &scheduled, &started, &completed, &status,
			&sw.CatchUp, &sw.Users, &sw.Delivered, &sw.Failed, &result); err != nil {
			return nil, fmt.Errorf("scan sweep: %w", err)
		}
		sw.ScheduledAt, _ = time.Parse(time.RFC3339Nano, scheduled)
		sw.StartedAt = parseTime(started)
		sw.CompletedAt = parseTime(completed)
		sw.Status = Status(status)
		sw.Result = result.String
		out = append(out, &sw)
	}
	return out, rows.Err()
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
