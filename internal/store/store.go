// Package store persists the daemon's small bookkeeping records in SQLite:
// the last known wall-clock time (saved right before each sleep so a
// dead-battery boot can restore a sane clock), the sleep/wake history, and
// the NACK diagnostics log.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Schema for the dozed bookkeeping store.
const schema = `
CREATE TABLE IF NOT EXISTS saved_time (
    id          INTEGER PRIMARY KEY CHECK (id = 1),
    wall_secs   INTEGER NOT NULL,
    saved_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS power_history (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    kind        TEXT NOT NULL,
    at_wall     INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    resume_type INTEGER
);

CREATE INDEX IF NOT EXISTS idx_power_history_at ON power_history(at_wall);

CREATE TABLE IF NOT EXISTS nack_log (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    client_id   TEXT NOT NULL,
    client_name TEXT,
    phase       TEXT NOT NULL,
    at_wall     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_nack_log_client ON nack_log(client_id, at_wall);
`

// History record kinds.
const (
	KindSleep = "sleep"
	KindWake  = "wake"
)

// PowerRecord is one row of the sleep/wake history.
type PowerRecord struct {
	ID         int64
	Kind       string
	At         time.Time
	Duration   time.Duration
	ResumeType int
}

// NACKRecord is one row of the NACK diagnostics log.
type NACKRecord struct {
	ID         int64
	ClientID   string
	ClientName string
	Phase      string
	At         time.Time
}

// Store wraps the SQLite bookkeeping database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(path string, busyTimeout time.Duration) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL", path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveWallClock stores the current wall-clock time. Called right before the
// machine is committed to sleep.
func (s *Store) SaveWallClock(now time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO saved_time (id, wall_secs, saved_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET wall_secs = excluded.wall_secs, saved_at = excluded.saved_at`,
		now.Unix(), now.UnixNano(),
	)
	return err
}

// SavedWallClock returns the last persisted wall-clock time, if any.
func (s *Store) SavedWallClock() (time.Time, bool, error) {
	var secs int64
	err := s.db.QueryRow(`SELECT wall_secs FROM saved_time WHERE id = 1`).Scan(&secs)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(secs, 0), true, nil
}

// RecordSleep appends a sleep row: the device slept after being awake for
// awake.
func (s *Store) RecordSleep(at time.Time, awake time.Duration) error {
	_, err := s.db.Exec(
		`INSERT INTO power_history (kind, at_wall, duration_ms) VALUES (?, ?, ?)`,
		KindSleep, at.Unix(), awake.Milliseconds(),
	)
	return err
}

// RecordWake appends a wake row: the device woke after sleeping for asleep,
// for the given resume type.
func (s *Store) RecordWake(at time.Time, asleep time.Duration, resumeType int) error {
	_, err := s.db.Exec(
		`INSERT INTO power_history (kind, at_wall, duration_ms, resume_type) VALUES (?, ?, ?, ?)`,
		KindWake, at.Unix(), asleep.Milliseconds(), resumeType,
	)
	return err
}

// History returns the most recent power records, newest first.
func (s *Store) History(limit int) ([]PowerRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, kind, at_wall, duration_ms, COALESCE(resume_type, -1)
		 FROM power_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PowerRecord
	for rows.Next() {
		var rec PowerRecord
		var atSecs, durMs int64
		if err := rows.Scan(&rec.ID, &rec.Kind, &atSecs, &durMs, &rec.ResumeType); err != nil {
			return nil, err
		}
		rec.At = time.Unix(atSecs, 0)
		rec.Duration = time.Duration(durMs) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecordNACK appends a NACK diagnostics row.
func (s *Store) RecordNACK(clientID, clientName, phase string, at time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO nack_log (client_id, client_name, phase, at_wall) VALUES (?, ?, ?, ?)`,
		clientID, clientName, phase, at.Unix(),
	)
	return err
}

// NACKHistory returns the most recent NACK records, newest first.
func (s *Store) NACKHistory(limit int) ([]NACKRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, client_id, COALESCE(client_name, ''), phase, at_wall
		 FROM nack_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []NACKRecord
	for rows.Next() {
		var rec NACKRecord
		var atSecs int64
		if err := rows.Scan(&rec.ID, &rec.ClientID, &rec.ClientName, &rec.Phase, &atSecs); err != nil {
			return nil, err
		}
		rec.At = time.Unix(atSecs, 0)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DB exposes the underlying handle so sibling stores (alarms) can share
// the same database file.
func (s *Store) DB() *sql.DB {
	return s.db
}
