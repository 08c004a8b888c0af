// Package alarm keeps the RTC wakeup alarm table. The suspend core only
// consults NextWakeup: the idle monitor refuses to start a suspend attempt
// when an alarm is about to fire, and the orchestrator programs the next
// wakeup right before committing to sleep.
package alarm

import (
	"database/sql"
	"fmt"
	"sync"
	"time"
)

const schema = `
CREATE TABLE IF NOT EXISTS alarms (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    key         TEXT NOT NULL,
    app_id      TEXT,
    expiry_wall INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alarms_expiry ON alarms(expiry_wall);
`

// Alarm is one scheduled RTC wakeup.
type Alarm struct {
	ID     int64
	Key    string
	AppID  string
	Expiry time.Time
}

// Store is the SQLite-backed alarm table. It shares the daemon's
// bookkeeping database.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// NewStore applies the alarm schema on db and returns the store.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply alarm schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Add schedules a wakeup and returns its id.
func (s *Store) Add(key, appID string, expiry time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`INSERT INTO alarms (key, app_id, expiry_wall) VALUES (?, ?, ?)`,
		key, appID, expiry.Unix(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Remove deletes the alarm with the given id. No-op if absent.
func (s *Store) Remove(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM alarms WHERE id = ?`, id)
	return err
}

// RemoveExpired drops alarms that already fired.
func (s *Store) RemoveExpired(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM alarms WHERE expiry_wall <= ?`, now.Unix())
	return err
}

// NextWakeup returns the earliest pending wakeup at or after now.
func (s *Store) NextWakeup(now time.Time) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var secs int64
	err := s.db.QueryRow(
		`SELECT expiry_wall FROM alarms WHERE expiry_wall > ? ORDER BY expiry_wall ASC LIMIT 1`,
		now.Unix(),
	).Scan(&secs)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(secs, 0), true
}

// Pending returns all not-yet-fired alarms ordered by expiry.
func (s *Store) Pending(now time.Time) ([]Alarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT id, key, COALESCE(app_id, ''), expiry_wall
		 FROM alarms WHERE expiry_wall > ? ORDER BY expiry_wall ASC`, now.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Alarm
	for rows.Next() {
		var a Alarm
		var secs int64
		if err := rows.Scan(&a.ID, &a.Key, &a.AppID, &secs); err != nil {
			return nil, err
		}
		a.Expiry = time.Unix(secs, 0)
		out = append(out, a)
	}
	return out, rows.Err()
}
