// Package cooldown suppresses repeat automated replies per subject and action.
//
// An entry is active while its expiry lies in the future. Entries are never
// updated; they lapse by time comparison. Purge removes long-expired rows as
// housekeeping and plays no part in correctness.
package cooldown

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattjoyce/replyd/internal/storage"
)

// DefaultTTL is the suppression window applied after a successful send.
const DefaultTTL = 12 * time.Hour

// Store persists cooldown entries in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a cooldown store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// SetClock replaces the time source. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// IsActive reports whether an unexpired entry exists for (subject, action).
func (s *Store) IsActive(ctx context.Context, subject, action string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
SELECT 1 FROM automation_cooldowns
WHERE subject_id = ? AND action_kind = ? AND expires_at > ?
LIMIT 1;
`, subject, action, storage.FormatTime(s.now())).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query cooldown: %w", err)
	}
	return true, nil
}

// Record inserts an entry expiring ttl from now unless an active entry
// already exists. The check and insert are one statement, so concurrent
// callers cannot both succeed. It reports whether a row was written.
func (s *Store) Record(ctx context.Context, subject, action string, ttl time.Duration) (bool, error) {
	if subject == "" || action == "" {
		return false, fmt.Errorf("record cooldown: subject and action are required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := s.now()
	nowStr := storage.FormatTime(now)
	res, err := s.db.ExecContext(ctx, `
INSERT INTO automation_cooldowns(id, subject_id, action_kind, expires_at, created_at)
SELECT ?, ?, ?, ?, ?
WHERE NOT EXISTS (
  SELECT 1 FROM automation_cooldowns
  WHERE subject_id = ? AND action_kind = ? AND expires_at > ?
);
`, uuid.NewString(), subject, action, storage.FormatTime(now.Add(ttl)), nowStr,
		subject, action, nowStr)
	if err != nil {
		return false, fmt.Errorf("insert cooldown: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cooldown rows affected: %w", err)
	}
	return n == 1, nil
}

// Purge deletes entries that expired before cutoff and returns how many went.
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM automation_cooldowns WHERE expires_at <= ?;`,
		storage.FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge cooldowns: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge rows affected: %w", err)
	}
	return n, nil
}

// ActiveUntil returns the latest expiry for (subject, action), or the zero
// time when no entry is active.
func (s *Store) ActiveUntil(ctx context.Context, subject, action string) (time.Time, error) {
	var expires sql.NullString
	err := s.db.QueryRowContext(ctx, `
SELECT MAX(expires_at) FROM automation_cooldowns
WHERE subject_id = ? AND action_kind = ? AND expires_at > ?;
`, subject, action, storage.FormatTime(s.now())).Scan(&expires)
	if err != nil {
		return time.Time{}, fmt.Errorf("query cooldown expiry: %w", err)
	}
	if !expires.Valid {
		return time.Time{}, nil
	}
	return storage.ParseTime(expires.String)
}
