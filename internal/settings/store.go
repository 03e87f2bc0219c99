// Package settings stores operator-editable automation settings such as reply
// templates and the comment keyword. Values live in SQLite so they can change
// without a redeploy; reads go through a short TTL cache that Set invalidates.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mattjoyce/replyd/internal/storage"
)

// Well-known keys.
const (
	KeyCommentKeyword       = "comment_keyword"
	KeyStoryReplyTemplate   = "story_reply_template"
	KeyStoryMentionTemplate = "story_mention_template"
	KeyCommentDMTemplate    = "comment_dm_template"
	KeyWelcomeDMTemplate    = "welcome_dm_template"
	KeyWelcomeDMDelay       = "welcome_dm_delay"
)

// Known returns the well-known keys in display order.
func Known() []string {
	return []string{
		KeyCommentKeyword,
		KeyStoryReplyTemplate,
		KeyStoryMentionTemplate,
		KeyCommentDMTemplate,
		KeyWelcomeDMTemplate,
		KeyWelcomeDMDelay,
	}
}

// TemplateKey returns the settings key holding the template for action.
func TemplateKey(action string) string {
	return action + "_template"
}

// Setting is one stored key/value pair.
type Setting struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

type cacheEntry struct {
	value   string
	present bool
	loaded  time.Time
}

// Store reads and writes automation settings.
type Store struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewStore creates a settings store. A ttl of zero disables caching.
func NewStore(db *sql.DB, ttl time.Duration) *Store {
	return &Store{
		db:    db,
		ttl:   ttl,
		now:   time.Now,
		cache: make(map[string]cacheEntry),
	}
}

// Get returns the value for key and whether it is set. Empty values count as unset.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	if v, ok, hit := s.cached(key); hit {
		return v, ok, nil
	}

	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM automation_settings WHERE key = ?;`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		s.store(key, "", false)
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %q: %w", key, err)
	}

	present := value != ""
	s.store(key, value, present)
	return value, present, nil
}

// Set writes key and invalidates its cached value.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("setting key is empty")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO automation_settings(key, value, updated_at)
VALUES(?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
  value = excluded.value,
  updated_at = excluded.updated_at;
`, key, value, storage.FormatTime(s.now()))
	if err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}
	s.Invalidate(key)
	return nil
}

// SeedDefaults writes each value whose key is not stored yet. Existing values win.
func (s *Store) SeedDefaults(ctx context.Context, defaults map[string]string) (int, error) {
	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	seeded := 0
	for _, k := range keys {
		res, err := s.db.ExecContext(ctx, `
INSERT INTO automation_settings(key, value, updated_at)
VALUES(?, ?, ?)
ON CONFLICT(key) DO NOTHING;
`, k, defaults[k], storage.FormatTime(s.now()))
		if err != nil {
			return seeded, fmt.Errorf("seed setting %q: %w", k, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			seeded++
			s.Invalidate(k)
		}
	}
	return seeded, nil
}

// List returns all settings ordered by key.
func (s *Store) List(ctx context.Context) ([]Setting, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, updated_at FROM automation_settings ORDER BY key ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	var out []Setting
	for rows.Next() {
		var (
			st        Setting
			updatedAt string
		)
		if err := rows.Scan(&st.Key, &st.Value, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		if t, err := storage.ParseTime(updatedAt); err == nil {
			st.UpdatedAt = t
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Invalidate drops cached values. With no keys the whole cache is cleared.
func (s *Store) Invalidate(keys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(keys) == 0 {
		s.cache = make(map[string]cacheEntry)
		return
	}
	for _, k := range keys {
		delete(s.cache, k)
	}
}

func (s *Store) cached(key string) (string, bool, bool) {
	if s.ttl <= 0 {
		return "", false, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[key]
	if !ok || s.now().Sub(e.loaded) >= s.ttl {
		return "", false, false
	}
	return e.value, e.present, true
}

func (s *Store) store(key, value string, present bool) {
	if s.ttl <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[key] = cacheEntry{value: value, present: present, loaded: s.now()}
}
