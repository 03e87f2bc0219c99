package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// TimeLayout is the fixed-width UTC layout used for every timestamp column.
// Fixed width keeps lexical comparison in SQL equal to chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a TimeLayout timestamp. RFC3339 values are accepted too.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := checkLocalFilesystem(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps conditional inserts (cooldowns, dedupe keys) serialized.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
  id              TEXT PRIMARY KEY,
  subject_id      TEXT NOT NULL,
  subject_handle  TEXT,
  avatar_url      TEXT,
  kind            TEXT NOT NULL,
  text            TEXT NOT NULL DEFAULT '',
  media_id        TEXT,
  comment_id      TEXT,
  raw_payload     JSON NOT NULL,
  payload_digest  TEXT NOT NULL UNIQUE,
  synced_to_crm   INTEGER NOT NULL DEFAULT 0,
  created_at      TEXT NOT NULL,
  updated_at      TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS messages_subject_created_at_idx ON messages(subject_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS automation_attempts (
  id            TEXT PRIMARY KEY,
  subject_id    TEXT NOT NULL,
  action_kind   TEXT NOT NULL,
  outcome       TEXT NOT NULL,
  error_detail  TEXT,
  payload       JSON NOT NULL DEFAULT '{}',
  created_at    TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS automation_attempts_created_at_idx ON automation_attempts(created_at);`,
		`CREATE TABLE IF NOT EXISTS automation_cooldowns (
  id           TEXT PRIMARY KEY,
  subject_id   TEXT NOT NULL,
  action_kind  TEXT NOT NULL,
  expires_at   TEXT NOT NULL,
  created_at   TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS automation_cooldowns_subject_action_idx ON automation_cooldowns(subject_id, action_kind, expires_at);`,
		`CREATE TABLE IF NOT EXISTS automation_settings (
  key         TEXT PRIMARY KEY,
  value       TEXT NOT NULL,
  updated_at  TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS job_queue (
  id            TEXT PRIMARY KEY,
  task          TEXT NOT NULL,
  payload       JSON,
  status        TEXT NOT NULL,
  attempt       INTEGER NOT NULL DEFAULT 1,
  max_attempts  INTEGER NOT NULL DEFAULT 4,
  submitted_by  TEXT NOT NULL,
  dedupe_key    TEXT,
  created_at    TEXT NOT NULL,
  run_at        TEXT NOT NULL,
  started_at    TEXT,
  completed_at  TEXT,
  last_error    TEXT
);`,
		`CREATE INDEX IF NOT EXISTS job_queue_status_run_at_idx ON job_queue(status, run_at);`,
		`CREATE INDEX IF NOT EXISTS job_queue_dedupe_key_idx ON job_queue(dedupe_key, status);`,
		`CREATE TABLE IF NOT EXISTS job_log (
  id            TEXT PRIMARY KEY,
  job_id        TEXT NOT NULL,
  task          TEXT NOT NULL,
  status        TEXT NOT NULL,
  attempt       INTEGER NOT NULL,
  submitted_by  TEXT NOT NULL,
  created_at    TEXT NOT NULL,
  completed_at  TEXT NOT NULL,
  last_error    TEXT
);`,
		`CREATE INDEX IF NOT EXISTS job_log_completed_at_idx ON job_log(completed_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
