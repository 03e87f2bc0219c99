package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSQLiteBootstrapsTables(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "replyd.db")
	db, err := OpenSQLite(context.Background(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	for _, table := range []string{
		"messages",
		"automation_attempts",
		"automation_cooldowns",
		"automation_settings",
		"job_queue",
		"job_log",
	} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?;", table).Scan(&name)
		assert.NoError(t, err, "table %q missing", table)
	}
}

func TestOpenSQLiteIsIdempotent(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "nested", "replyd.db")
	db, err := OpenSQLite(context.Background(), dbPath)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = OpenSQLite(context.Background(), dbPath)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestOpenSQLiteRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	_, err := OpenSQLite(context.Background(), "")
	assert.Error(t, err)
}

func TestFormatTimeSortsLexically(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	earlier := FormatTime(base)
	later := FormatTime(base.Add(1500 * time.Millisecond))
	muchLater := FormatTime(base.Add(10 * time.Hour))

	assert.Len(t, earlier, len(TimeLayout))
	assert.Less(t, earlier, later)
	assert.Less(t, later, muchLater)

	parsed, err := ParseTime(later)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(base.Add(1500*time.Millisecond)))
}

func TestParseTimeAcceptsRFC3339(t *testing.T) {
	t.Parallel()

	parsed, err := ParseTime("2024-05-01T09:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, 2024, parsed.Year())
}
