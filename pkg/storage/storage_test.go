package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ──────────────────────────────────────────────────────────────────────────────
// OpenSQLite
// ──────────────────────────────────────────────────────────────────────────────

func TestOpenSQLite_CreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "wal.db")
	db, err := OpenSQLite(path, DefaultSQLiteConfig())
	require.NoError(t, err)
	defer Close(db)

	_, err = os.Stat(path)
	assert.NoError(t, err)
	assert.True(t, IsSQLite(db))
}

func TestOpenSQLite_AppliesPragmas(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "wal.db"), DefaultSQLiteConfig())
	require.NoError(t, err)
	defer Close(db)

	var mode string
	require.NoError(t, db.Raw("PRAGMA journal_mode").Scan(&mode).Error)
	assert.Equal(t, "wal", mode)

	var checkpoint int
	require.NoError(t, db.Raw("PRAGMA wal_autocheckpoint").Scan(&checkpoint).Error)
	assert.Equal(t, 1000, checkpoint)

	var busy int
	require.NoError(t, db.Raw("PRAGMA busy_timeout").Scan(&busy).Error)
	assert.Equal(t, int((5 * time.Second).Milliseconds()), busy)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)
}

func TestOpenSQLite_UnwritableDir(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	_, err := OpenSQLite(filepath.Join(blocker, "wal.db"), DefaultSQLiteConfig())
	assert.Error(t, err)
}

// ──────────────────────────────────────────────────────────────────────────────
// Open
// ──────────────────────────────────────────────────────────────────────────────

func TestOpen_SQLitePath(t *testing.T) {
	db := openTestDB(t)
	if os.Getenv("TEST_DATABASE_URL") == "" {
		assert.True(t, IsSQLite(db))
	}
	assert.NoError(t, db.Exec("SELECT 1").Error)
}

func TestOpen_EmptyDSN(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}

func TestIsPostgresDSN(t *testing.T) {
	assert.True(t, isPostgresDSN("postgres://u:p@localhost/db"))
	assert.True(t, isPostgresDSN("postgresql://localhost/db"))
	assert.True(t, isPostgresDSN("host=localhost user=u dbname=db"))
	assert.False(t, isPostgresDSN("/var/lib/ecoscan/sor.db"))
	assert.False(t, isPostgresDSN("file:sor.db?cache=shared"))
}

func TestIsSQLite_Nil(t *testing.T) {
	assert.False(t, IsSQLite(nil))
	assert.NoError(t, Close(nil))
}
