package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// openTestDB opens a database for tests.
// When TEST_DATABASE_URL is set it connects to PostgreSQL; otherwise it
// opens a fresh SQLite file under t.TempDir().
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		dsn = filepath.Join(t.TempDir(), "test.db")
	}
	db, err := Open(dsn, MaxOpenConns(2), MaxIdleConns(1))
	require.NoError(t, err, "open test db")
	t.Cleanup(func() { _ = Close(db) })
	return db
}
