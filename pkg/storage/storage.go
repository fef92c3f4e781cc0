package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SQLiteConfig holds the pragmas applied to an embedded database.
type SQLiteConfig struct {
	// JournalMode is the journal mode. Default: WAL
	JournalMode string

	// Synchronous is the durability level. Default: NORMAL
	Synchronous string

	// BusyTimeout is how long a writer waits on a locked database. Default: 5s
	BusyTimeout time.Duration

	// AutoCheckpoint is the page count that triggers a WAL checkpoint. Default: 1000
	AutoCheckpoint int
}

// DefaultSQLiteConfig returns the pragmas used for worker-local logs.
func DefaultSQLiteConfig() SQLiteConfig {
	return SQLiteConfig{
		JournalMode:    "WAL",
		Synchronous:    "NORMAL",
		BusyTimeout:    5 * time.Second,
		AutoCheckpoint: 1000,
	}
}

func (c SQLiteConfig) pragmas() []string {
	return []string{
		fmt.Sprintf("PRAGMA journal_mode = %s", c.JournalMode),
		fmt.Sprintf("PRAGMA synchronous = %s", c.Synchronous),
		fmt.Sprintf("PRAGMA busy_timeout = %d", c.BusyTimeout.Milliseconds()),
		fmt.Sprintf("PRAGMA wal_autocheckpoint = %d", c.AutoCheckpoint),
	}
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	}
}

// OpenSQLite opens (creating if needed) a single-file SQLite database at path.
// The parent directory is created. The connection is limited to a single writer.
func OpenSQLite(path string, cfg SQLiteConfig) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: create %s: %w", dir, err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	if err := applyPool(db, singleWriterPool); err != nil {
		return nil, err
	}
	for _, p := range cfg.pragmas() {
		if err := db.Exec(p).Error; err != nil {
			return nil, fmt.Errorf("storage: %s: %w", p, err)
		}
	}
	return db, nil
}

// Open connects to a database. postgres:// and postgresql:// DSNs use the
// PostgreSQL driver; anything else is treated as a SQLite path.
func Open(dsn string, opts ...PoolOption) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("storage: empty dsn")
	}
	if !isPostgresDSN(dsn) {
		return OpenSQLite(dsn, DefaultSQLiteConfig())
	}

	db, err := gorm.Open(postgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("storage: open postgres: %w", err)
	}
	if err := ConfigurePool(db, opts...); err != nil {
		return nil, err
	}
	return db, nil
}

func isPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") ||
		strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=")
}

// IsSQLite reports whether db uses the SQLite dialect.
func IsSQLite(db *gorm.DB) bool {
	return db != nil && db.Dialector.Name() == "sqlite"
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
