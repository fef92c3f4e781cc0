package storage

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// PoolConfig sizes the connection pool of a shared database.
type PoolConfig struct {
	// MaxOpenConns bounds open connections. Default: 25
	MaxOpenConns int

	// MaxIdleConns bounds warm connections kept between ticks. Default: 10
	MaxIdleConns int

	// ConnMaxLifetime recycles connections older than this. Default: 5m
	ConnMaxLifetime time.Duration

	// ConnMaxIdleTime closes connections idle longer than this. Default: 1m
	ConnMaxIdleTime time.Duration
}

// DefaultPoolConfig returns the pool used by the system of record.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    10,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: time.Minute,
	}
}

// WorkerPoolConfig sizes the system of record pool for a chain worker running
// concurrency runners on each of tasks queues. Each runner holds at most one
// connection; reconciliation needs one more.
func WorkerPoolConfig(concurrency, tasks int) PoolConfig {
	cfg := DefaultPoolConfig()
	if n := concurrency*tasks + 1; n > 1 {
		cfg.MaxOpenConns = n
		cfg.MaxIdleConns = min(cfg.MaxIdleConns, n)
	}
	return cfg
}

// singleWriterPool keeps one connection open for the life of an embedded log.
// SQLite allows one writer; a second pooled connection would only contend for the lock.
var singleWriterPool = PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}

// Validate reports pool settings database/sql would silently adjust.
func (c PoolConfig) Validate() error {
	if c.MaxOpenConns < 0 || c.MaxIdleConns < 0 {
		return fmt.Errorf("storage: negative pool size")
	}
	if c.MaxOpenConns > 0 && c.MaxIdleConns > c.MaxOpenConns {
		return fmt.Errorf("storage: max idle conns %d exceeds max open conns %d", c.MaxIdleConns, c.MaxOpenConns)
	}
	return nil
}

// PoolOption adjusts a PoolConfig.
type PoolOption interface {
	applyPool(*PoolConfig)
}

type poolOptionFunc func(*PoolConfig)

func (f poolOptionFunc) applyPool(c *PoolConfig) { f(c) }

// MaxOpenConns sets the maximum number of open connections.
func MaxOpenConns(n int) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) { c.MaxOpenConns = n })
}

// MaxIdleConns sets the maximum number of idle connections.
func MaxIdleConns(n int) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) { c.MaxIdleConns = n })
}

// ConnMaxLifetime sets the maximum connection lifetime. Zero keeps connections forever.
func ConnMaxLifetime(d time.Duration) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) { c.ConnMaxLifetime = d })
}

// ConnMaxIdleTime sets the maximum idle time. Zero keeps idle connections forever.
func ConnMaxIdleTime(d time.Duration) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) { c.ConnMaxIdleTime = d })
}

// WithPoolConfig replaces every pool setting with cfg.
func WithPoolConfig(cfg PoolConfig) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) { *c = cfg })
}

// ConfigurePool applies DefaultPoolConfig adjusted by opts to db.
func ConfigurePool(db *gorm.DB, opts ...PoolOption) error {
	cfg := DefaultPoolConfig()
	for _, opt := range opts {
		opt.applyPool(&cfg)
	}
	return applyPool(db, cfg)
}

func applyPool(db *gorm.DB, cfg PoolConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("storage: get *sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	return nil
}
