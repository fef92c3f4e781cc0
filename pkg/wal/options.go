package wal

import (
	"log/slog"
	"os"
	"time"

	"github.com/jdziat/ecoscan/pkg/storage"
)

// Config holds WAL settings.
type Config struct {
	WorkerName string
	SQLite     storage.SQLiteConfig
	Logger     *slog.Logger
	Now        func() time.Time
}

// DefaultConfig returns the default WAL configuration.
func DefaultConfig() Config {
	host, _ := os.Hostname()
	return Config{
		WorkerName: host,
		SQLite:     storage.DefaultSQLiteConfig(),
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

// Option configures the WAL.
type Option interface {
	apply(*Config)
}

type optionFunc func(*Config)

func (f optionFunc) apply(c *Config) { f(c) }

// WithWorkerName sets the provenance recorded on every row.
func WithWorkerName(name string) Option {
	return optionFunc(func(c *Config) {
		c.WorkerName = name
	})
}

// WithBusyTimeout sets how long writers wait on a locked file.
func WithBusyTimeout(d time.Duration) Option {
	return optionFunc(func(c *Config) {
		c.SQLite.BusyTimeout = d
	})
}

// WithAutoCheckpoint sets the page count that triggers an automatic checkpoint.
func WithAutoCheckpoint(pages int) Option {
	return optionFunc(func(c *Config) {
		c.SQLite.AutoCheckpoint = pages
	})
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(c *Config) {
		c.Logger = l
	})
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(c *Config) {
		c.Now = now
	})
}
