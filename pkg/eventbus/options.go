package eventbus

import (
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Defaults
const (
	DefaultDomain          = "scan"
	DefaultShards          = 4
	DefaultMaxLen          = 10000
	DefaultMarkerTTL       = 2 * time.Hour
	DefaultGroup           = "router"
	DefaultBlock           = 2 * time.Second
	DefaultBatch           = 100
	DefaultReclaimInterval = 30 * time.Second
	DefaultReclaimMinIdle  = 60 * time.Second
	DefaultSeenSize        = 10000
)

// Config holds event bus, router and subscriber settings.
type Config struct {
	Domain    string
	Shards    int
	MaxLen    int64
	MarkerTTL time.Duration

	Group           string
	Consumer        string
	Block           time.Duration
	Batch           int64
	ReclaimInterval time.Duration
	ReclaimMinIdle  time.Duration
	SeenSize        int

	Sequencer *Sequencer
	Logger    *slog.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	host, _ := os.Hostname()
	return Config{
		Domain:          DefaultDomain,
		Shards:          DefaultShards,
		MaxLen:          DefaultMaxLen,
		MarkerTTL:       DefaultMarkerTTL,
		Group:           DefaultGroup,
		Consumer:        fmt.Sprintf("%s-%d", host, os.Getpid()),
		Block:           DefaultBlock,
		Batch:           DefaultBatch,
		ReclaimInterval: DefaultReclaimInterval,
		ReclaimMinIdle:  DefaultReclaimMinIdle,
		SeenSize:        DefaultSeenSize,
	}
}

// Option configures the event bus components.
type Option interface {
	apply(*Config)
}

type optionFunc func(*Config)

func (f optionFunc) apply(c *Config) { f(c) }

func buildConfig(opts []Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	if cfg.Shards < 1 {
		cfg.Shards = 1
	}
	if cfg.Sequencer == nil {
		cfg.Sequencer = NewBoundedSequencer(DefaultSequencerSize, cfg.MarkerTTL)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// WithDomain sets the key prefix of streams and markers.
func WithDomain(domain string) Option {
	return optionFunc(func(c *Config) {
		c.Domain = domain
	})
}

// WithShards sets the number of shard streams.
func WithShards(n int) Option {
	return optionFunc(func(c *Config) {
		c.Shards = n
	})
}

// WithMaxLen sets the approximate stream retention length.
func WithMaxLen(n int64) Option {
	return optionFunc(func(c *Config) {
		if n > 0 {
			c.MaxLen = n
		}
	})
}

// WithMarkerTTL sets how long idempotency markers live.
func WithMarkerTTL(d time.Duration) Option {
	return optionFunc(func(c *Config) {
		if d > 0 {
			c.MarkerTTL = d
		}
	})
}

// WithConsumer sets the router consumer name.
func WithConsumer(name string) Option {
	return optionFunc(func(c *Config) {
		c.Consumer = name
	})
}

// WithGroup sets the router consumer group.
func WithGroup(group string) Option {
	return optionFunc(func(c *Config) {
		c.Group = group
	})
}

// WithBlock sets how long a router read blocks waiting for frames.
func WithBlock(d time.Duration) Option {
	return optionFunc(func(c *Config) {
		c.Block = d
	})
}

// WithReclaim sets the pending-entry reclaim interval and minimum idle time.
func WithReclaim(interval, minIdle time.Duration) Option {
	return optionFunc(func(c *Config) {
		c.ReclaimInterval = interval
		c.ReclaimMinIdle = minIdle
	})
}

// WithSeenSize sets the capacity of the router's recently-seen cache.
func WithSeenSize(n int) Option {
	return optionFunc(func(c *Config) {
		c.SeenSize = n
	})
}

// WithSequencer shares a sequencer between components.
func WithSequencer(s *Sequencer) Option {
	return optionFunc(func(c *Config) {
		c.Sequencer = s
	})
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(c *Config) {
		c.Logger = l
	})
}
