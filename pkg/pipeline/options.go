package pipeline

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jdziat/ecoscan/pkg/executor"
)

// Defaults
const (
	DefaultDeadline        = 90 * time.Second
	DefaultLocationTimeout = 60
	DefaultSearchRadiusM   = 2000
	DefaultFinalizeTimeout = 5 * time.Second
	DefaultLocationPrompt  = "To find places near you, please share your location."
)

// Config holds pipeline settings.
type Config struct {
	// Deadline is the global budget of a request without an explicit deadline.
	Deadline time.Duration

	// LocationTimeout is the timeout_seconds announced with a location request.
	LocationTimeout int
	LocationPrompt  string
	SearchRadiusM   int

	// Feedback enables the self-critique node on complex queries.
	Feedback bool

	// FinalizeTimeout bounds the closing frames written after cancellation.
	FinalizeTimeout time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Deadline:        DefaultDeadline,
		LocationTimeout: DefaultLocationTimeout,
		LocationPrompt:  DefaultLocationPrompt,
		SearchRadiusM:   DefaultSearchRadiusM,
		Feedback:        true,
		FinalizeTimeout: DefaultFinalizeTimeout,
	}
}

// Clock hands out Lamport sequence numbers per job.
type Clock interface {
	Tick(jobID string) uint64
}

// localClock is the default Clock when the event bus sequencer is not shared.
type localClock struct {
	mu   sync.Mutex
	jobs map[string]uint64
}

func (c *localClock) Tick(jobID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.jobs == nil {
		c.jobs = make(map[string]uint64)
	}
	c.jobs[jobID]++
	return c.jobs[jobID]
}

func (c *localClock) Forget(jobID string) {
	c.mu.Lock()
	delete(c.jobs, jobID)
	c.mu.Unlock()
}

// Option configures a Pipeline.
type Option interface {
	apply(*Pipeline)
}

type optionFunc func(*Pipeline)

func (f optionFunc) apply(p *Pipeline) { f(p) }

// WithExecutor sets the node executor.
func WithExecutor(e *executor.Executor) Option {
	return optionFunc(func(p *Pipeline) {
		if e != nil {
			p.exec = e
		}
	})
}

// WithClock shares a sequence source, typically the event bus sequencer.
func WithClock(c Clock) Option {
	return optionFunc(func(p *Pipeline) {
		if c != nil {
			p.clock = c
		}
	})
}

// WithCheckpointer sets the conversation memory keyed by session id.
func WithCheckpointer(c Checkpointer) Option {
	return optionFunc(func(p *Pipeline) {
		p.checkpointer = c
	})
}

// WithConfig replaces the pipeline configuration.
func WithConfig(cfg Config) Option {
	return optionFunc(func(p *Pipeline) {
		p.cfg = cfg
	})
}

// WithDeadline sets the default global request budget.
func WithDeadline(d time.Duration) Option {
	return optionFunc(func(p *Pipeline) {
		if d > 0 {
			p.cfg.Deadline = d
		}
	})
}

// WithFeedback toggles the self-critique node.
func WithFeedback(enabled bool) Option {
	return optionFunc(func(p *Pipeline) {
		p.cfg.Feedback = enabled
	})
}

// WithLogger sets the pipeline logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	})
}

// WithNow sets the time source.
func WithNow(now func() time.Time) Option {
	return optionFunc(func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	})
}
