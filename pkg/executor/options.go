package executor

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Option configures an Executor.
type Option interface {
	apply(*Executor)
}

type optionFunc func(*Executor)

func (f optionFunc) apply(e *Executor) { f(e) }

// WithLogger sets the executor logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	})
}

// WithTracer replaces the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return optionFunc(func(e *Executor) {
		if t != nil {
			e.tracer = t
		}
	})
}

// WithClock sets the time source used for budgets and breakers.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(e *Executor) {
		if now != nil {
			e.now = now
		}
	})
}

// WithJitterSource sets the random source for backoff jitter. nil disables jitter.
func WithJitterSource(rnd func() float64) Option {
	return optionFunc(func(e *Executor) {
		e.rnd = rnd
	})
}

// OnRetry registers a hook called before each backoff wait.
func OnRetry(fn func(RetryInfo)) Option {
	return optionFunc(func(e *Executor) {
		e.onRetry = fn
	})
}

type retryHookKey struct{}

// WithRetryHook returns a context whose executions also report retries to fn. It scopes
// a hook to one caller, such as a task that records its own retry count.
func WithRetryHook(ctx context.Context, fn func(RetryInfo)) context.Context {
	return context.WithValue(ctx, retryHookKey{}, fn)
}
