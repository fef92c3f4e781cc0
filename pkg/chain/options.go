package chain

import (
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/jdziat/ecoscan/pkg/core"
	"github.com/jdziat/ecoscan/pkg/executor"
	"github.com/jdziat/ecoscan/pkg/security"
)

// DefaultConcurrency is the number of runners per queue.
const DefaultConcurrency = 4

// Option configures a Worker.
type Option interface {
	apply(*Worker)
}

type optionFunc func(*Worker)

func (f optionFunc) apply(w *Worker) { f(w) }

// Concurrency sets the runners of one task queue. Values are clamped to [1, MaxConcurrency];
// zero is kept and stops the worker from consuming that queue.
func Concurrency(t Task, n int) Option {
	return optionFunc(func(w *Worker) {
		if n == 0 {
			w.concurrency[t] = 0
			return
		}
		w.concurrency[t] = security.ClampConcurrency(n)
	})
}

// OnlyTasks restricts the worker to the listed tasks.
func OnlyTasks(tasks ...Task) Option {
	return optionFunc(func(w *Worker) {
		keep := make(map[Task]bool, len(tasks))
		for _, t := range tasks {
			keep[t] = true
		}
		for _, t := range Tasks {
			if !keep[t] {
				w.concurrency[t] = 0
			}
		}
	})
}

// WithExecutor sets the executor that applies stage policies.
func WithExecutor(e *executor.Executor) Option {
	return optionFunc(func(w *Worker) {
		w.exec = e
	})
}

// WithLogger sets the worker logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	})
}

// WithTracer replaces the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return optionFunc(func(w *Worker) {
		if t != nil {
			w.tracer = t
		}
	})
}

// OnEvent registers a lifecycle event handler. Handlers run on the runner goroutine.
func OnEvent(fn func(core.Event)) Option {
	return optionFunc(func(w *Worker) {
		w.hooks = append(w.hooks, fn)
	})
}
