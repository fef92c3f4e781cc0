package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jdziat/ecoscan/pkg/core"
)

const tracerName = "github.com/jdziat/ecoscan/pkg/executor"

// Outcome describes one execution of a node.
type Outcome struct {
	Node     string
	Attempts int
	Duration time.Duration
	Err      error
	Mode     FailureMode
}

// Failed reports whether the node ended in error.
func (o Outcome) Failed() bool {
	return o.Err != nil
}

// RetryInfo is passed to the retry hook before each wait.
type RetryInfo struct {
	Node    string
	Attempt int
	Err     error
	Delay   time.Duration
}

// Executor runs nodes under their policies.
type Executor struct {
	policies *Policies
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
	rnd      func() float64
	onRetry  func(RetryInfo)

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// New creates an executor. A nil policy table uses DefaultPolicies.
func New(policies *Policies, opts ...Option) *Executor {
	if policies == nil {
		policies = DefaultPolicies()
	}
	e := &Executor{
		policies: policies,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
		rnd:      rand.Float64,
		breakers: make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt.apply(e)
	}
	return e
}

// Policy returns the policy applied to node.
func (e *Executor) Policy(node string) Policy {
	return e.policies.For(node)
}

// Breaker returns the breaker of node, creating it on first use.
func (e *Executor) Breaker(node string) *Breaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.breakers[node]
	if !ok {
		b = NewBreaker(e.policies.For(node).Breaker, e.now)
		b.OnStateChange(func(from, to BreakerState) {
			e.logger.Warn("circuit breaker transition", "node", node, "from", from.String(), "to", to.String())
		})
		e.breakers[node] = b
	}
	return b
}

// Execute runs fn under the node's policy. The returned error is the last attempt's
// error, unchanged, and equals Outcome.Err.
func (e *Executor) Execute(ctx context.Context, node string, fn func(context.Context) error) (Outcome, error) {
	policy := e.policies.For(node)
	out := Outcome{Node: node, Mode: policy.FailureMode}

	ctx, span := e.tracer.Start(ctx, "node."+node, trace.WithAttributes(
		attribute.String("node", node),
		attribute.String("failure_mode", string(policy.FailureMode)),
	))
	defer span.End()

	start := e.now()
	budget := policy.AggregateBudget()
	breaker := e.Breaker(node)

	var err error
	for attempt := 1; ; attempt++ {
		if !breaker.Allow() {
			if err == nil {
				err = fmt.Errorf("%s: %w", node, core.ErrCircuitOpen)
			}
			break
		}

		timeout := policy.Timeout
		if remaining := budget - e.now().Sub(start); budget > 0 && remaining < timeout {
			timeout = remaining
		}
		out.Attempts = attempt
		err = e.attempt(ctx, node, timeout, fn)
		if errors.Is(err, context.Canceled) {
			breaker.Release()
		} else {
			breaker.Record(err == nil)
		}
		if err == nil {
			break
		}

		kind := core.Classify(err)
		if !kind.Retryable() || attempt >= policy.MaxAttempts || ctx.Err() != nil {
			break
		}

		delay := policy.Backoff.Delay(attempt, e.rnd)
		var ra *core.RetryAfterError
		if errors.As(err, &ra) && ra.Delay > 0 {
			delay = ra.Delay
		}
		if elapsed := e.now().Sub(start); budget > 0 && elapsed+delay >= budget {
			e.logger.Debug("retry budget exhausted", "node", node, "attempt", attempt, "elapsed", elapsed)
			break
		}

		e.logger.Debug("retrying node", "node", node, "attempt", attempt, "delay", delay, "error", err)
		info := RetryInfo{Node: node, Attempt: attempt, Err: err, Delay: delay}
		if e.onRetry != nil {
			e.onRetry(info)
		}
		if hook, ok := ctx.Value(retryHookKey{}).(func(RetryInfo)); ok {
			hook(info)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			err = ctx.Err()
		case <-timer.C:
		}
		if ctx.Err() != nil {
			break
		}
	}

	out.Err = err
	out.Duration = e.now().Sub(start)
	span.SetAttributes(attribute.Int("attempts", out.Attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(core.Classify(err)))
	}
	return out, err
}

// attempt runs fn once with a hard deadline. fn keeps running in the background if it
// ignores its context; its result is discarded.
func (e *Executor) attempt(ctx context.Context, node string, timeout time.Duration, fn func(context.Context) error) (err error) {
	if timeout <= 0 {
		return &core.TimeoutError{Node: node, Timeout: timeout}
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- core.NoRetry(fmt.Errorf("%s: panic: %v", node, r))
			}
		}()
		done <- fn(attemptCtx)
	}()

	select {
	case err = <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return &core.TimeoutError{Node: node, Timeout: timeout}
		}
		return err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &core.TimeoutError{Node: node, Timeout: timeout}
	}
}

// Run executes a value-returning node. On failure the zero value is returned.
func Run[T any](ctx context.Context, e *Executor, node string, fn func(context.Context) (T, error)) (T, Outcome, error) {
	var (
		mu     sync.Mutex
		result T
	)
	out, err := e.Execute(ctx, node, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		// an abandoned attempt finishing late must not overwrite the result
		if ctx.Err() != nil {
			return ctx.Err()
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, out, err
	}
	mu.Lock()
	defer mu.Unlock()
	return result, out, nil
}
