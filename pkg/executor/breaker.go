package executor

import (
	"sync"
	"time"
)

// BreakerState is the state of a circuit breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	}
	return "unknown"
}

type sample struct {
	at time.Time
	ok bool
}

// Breaker is a sliding-window circuit breaker.
//
// Closed counts outcomes in the window and opens when the failure rate exceeds the
// threshold with at least MinRequests samples. Open rejects until Cooldown has passed,
// then admits exactly one trial call (half open). Its outcome closes or reopens it.
type Breaker struct {
	mu       sync.Mutex
	policy   BreakerPolicy
	now      func() time.Time
	onChange func(from, to BreakerState)

	state    BreakerState
	openedAt time.Time
	inTrial  bool
	samples  []sample
}

// NewBreaker creates a closed breaker.
func NewBreaker(policy BreakerPolicy, now func() time.Time) *Breaker {
	if now == nil {
		now = time.Now
	}
	return &Breaker{policy: policy, now: now}
}

// OnStateChange registers a callback invoked (under the breaker lock) on each transition.
func (b *Breaker) OnStateChange(fn func(from, to BreakerState)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// State returns the current state, moving Open to HalfOpen once the cooldown has passed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.state
}

// Allow reports whether a call may proceed. In half open only one trial call is admitted.
func (b *Breaker) Allow() bool {
	if !b.policy.Enabled() {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()

	switch b.state {
	case BreakerOpen:
		return false
	case BreakerHalfOpen:
		if b.inTrial {
			return false
		}
		b.inTrial = true
		return true
	}
	return true
}

// Record reports the outcome of a call admitted by Allow.
func (b *Breaker) Record(success bool) {
	if !b.policy.Enabled() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()

	switch b.state {
	case BreakerHalfOpen:
		b.inTrial = false
		if success {
			b.samples = b.samples[:0]
			b.transition(BreakerClosed)
		} else {
			b.openedAt = now
			b.transition(BreakerOpen)
		}
		return
	case BreakerOpen:
		// late result of a call admitted before opening
		return
	}

	b.samples = append(b.samples, sample{at: now, ok: success})
	b.prune(now)
	if b.tripped() {
		b.openedAt = now
		b.transition(BreakerOpen)
	}
}

// Release returns an admission that produced no outcome, such as a call
// cancelled by its caller. A half-open breaker admits the next trial call.
func (b *Breaker) Release() {
	if !b.policy.Enabled() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerHalfOpen {
		b.inTrial = false
	}
}

// Counts returns the successes and failures currently in the window.
func (b *Breaker) Counts() (successes, failures int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(b.now())
	for _, s := range b.samples {
		if s.ok {
			successes++
		} else {
			failures++
		}
	}
	return successes, failures
}

func (b *Breaker) advance() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.policy.Cooldown {
		b.inTrial = false
		b.transition(BreakerHalfOpen)
	}
}

func (b *Breaker) tripped() bool {
	if len(b.samples) < b.policy.MinRequests {
		return false
	}
	failures := 0
	for _, s := range b.samples {
		if !s.ok {
			failures++
		}
	}
	return float64(failures)/float64(len(b.samples)) > b.policy.FailureRate
}

func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.policy.Window)
	i := 0
	for i < len(b.samples) && !b.samples[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		b.samples = append(b.samples[:0], b.samples[i:]...)
	}
}

func (b *Breaker) transition(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onChange != nil {
		b.onChange(from, to)
	}
}
