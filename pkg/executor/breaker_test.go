package executor

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	t time.Time
}

func (c *manualClock) Now() time.Time { return c.t }

func (c *manualClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func testBreaker(clock *manualClock) *Breaker {
	return NewBreaker(BreakerPolicy{
		Window:      10 * time.Second,
		MinRequests: 4,
		FailureRate: 0.5,
		Cooldown:    5 * time.Second,
	}, clock.Now)
}

func TestBreaker_StaysClosedBelowMinRequests(t *testing.T) {
	clock := &manualClock{t: time.Unix(1000, 0)}
	b := testBreaker(clock)

	for i := 0; i < 3; i++ {
		require.True(t, b.Allow())
		b.Record(false)
	}
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_OpensAboveFailureRate(t *testing.T) {
	clock := &manualClock{t: time.Unix(1000, 0)}
	b := testBreaker(clock)

	b.Record(true)
	b.Record(false)
	b.Record(false)
	assert.Equal(t, BreakerClosed, b.State())
	b.Record(false)

	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreaker_ExactRateDoesNotOpen(t *testing.T) {
	clock := &manualClock{t: time.Unix(1000, 0)}
	b := testBreaker(clock)

	b.Record(true)
	b.Record(true)
	b.Record(false)
	b.Record(false)

	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_WindowSlides(t *testing.T) {
	clock := &manualClock{t: time.Unix(1000, 0)}
	b := testBreaker(clock)

	b.Record(false)
	b.Record(false)
	b.Record(false)
	clock.Advance(11 * time.Second)
	b.Record(false)

	s, f := b.Counts()
	assert.Equal(t, 0, s)
	assert.Equal(t, 1, f)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_HalfOpenSingleTrial(t *testing.T) {
	clock := &manualClock{t: time.Unix(1000, 0)}
	b := testBreaker(clock)
	for i := 0; i < 4; i++ {
		b.Record(false)
	}
	require.Equal(t, BreakerOpen, b.State())

	clock.Advance(5 * time.Second)
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.True(t, b.Allow())
	assert.False(t, b.Allow(), "only one trial call in half open")

	b.Record(true)
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreaker_FailedTrialReopens(t *testing.T) {
	clock := &manualClock{t: time.Unix(1000, 0)}
	b := testBreaker(clock)
	for i := 0; i < 4; i++ {
		b.Record(false)
	}
	clock.Advance(5 * time.Second)
	require.True(t, b.Allow())

	b.Record(false)
	assert.Equal(t, BreakerOpen, b.State())

	clock.Advance(4 * time.Second)
	assert.False(t, b.Allow())
	clock.Advance(time.Second)
	assert.True(t, b.Allow())
}

func TestBreaker_ReleasedTrialAdmitsNext(t *testing.T) {
	clock := &manualClock{t: time.Unix(1000, 0)}
	b := testBreaker(clock)
	for i := 0; i < 4; i++ {
		b.Record(false)
	}
	clock.Advance(5 * time.Second)
	require.True(t, b.Allow())
	require.False(t, b.Allow())

	b.Release()
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.True(t, b.Allow(), "a released trial frees the slot")

	b.Record(true)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_ReleaseWhenClosedIsNoop(t *testing.T) {
	clock := &manualClock{t: time.Unix(1000, 0)}
	b := testBreaker(clock)
	b.Release()
	assert.Equal(t, BreakerClosed, b.State())
	s, f := b.Counts()
	assert.Zero(t, s+f)
}

func TestBreaker_DisabledAlwaysAllows(t *testing.T) {
	b := NewBreaker(BreakerPolicy{}, nil)
	for i := 0; i < 100; i++ {
		b.Record(false)
	}
	assert.True(t, b.Allow())
	assert.Equal(t, BreakerClosed, b.State())
}

var allowedTransitions = map[[2]BreakerState]bool{
	{BreakerClosed, BreakerOpen}:     true,
	{BreakerOpen, BreakerHalfOpen}:   true,
	{BreakerHalfOpen, BreakerClosed}: true,
	{BreakerHalfOpen, BreakerOpen}:   true,
}

// Each Allow or Record call moves the breaker at most one step along its state graph.
func TestBreaker_TransitionsMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("every tick takes at most one legal step", prop.ForAll(
		func(ops []int) bool {
			clock := &manualClock{t: time.Unix(1000, 0)}
			b := testBreaker(clock)
			steps := 0
			legal := true
			b.OnStateChange(func(from, to BreakerState) {
				steps++
				if !allowedTransitions[[2]BreakerState{from, to}] {
					legal = false
				}
			})

			for _, op := range ops {
				steps = 0
				switch op % 4 {
				case 0:
					b.Allow()
				case 1:
					b.Record(true)
				case 2:
					b.Record(false)
				case 3:
					clock.Advance(time.Duration(op) * 100 * time.Millisecond)
				}
				if steps > 1 || !legal {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 199)),
	))

	properties.TestingRun(t)
}
