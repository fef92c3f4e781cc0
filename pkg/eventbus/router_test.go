package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/ecoscan/pkg/core"
)

type collector struct {
	mu     sync.Mutex
	frames []*core.Frame
	fail   bool
}

func (c *collector) handle(_ context.Context, f *core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("downstream unavailable")
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func newTestRouter(t *testing.T, rdb *redis.Client, handler FrameHandler, consumer string) *Router {
	t.Helper()
	r, err := NewRouter(rdb, handler,
		WithDomain("test"),
		WithShards(2),
		WithConsumer(consumer),
		WithBlock(10*time.Millisecond),
	)
	require.NoError(t, err)
	require.NoError(t, r.EnsureGroups(context.Background()))
	return r
}

func TestRouter_ReadOnce_HandlesAndAcks(t *testing.T) {
	ctx := context.Background()
	bus, rdb := newTestBus(t)
	c := &collector{}
	r := newTestRouter(t, rdb, c.handle, "r1")

	_, _, err := bus.NotifyStage(ctx, "job1", core.StageQueued, core.FrameStarted, core.StageOpts{})
	require.NoError(t, err)
	_, err = bus.NotifyToken(ctx, "job1", "hello")
	require.NoError(t, err)

	n, err := r.ReadOnce(ctx, bus.Stream("job1"), ">")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Equal(t, 2, c.len())
	assert.Equal(t, core.StageQueued, c.frames[0].Stage)
	assert.NotEmpty(t, c.frames[0].Offset)
	assert.Equal(t, core.KindToken, c.frames[1].Kind)

	pending, err := rdb.XPending(ctx, bus.Stream("job1"), DefaultGroup).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestRouter_SkipsRecentlySeenStageFrames(t *testing.T) {
	ctx := context.Background()
	bus, rdb := newTestBus(t)
	c := &collector{}
	r := newTestRouter(t, rdb, c.handle, "r1")

	f := &core.Frame{Kind: core.KindStage, JobID: "job1", Stage: core.StageRule, Status: core.FrameCompleted, Seq: 31, TS: time.Now()}
	// Two raw appends of the same identity, as after a producer retry that bypassed the marker.
	for i := 0; i < 2; i++ {
		require.NoError(t, rdb.XAdd(ctx, &redis.XAddArgs{Stream: bus.Stream("job1"), Values: f.Values()}).Err())
	}

	_, err := r.ReadOnce(ctx, bus.Stream("job1"), ">")
	require.NoError(t, err)
	assert.Equal(t, 1, c.len())
}

func TestRouter_FailedHandlerLeavesPending(t *testing.T) {
	ctx := context.Background()
	bus, rdb := newTestBus(t)
	c := &collector{fail: true}
	r := newTestRouter(t, rdb, c.handle, "r1")

	_, _, err := bus.NotifyStage(ctx, "job1", core.StageVision, core.FrameStarted, core.StageOpts{})
	require.NoError(t, err)

	n, err := r.ReadOnce(ctx, bus.Stream("job1"), ">")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	pending, err := rdb.XPending(ctx, bus.Stream("job1"), DefaultGroup).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)

	// Restarted consumer drains its pending entries first.
	c.mu.Lock()
	c.fail = false
	c.mu.Unlock()
	n, err = r.ReadOnce(ctx, bus.Stream("job1"), "0")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, c.len())

	pending, err = rdb.XPending(ctx, bus.Stream("job1"), DefaultGroup).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestRouter_AcksMalformedFrames(t *testing.T) {
	ctx := context.Background()
	bus, rdb := newTestBus(t)
	c := &collector{}
	r := newTestRouter(t, rdb, c.handle, "r1")

	require.NoError(t, rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: bus.Stream("job1"),
		Values: map[string]any{"garbage": "1"},
	}).Err())

	n, err := r.ReadOnce(ctx, bus.Stream("job1"), ">")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, c.len())
}

func TestRouter_EnsureGroupsIdempotent(t *testing.T) {
	_, rdb := newTestRedis(t)
	r := newTestRouter(t, rdb, nil, "r1")
	assert.NoError(t, r.EnsureGroups(context.Background()))
}

func TestRouter_RunStopsOnCancel(t *testing.T) {
	bus, rdb := newTestBus(t)
	c := &collector{}
	r, err := NewRouter(rdb, c.handle,
		WithDomain("test"),
		WithShards(2),
		WithConsumer("r1"),
		WithBlock(10*time.Millisecond),
		WithReclaim(0, 0),
	)
	require.NoError(t, err)

	_, _, err = bus.NotifyStage(context.Background(), "job1", core.StageQueued, core.FrameStarted, core.StageOpts{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	assert.Eventually(t, func() bool { return c.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("router did not stop")
	}
}

// =============================================================================
// Failover
// =============================================================================

func TestRouter_ReclaimTakesOverIdleEntries(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	bus := New(rdb, WithDomain("test"), WithShards(2))
	stream := bus.Stream("job1")
	start := time.Now().UTC()
	mr.SetTime(start)

	// r1 reads the frame and dies before acknowledging it.
	dead := &collector{fail: true}
	r1 := newTestRouter(t, rdb, dead.handle, "r1")
	_, _, err := bus.NotifyStage(ctx, "job1", core.StageVision, core.FrameStarted, core.StageOpts{})
	require.NoError(t, err)
	n, err := r1.ReadOnce(ctx, stream, ">")
	require.NoError(t, err)
	require.Equal(t, 0, n)

	alive := &collector{}
	r2, err := NewRouter(rdb, alive.handle,
		WithDomain("test"),
		WithShards(2),
		WithConsumer("r2"),
		WithBlock(10*time.Millisecond),
		WithReclaim(time.Hour, time.Minute),
	)
	require.NoError(t, err)

	n, err = r2.Reclaim(ctx, stream)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "not idle long enough")
	assert.Equal(t, 0, alive.len())

	mr.SetTime(start.Add(2 * time.Minute))
	n, err = r2.Reclaim(ctx, stream)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Equal(t, 1, alive.len())
	assert.Equal(t, core.StageVision, alive.frames[0].Stage)
	assert.Equal(t, "job1", alive.frames[0].JobID)

	pending, err := rdb.XPending(ctx, stream, DefaultGroup).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)

	// nothing is left for r1 once it comes back
	n, err = r1.ReadOnce(ctx, stream, "0")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSubscriber_ResumeAcrossRouterRestartHasNoGap(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bus, rdb := newTestBus(t)
	sub := NewSubscriber(rdb, WithDomain("test"), WithShards(2))
	stream := bus.Stream("job1")

	// First connection, relayed live.
	first := newTestRouter(t, rdb, nil, "r1")
	connCtx, disconnect := context.WithCancel(ctx)
	ch, err := sub.Subscribe(connCtx, "job1", Cursor{})
	require.NoError(t, err)
	_, _, err = bus.NotifyStage(ctx, "job1", core.StageQueued, core.FrameStarted, core.StageOpts{})
	require.NoError(t, err)
	_, _, err = bus.NotifyStage(ctx, "job1", core.StageVision, core.FrameStarted, core.StageOpts{})
	require.NoError(t, err)
	_, err = first.ReadOnce(ctx, stream, ">")
	require.NoError(t, err)

	var cursor Cursor
	for _, f := range drain(t, ch, 2) {
		cursor = cursor.Advance(f)
	}
	disconnect()

	// The router reads the next frame and dies before relaying it.
	crashed := &collector{fail: true}
	dying := newTestRouter(t, rdb, crashed.handle, "r1")
	_, _, err = bus.NotifyStage(ctx, "job1", core.StageVision, core.FrameCompleted, core.StageOpts{})
	require.NoError(t, err)
	n, err := dying.ReadOnce(ctx, stream, ">")
	require.NoError(t, err)
	require.Equal(t, 0, n)

	// The job keeps going while nothing relays.
	_, err = bus.NotifyToken(ctx, "job1", "hi")
	require.NoError(t, err)

	// The client reconnects with its cursor and the router restarts under the same name.
	ch, err = sub.Subscribe(ctx, "job1", cursor)
	require.NoError(t, err)
	restarted := newTestRouter(t, rdb, nil, "r1")
	require.NoError(t, restarted.drainPending(ctx, stream))
	_, err = bus.NotifyDone(ctx, "job1", nil)
	require.NoError(t, err)
	_, err = restarted.ReadOnce(ctx, stream, ">")
	require.NoError(t, err)

	resumed := drain(t, ch, 4)
	require.Len(t, resumed, 4)
	assert.Equal(t, core.StageVision, resumed[0].Stage)
	assert.Equal(t, core.FrameStarted, resumed[0].Status)
	assert.Equal(t, cursor.Stage, resumed[0].Seq, "only the cursor's own seq is replayed")
	assert.Equal(t, core.StageVision, resumed[1].Stage)
	assert.Equal(t, core.FrameCompleted, resumed[1].Status)
	assert.Equal(t, core.KindToken, resumed[2].Kind)
	assert.Equal(t, "hi", resumed[2].Content)
	assert.True(t, resumed[3].IsDone())
	for i := 1; i < len(resumed); i++ {
		assert.Equal(t, -1, compareIDs(resumed[i-1].Offset, resumed[i].Offset), "frames arrive in stream order")
	}

	_, open := <-ch
	assert.False(t, open)
}
