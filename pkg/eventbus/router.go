package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/jdziat/ecoscan/pkg/core"
)

// FrameHandler receives every frame the router reads. Returning an error leaves the
// entry pending so it is reclaimed later.
type FrameHandler func(ctx context.Context, f *core.Frame) error

// Router relays stream frames to per-job fan-out channels as a member of a consumer group.
type Router struct {
	rdb     redis.UniversalClient
	cfg     Config
	seen    *lru.Cache[string, struct{}]
	handler FrameHandler
	logger  *slog.Logger
}

// NewRouter creates a router. With a nil handler frames are published to
// ChannelKey(job_id).
func NewRouter(rdb redis.UniversalClient, handler FrameHandler, opts ...Option) (*Router, error) {
	cfg := buildConfig(opts)
	size := cfg.SeenSize
	if size < 1 {
		size = DefaultSeenSize
	}
	seen, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("eventbus: seen cache: %w", err)
	}

	r := &Router{
		rdb:    rdb,
		cfg:    cfg,
		seen:   seen,
		logger: cfg.Logger.With("component", "router", "consumer", cfg.Consumer),
	}
	r.handler = handler
	if r.handler == nil {
		r.handler = r.fanOut
	}
	return r, nil
}

// EnsureGroups creates the consumer group on every shard stream.
func (r *Router) EnsureGroups(ctx context.Context) error {
	for shard := 0; shard < r.cfg.Shards; shard++ {
		stream := StreamKey(r.cfg.Domain, shard)
		err := r.rdb.XGroupCreateMkStream(ctx, stream, r.cfg.Group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("eventbus: create group on %s: %w", stream, err)
		}
	}
	return nil
}

// Run reads every shard until ctx is cancelled. Each shard is processed serially
// by its own goroutine.
func (r *Router) Run(ctx context.Context) error {
	if err := r.EnsureGroups(ctx); err != nil {
		return err
	}

	r.logger.Info("router started", "shards", r.cfg.Shards, "group", r.cfg.Group)
	g, gctx := errgroup.WithContext(ctx)
	for shard := 0; shard < r.cfg.Shards; shard++ {
		stream := StreamKey(r.cfg.Domain, shard)
		g.Go(func() error {
			return r.runShard(gctx, stream)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Router) runShard(ctx context.Context, stream string) error {
	// Entries delivered to this consumer before a restart are still pending.
	if err := r.drainPending(ctx, stream); err != nil && ctx.Err() == nil {
		r.logger.Warn("pending drain failed", "stream", stream, "error", err)
	}

	var lastReclaim time.Time
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if r.cfg.ReclaimInterval > 0 && time.Since(lastReclaim) >= r.cfg.ReclaimInterval {
			if _, err := r.Reclaim(ctx, stream); err != nil && ctx.Err() == nil {
				r.logger.Warn("reclaim failed", "stream", stream, "error", err)
			}
			lastReclaim = time.Now()
		}

		if _, err := r.ReadOnce(ctx, stream, ">"); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("read failed", "stream", stream, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}
}

func (r *Router) drainPending(ctx context.Context, stream string) error {
	for {
		n, err := r.ReadOnce(ctx, stream, "0")
		if err != nil || n == 0 {
			return err
		}
	}
}

// ReadOnce performs one group read from stream starting at id (">" for new entries,
// "0" for this consumer's pending entries) and returns the number of entries handled.
func (r *Router) ReadOnce(ctx context.Context, stream, id string) (int, error) {
	block := r.cfg.Block
	if id != ">" {
		block = -1
	}
	res, err := r.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.cfg.Group,
		Consumer: r.cfg.Consumer,
		Streams:  []string{stream, id},
		Count:    r.cfg.Batch,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	handled := 0
	for _, s := range res {
		for _, msg := range s.Messages {
			if r.process(ctx, stream, msg) {
				handled++
			}
		}
	}
	return handled, nil
}

// Reclaim claims entries idle longer than the configured minimum from other consumers
// and processes them.
func (r *Router) Reclaim(ctx context.Context, stream string) (int, error) {
	start := "0-0"
	total := 0
	for {
		msgs, next, err := r.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    r.cfg.Group,
			Consumer: r.cfg.Consumer,
			MinIdle:  r.cfg.ReclaimMinIdle,
			Start:    start,
			Count:    r.cfg.Batch,
		}).Result()
		if err != nil {
			return total, err
		}
		for _, msg := range msgs {
			if r.process(ctx, stream, msg) {
				total++
			}
		}
		if next == "0-0" || next == "" || len(msgs) == 0 {
			break
		}
		start = next
	}
	if total > 0 {
		r.logger.Info("reclaimed pending frames", "stream", stream, "count", total)
	}
	return total, nil
}

// process handles one entry and reports whether it was acknowledged.
func (r *Router) process(ctx context.Context, stream string, msg redis.XMessage) bool {
	f, err := core.FrameFromValues(msg.Values)
	if err != nil {
		r.logger.Warn("dropping malformed frame", "stream", stream, "id", msg.ID, "error", err)
		return r.ack(ctx, stream, msg.ID)
	}
	f.Offset = msg.ID

	identity := ""
	if f.Kind != core.KindToken {
		identity = f.Identity()
		if r.seen.Contains(identity) {
			return r.ack(ctx, stream, msg.ID)
		}
	}

	if err := r.handler(ctx, f); err != nil {
		r.logger.Warn("frame handler failed, leaving pending", "job_id", f.JobID, "id", msg.ID, "error", err)
		return false
	}
	if identity != "" {
		r.seen.Add(identity, struct{}{})
	}
	return r.ack(ctx, stream, msg.ID)
}

func (r *Router) ack(ctx context.Context, stream, id string) bool {
	if err := r.rdb.XAck(ctx, stream, r.cfg.Group, id).Err(); err != nil {
		r.logger.Warn("ack failed", "stream", stream, "id", id, "error", err)
		return false
	}
	return true
}

func (r *Router) fanOut(ctx context.Context, f *core.Frame) error {
	data, err := encodeEnvelope(f)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, ChannelKey(f.JobID), data).Err()
}

// envelope is the fan-out message: the stream record plus its offset.
type envelope struct {
	Offset string            `json:"offset"`
	Values map[string]string `json:"values"`
}

func encodeEnvelope(f *core.Frame) ([]byte, error) {
	values := make(map[string]string)
	for k, v := range f.Values() {
		values[k] = fmt.Sprint(v)
	}
	return json.Marshal(envelope{Offset: f.Offset, Values: values})
}

func decodeEnvelope(data []byte) (*core.Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrMalformedFrame, err)
	}
	values := make(map[string]any, len(env.Values))
	for k, v := range env.Values {
		values[k] = v
	}
	f, err := core.FrameFromValues(values)
	if err != nil {
		return nil, err
	}
	f.Offset = env.Offset
	return f, nil
}
