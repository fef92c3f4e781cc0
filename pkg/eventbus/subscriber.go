package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/jdziat/ecoscan/pkg/core"
)

// Cursor is the resume position of a client: the highest stage seq and token seq seen.
type Cursor struct {
	Stage uint64
	Token uint64
}

// String renders the cursor as an SSE event id.
func (c Cursor) String() string {
	return fmt.Sprintf("%d:%d", c.Stage, c.Token)
}

// Advance returns the cursor moved past f.
func (c Cursor) Advance(f *core.Frame) Cursor {
	if f.Kind == core.KindToken {
		if f.Seq > c.Token {
			c.Token = f.Seq
		}
		return c
	}
	if f.Seq > c.Stage {
		c.Stage = f.Seq
	}
	return c
}

// Admits reports whether f lies after the cursor. Stage frames at the cursor's seq are
// replayed since parallel stages share a seq and clients drop duplicates by (stage, seq).
func (c Cursor) Admits(f *core.Frame) bool {
	if f.Kind == core.KindToken {
		return f.Seq > c.Token
	}
	return f.Seq >= c.Stage
}

// ParseCursor accepts "<stage>:<token>" or a single seq. A single value at or above the
// token floor is a token seq.
func ParseCursor(s string) (Cursor, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Cursor{}, nil
	}
	stage, token, found := strings.Cut(s, ":")
	a, err := strconv.ParseUint(stage, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("eventbus: bad cursor %q: %w", s, err)
	}
	if !found {
		if a >= core.TokenSeqFloor {
			return Cursor{Token: a}, nil
		}
		return Cursor{Stage: a}, nil
	}
	b, err := strconv.ParseUint(token, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("eventbus: bad cursor %q: %w", s, err)
	}
	return Cursor{Stage: a, Token: b}, nil
}

// Subscriber serves per-job frame streams to the gateway.
type Subscriber struct {
	rdb    redis.UniversalClient
	cfg    Config
	logger *slog.Logger
}

// NewSubscriber creates a subscriber.
func NewSubscriber(rdb redis.UniversalClient, opts ...Option) *Subscriber {
	cfg := buildConfig(opts)
	return &Subscriber{
		rdb:    rdb,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "subscriber"),
	}
}

// History returns the retained frames of a job in stream order. The read starts at
// the job's first offset; when that key has expired the whole shard is scanned.
func (s *Subscriber) History(ctx context.Context, jobID string) ([]*core.Frame, error) {
	stream := StreamKey(s.cfg.Domain, ShardOf(jobID, s.cfg.Shards))
	start, err := s.rdb.Get(ctx, FirstOffsetKey(s.cfg.Domain, jobID)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		start = "-"
	case err != nil:
		return nil, fmt.Errorf("eventbus: history of %s: %w", jobID, err)
	}
	msgs, err := s.rdb.XRange(ctx, stream, start, "+").Result()
	if err != nil {
		return nil, fmt.Errorf("eventbus: history of %s: %w", jobID, err)
	}

	var frames []*core.Frame
	for _, msg := range msgs {
		if msg.Values["job_id"] != jobID {
			continue
		}
		f, err := core.FrameFromValues(msg.Values)
		if err != nil {
			s.logger.Warn("skipping malformed frame", "id", msg.ID, "error", err)
			continue
		}
		f.Offset = msg.ID
		frames = append(frames, f)
	}
	return frames, nil
}

// Subscribe returns the frames of a job after the cursor: history first, then live
// frames. The live subscription is opened before history is read so nothing published
// in between is lost. The channel closes after a done frame or when ctx ends.
func (s *Subscriber) Subscribe(ctx context.Context, jobID string, from Cursor) (<-chan *core.Frame, error) {
	ps := s.rdb.Subscribe(ctx, ChannelKey(jobID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("eventbus: subscribe %s: %w", jobID, err)
	}
	live := ps.Channel()

	history, err := s.History(ctx, jobID)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}

	out := make(chan *core.Frame, 64)
	go func() {
		defer close(out)
		defer ps.Close()

		send := func(f *core.Frame) bool {
			select {
			case out <- f:
				return true
			case <-ctx.Done():
				return false
			}
		}

		lastOffset := ""
		for _, f := range history {
			lastOffset = f.Offset
			if !from.Admits(f) {
				continue
			}
			if !send(f) || f.IsDone() {
				return
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-live:
				if !ok {
					return
				}
				f, err := decodeEnvelope([]byte(msg.Payload))
				if err != nil {
					s.logger.Warn("skipping malformed live frame", "job_id", jobID, "error", err)
					continue
				}
				if lastOffset != "" && f.Offset != "" && compareIDs(f.Offset, lastOffset) <= 0 {
					continue
				}
				if !from.Admits(f) {
					continue
				}
				if !send(f) || f.IsDone() {
					return
				}
			}
		}
	}()
	return out, nil
}
