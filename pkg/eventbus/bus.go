package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jdziat/ecoscan/pkg/core"
)

// publishOnceScript appends a stage frame at most once per marker.
// KEYS[1] = shard stream
// KEYS[2] = marker key
// KEYS[3] = first offset key of the job
// ARGV[1] = approximate max stream length
// ARGV[2] = marker ttl in seconds
// ARGV[3..] = frame field/value pairs
var publishOnceScript = redis.NewScript(`
local existing = redis.call("GET", KEYS[2])
if existing then
    return {0, existing}
end

local id = redis.call("XADD", KEYS[1], "MAXLEN", "~", ARGV[1], "*", unpack(ARGV, 3))
redis.call("SET", KEYS[2], id, "EX", ARGV[2])
redis.call("SET", KEYS[3], id, "NX", "EX", ARGV[2])

return {1, id}
`)

// appendScript appends a frame without a marker.
// KEYS[1] = shard stream
// KEYS[2] = first offset key of the job
// ARGV[1] = approximate max stream length
// ARGV[2] = first offset ttl in seconds
// ARGV[3..] = frame field/value pairs
var appendScript = redis.NewScript(`
local id = redis.call("XADD", KEYS[1], "MAXLEN", "~", ARGV[1], "*", unpack(ARGV, 3))
redis.call("SET", KEYS[2], id, "NX", "EX", ARGV[2])
return id
`)

// Bus publishes frames to the sharded streams.
type Bus struct {
	rdb    redis.UniversalClient
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

var _ core.Publisher = (*Bus)(nil)

// New creates a bus over a Redis client.
func New(rdb redis.UniversalClient, opts ...Option) *Bus {
	cfg := buildConfig(opts)
	return &Bus{
		rdb:    rdb,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "eventbus"),
		now:    time.Now,
	}
}

// Config returns the bus configuration.
func (b *Bus) Config() Config {
	return b.cfg
}

// Sequencer returns the per-job clocks used by the bus.
func (b *Bus) Sequencer() *Sequencer {
	return b.cfg.Sequencer
}

// Stream returns the stream key of a job.
func (b *Bus) Stream(jobID string) string {
	return StreamKey(b.cfg.Domain, ShardOf(jobID, b.cfg.Shards))
}

// NotifyStage appends a stage frame unless a frame with the same (job, stage, seq)
// was already published, in which case the stored offset is returned with published=false.
func (b *Bus) NotifyStage(ctx context.Context, jobID string, stage core.Stage, status core.FrameStatus, opts core.StageOpts) (string, bool, error) {
	if jobID == "" {
		return "", false, core.ErrInvalidJobID
	}
	if !stage.Valid() {
		return "", false, fmt.Errorf("%w: %q", core.ErrInvalidStage, stage)
	}
	if !status.Valid() {
		return "", false, fmt.Errorf("%w: %q", core.ErrInvalidStatus, status)
	}

	f := &core.Frame{
		Kind:     core.KindStage,
		JobID:    jobID,
		Stage:    stage,
		Status:   status,
		Seq:      core.StageSeq(stage, status),
		TS:       b.now(),
		Progress: opts.Progress,
		Result:   opts.Result,
		Message:  opts.Message,
	}
	if stage == core.StageNeedsInput {
		f.Kind = core.KindNeedsInput
	}

	args := []any{b.cfg.MaxLen, b.ttlSeconds()}
	args = append(args, flatten(f.Values())...)

	keys := []string{b.Stream(jobID), MarkerKey(b.cfg.Domain, jobID, stage, f.Seq), FirstOffsetKey(b.cfg.Domain, jobID)}
	res, err := publishOnceScript.Run(ctx, b.rdb, keys, args...).Slice()
	if err != nil {
		return "", false, fmt.Errorf("eventbus: publish %s/%s: %w", stage, status, err)
	}
	if len(res) != 2 {
		return "", false, fmt.Errorf("eventbus: unexpected script reply %v", res)
	}

	published, _ := res[0].(int64)
	offset, _ := res[1].(string)

	if published == 1 {
		b.logger.Debug("stage frame published", "job_id", jobID, "stage", stage, "status", status, "seq", f.Seq, "offset", offset)
	} else {
		b.logger.Debug("stage frame already published", "job_id", jobID, "stage", stage, "seq", f.Seq, "offset", offset)
	}
	return offset, published == 1, nil
}

// NotifyToken appends a token frame without an idempotency marker.
func (b *Bus) NotifyToken(ctx context.Context, jobID, content string) (string, error) {
	if jobID == "" {
		return "", core.ErrInvalidJobID
	}
	f := &core.Frame{
		Kind:    core.KindToken,
		JobID:   jobID,
		Seq:     b.cfg.Sequencer.NextToken(jobID),
		TS:      b.now(),
		Content: content,
	}

	args := []any{b.cfg.MaxLen, b.ttlSeconds()}
	args = append(args, flatten(f.Values())...)
	id, err := appendScript.Run(ctx, b.rdb, []string{b.Stream(jobID), FirstOffsetKey(b.cfg.Domain, jobID)}, args...).Text()
	if err != nil {
		return "", fmt.Errorf("eventbus: publish token: %w", err)
	}
	return id, nil
}

type needsInputResult struct {
	InputType      string `json:"input_type"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// NotifyNeedsInput asks the client for more input through a needs_input/waiting frame.
func (b *Bus) NotifyNeedsInput(ctx context.Context, jobID, inputType string, timeoutSeconds int, message string) (string, error) {
	result, err := json.Marshal(needsInputResult{InputType: inputType, TimeoutSeconds: timeoutSeconds})
	if err != nil {
		return "", err
	}
	offset, _, err := b.NotifyStage(ctx, jobID, core.StageNeedsInput, core.FrameWaiting, core.StageOpts{
		Result:  result,
		Message: message,
	})
	return offset, err
}

// NotifyDone closes the job successfully and forgets its counters.
func (b *Bus) NotifyDone(ctx context.Context, jobID string, result json.RawMessage) (string, error) {
	offset, _, err := b.NotifyStage(ctx, jobID, core.StageDone, core.FrameCompleted, core.StageOpts{
		Progress: core.IntPtr(100),
		Result:   result,
	})
	if err == nil {
		b.cfg.Sequencer.Forget(jobID)
	}
	return offset, err
}

type failedResult struct {
	Reason string `json:"reason"`
}

// NotifyFailed closes the job with a reason code and forgets its counters.
func (b *Bus) NotifyFailed(ctx context.Context, jobID string, reason, message string) (string, error) {
	result, err := json.Marshal(failedResult{Reason: reason})
	if err != nil {
		return "", err
	}
	offset, _, err := b.NotifyStage(ctx, jobID, core.StageDone, core.FrameFailed, core.StageOpts{
		Result:  result,
		Message: message,
	})
	if err == nil {
		b.cfg.Sequencer.Forget(jobID)
	}
	return offset, err
}

// ttlSeconds is the marker ttl in whole seconds, at least one.
func (b *Bus) ttlSeconds() int64 {
	return max(int64(b.cfg.MarkerTTL/time.Second), 1)
}

// flatten turns a frame record into sorted field/value script arguments.
func flatten(values map[string]any) []any {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		out = append(out, k, values[k])
	}
	return out
}
