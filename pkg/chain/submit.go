package chain

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/propagation"

	"github.com/jdziat/ecoscan/pkg/broker"
	"github.com/jdziat/ecoscan/pkg/core"
	"github.com/jdziat/ecoscan/pkg/reward"
	"github.com/jdziat/ecoscan/pkg/security"
)

// SubmitOption configures Submit.
type SubmitOption func(*submitConfig)

type submitConfig struct {
	pub core.Publisher
}

// NotifyQueued publishes the queued/started frame of the job to pub before the head
// task is handed to the broker. The frame is best effort: the vision stage publishes
// it again and the bus keeps the first copy.
func NotifyQueued(pub core.Publisher) SubmitOption {
	return func(c *submitConfig) {
		c.pub = pub
	}
}

// Submit starts a scan chain by publishing its head task. Missing ids are generated;
// the returned message carries the ids that were used.
func Submit(ctx context.Context, b broker.Broker, msg core.TaskMessage, opts ...SubmitOption) (core.TaskMessage, error) {
	var cfg submitConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	if msg.TaskID == "" {
		msg.TaskID = core.NewTaskID()
	}
	if msg.JobID == "" {
		msg.JobID = core.NewJobID()
	}
	msg.RootTaskID = ""
	if err := security.ValidateTaskID(msg.TaskID); err != nil {
		return msg, err
	}
	if err := security.ValidateJobID(msg.JobID); err != nil {
		return msg, err
	}
	if err := security.ValidateImageURL(msg.ImageURL); err != nil {
		return msg, err
	}

	carrier := propagation.MapCarrier{}
	propagation.TraceContext{}.Inject(ctx, carrier)
	var headers map[string]string
	if tp := carrier.Get("traceparent"); tp != "" {
		msg.Traceparent = tp
		headers = map[string]string{"traceparent": tp}
	}

	body, err := json.Marshal(&msg)
	if err != nil {
		return msg, err
	}
	if err := security.ValidatePayloadSize(body); err != nil {
		return msg, err
	}
	if cfg.pub != nil {
		_, _, _ = cfg.pub.NotifyStage(ctx, msg.JobID, core.StageQueued, core.FrameStarted, core.StageOpts{Progress: core.IntPtr(0)})
	}
	if err := b.Publish(ctx, TaskVision.Queue(), body, headers); err != nil {
		if cfg.pub != nil {
			_, _ = cfg.pub.NotifyFailed(ctx, msg.JobID, core.StageFailedReason(core.StageQueued), "submission failed")
		}
		return msg, fmt.Errorf("chain: submit %s: %w", msg.TaskID, err)
	}
	return msg, nil
}

// RewardPersister hands chat reward decisions to the persist_reward queue so the
// ownership write happens on a chain worker.
type RewardPersister struct {
	broker broker.Broker
}

var _ reward.Persister = (*RewardPersister)(nil)

// NewRewardPersister creates a persister publishing to b.
func NewRewardPersister(b broker.Broker) *RewardPersister {
	return &RewardPersister{broker: b}
}

// PersistReward publishes d as a standalone persist_reward task.
func (p *RewardPersister) PersistReward(ctx context.Context, d reward.Decision) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	msg := core.TaskMessage{TaskID: core.NewTaskID(), UserID: d.UserID, Payload: payload}

	carrier := propagation.MapCarrier{}
	propagation.TraceContext{}.Inject(ctx, carrier)
	var headers map[string]string
	if tp := carrier.Get("traceparent"); tp != "" {
		msg.Traceparent = tp
		headers = map[string]string{"traceparent": tp}
	}

	body, err := json.Marshal(&msg)
	if err != nil {
		return err
	}
	return p.broker.Publish(ctx, TaskPersistReward.Queue(), body, headers)
}
