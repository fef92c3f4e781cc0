package chain

import (
	"encoding/json"
	"fmt"

	"github.com/jdziat/ecoscan/pkg/core"
	"github.com/jdziat/ecoscan/pkg/pipeline"
	"github.com/jdziat/ecoscan/pkg/reward"
	"github.com/jdziat/ecoscan/pkg/security"
)

// Task names one stage of the scan chain.
type Task string

const (
	TaskVision        Task = "vision"
	TaskRule          Task = "rule"
	TaskAnswer        Task = "answer"
	TaskReward        Task = "reward"
	TaskPersistReward Task = "persist_reward"
)

// Tasks lists the chain in order.
var Tasks = []Task{TaskVision, TaskRule, TaskAnswer, TaskReward, TaskPersistReward}

// QueuePrefix is prepended to task names to form broker queue names.
const QueuePrefix = "scan."

// Queue returns the broker queue of the task.
func (t Task) Queue() string {
	return QueuePrefix + string(t)
}

// Stage returns the event bus stage of the task. persist_reward is never shown to clients.
func (t Task) Stage() (core.Stage, bool) {
	switch t {
	case TaskVision:
		return core.StageVision, true
	case TaskRule:
		return core.StageRule, true
	case TaskAnswer:
		return core.StageAnswer, true
	case TaskReward:
		return core.StageReward, true
	}
	return core.Stage(t), false
}

// Next returns the task that follows t unconditionally. reward is followed by
// persist_reward only when the decision grants a character.
func (t Task) Next() (Task, bool) {
	switch t {
	case TaskVision:
		return TaskRule, true
	case TaskRule:
		return TaskAnswer, true
	case TaskAnswer:
		return TaskReward, true
	}
	return "", false
}

// ChildTaskID derives the id of a downstream task. The same root always yields the same
// child id, so a republished stage is caught by the WAL as a duplicate.
func ChildTaskID(root string, t Task) string {
	return root + "." + string(t)
}

// Record is the cumulative output of the chain. Each stage receives the record of the
// previous stage as its payload and returns it extended.
type Record struct {
	Classification  *pipeline.VisionResult  `json:"classification,omitempty"`
	DisposalRules   *pipeline.DisposalRules `json:"disposal_rules"`
	Answer          string                  `json:"answer,omitempty"`
	Insufficiencies []string                `json:"insufficiencies,omitempty"`
	Reward          *reward.PublicDecision  `json:"reward,omitempty"`
}

// Claim builds the reward claim of the record.
func (r Record) Claim(userID string) reward.Claim {
	c := reward.Claim{
		Source:          reward.SourceScan,
		UserID:          userID,
		RulesFound:      r.DisposalRules != nil,
		Insufficiencies: r.Insufficiencies,
	}
	if v := r.Classification; v != nil {
		c.MajorCategory, c.MiddleCategory, c.MinorCategory = v.MajorCategory, v.MiddleCategory, v.MinorCategory
	}
	return c
}

// AnswerResult is what the answer stage adds to the record.
type AnswerResult struct {
	Answer          string   `json:"answer"`
	Insufficiencies []string `json:"insufficiencies"`
}

// DecodeMessage parses and validates a broker body.
func DecodeMessage(body []byte) (*core.TaskMessage, error) {
	if err := security.ValidatePayloadSize(body); err != nil {
		return nil, err
	}
	var msg core.TaskMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrMalformedMessage, err)
	}
	if err := security.ValidateTaskID(msg.TaskID); err != nil {
		return nil, err
	}
	return &msg, nil
}

func decodeRecord(msg *core.TaskMessage) (Record, error) {
	var rec Record
	if len(msg.Payload) == 0 {
		return rec, nil
	}
	if err := json.Unmarshal(msg.Payload, &rec); err != nil {
		return rec, core.NoRetry(fmt.Errorf("%w: payload: %v", core.ErrMalformedMessage, err))
	}
	return rec, nil
}
