package chain

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jdziat/ecoscan/pkg/core"
	"github.com/jdziat/ecoscan/pkg/pipeline"
	"github.com/jdziat/ecoscan/pkg/reward"
	"github.com/jdziat/ecoscan/pkg/security"
)

func missingBackend(t Task) error {
	return core.NoRetry(fmt.Errorf("%s: %w", t, core.ErrBackendMissing))
}

func missingInput(t Task, what string) error {
	return core.NoRetry(fmt.Errorf("%s: %w: no %s in payload", t, core.ErrMalformedMessage, what))
}

// runStage executes one attempt of a stage.
func (w *Worker) runStage(ctx context.Context, t Task, msg *core.TaskMessage) (stageOutput, error) {
	if t == TaskPersistReward {
		return w.persistReward(ctx, msg)
	}
	rec, err := decodeRecord(msg)
	if err != nil {
		return stageOutput{}, err
	}

	var result any
	var decision *reward.Decision
	switch t {
	case TaskVision:
		result, err = w.vision(ctx, msg, &rec)
	case TaskRule:
		result, err = w.rule(ctx, msg, &rec)
	case TaskAnswer:
		result, err = w.answer(ctx, msg, &rec)
	case TaskReward:
		decision, err = w.reward(ctx, msg, &rec)
		if err == nil {
			result = rec.Reward
		}
	default:
		err = core.NoRetry(fmt.Errorf("chain: unknown task %q", t))
	}
	if err != nil {
		return stageOutput{}, err
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return stageOutput{}, core.NoRetry(err)
	}
	return stageOutput{record: rec, result: raw, decision: decision}, nil
}

// vision classifies the image into a category record.
func (w *Worker) vision(ctx context.Context, msg *core.TaskMessage, rec *Record) (any, error) {
	if w.backends.Vision == nil {
		return nil, missingBackend(TaskVision)
	}
	if err := security.ValidateImageURL(msg.ImageURL); err != nil {
		return nil, err
	}
	v, err := w.backends.Vision.AnalyzeImage(ctx, msg.ImageURL, msg.UserInput)
	if err != nil {
		return nil, err
	}
	rec.Classification = &v
	return v, nil
}

// rule looks up disposal rules. No rules is a valid outcome.
func (w *Worker) rule(ctx context.Context, msg *core.TaskMessage, rec *Record) (any, error) {
	if w.backends.Rules == nil {
		return nil, missingBackend(TaskRule)
	}
	if rec.Classification == nil {
		return nil, missingInput(TaskRule, "classification")
	}
	v := rec.Classification
	rules, err := w.backends.Rules.LookupRules(ctx, pipeline.RuleQuery{
		Text:           msg.UserInput,
		MajorCategory:  v.MajorCategory,
		MiddleCategory: v.MiddleCategory,
		MinorCategory:  v.MinorCategory,
	})
	if err != nil {
		return nil, err
	}
	rec.DisposalRules = rules
	return rules, nil
}

func (w *Worker) answer(ctx context.Context, msg *core.TaskMessage, rec *Record) (any, error) {
	if w.backends.Answer == nil {
		return nil, missingBackend(TaskAnswer)
	}
	if rec.Classification == nil {
		return nil, missingInput(TaskAnswer, "classification")
	}
	res, err := w.backends.Answer.Answer(ctx, AnswerInput{
		UserInput:      msg.UserInput,
		Classification: *rec.Classification,
		Rules:          rec.DisposalRules,
	})
	if err != nil {
		return nil, err
	}
	if res.Insufficiencies == nil {
		res.Insufficiencies = []string{}
	}
	rec.Answer = res.Answer
	rec.Insufficiencies = res.Insufficiencies
	return res, nil
}

// reward decides without writing anything. Without a registry nobody is rewarded.
func (w *Worker) reward(ctx context.Context, msg *core.TaskMessage, rec *Record) (*reward.Decision, error) {
	d := reward.Decision{Reason: reward.ReasonFeatureDisabled, Source: reward.SourceScan, UserID: msg.UserID}
	if w.backends.Rewards != nil {
		var err error
		d, err = w.backends.Rewards.Evaluate(ctx, rec.Claim(msg.UserID))
		if err != nil {
			return nil, err
		}
	}
	public := d.Public()
	rec.Reward = &public
	return &d, nil
}

type persistResult struct {
	Created bool `json:"created"`
}

// persistReward writes a granted decision. It changes nothing the user sees.
func (w *Worker) persistReward(ctx context.Context, msg *core.TaskMessage) (stageOutput, error) {
	var d reward.Decision
	if err := json.Unmarshal(msg.Payload, &d); err != nil {
		return stageOutput{}, core.NoRetry(fmt.Errorf("%w: decision: %v", core.ErrMalformedMessage, err))
	}
	if !d.Received {
		raw, _ := json.Marshal(persistResult{})
		return stageOutput{result: raw}, nil
	}
	if d.UserID == "" || d.CharacterID == "" {
		return stageOutput{}, missingInput(TaskPersistReward, "user or character")
	}
	if w.backends.Owners == nil {
		return stageOutput{}, missingBackend(TaskPersistReward)
	}
	created, err := w.backends.Owners.GrantOwnership(ctx, d.UserID, d.CharacterID, string(d.Source))
	if err != nil {
		return stageOutput{}, err
	}
	raw, err := json.Marshal(persistResult{Created: created})
	if err != nil {
		return stageOutput{}, core.NoRetry(err)
	}
	return stageOutput{result: raw}, nil
}
