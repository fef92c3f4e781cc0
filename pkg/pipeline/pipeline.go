package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jdziat/ecoscan/pkg/core"
	"github.com/jdziat/ecoscan/pkg/executor"
	"github.com/jdziat/ecoscan/pkg/security"
)

// Pipeline runs the per-request classification graph:
// intent → vision (with image) → routed subagents in parallel → aggregate → feedback
// (silent draft + critique, complex queries) → answer → reward (waste with reward evaluator).
type Pipeline struct {
	pub          core.Publisher
	backends     Backends
	exec         *executor.Executor
	clock        Clock
	checkpointer Checkpointer
	cfg          Config
	logger       *slog.Logger
	now          func() time.Time
}

// New creates a pipeline publishing progress through pub.
func New(pub core.Publisher, backends Backends, opts ...Option) *Pipeline {
	p := &Pipeline{
		pub:      pub,
		backends: backends,
		cfg:      DefaultConfig(),
		clock:    &localClock{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt.apply(p)
	}
	if p.exec == nil {
		p.exec = executor.New(executor.DefaultPolicies(), executor.WithLogger(p.logger))
	}
	p.logger = p.logger.With("component", "pipeline")
	return p
}

type doneSummary struct {
	Intent        Intent          `json:"intent"`
	Complexity    Complexity      `json:"complexity"`
	NeedsLocation bool            `json:"needs_location"`
	Collected     []Channel       `json:"collected"`
	Missing       []Channel       `json:"missing"`
	Reward        json.RawMessage `json:"reward,omitempty"`
}

// Run executes the graph for one request and closes the job with a done frame.
// A failed or cancelled run closes the job with done/failed and returns an error
// carrying the reason code.
func (p *Pipeline) Run(ctx context.Context, in Input) (State, error) {
	if err := security.ValidateJobID(in.JobID); err != nil {
		return State{}, err
	}
	if in.Deadline.IsZero() {
		in.Deadline = p.now().Add(p.cfg.Deadline)
	}
	s := NewState(in)
	logger := p.logger.With("job_id", in.JobID)

	if in.ImageURL != "" {
		if err := security.ValidateImageURL(in.ImageURL); err != nil {
			return p.abort(ctx, s, core.WithReason(core.ReasonValidationFailed, err))
		}
	}

	ctx, cancel := context.WithDeadline(ctx, in.Deadline)
	defer cancel()

	p.emit(ctx, s.JobID, core.StageQueued, core.FrameStarted, core.StageOpts{Progress: core.IntPtr(0)})

	if p.checkpointer != nil && in.SessionID != "" {
		history, err := p.checkpointer.Load(ctx, in.SessionID)
		if err != nil {
			logger.Warn("failed to load conversation", "session_id", in.SessionID, "error", err)
		}
		s.History = history
	}

	var err error
	if s, err = p.apply(ctx, s, NodeIntent); err != nil {
		return p.abort(ctx, s, err)
	}
	if s.ImageURL != "" {
		if s, err = p.apply(ctx, s, NodeVision); err != nil {
			return p.abort(ctx, s, err)
		}
	}

	s.Planned = Plan(s.Classification)
	logger.Debug("routed", "intent", s.Intent(), "nodes", s.Planned)
	if s, err = p.fanOut(ctx, s); err != nil {
		return p.abort(ctx, s, err)
	}

	s = p.aggregate(ctx, s)

	if p.cfg.Feedback && p.backends.Critic != nil && s.Complexity() == ComplexityComplex {
		if s, err = p.apply(ctx, s, NodeFeedback); err != nil {
			return p.abort(ctx, s, err)
		}
	}

	if s, err = p.apply(ctx, s, NodeAnswer); err != nil {
		return p.abort(ctx, s, err)
	}

	if p.rewardEligible(s) {
		if s, err = p.apply(ctx, s, NodeReward); err != nil {
			return p.abort(ctx, s, err)
		}
	}

	if p.checkpointer != nil && in.SessionID != "" {
		turns := []Turn{{Role: "user", Content: in.Message}, {Role: "assistant", Content: s.Answer}}
		if err := p.checkpointer.Save(ctx, in.SessionID, turns); err != nil {
			logger.Warn("failed to save conversation", "session_id", in.SessionID, "error", err)
		}
	}

	p.done(ctx, s)
	logger.Info("pipeline completed", "intent", s.Intent(), "missing", len(s.Summary.Missing))
	return s, nil
}

func (p *Pipeline) rewardEligible(s State) bool {
	return p.backends.Reward != nil &&
		s.Intent() == IntentWaste &&
		s.Context(ChannelVision).Usable()
}

// apply runs one node and merges its update.
func (p *Pipeline) apply(ctx context.Context, s State, n Node) (State, error) {
	p.announce(ctx, s, n)
	u, err := p.step(ctx, s, n)
	if err != nil {
		return s, err
	}
	return s.Apply(u), nil
}

// announce emits the started frame of a node. A location node without a user location
// asks the client for it here, before any node of its tier can complete.
func (p *Pipeline) announce(ctx context.Context, s State, n Node) {
	stage := n.Stage()
	p.emit(ctx, s.JobID, stage, core.FrameStarted, core.StageOpts{Progress: core.IntPtr(stage.ProgressFloor())})
	if n == NodeLocation && s.Location == nil {
		if _, err := p.pub.NotifyNeedsInput(ctx, s.JobID, "location", p.cfg.LocationTimeout, p.cfg.LocationPrompt); err != nil {
			p.logger.Warn("failed to request location", "job_id", s.JobID, "error", err)
		}
	}
}

// step runs a node through the executor and reports its outcome on the bus. A FAIL_OPEN
// failure becomes an error context on the node's channel; a FAIL_CLOSED failure is returned.
func (p *Pipeline) step(ctx context.Context, s State, n Node) (Update, error) {
	stage := n.Stage()
	fn := p.node(n)
	u, out, err := executor.Run(ctx, p.exec, n.PolicyKey(), func(ctx context.Context) (Update, error) {
		return fn(ctx, s)
	})
	if err == nil {
		p.emit(ctx, s.JobID, stage, core.FrameCompleted, core.StageOpts{Result: stageResult(n, u)})
		return u, nil
	}
	if ctx.Err() != nil {
		return Update{}, err
	}

	reason := core.ReasonFor(stage, err)
	p.logger.Warn("node failed",
		"job_id", s.JobID,
		"node", n,
		"attempts", out.Attempts,
		"mode", out.Mode,
		"reason", reason,
		"error", security.SanitizeErrorMessage(err.Error()),
	)

	if out.Mode == executor.FailClosed {
		p.emit(ctx, s.JobID, stage, core.FrameFailed, core.StageOpts{Message: reason})
		return Update{}, core.WithReason(reason, err)
	}

	p.emit(ctx, s.JobID, stage, core.FrameSkipped, core.StageOpts{Message: reason})
	var fu Update
	if c, ok := n.Channel(); ok {
		fu.Set(c, p.failure(s, n, reason, true))
	}
	return fu, nil
}

// fanOut runs the planned subagents concurrently on the same state snapshot and merges
// their updates in plan order. All started frames go out first so stage seqs stay
// non-decreasing on the bus.
func (p *Pipeline) fanOut(ctx context.Context, s State) (State, error) {
	if len(s.Planned) == 0 {
		return s, nil
	}
	for _, n := range s.Planned {
		p.announce(ctx, s, n)
	}
	updates := make([]Update, len(s.Planned))
	g, gctx := errgroup.WithContext(ctx)
	for i, n := range s.Planned {
		g.Go(func() error {
			u, err := p.step(gctx, s, n)
			if err != nil {
				return err
			}
			updates[i] = u
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return s, err
	}
	for _, u := range updates {
		s = s.Apply(u)
	}
	return s, nil
}

// aggregate records what was collected and what is missing. It never writes channels.
func (p *Pipeline) aggregate(ctx context.Context, s State) State {
	p.emit(ctx, s.JobID, core.StageAggregate, core.FrameStarted, core.StageOpts{Progress: core.IntPtr(core.StageAggregate.ProgressFloor())})
	sum := s.Summarize()
	s.Summary = &sum
	p.logger.Debug("aggregated", "job_id", s.JobID, "collected", sum.Collected, "missing", sum.Missing)
	result, _ := json.Marshal(sum)
	p.emit(ctx, s.JobID, core.StageAggregate, core.FrameCompleted, core.StageOpts{Result: result})
	return s
}

func (p *Pipeline) done(ctx context.Context, s State) {
	sum := doneSummary{
		Intent:        s.Intent(),
		Complexity:    s.Complexity(),
		NeedsLocation: s.NeedsLocation,
		Collected:     []Channel{},
		Missing:       []Channel{},
	}
	if s.Summary != nil {
		sum.Collected, sum.Missing = s.Summary.Collected, s.Summary.Missing
	}
	if s.Reward != nil {
		sum.Reward = s.Reward.Public
	}
	result, _ := json.Marshal(sum)
	if _, err := p.pub.NotifyDone(ctx, s.JobID, result); err != nil {
		p.logger.Error("failed to publish done", "job_id", s.JobID, "error", err)
	}
	p.forget(s.JobID)
}

// abort closes the job with done/failed. Closing frames use a context detached from
// the request so that cancellation is still reported.
func (p *Pipeline) abort(ctx context.Context, s State, err error) (State, error) {
	reason := core.ReasonFor(core.StageDone, err)
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		reason = core.ReasonTimeout
	case errors.Is(ctx.Err(), context.Canceled):
		reason = core.ReasonCancelled
	}

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.FinalizeTimeout)
	defer cancel()
	if _, perr := p.pub.NotifyFailed(fctx, s.JobID, reason, ""); perr != nil {
		p.logger.Error("failed to publish failure", "job_id", s.JobID, "error", perr)
	}
	p.forget(s.JobID)
	p.logger.Info("pipeline failed", "job_id", s.JobID, "reason", reason)

	var re *core.ReasonError
	if errors.As(err, &re) && re.Reason == reason {
		return s, err
	}
	return s, core.WithReason(reason, err)
}

func (p *Pipeline) forget(jobID string) {
	if f, ok := p.clock.(interface{ Forget(string) }); ok {
		f.Forget(jobID)
	}
}

// emit publishes a stage frame. Bus failures degrade progress reporting only.
func (p *Pipeline) emit(ctx context.Context, jobID string, stage core.Stage, status core.FrameStatus, opts core.StageOpts) {
	if _, _, err := p.pub.NotifyStage(ctx, jobID, stage, status, opts); err != nil {
		p.logger.Warn("failed to publish stage", "job_id", jobID, "stage", stage, "status", status, "error", err)
	}
}

type subagentResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// stageResult is the client-facing result of a completed node.
func stageResult(n Node, u Update) json.RawMessage {
	var v any
	switch n {
	case NodeIntent:
		v = u.Classification
	case NodeVision:
		var vr VisionResult
		if err := u.Contexts[ChannelVision].Decode(&vr); err == nil {
			v = vr
		}
	case NodeAnswer:
		return nil
	case NodeFeedback:
		// the draft is not shown to the client
		var f Feedback
		if err := u.Contexts[ChannelFeedback].Decode(&f); err != nil {
			return nil
		}
		f.Draft = ""
		v = f
	case NodeReward:
		if u.Reward == nil {
			return nil
		}
		return u.Reward.Public
	default:
		if u.NeedsLocation {
			return mustJSON(needsLocation{NeedsLocation: true})
		}
		c, ok := n.Channel()
		if !ok {
			return nil
		}
		cv := u.Contexts[c]
		r := subagentResult{Success: cv.Usable()}
		if cv != nil {
			r.Error = cv.Error
		}
		v = r
	}
	if v == nil {
		return nil
	}
	return mustJSON(v)
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("pipeline: marshal %T: %v", v, err))
	}
	return b
}
