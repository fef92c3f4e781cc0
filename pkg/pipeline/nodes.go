package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/jdziat/ecoscan/pkg/core"
)

// NodeFunc is the behavior of one node: it reads the state and returns a sparse update.
type NodeFunc func(ctx context.Context, s State) (Update, error)

func missingBackend(n Node) error {
	return core.NoRetry(fmt.Errorf("%s: %w", n, core.ErrBackendMissing))
}

// node returns the behavior registered for n.
func (p *Pipeline) node(n Node) NodeFunc {
	switch n {
	case NodeIntent:
		return p.intent
	case NodeVision:
		return p.vision
	case NodeRAG:
		return p.rag
	case NodeCharacter:
		return p.character
	case NodeLocation:
		return p.location
	case NodeKakaoPlace, NodeCollectionPoint:
		return p.placeSearch(n)
	case NodeFeedback:
		return p.feedback
	case NodeAnswer:
		return p.answer
	case NodeReward:
		return p.reward
	}
	return p.lookup(n)
}

func (p *Pipeline) intent(ctx context.Context, s State) (Update, error) {
	if p.backends.Intent == nil {
		return Update{}, missingBackend(NodeIntent)
	}
	c, err := p.backends.Intent.ClassifyIntent(ctx, s.Message, s.ImageURL != "")
	if err != nil {
		return Update{}, err
	}
	if _, ok := ParseIntent(string(c.Intent)); !ok {
		c.Intent = IntentGeneral
	}
	if c.Complexity != ComplexityComplex {
		c.Complexity = ComplexitySimple
	}
	u := Update{Classification: &c}
	u.Set(ChannelClassification, p.wrap(s, NodeIntent, c))
	return u, nil
}

func (p *Pipeline) vision(ctx context.Context, s State) (Update, error) {
	if p.backends.Vision == nil {
		return Update{}, missingBackend(NodeVision)
	}
	v, err := p.backends.Vision.AnalyzeImage(ctx, s.ImageURL, s.Message)
	if err != nil {
		return Update{}, err
	}
	var u Update
	u.Set(ChannelVision, p.wrap(s, NodeVision, v))
	return u, nil
}

func (p *Pipeline) rag(ctx context.Context, s State) (Update, error) {
	if p.backends.Rules == nil {
		return Update{}, missingBackend(NodeRAG)
	}
	q := RuleQuery{Text: s.Message}
	var v VisionResult
	if err := s.Context(ChannelVision).Decode(&v); err == nil {
		q.MajorCategory, q.MiddleCategory, q.MinorCategory = v.MajorCategory, v.MiddleCategory, v.MinorCategory
	}
	rules, err := p.backends.Rules.LookupRules(ctx, q)
	if err != nil {
		return Update{}, err
	}
	var u Update
	if rules == nil {
		u.Set(ChannelDisposalRules, p.failure(s, NodeRAG, "no_rules_found", false))
		return u, nil
	}
	u.Set(ChannelDisposalRules, p.wrap(s, NodeRAG, rules))
	return u, nil
}

func (p *Pipeline) character(ctx context.Context, s State) (Update, error) {
	if p.backends.Characters == nil {
		return Update{}, missingBackend(NodeCharacter)
	}
	category := s.Message
	var v VisionResult
	if err := s.Context(ChannelVision).Decode(&v); err == nil && v.MajorCategory != "" {
		category = v.Category()
	}
	ch, err := p.backends.Characters.CharacterFor(ctx, category)
	if err != nil {
		return Update{}, err
	}
	var u Update
	if ch == nil {
		u.Set(ChannelCharacter, p.failure(s, NodeCharacter, "no_character", false))
		return u, nil
	}
	u.Set(ChannelCharacter, p.wrap(s, NodeCharacter, ch))
	return u, nil
}

type needsLocation struct {
	NeedsLocation bool `json:"needs_location"`
}

// location returns a partial context when the request carries no position. The
// needs_input frame is sent when the node is announced.
func (p *Pipeline) location(ctx context.Context, s State) (Update, error) {
	if s.Location == nil {
		cv := p.failure(s, NodeLocation, "needs_location", false)
		cv.Data, _ = json.Marshal(needsLocation{NeedsLocation: true})
		u := Update{NeedsLocation: true}
		u.Set(ChannelLocation, cv)
		return u, nil
	}
	return p.placeSearch(NodeLocation)(ctx, s)
}

func (p *Pipeline) placeSearch(n Node) NodeFunc {
	return func(ctx context.Context, s State) (Update, error) {
		if p.backends.Places == nil {
			return Update{}, missingBackend(n)
		}
		places, err := p.backends.Places.FindPlaces(ctx, PlaceQuery{
			Kind:     n,
			Text:     s.Message,
			Location: s.Location,
			RadiusM:  p.cfg.SearchRadiusM,
		})
		if err != nil {
			return Update{}, err
		}
		c, _ := n.Channel()
		var u Update
		u.Set(c, p.wrap(s, n, places))
		return u, nil
	}
}

func (p *Pipeline) lookup(n Node) NodeFunc {
	return func(ctx context.Context, s State) (Update, error) {
		c, ok := n.Channel()
		if !ok {
			return Update{}, core.NoRetry(fmt.Errorf("%s: node has no channel", n))
		}
		l, ok := p.backends.Lookups[n]
		if !ok || l == nil {
			return Update{}, missingBackend(n)
		}
		data, err := l.Lookup(ctx, n, s)
		if err != nil {
			return Update{}, err
		}
		var u Update
		u.Set(c, p.wrapRaw(s, n, data))
		return u, nil
	}
}

// feedback writes a silent draft and has the critic review it. The answer node then
// revises the draft with the reviewer's notes.
func (p *Pipeline) feedback(ctx context.Context, s State) (Update, error) {
	if p.backends.Critic == nil {
		return Update{}, missingBackend(NodeFeedback)
	}
	if p.backends.Answer == nil {
		return Update{}, missingBackend(NodeAnswer)
	}
	draft, err := p.backends.Answer.StreamAnswer(ctx, BuildPrompt(s), func(string) error { return nil })
	if err != nil {
		return Update{}, fmt.Errorf("draft answer: %w", err)
	}
	f, err := p.backends.Critic.Critique(ctx, s, draft)
	if err != nil {
		return Update{}, err
	}
	f.Draft = draft
	var u Update
	u.Set(ChannelFeedback, p.wrap(s, NodeFeedback, f))
	return u, nil
}

// answer streams tokens as they arrive. Once a token is out the attempt is not retried,
// since a second attempt would repeat text the client already has.
func (p *Pipeline) answer(ctx context.Context, s State) (Update, error) {
	if p.backends.Answer == nil {
		return Update{}, missingBackend(NodeAnswer)
	}
	var (
		streamed atomic.Bool
		dropped  atomic.Int64
	)
	text, err := p.backends.Answer.StreamAnswer(ctx, BuildPrompt(s), func(tok string) error {
		if tok == "" {
			return nil
		}
		streamed.Store(true)
		// a lost token degrades the live view only; the full answer still goes out in state
		if _, err := p.pub.NotifyToken(ctx, s.JobID, tok); err != nil {
			if dropped.Add(1) == 1 {
				p.logger.Warn("failed to publish token", "job_id", s.JobID, "error", err)
			}
		}
		return nil
	})
	if n := dropped.Load(); n > 0 {
		p.logger.Warn("answer tokens dropped", "job_id", s.JobID, "dropped", n)
	}
	if err != nil {
		if streamed.Load() {
			return Update{}, core.NoRetry(err)
		}
		return Update{}, err
	}
	return Update{Answer: &text}, nil
}

func (p *Pipeline) reward(ctx context.Context, s State) (Update, error) {
	if p.backends.Reward == nil {
		return Update{}, missingBackend(NodeReward)
	}
	r, err := p.backends.Reward.EvaluateReward(ctx, s)
	if err != nil {
		return Update{}, err
	}
	return Update{Reward: &r}, nil
}

// wrap encodes a payload as a successful context of the producing node.
func (p *Pipeline) wrap(s State, n Node, payload any) *ContextValue {
	data, err := json.Marshal(payload)
	if err != nil {
		return p.failure(s, n, "encode_failed", false)
	}
	return p.wrapRaw(s, n, data)
}

func (p *Pipeline) wrapRaw(s State, n Node, data json.RawMessage) *ContextValue {
	cv := p.meta(s, n, false)
	cv.Success = true
	cv.Data = data
	return cv
}

// failure builds the error context written by a node that produced nothing usable.
func (p *Pipeline) failure(s State, n Node, reason string, fallback bool) *ContextValue {
	cv := p.meta(s, n, fallback)
	cv.Error = reason
	return cv
}

func (p *Pipeline) meta(s State, n Node, fallback bool) *ContextValue {
	now := p.now()
	return &ContextValue{
		Priority:   p.exec.Policy(string(n)).Priority(fallback, s.Deadline, now),
		Sequence:   p.clock.Tick(s.JobID),
		Producer:   n,
		CreatedAt:  now,
		IsFallback: fallback,
	}
}
