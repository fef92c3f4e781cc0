package reward

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/jdziat/ecoscan/pkg/pipeline"
)

// Persister hands a granted decision to the write path. It is called after the decision
// is final and must not block the response on the write itself.
type Persister interface {
	PersistReward(ctx context.Context, d Decision) error
}

// PipelineEvaluator adapts the registry to the chat pipeline's reward node.
type PipelineEvaluator struct {
	registry  *Registry
	persister Persister
	logger    *slog.Logger
}

var _ pipeline.RewardEvaluator = (*PipelineEvaluator)(nil)

// NewPipelineEvaluator creates the adapter. persister may be nil.
func NewPipelineEvaluator(registry *Registry, persister Persister, logger *slog.Logger) *PipelineEvaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &PipelineEvaluator{registry: registry, persister: persister, logger: logger.With("component", "reward")}
}

// ClaimFromState builds a chat claim from the pipeline state.
func ClaimFromState(s pipeline.State) Claim {
	c := Claim{
		Source:     SourceChat,
		UserID:     s.UserID,
		RulesFound: s.Context(pipeline.ChannelDisposalRules).Usable(),
	}
	var v pipeline.VisionResult
	if err := s.Context(pipeline.ChannelVision).Decode(&v); err == nil {
		c.MajorCategory, c.MiddleCategory, c.MinorCategory = v.MajorCategory, v.MiddleCategory, v.MinorCategory
	}
	if s.Answer == "" {
		c.Insufficiencies = append(c.Insufficiencies, "empty_answer")
	}
	return c
}

// EvaluateReward decides and, when granted, hands the decision to the persister.
func (e *PipelineEvaluator) EvaluateReward(ctx context.Context, s pipeline.State) (pipeline.RewardResult, error) {
	d, err := e.registry.Evaluate(ctx, ClaimFromState(s))
	if err != nil {
		return pipeline.RewardResult{}, err
	}
	if d.Received && e.persister != nil {
		if err := e.persister.PersistReward(ctx, d); err != nil {
			e.logger.Error("failed to hand off reward", "job_id", s.JobID, "error", err)
		}
	}
	public, err := json.Marshal(d.Public())
	if err != nil {
		return pipeline.RewardResult{}, err
	}
	return pipeline.RewardResult{Received: d.Received, Public: public}, nil
}

// CatalogLookup serves the chat character node from the catalog.
type CatalogLookup struct {
	catalog *Catalog
}

var _ pipeline.CharacterLookup = (*CatalogLookup)(nil)

// NewCatalogLookup creates the adapter.
func NewCatalogLookup(c *Catalog) *CatalogLookup {
	return &CatalogLookup{catalog: c}
}

// CharacterFor returns the mascot of category, or nil when there is none.
func (l *CatalogLookup) CharacterFor(ctx context.Context, category string) (*pipeline.CharacterProfile, error) {
	ch, ok, err := l.catalog.ForCategory(ctx, category)
	if err != nil || !ok {
		return nil, err
	}
	return &pipeline.CharacterProfile{Name: ch.Name, Category: ch.MatchCategory, Description: ch.Dialog}, nil
}
