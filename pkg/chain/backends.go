package chain

import (
	"context"

	"github.com/jdziat/ecoscan/pkg/pipeline"
	"github.com/jdziat/ecoscan/pkg/reward"
)

// AnswerInput is what the answer stage knows about a scan.
type AnswerInput struct {
	UserInput      string
	Classification pipeline.VisionResult
	Rules          *pipeline.DisposalRules
}

// Answerer writes the user-facing answer and lists what the user still has to do.
type Answerer interface {
	Answer(ctx context.Context, in AnswerInput) (AnswerResult, error)
}

// OwnershipWriter stores a granted character. An existing grant is success.
type OwnershipWriter interface {
	GrantOwnership(ctx context.Context, userID, characterID, source string) (bool, error)
}

// Backends are the collaborators of the chain stages.
type Backends struct {
	Vision  pipeline.VisionModel
	Rules   pipeline.RuleRetriever
	Answer  Answerer
	Rewards *reward.Registry
	Owners  OwnershipWriter
}
