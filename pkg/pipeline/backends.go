package pipeline

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/jdziat/ecoscan/pkg/core"
)

// VisionResult is the structured classification of a waste image.
type VisionResult struct {
	MajorCategory  string            `json:"major_category"`
	MiddleCategory string            `json:"middle_category"`
	MinorCategory  string            `json:"minor_category,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
	Confidence     float64           `json:"confidence,omitempty"`
}

// Category returns the most specific category available.
func (v VisionResult) Category() string {
	switch {
	case v.MinorCategory != "":
		return v.MinorCategory
	case v.MiddleCategory != "":
		return v.MiddleCategory
	}
	return v.MajorCategory
}

// RuleQuery selects disposal rules.
type RuleQuery struct {
	MajorCategory  string `json:"major_category,omitempty"`
	MiddleCategory string `json:"middle_category,omitempty"`
	MinorCategory  string `json:"minor_category,omitempty"`
	Text           string `json:"text,omitempty"`
}

// DisposalRules are the rules retrieved for a category.
type DisposalRules struct {
	Category string   `json:"category"`
	Steps    []string `json:"steps"`
	Cautions []string `json:"cautions,omitempty"`
	Source   string   `json:"source,omitempty"`
}

// CharacterProfile is the mascot shown for a category in chat.
type CharacterProfile struct {
	Name        string `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description,omitempty"`
}

// PlaceQuery is a facility search.
type PlaceQuery struct {
	Kind     Node           `json:"kind"`
	Text     string         `json:"text,omitempty"`
	Location *core.Location `json:"location,omitempty"`
	RadiusM  int            `json:"radius_m,omitempty"`
}

// Place is one facility returned by a search.
type Place struct {
	Name      string  `json:"name"`
	Address   string  `json:"address,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	DistanceM int     `json:"distance_m,omitempty"`
}

// Feedback is the self-critique of a draft answer against the collected contexts.
type Feedback struct {
	Sufficient bool   `json:"sufficient"`
	Notes      string `json:"notes,omitempty"`
	Draft      string `json:"draft,omitempty"`
}

// Prompt is the hybrid prompt handed to the answer model.
type Prompt struct {
	System  string
	User    string
	History []Turn
}

// RewardResult is what the pipeline shows the client about a reward decision.
type RewardResult struct {
	Received bool
	Public   json.RawMessage
}

// IntentClassifier labels a message with an intent and complexity.
type IntentClassifier interface {
	ClassifyIntent(ctx context.Context, message string, hasImage bool) (Classification, error)
}

// VisionModel extracts structured features from an image.
type VisionModel interface {
	AnalyzeImage(ctx context.Context, imageURL, message string) (VisionResult, error)
}

// RuleRetriever finds disposal rules. A nil result with a nil error means none were found.
type RuleRetriever interface {
	LookupRules(ctx context.Context, q RuleQuery) (*DisposalRules, error)
}

// CharacterLookup maps a waste category to its mascot.
type CharacterLookup interface {
	CharacterFor(ctx context.Context, category string) (*CharacterProfile, error)
}

// PlaceFinder searches nearby facilities.
type PlaceFinder interface {
	FindPlaces(ctx context.Context, q PlaceQuery) ([]Place, error)
}

// Lookup serves the specialized subagents that return opaque JSON.
type Lookup interface {
	Lookup(ctx context.Context, node Node, s State) (json.RawMessage, error)
}

// AnswerModel generates the final answer, calling onToken for each streamed delta.
type AnswerModel interface {
	StreamAnswer(ctx context.Context, p Prompt, onToken func(string) error) (string, error)
}

// Critic reviews a draft answer against the collected contexts.
type Critic interface {
	Critique(ctx context.Context, s State, draft string) (Feedback, error)
}

// RewardEvaluator decides a reward for a completed waste answer.
type RewardEvaluator interface {
	EvaluateReward(ctx context.Context, s State) (RewardResult, error)
}

// Checkpointer keeps conversation turns per thread. The pipeline itself holds no memory.
type Checkpointer interface {
	Load(ctx context.Context, threadID string) ([]Turn, error)
	Save(ctx context.Context, threadID string, turns []Turn) error
}

// Backends are the opaque collaborators the nodes call. Any of them may be nil.
type Backends struct {
	Intent     IntentClassifier
	Vision     VisionModel
	Rules      RuleRetriever
	Characters CharacterLookup
	Places     PlaceFinder
	Lookups    map[Node]Lookup
	Answer     AnswerModel
	Critic     Critic
	Reward     RewardEvaluator
}

// MemoryCheckpointer is an in-process Checkpointer bounded to the last MaxTurns turns.
type MemoryCheckpointer struct {
	MaxTurns int

	mu      sync.Mutex
	threads map[string][]Turn
}

// NewMemoryCheckpointer creates an empty checkpointer.
func NewMemoryCheckpointer(maxTurns int) *MemoryCheckpointer {
	return &MemoryCheckpointer{MaxTurns: maxTurns, threads: make(map[string][]Turn)}
}

func (m *MemoryCheckpointer) Load(_ context.Context, threadID string) ([]Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Turn(nil), m.threads[threadID]...), nil
}

func (m *MemoryCheckpointer) Save(_ context.Context, threadID string, turns []Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := append(m.threads[threadID], turns...)
	if m.MaxTurns > 0 && len(all) > m.MaxTurns {
		all = all[len(all)-m.MaxTurns:]
	}
	m.threads[threadID] = all
	return nil
}
