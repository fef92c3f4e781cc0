package pipeline

import (
	"sort"
	"time"

	"github.com/jdziat/ecoscan/pkg/core"
)

// Intent is the classified purpose of a user message.
type Intent string

const (
	IntentWaste           Intent = "waste"
	IntentCharacter       Intent = "character"
	IntentLocation        Intent = "location"
	IntentPlaceSearch     Intent = "place_search"
	IntentBulkWaste       Intent = "bulk_waste"
	IntentWeather         Intent = "weather"
	IntentPrice           Intent = "price"
	IntentCollectionPoint Intent = "collection_point"
	IntentWebSearch       Intent = "web_search"
	IntentImage           Intent = "image"
	IntentGeneral         Intent = "general"
)

// Intents lists every intent label in a stable order.
var Intents = []Intent{
	IntentWaste, IntentCharacter, IntentLocation, IntentPlaceSearch, IntentBulkWaste,
	IntentWeather, IntentPrice, IntentCollectionPoint, IntentWebSearch, IntentImage, IntentGeneral,
}

// ParseIntent maps a label to an intent. Unknown labels fall back to general.
func ParseIntent(s string) (Intent, bool) {
	for _, i := range Intents {
		if string(i) == s {
			return i, true
		}
	}
	return IntentGeneral, false
}

// Complexity decides whether the router fans out beyond the primary subagents.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityComplex Complexity = "complex"
)

// Classification is the output of the intent node.
type Classification struct {
	Intent     Intent     `json:"intent"`
	Complexity Complexity `json:"complexity"`
	Confidence float64    `json:"confidence"`
}

// Summary is the aggregate view of what the subagents produced.
type Summary struct {
	Collected []Channel `json:"collected"`
	Missing   []Channel `json:"missing"`
}

// Complete reports whether every planned channel produced a usable value.
func (s Summary) Complete() bool {
	return len(s.Missing) == 0
}

// Input is one request to the pipeline.
type Input struct {
	JobID     string
	SessionID string
	UserID    string
	Message   string
	ImageURL  string
	Location  *core.Location
	Deadline  time.Time
}

// State is the request record passed through the nodes. It is treated as a value:
// Apply returns a new State and never mutates the receiver's maps.
type State struct {
	Input

	Classification *Classification
	Contexts       map[Channel]*ContextValue
	Planned        []Node
	Summary        *Summary
	History        []Turn
	Answer         string
	NeedsLocation  bool
	Reward         *RewardResult
}

// NewState creates the initial state of a request.
func NewState(in Input) State {
	return State{Input: in, Contexts: map[Channel]*ContextValue{}}
}

// Context returns the value of a channel.
func (s State) Context(c Channel) *ContextValue {
	return s.Contexts[c]
}

// Intent returns the classified intent, or general before classification.
func (s State) Intent() Intent {
	if s.Classification == nil {
		return IntentGeneral
	}
	return s.Classification.Intent
}

// Complexity returns the classified complexity, or simple before classification.
func (s State) Complexity() Complexity {
	if s.Classification == nil {
		return ComplexitySimple
	}
	return s.Classification.Complexity
}

// Update is a sparse set of assignments produced by one node.
type Update struct {
	Classification *Classification
	Contexts       map[Channel]*ContextValue
	Answer         *string
	NeedsLocation  bool
	Reward         *RewardResult
}

// Set adds a channel write to the update.
func (u *Update) Set(c Channel, v *ContextValue) {
	if u.Contexts == nil {
		u.Contexts = make(map[Channel]*ContextValue)
	}
	u.Contexts[c] = Reduce(u.Contexts[c], v)
}

// Apply merges an update into a copy of the state. Channel writes go through Reduce.
func (s State) Apply(u Update) State {
	next := s
	next.Contexts = make(map[Channel]*ContextValue, len(s.Contexts)+len(u.Contexts))
	for c, v := range s.Contexts {
		next.Contexts[c] = v
	}
	for c, v := range u.Contexts {
		next.Contexts[c] = Reduce(next.Contexts[c], v)
	}
	if u.Classification != nil {
		cls := *u.Classification
		next.Classification = &cls
	}
	if u.Answer != nil {
		next.Answer = *u.Answer
	}
	if u.NeedsLocation {
		next.NeedsLocation = true
	}
	if u.Reward != nil {
		r := *u.Reward
		next.Reward = &r
	}
	return next
}

// Summarize reports which planned channels hold usable values. It only reads the state.
func (s State) Summarize() Summary {
	sum := Summary{Collected: []Channel{}, Missing: []Channel{}}
	for _, n := range s.Planned {
		c, ok := n.Channel()
		if !ok {
			continue
		}
		if s.Contexts[c].Usable() {
			sum.Collected = append(sum.Collected, c)
		} else {
			sum.Missing = append(sum.Missing, c)
		}
	}
	sort.Slice(sum.Collected, func(i, j int) bool { return sum.Collected[i] < sum.Collected[j] })
	sort.Slice(sum.Missing, func(i, j int) bool { return sum.Missing[i] < sum.Missing[j] })
	return sum
}

// Turn is one message of a conversation kept by a Checkpointer.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
