package reward

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Errors
var (
	ErrUnknownSource = errors.New("ecoscan: no reward strategy for source")
)

// Source names where a reward claim comes from. Each source has one Strategy.
type Source string

const (
	SourceScan Source = "scan"
	SourceChat Source = "chat"
)

// Reasons carried by decisions that did not grant a character.
const (
	ReasonGranted         = "granted"
	ReasonFeatureDisabled = "feature_disabled"
	ReasonNotRecyclable   = "not_recyclable"
	ReasonNoRules         = "no_rules"
	ReasonInsufficient    = "insufficient"
	ReasonNoCharacter     = "no_character"
	ReasonAlreadyOwned    = "already_owned"
)

// RecyclableCategory is the major category that qualifies for a reward.
const RecyclableCategory = "recyclable"

// Claim is everything a strategy needs to decide.
type Claim struct {
	Source          Source
	UserID          string
	MajorCategory   string
	MiddleCategory  string
	MinorCategory   string
	RulesFound      bool
	Insufficiencies []string
}

// Category returns the most specific category of the claim.
func (c Claim) Category() string {
	switch {
	case c.MinorCategory != "":
		return c.MinorCategory
	case c.MiddleCategory != "":
		return c.MiddleCategory
	}
	return c.MajorCategory
}

// Decision is the internal outcome of a claim. It carries identifiers that must not
// reach clients; use Public for anything user-visible.
type Decision struct {
	Received      bool   `json:"received"`
	Reason        string `json:"reason"`
	Source        Source `json:"source"`
	UserID        string `json:"user_id"`
	CharacterID   string `json:"character_id,omitempty"`
	CharacterName string `json:"character_name,omitempty"`
	CharacterType string `json:"character_type,omitempty"`
	Dialog        string `json:"dialog,omitempty"`
	AlreadyOwned  bool   `json:"already_owned"`
}

// PublicDecision is the client-visible form of a decision.
type PublicDecision struct {
	Received     bool   `json:"received"`
	Reason       string `json:"reason"`
	Name         string `json:"name,omitempty"`
	Type         string `json:"type,omitempty"`
	Dialog       string `json:"dialog,omitempty"`
	AlreadyOwned bool   `json:"already_owned"`
}

// Public strips internal identifiers.
func (d Decision) Public() PublicDecision {
	return PublicDecision{
		Received:     d.Received,
		Reason:       d.Reason,
		Name:         d.CharacterName,
		Type:         d.CharacterType,
		Dialog:       d.Dialog,
		AlreadyOwned: d.AlreadyOwned,
	}
}

// Strategy decides claims of one source. Implementations must not write to any store.
type Strategy interface {
	Source() Source
	Evaluate(ctx context.Context, c Claim) (Decision, error)
}

// Registry is the single entry point for reward decisions.
type Registry struct {
	mu         sync.RWMutex
	strategies map[Source]Strategy
}

// NewRegistry creates a registry holding strategies.
func NewRegistry(strategies ...Strategy) *Registry {
	r := &Registry{strategies: make(map[Source]Strategy)}
	for _, s := range strategies {
		r.Register(s)
	}
	return r
}

// Register adds or replaces the strategy of its source.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Source()] = s
}

// Evaluate routes the claim to its source's strategy.
func (r *Registry) Evaluate(ctx context.Context, c Claim) (Decision, error) {
	r.mu.RLock()
	s, ok := r.strategies[c.Source]
	r.mu.RUnlock()
	if !ok {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownSource, c.Source)
	}
	d, err := s.Evaluate(ctx, c)
	if err != nil {
		return Decision{}, err
	}
	d.Source = c.Source
	d.UserID = c.UserID
	return d, nil
}
