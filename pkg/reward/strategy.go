package reward

import (
	"context"
	"fmt"
)

// OwnershipChecker answers whether a user already owns a character. It only reads.
type OwnershipChecker interface {
	HasOwnership(ctx context.Context, userID, characterID string) (bool, error)
}

// FeatureFlag reports whether rewards are switched on.
type FeatureFlag func() bool

// Enabled returns a flag with a fixed value.
func Enabled(on bool) FeatureFlag {
	return func() bool { return on }
}

// CategoryStrategy grants the character matching a recyclable item that was disposed of
// correctly. Scan and chat use the same rules with different sources.
type CategoryStrategy struct {
	source  Source
	catalog *Catalog
	owners  OwnershipChecker
	enabled FeatureFlag
}

// NewScanStrategy returns the strategy for scan claims.
func NewScanStrategy(catalog *Catalog, owners OwnershipChecker, enabled FeatureFlag) *CategoryStrategy {
	return NewCategoryStrategy(SourceScan, catalog, owners, enabled)
}

// NewCategoryStrategy returns a category strategy bound to source.
func NewCategoryStrategy(source Source, catalog *Catalog, owners OwnershipChecker, enabled FeatureFlag) *CategoryStrategy {
	if enabled == nil {
		enabled = Enabled(true)
	}
	return &CategoryStrategy{source: source, catalog: catalog, owners: owners, enabled: enabled}
}

func (s *CategoryStrategy) Source() Source {
	return s.source
}

// Eligible returns the reason a claim cannot be rewarded, or "" when it can.
func (s *CategoryStrategy) Eligible(c Claim) string {
	switch {
	case !s.enabled():
		return ReasonFeatureDisabled
	case c.MajorCategory != RecyclableCategory:
		return ReasonNotRecyclable
	case !c.RulesFound:
		return ReasonNoRules
	case len(c.Insufficiencies) > 0:
		return ReasonInsufficient
	}
	return ""
}

// Evaluate decides the claim. It never writes ownership.
func (s *CategoryStrategy) Evaluate(ctx context.Context, c Claim) (Decision, error) {
	if reason := s.Eligible(c); reason != "" {
		return Decision{Reason: reason}, nil
	}

	ch, ok, err := s.catalog.ForCategory(ctx, c.MinorCategory, c.MiddleCategory)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		return Decision{Reason: ReasonNoCharacter}, nil
	}

	d := Decision{
		Reason:        ReasonGranted,
		CharacterID:   ch.ID,
		CharacterName: ch.Name,
		CharacterType: ch.Type,
		Dialog:        ch.Dialog,
	}
	if s.owners != nil {
		owned, err := s.owners.HasOwnership(ctx, c.UserID, ch.ID)
		if err != nil {
			return Decision{}, fmt.Errorf("reward: ownership: %w", err)
		}
		if owned {
			d.AlreadyOwned = true
			d.Reason = ReasonAlreadyOwned
			return d, nil
		}
	}
	d.Received = true
	return d, nil
}
