package sor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/ecoscan/pkg/pipeline"
)

var _ pipeline.RuleRetriever = (*Store)(nil)

// LookupRules returns the rules of the most specific category of q that has any.
// No match is not an error.
func (s *Store) LookupRules(ctx context.Context, q pipeline.RuleQuery) (*pipeline.DisposalRules, error) {
	for _, category := range []string{q.MinorCategory, q.MiddleCategory, q.MajorCategory} {
		category = normalizeCategory(category)
		if category == "" {
			continue
		}
		var row DisposalRule
		err := s.db.WithContext(ctx).Where("category = ?", category).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("sor: rules of %s: %w", category, err)
		}
		rules := &pipeline.DisposalRules{Category: row.Category, Source: row.Source}
		if err := json.Unmarshal(row.Steps, &rules.Steps); err != nil {
			return nil, fmt.Errorf("sor: rules of %s: steps: %w", category, err)
		}
		if len(row.Cautions) > 0 {
			if err := json.Unmarshal(row.Cautions, &rules.Cautions); err != nil {
				return nil, fmt.Errorf("sor: rules of %s: cautions: %w", category, err)
			}
		}
		return rules, nil
	}
	return nil, nil
}

// ImportRules upserts rules by category and returns the number written.
func (s *Store) ImportRules(ctx context.Context, rules []pipeline.DisposalRules) (int64, error) {
	if len(rules) == 0 {
		return 0, nil
	}
	rows := make([]DisposalRule, 0, len(rules))
	for _, r := range rules {
		category := normalizeCategory(r.Category)
		if category == "" || len(r.Steps) == 0 {
			return 0, fmt.Errorf("sor: rule %q: category and steps are required", r.Category)
		}
		steps, err := json.Marshal(r.Steps)
		if err != nil {
			return 0, err
		}
		row := DisposalRule{Category: category, Steps: steps, Source: r.Source}
		if len(r.Cautions) > 0 {
			if row.Cautions, err = json.Marshal(r.Cautions); err != nil {
				return 0, err
			}
		}
		rows = append(rows, row)
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "category"}},
			DoUpdates: clause.AssignmentColumns([]string{"steps", "cautions", "source", "updated_at"}),
		}).
		CreateInBatches(rows, 100)
	if res.Error != nil {
		return 0, fmt.Errorf("sor: import rules: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func normalizeCategory(c string) string {
	return strings.ToLower(strings.TrimSpace(c))
}
