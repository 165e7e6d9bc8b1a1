// Package policy evaluates auto-approval rules against proposals.
//
// Matching is a pure function of the rule set and the proposal's attributes.
// The engine never mutates proposals and never consults limits; it only
// answers "which rule, if any, covers this change". Admission (budget,
// emergency stop) is the safety limiter's concern.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/ashita-ai/shonin/internal/model"
)

// Store is the persistence contract the engine reads rules from.
type Store interface {
	ListRules(ctx context.Context) ([]model.AutoApprovalRule, error)
	UpsertRule(ctx context.Context, r model.AutoApprovalRule) error
}

// Engine evaluates the configured rule set. Rules are re-read on every
// evaluation, so operator edits take effect on the next proposal with no
// restart and never retroactively.
type Engine struct {
	store  Store
	logger *slog.Logger
}

// New creates a policy engine over the given rule store.
func New(store Store, logger *slog.Logger) *Engine {
	return &Engine{store: store, logger: logger}
}

// Match returns the best matching enabled rule for the proposal, or nil
// when no rule covers it. No match is the expected "needs human review"
// path, not an error.
func (e *Engine) Match(ctx context.Context, p model.Proposal) (*model.AutoApprovalRule, error) {
	rules, err := e.store.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy: list rules: %w", err)
	}
	best := Best(rules, p)
	if best == nil {
		return nil, nil
	}
	e.logger.Debug("proposal matched auto-approval rule",
		"proposal_id", p.ID, "rule", best.Name, "category", p.Category)
	return best, nil
}

// Best selects the matching rule with the narrowest scope. Narrower means a
// smaller max_files_affected bound, then a smaller max_lines_changed bound;
// exact ties fall back to the lexicographically smaller name. Keeping the
// least powerful applicable rule in the audit trail makes every
// auto-approval defensible after the fact, and the name fallback makes the
// choice deterministic across evaluations.
func Best(rules []model.AutoApprovalRule, p model.Proposal) *model.AutoApprovalRule {
	var matched []model.AutoApprovalRule
	for _, r := range rules {
		if r.Matches(p) {
			matched = append(matched, r)
		}
	}
	if len(matched) == 0 {
		return nil
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.MaxFilesAffected != b.MaxFilesAffected {
			return a.MaxFilesAffected < b.MaxFilesAffected
		}
		if a.MaxLinesChanged != b.MaxLinesChanged {
			return a.MaxLinesChanged < b.MaxLinesChanged
		}
		return a.Name < b.Name
	})
	return &matched[0]
}
