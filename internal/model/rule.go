package model

import (
	"fmt"
	"time"
)

// AutoApprovalRule is a declarative, scoped predicate. A matching enabled
// rule lets a proposal skip human review. Rules are operator-configured and
// read-only to the engine at evaluation time; edits take effect on the next
// evaluation, never retroactively.
//
// A disabled rule never participates in matching. Operators use disabled
// rules to make "requires human approval" categories explicit (architectural
// refactors, schema migrations) rather than relying on the absence of a rule.
type AutoApprovalRule struct {
	Name             string   `json:"name" yaml:"name"`
	Category         Category `json:"category" yaml:"category"`
	Enabled          bool     `json:"enabled" yaml:"enabled"`
	MaxFilesAffected int      `json:"max_files_affected" yaml:"max_files_affected"`
	MaxLinesChanged  int      `json:"max_lines_changed" yaml:"max_lines_changed"`
	RequiresTests    bool     `json:"requires_tests" yaml:"requires_tests"`
	MaxSeverity      Severity `json:"max_severity" yaml:"max_severity"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Validate checks rule fields against the closed sets.
func (r AutoApprovalRule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if !r.Category.Valid() {
		return fmt.Errorf("rule %q: invalid category %q", r.Name, r.Category)
	}
	if !r.MaxSeverity.Valid() {
		return fmt.Errorf("rule %q: invalid max_severity %q", r.Name, r.MaxSeverity)
	}
	if r.MaxFilesAffected < 0 || r.MaxLinesChanged < 0 {
		return fmt.Errorf("rule %q: scope bounds must be non-negative", r.Name)
	}
	return nil
}

// Matches reports whether the rule covers the proposal's attributes.
// Pure predicate — no side effects, safe to re-evaluate for dry runs.
func (r AutoApprovalRule) Matches(p Proposal) bool {
	return r.Enabled &&
		r.Category == p.Category &&
		p.Severity.AtMost(r.MaxSeverity) &&
		p.FilesAffected <= r.MaxFilesAffected &&
		p.LinesChanged <= r.MaxLinesChanged &&
		(!r.RequiresTests || p.HasTests)
}
