package model

import (
	"time"

	"github.com/google/uuid"
)

// Category classifies what kind of change a proposal makes.
type Category string

const (
	CategoryBugFix        Category = "bug-fix"
	CategoryPerformance   Category = "performance"
	CategorySecurity      Category = "security"
	CategoryRefactor      Category = "refactor"
	CategoryDependency    Category = "dependency"
	CategoryTestCoverage  Category = "test-coverage"
	CategoryDocumentation Category = "documentation"
	CategoryCleanup       Category = "cleanup"
)

// Valid reports whether c is in the closed category set.
func (c Category) Valid() bool {
	switch c {
	case CategoryBugFix, CategoryPerformance, CategorySecurity, CategoryRefactor,
		CategoryDependency, CategoryTestCoverage, CategoryDocumentation, CategoryCleanup:
		return true
	}
	return false
}

// Severity ranks how risky a proposed change is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRank maps severities onto a fixed ordinal: low < medium < high < critical.
var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// AtMost reports whether s ≤ max on the severity ordinal.
// Unknown severities never compare as within bounds.
func (s Severity) AtMost(max Severity) bool {
	sr, ok1 := severityRank[s]
	mr, ok2 := severityRank[max]
	return ok1 && ok2 && sr <= mr
}

// ProposalStatus is the lifecycle state of a proposal.
type ProposalStatus string

const (
	StatusProposed   ProposalStatus = "proposed"
	StatusApproved   ProposalStatus = "approved"
	StatusRejected   ProposalStatus = "rejected"
	StatusInProgress ProposalStatus = "in_progress"
	StatusCompleted  ProposalStatus = "completed"
	StatusFailed     ProposalStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s ProposalStatus) Terminal() bool {
	return s == StatusRejected || s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known proposal status.
func (s ProposalStatus) Valid() bool {
	return s == StatusProposed || s == StatusApproved || s == StatusInProgress || s.Terminal()
}

// proposalTransitions is the single authority for legal status transitions.
// Every caller (auto-admission, manual decision, execution callbacks) consults
// this table; no transition logic lives at call sites. The graph is monotonic:
// proposed → {approved, rejected}; approved → in_progress → {completed, failed}.
var proposalTransitions = map[ProposalStatus][]ProposalStatus{
	StatusProposed:   {StatusApproved, StatusRejected},
	StatusApproved:   {StatusInProgress},
	StatusInProgress: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from → to is a legal proposal transition.
func CanTransition(from, to ProposalStatus) bool {
	for _, next := range proposalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ReviewedByAuto is the reviewer identity recorded on auto-approved proposals.
const ReviewedByAuto = "auto-approval"

// Proposal is a candidate change awaiting or having received a disposition.
type Proposal struct {
	ID          uuid.UUID `json:"id"`
	SourceRunID uuid.UUID `json:"source_run_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Category    Category  `json:"category"`
	Severity    Severity  `json:"severity"`

	// Blast radius estimate from the generator agent.
	FilesAffected int `json:"files_affected"`
	LinesChanged  int `json:"lines_changed"`

	HasTests     bool   `json:"has_tests"`
	RollbackPlan string `json:"rollback_plan,omitempty"`

	// EstimatedCostCents is the predicted executor cost, charged against
	// the executor budget when execution begins.
	EstimatedCostCents int64 `json:"estimated_cost_cents"`

	Status ProposalStatus `json:"status"`

	// Decision metadata. MatchedRule is set only on auto-approval;
	// ReviewedBy/DecisionReason on any decision. DenialReason records why
	// auto-approval did not fire, for the human reviewer's benefit.
	MatchedRule    *string    `json:"matched_rule,omitempty"`
	ReviewedBy     *string    `json:"reviewed_by,omitempty"`
	DecidedAt      *time.Time `json:"decided_at,omitempty"`
	DecisionReason *string    `json:"decision_reason,omitempty"`
	DenialReason   *string    `json:"denial_reason,omitempty"`

	// Execution linkage, set once an executor run starts.
	ExecutionRunID *uuid.UUID `json:"execution_run_id,omitempty"`

	// Health scores around execution. HealthBefore may be absent when no
	// pre-measurement exists; delta is then unknown, not zero.
	HealthBefore *int `json:"health_before,omitempty"`
	HealthAfter  *int `json:"health_after,omitempty"`
	HealthDelta  *int `json:"health_delta,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
