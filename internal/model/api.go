package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Field length limits for proposal text fields. These keep caller-controlled
// text out of unbounded Postgres TEXT growth and bound audit payload sizes.
const (
	MaxTitleLen        = 500
	MaxDescriptionLen  = 64 * 1024 // 64 KB
	MaxRollbackPlanLen = 32 * 1024 // 32 KB
	MaxSummaryLen      = 32 * 1024 // 32 KB
	MaxReasonLen       = 8 * 1024  // 8 KB
)

// StartRunRequest is the payload for POST /v1/runs.
type StartRunRequest struct {
	AgentClass AgentClass `json:"agent_class"`
	// EstimatedCostCents is charged against the class's spend budgets at
	// admission time.
	EstimatedCostCents int64 `json:"estimated_cost_cents"`
}

// Validate checks the closed agent-class set.
func (r StartRunRequest) Validate() error {
	if !r.AgentClass.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidAgentClass, r.AgentClass)
	}
	if r.EstimatedCostCents < 0 {
		return fmt.Errorf("estimated_cost_cents must be non-negative")
	}
	return nil
}

// AuthTokenRequest is the payload for POST /auth/token.
type AuthTokenRequest struct {
	AgentID string `json:"agent_id"`
	APIKey  string `json:"api_key"`
}

// AuthTokenResponse carries a freshly issued JWT.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CompleteRunRequest is the payload for POST /v1/runs/{run_id}/complete.
type CompleteRunRequest struct {
	Outcome   RunOutcome `json:"outcome"`
	CostCents int64      `json:"cost_cents"`
	Tokens    int64      `json:"tokens"`
	Summary   string     `json:"summary,omitempty"`
}

// Validate checks the outcome is terminal and fields are within bounds.
func (r CompleteRunRequest) Validate() error {
	if !r.Outcome.Valid() || !r.Outcome.Terminal() {
		return fmt.Errorf("%w: %q (must be completed, failed, or timed_out)", ErrInvalidOutcome, r.Outcome)
	}
	if r.CostCents < 0 {
		return fmt.Errorf("cost_cents must be non-negative")
	}
	if r.Tokens < 0 {
		return fmt.Errorf("tokens must be non-negative")
	}
	if len(r.Summary) > MaxSummaryLen {
		return fmt.Errorf("summary exceeds maximum length of %d bytes", MaxSummaryLen)
	}
	return nil
}

// CreateProposalRequest is the payload for POST /v1/proposals.
type CreateProposalRequest struct {
	SourceRunID        uuid.UUID `json:"source_run_id"`
	Title              string    `json:"title"`
	Description        string    `json:"description,omitempty"`
	Category           Category  `json:"category"`
	Severity           Severity  `json:"severity"`
	FilesAffected      int       `json:"files_affected"`
	LinesChanged       int       `json:"lines_changed"`
	HasTests           bool      `json:"has_tests"`
	RollbackPlan       string    `json:"rollback_plan,omitempty"`
	EstimatedCostCents int64     `json:"estimated_cost_cents"`
}

// Validate checks closed sets and field bounds.
func (r CreateProposalRequest) Validate() error {
	if !r.Category.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidCategory, r.Category)
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSeverity, r.Severity)
	}
	if r.SourceRunID == uuid.Nil {
		return fmt.Errorf("source_run_id is required")
	}
	if r.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(r.Title) > MaxTitleLen {
		return fmt.Errorf("title exceeds maximum length of %d characters", MaxTitleLen)
	}
	if len(r.Description) > MaxDescriptionLen {
		return fmt.Errorf("description exceeds maximum length of %d bytes", MaxDescriptionLen)
	}
	if len(r.RollbackPlan) > MaxRollbackPlanLen {
		return fmt.Errorf("rollback_plan exceeds maximum length of %d bytes", MaxRollbackPlanLen)
	}
	if r.FilesAffected < 0 || r.LinesChanged < 0 {
		return fmt.Errorf("blast radius counts must be non-negative")
	}
	if r.EstimatedCostCents < 0 {
		return fmt.Errorf("estimated_cost_cents must be non-negative")
	}
	return nil
}

// Decision values for the manual review path.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// DecideRequest is the payload for POST /v1/proposals/{proposal_id}/decision.
type DecideRequest struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

// Validate checks the decision value. A rejection must carry a reason so
// the audit trail records why.
func (r DecideRequest) Validate() error {
	if r.Decision != DecisionApprove && r.Decision != DecisionReject {
		return fmt.Errorf("decision must be %q or %q", DecisionApprove, DecisionReject)
	}
	if r.Decision == DecisionReject && r.Reason == "" {
		return fmt.Errorf("a rejection must include a reason")
	}
	if len(r.Reason) > MaxReasonLen {
		return fmt.Errorf("reason exceeds maximum length of %d bytes", MaxReasonLen)
	}
	return nil
}

// CompleteExecutionRequest is the payload for
// POST /v1/proposals/{proposal_id}/execution/complete.
type CompleteExecutionRequest struct {
	Success      bool   `json:"success"`
	Reason       string `json:"reason,omitempty"`
	HealthBefore *int   `json:"health_before,omitempty"`
	HealthAfter  *int   `json:"health_after,omitempty"`
	CostCents    int64  `json:"cost_cents"`
	Tokens       int64  `json:"tokens"`
}

// Validate checks that failures carry a reason.
func (r CompleteExecutionRequest) Validate() error {
	if !r.Success && r.Reason == "" {
		return fmt.Errorf("a failed execution must include a reason")
	}
	if len(r.Reason) > MaxReasonLen {
		return fmt.Errorf("reason exceeds maximum length of %d bytes", MaxReasonLen)
	}
	if r.CostCents < 0 || r.Tokens < 0 {
		return fmt.Errorf("cost_cents and tokens must be non-negative")
	}
	return nil
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   int          `json:"total"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput = "INVALID_INPUT"
	ErrCodeUnauthorized = "UNAUTHORIZED"
	ErrCodeForbidden    = "FORBIDDEN"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeConflict     = "CONFLICT"
	ErrCodeDenied       = "ADMISSION_DENIED"
	ErrCodeInternal     = "INTERNAL"
)
