package model

import (
	"time"

	"github.com/google/uuid"
)

// EngineState is the single row of process-wide mutable state: the
// emergency-stop flag (operator-set, read by every admission) and the
// rolling average health score (maintained by the health tracker).
type EngineState struct {
	EmergencyStop bool `json:"emergency_stop"`
	// AvgHealthScore is the rolling average over recorded samples,
	// nil until the first sample arrives.
	AvgHealthScore *float64  `json:"avg_health_score,omitempty"`
	HealthSamples  int64     `json:"health_samples"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ProposalUpdate carries the mutable fields applied together with a status
// compare-and-swap. Nil pointer fields are left unchanged.
type ProposalUpdate struct {
	Status         ProposalStatus
	MatchedRule    *string
	ReviewedBy     *string
	DecidedAt      *time.Time
	DecisionReason *string
	DenialReason   *string
	ExecutionRunID *uuid.UUID
	HealthBefore   *int
	HealthAfter    *int
	HealthDelta    *int
}
