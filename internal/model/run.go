// Package model defines the core domain types for Shonin.
//
// All types correspond directly to database tables and API payloads.
// Types use strong typing (UUIDs, time.Time, enums) and avoid
// interface{} wherever possible.
package model

import (
	"time"

	"github.com/google/uuid"
)

// AgentClass identifies which kind of agent an invocation belongs to.
// Safety limits are budgeted per class, not per individual agent.
type AgentClass string

const (
	AgentClassAnalyzer          AgentClass = "analyzer"
	AgentClassProposalGenerator AgentClass = "proposal_generator"
	AgentClassExecutor          AgentClass = "executor"
	AgentClassValidator         AgentClass = "validator"
)

// AgentClasses is the closed set of valid agent classes.
var AgentClasses = []AgentClass{
	AgentClassAnalyzer,
	AgentClassProposalGenerator,
	AgentClassExecutor,
	AgentClassValidator,
}

// Valid reports whether c is in the closed agent-class set.
func (c AgentClass) Valid() bool {
	switch c {
	case AgentClassAnalyzer, AgentClassProposalGenerator, AgentClassExecutor, AgentClassValidator:
		return true
	}
	return false
}

// RunOutcome is the lifecycle state of an agent run.
// Transitions only running → {completed, failed, timed_out}, never backward.
type RunOutcome string

const (
	RunOutcomeRunning   RunOutcome = "running"
	RunOutcomeCompleted RunOutcome = "completed"
	RunOutcomeFailed    RunOutcome = "failed"
	RunOutcomeTimedOut  RunOutcome = "timed_out"
)

// Terminal reports whether the outcome is final.
func (o RunOutcome) Terminal() bool {
	return o == RunOutcomeCompleted || o == RunOutcomeFailed || o == RunOutcomeTimedOut
}

// Valid reports whether o is a known outcome.
func (o RunOutcome) Valid() bool {
	return o == RunOutcomeRunning || o.Terminal()
}

// Run is one timed, costed invocation of an agent. Append-only:
// a run is created at start and mutated exactly once, by completion
// (or by the timeout sweep). Cost and outcome never change after that.
type Run struct {
	ID          uuid.UUID  `json:"id"`
	AgentClass  AgentClass `json:"agent_class"`
	Outcome     RunOutcome `json:"outcome"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// CostCents is the run's cost in integer cents. Integer to avoid
	// float drift when summed into budget counters.
	CostCents int64  `json:"cost_cents"`
	Tokens    int64  `json:"tokens"`
	Summary   string `json:"summary,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
