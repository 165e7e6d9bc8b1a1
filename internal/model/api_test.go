package model

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validCreateProposal() CreateProposalRequest {
	return CreateProposalRequest{
		SourceRunID:        uuid.New(),
		Title:              "remove dead feature flag",
		Category:           CategoryCleanup,
		Severity:           SeverityLow,
		FilesAffected:      2,
		LinesChanged:       10,
		HasTests:           true,
		EstimatedCostCents: 120,
	}
}

func TestStartRunRequest_Validate(t *testing.T) {
	assert.NoError(t, StartRunRequest{AgentClass: AgentClassAnalyzer}.Validate())
	assert.NoError(t, StartRunRequest{AgentClass: AgentClassValidator}.Validate())

	err := StartRunRequest{AgentClass: "gardener"}.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidAgentClass)
}

func TestCompleteRunRequest_Validate(t *testing.T) {
	assert.NoError(t, CompleteRunRequest{Outcome: RunOutcomeCompleted}.Validate())
	assert.NoError(t, CompleteRunRequest{Outcome: RunOutcomeTimedOut}.Validate())

	// running is not a terminal outcome a caller may report.
	err := CompleteRunRequest{Outcome: RunOutcomeRunning}.Validate()
	assert.ErrorIs(t, err, ErrInvalidOutcome)

	err = CompleteRunRequest{Outcome: RunOutcomeCompleted, CostCents: -1}.Validate()
	assert.Error(t, err)
}

func TestCreateProposalRequest_Validate(t *testing.T) {
	assert.NoError(t, validCreateProposal().Validate())

	badCat := validCreateProposal()
	badCat.Category = "chore"
	assert.ErrorIs(t, badCat.Validate(), ErrInvalidCategory)

	badSev := validCreateProposal()
	badSev.Severity = "urgent"
	assert.ErrorIs(t, badSev.Validate(), ErrInvalidSeverity)

	noRun := validCreateProposal()
	noRun.SourceRunID = uuid.Nil
	assert.Error(t, noRun.Validate())

	longTitle := validCreateProposal()
	longTitle.Title = strings.Repeat("x", MaxTitleLen+1)
	assert.Error(t, longTitle.Validate())

	negative := validCreateProposal()
	negative.FilesAffected = -1
	assert.Error(t, negative.Validate())
}

func TestDecideRequest_Validate(t *testing.T) {
	assert.NoError(t, DecideRequest{Decision: DecisionApprove}.Validate())
	assert.NoError(t, DecideRequest{Decision: DecisionReject, Reason: "too risky"}.Validate())

	assert.Error(t, DecideRequest{Decision: "maybe"}.Validate())
	assert.Error(t, DecideRequest{Decision: DecisionReject}.Validate(),
		"rejection without a reason must fail")
}

func TestCompleteExecutionRequest_Validate(t *testing.T) {
	assert.NoError(t, CompleteExecutionRequest{Success: true}.Validate())
	assert.NoError(t, CompleteExecutionRequest{Success: false, Reason: "tests failed"}.Validate())
	assert.Error(t, CompleteExecutionRequest{Success: false}.Validate(),
		"failure without a reason must fail")
}

func TestValidateAgentID(t *testing.T) {
	assert.NoError(t, ValidateAgentID("analyzer-01"))
	assert.NoError(t, ValidateAgentID("ops.dashboard_2"))
	assert.Error(t, ValidateAgentID(""))
	assert.Error(t, ValidateAgentID("-leading-dash"))
	assert.Error(t, ValidateAgentID(strings.Repeat("a", 129)))
}
