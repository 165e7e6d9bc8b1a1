package proposal

import (
	"context"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shonin/internal/health"
	"github.com/ashita-ai/shonin/internal/ledger"
	"github.com/ashita-ai/shonin/internal/model"
	"github.com/ashita-ai/shonin/internal/policy"
	"github.com/ashita-ai/shonin/internal/safety"
	"github.com/ashita-ai/shonin/internal/storage/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// env wires the full engine over a memory store for end-to-end service
// tests.
type env struct {
	store    *memory.Store
	limiter  *safety.Limiter
	runs     *ledger.Service
	tracker  *health.Tracker
	svc      *Service
	genRunID uuid.UUID
}

func newEnv(t *testing.T, limits ...model.SafetyLimit) *env {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	for _, l := range limits {
		require.NoError(t, store.UpsertLimit(ctx, l))
	}

	limiter, err := safety.New(ctx, store, nil, testLogger())
	require.NoError(t, err)
	runs := ledger.New(store, limiter, testLogger())
	tracker := health.New(store, testLogger())
	engine := policy.New(store, testLogger())
	svc := New(store, engine, limiter, runs, tracker, testLogger())

	// Every proposal needs a source generator run.
	gen, decision, err := runs.StartRun(ctx, model.AgentClassProposalGenerator, 0)
	require.NoError(t, err)
	require.True(t, decision.Allowed)

	return &env{store: store, limiter: limiter, runs: runs, tracker: tracker, svc: svc, genRunID: gen.ID}
}

func (e *env) addRule(t *testing.T, r model.AutoApprovalRule) {
	t.Helper()
	require.NoError(t, e.store.UpsertRule(context.Background(), r))
}

func cleanupRule() model.AutoApprovalRule {
	return model.AutoApprovalRule{
		Name:             "cleanup-small",
		Category:         model.CategoryCleanup,
		Enabled:          true,
		MaxFilesAffected: 5,
		MaxLinesChanged:  50,
		RequiresTests:    true,
		MaxSeverity:      model.SeverityLow,
	}
}

func (e *env) createReq() model.CreateProposalRequest {
	return model.CreateProposalRequest{
		SourceRunID:        e.genRunID,
		Title:              "remove unused config fields",
		Category:           model.CategoryCleanup,
		Severity:           model.SeverityLow,
		FilesAffected:      2,
		LinesChanged:       10,
		HasTests:           true,
		EstimatedCostCents: 50,
	}
}

func TestCreateStartsProposed(t *testing.T) {
	e := newEnv(t)
	p, err := e.svc.Create(context.Background(), e.createReq())
	require.NoError(t, err)
	assert.Equal(t, model.StatusProposed, p.Status)
	assert.Nil(t, p.ReviewedBy)
}

func TestCreateValidatesClosedSets(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	req := e.createReq()
	req.Category = "vibes"
	_, err := e.svc.Create(ctx, req)
	assert.ErrorIs(t, err, model.ErrInvalidCategory)

	req = e.createReq()
	req.Severity = "catastrophic"
	_, err = e.svc.Create(ctx, req)
	assert.ErrorIs(t, err, model.ErrInvalidSeverity)

	req = e.createReq()
	req.SourceRunID = uuid.New()
	_, err = e.svc.Create(ctx, req)
	assert.Error(t, err, "unknown source run must be rejected")
}

// Scenario: a small tested cleanup against a covering rule with budget
// headroom auto-approves with the rule recorded.
func TestAdmitAutoApproves(t *testing.T) {
	e := newEnv(t)
	e.addRule(t, cleanupRule())
	ctx := context.Background()

	p, err := e.svc.Create(ctx, e.createReq())
	require.NoError(t, err)

	p, err = e.svc.Admit(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, p.Status)
	require.NotNil(t, p.MatchedRule)
	assert.Equal(t, "cleanup-small", *p.MatchedRule)
	require.NotNil(t, p.ReviewedBy)
	assert.Equal(t, model.ReviewedByAuto, *p.ReviewedBy)
	assert.NotNil(t, p.DecidedAt)
}

// Scenario: the executor class is at its daily cap, so a rule match still
// leaves the proposal pending with the denial reason recorded.
func TestAdmitRecordsLimiterDenial(t *testing.T) {
	e := newEnv(t, model.SafetyLimit{
		AgentClass: model.AgentClassExecutor,
		Kind:       model.LimitMaxRunsPerDay,
		Limit:      0,
		Action:     model.BreachBlock,
		Enabled:    true,
	})
	e.addRule(t, cleanupRule())
	ctx := context.Background()

	p, err := e.svc.Create(ctx, e.createReq())
	require.NoError(t, err)

	p, err = e.svc.Admit(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProposed, p.Status)
	require.NotNil(t, p.DenialReason)
	assert.Equal(t, "RateLimited:max_runs_per_day", *p.DenialReason)
	assert.Nil(t, p.MatchedRule)
}

// Scenario: the only covering rule is disabled, so admission leaves the
// proposal awaiting a manual decision.
func TestAdmitNoMatchStaysProposed(t *testing.T) {
	e := newEnv(t)
	r := model.AutoApprovalRule{
		Name:             "refactor-major",
		Category:         model.CategoryRefactor,
		Enabled:          false,
		MaxFilesAffected: 100,
		MaxLinesChanged:  10000,
		MaxSeverity:      model.SeverityCritical,
	}
	e.addRule(t, r)
	ctx := context.Background()

	req := e.createReq()
	req.Category = model.CategoryRefactor
	req.Severity = model.SeverityHigh
	req.FilesAffected = 15
	p, err := e.svc.Create(ctx, req)
	require.NoError(t, err)

	p, err = e.svc.Admit(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProposed, p.Status)
	assert.Nil(t, p.DenialReason)

	// Manual approval is the way forward.
	p, err = e.svc.Decide(ctx, p.ID, model.DecideRequest{Decision: model.DecisionApprove}, "alex")
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, p.Status)
}

func TestAdmitIdempotentAfterApproval(t *testing.T) {
	e := newEnv(t)
	e.addRule(t, cleanupRule())
	ctx := context.Background()

	p, err := e.svc.Create(ctx, e.createReq())
	require.NoError(t, err)
	first, err := e.svc.Admit(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusApproved, first.Status)

	// Re-admission of a non-proposed proposal changes nothing.
	again, err := e.svc.Admit(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Status, again.Status)
	assert.Equal(t, first.DecidedAt, again.DecidedAt)
}

func TestDecideRejectRequiresReason(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	p, err := e.svc.Create(ctx, e.createReq())
	require.NoError(t, err)

	_, err = e.svc.Decide(ctx, p.ID, model.DecideRequest{Decision: model.DecisionReject}, "alex")
	require.Error(t, err)

	rejected, err := e.svc.Decide(ctx, p.ID,
		model.DecideRequest{Decision: model.DecisionReject, Reason: "touches the billing path"}, "alex")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, rejected.Status)
	require.NotNil(t, rejected.DecisionReason)
	assert.Equal(t, "touches the billing path", *rejected.DecisionReason)
}

func TestDecideOnDecidedProposalIsInvalidTransition(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	p, err := e.svc.Create(ctx, e.createReq())
	require.NoError(t, err)
	_, err = e.svc.Decide(ctx, p.ID, model.DecideRequest{Decision: model.DecisionApprove}, "alex")
	require.NoError(t, err)

	// A second, sequential decision is a state-machine violation, not a
	// race: the caller saw (or could see) the terminal status.
	_, err = e.svc.Decide(ctx, p.ID, model.DecideRequest{Decision: model.DecisionApprove}, "sam")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestBeginExecutionRequiresApproved(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	p, err := e.svc.Create(ctx, e.createReq())
	require.NoError(t, err)

	_, err = e.svc.BeginExecution(ctx, p.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestBeginExecutionDeniedLeavesApproved(t *testing.T) {
	// One executor slot: consumed by a direct run before execution begins.
	e := newEnv(t, model.SafetyLimit{
		AgentClass: model.AgentClassExecutor,
		Kind:       model.LimitMaxRunsPerHour,
		Limit:      1,
		Action:     model.BreachBlock,
		Enabled:    true,
	})
	ctx := context.Background()

	p, err := e.svc.Create(ctx, e.createReq())
	require.NoError(t, err)
	p, err = e.svc.Decide(ctx, p.ID, model.DecideRequest{Decision: model.DecisionApprove}, "alex")
	require.NoError(t, err)

	_, decision, err := e.runs.StartRun(ctx, model.AgentClassExecutor, 0)
	require.NoError(t, err)
	require.True(t, decision.Allowed)

	_, err = e.svc.BeginExecution(ctx, p.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrAdmissionDenied)
	assert.ErrorContains(t, err, "RateLimited:max_runs_per_hour")

	// Still approved: retryable once budget frees up.
	got, err := e.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, got.Status)
	assert.Nil(t, got.ExecutionRunID)
}

// Scenario: the full happy path through execution, with health 70 → 78
// recorded as a +8 delta.
func TestExecutionLifecycle(t *testing.T) {
	e := newEnv(t)
	e.addRule(t, cleanupRule())
	ctx := context.Background()

	p, err := e.svc.Create(ctx, e.createReq())
	require.NoError(t, err)
	p, err = e.svc.Admit(ctx, p.ID)
	require.NoError(t, err)

	p, err = e.svc.BeginExecution(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, p.Status)
	require.NotNil(t, p.ExecutionRunID)

	run, err := e.runs.GetRun(ctx, *p.ExecutionRunID)
	require.NoError(t, err)
	assert.Equal(t, model.AgentClassExecutor, run.AgentClass)
	assert.Equal(t, model.RunOutcomeRunning, run.Outcome)

	before, after := 70, 78
	p, err = e.svc.CompleteExecution(ctx, p.ID, model.CompleteExecutionRequest{
		Success:      true,
		HealthBefore: &before,
		HealthAfter:  &after,
		CostCents:    120,
		Tokens:       4000,
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, p.Status)
	require.NotNil(t, p.HealthDelta)
	assert.Equal(t, 8, *p.HealthDelta)

	run, err = e.runs.GetRun(ctx, *p.ExecutionRunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunOutcomeCompleted, run.Outcome)
	assert.Equal(t, int64(120), run.CostCents)

	// The health tracker saw the after score.
	state, err := e.store.GetEngineState(ctx)
	require.NoError(t, err)
	require.NotNil(t, state.AvgHealthScore)
	assert.InDelta(t, 78.0, *state.AvgHealthScore, 0.001)
}

func TestCompleteExecutionFailureRecordsReason(t *testing.T) {
	e := newEnv(t)
	e.addRule(t, cleanupRule())
	ctx := context.Background()

	p, err := e.svc.Create(ctx, e.createReq())
	require.NoError(t, err)
	p, err = e.svc.Admit(ctx, p.ID)
	require.NoError(t, err)
	p, err = e.svc.BeginExecution(ctx, p.ID)
	require.NoError(t, err)

	_, err = e.svc.CompleteExecution(ctx, p.ID, model.CompleteExecutionRequest{Success: false})
	require.Error(t, err, "a failure without a reason must be rejected")

	p, err = e.svc.CompleteExecution(ctx, p.ID, model.CompleteExecutionRequest{
		Success: false,
		Reason:  "tests failed after applying the change",
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, p.Status)
	require.NotNil(t, p.DecisionReason)

	run, err := e.runs.GetRun(ctx, *p.ExecutionRunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunOutcomeFailed, run.Outcome)
}

func TestCompleteExecutionWithoutBaselineLeavesDeltaNil(t *testing.T) {
	e := newEnv(t)
	e.addRule(t, cleanupRule())
	ctx := context.Background()

	p, err := e.svc.Create(ctx, e.createReq())
	require.NoError(t, err)
	p, err = e.svc.Admit(ctx, p.ID)
	require.NoError(t, err)
	p, err = e.svc.BeginExecution(ctx, p.ID)
	require.NoError(t, err)

	after := 80
	p, err = e.svc.CompleteExecution(ctx, p.ID, model.CompleteExecutionRequest{
		Success:     true,
		HealthAfter: &after,
	})
	require.NoError(t, err)
	// No before measurement: the delta is unknown, not zero.
	assert.Nil(t, p.HealthDelta)
	require.NotNil(t, p.HealthAfter)
}

func TestCompleteExecutionTerminalIsImmutable(t *testing.T) {
	e := newEnv(t)
	e.addRule(t, cleanupRule())
	ctx := context.Background()

	p, err := e.svc.Create(ctx, e.createReq())
	require.NoError(t, err)
	p, err = e.svc.Admit(ctx, p.ID)
	require.NoError(t, err)
	p, err = e.svc.BeginExecution(ctx, p.ID)
	require.NoError(t, err)
	p, err = e.svc.CompleteExecution(ctx, p.ID, model.CompleteExecutionRequest{Success: true})
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, p.Status)

	_, err = e.svc.CompleteExecution(ctx, p.ID, model.CompleteExecutionRequest{
		Success: false, Reason: "changed my mind",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestFailForRunFailsInProgressProposal(t *testing.T) {
	e := newEnv(t)
	e.addRule(t, cleanupRule())
	ctx := context.Background()

	p, err := e.svc.Create(ctx, e.createReq())
	require.NoError(t, err)
	p, err = e.svc.Admit(ctx, p.ID)
	require.NoError(t, err)
	p, err = e.svc.BeginExecution(ctx, p.ID)
	require.NoError(t, err)

	require.NoError(t, e.svc.FailForRun(ctx, *p.ExecutionRunID, "execution run timed out"))

	got, err := e.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	require.NotNil(t, got.DecisionReason)
	assert.Equal(t, "execution run timed out", *got.DecisionReason)

	// Unknown run ids are a no-op, not an error.
	require.NoError(t, e.svc.FailForRun(ctx, uuid.New(), "whatever"))
}

func TestListFiltersByStatus(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	a, err := e.svc.Create(ctx, e.createReq())
	require.NoError(t, err)
	_, err = e.svc.Create(ctx, e.createReq())
	require.NoError(t, err)
	_, err = e.svc.Decide(ctx, a.ID, model.DecideRequest{Decision: model.DecisionApprove}, "alex")
	require.NoError(t, err)

	status := model.StatusProposed
	got, total, err := e.svc.List(ctx, &status, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, got, 1)

	bad := model.ProposalStatus("limbo")
	_, _, err = e.svc.List(ctx, &bad, 10, 0)
	assert.Error(t, err)
}
