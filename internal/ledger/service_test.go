package ledger

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shonin/internal/model"
	"github.com/ashita-ai/shonin/internal/safety"
	"github.com/ashita-ai/shonin/internal/storage"
	"github.com/ashita-ai/shonin/internal/storage/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// allowAll admits everything; denyAll denies with a fixed reason.
type allowAll struct{}

func (allowAll) Admit(context.Context, model.AgentClass, int64) safety.Decision {
	return safety.Allow
}

type denyAll struct{ reason string }

func (d denyAll) Admit(context.Context, model.AgentClass, int64) safety.Decision {
	return safety.Deny(d.reason)
}

func newService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	return New(store, allowAll{}, testLogger()), store
}

func TestStartRunRecordsRunningRun(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	run, decision, err := svc.StartRun(ctx, model.AgentClassAnalyzer, 0)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, model.RunOutcomeRunning, run.Outcome)
	assert.Nil(t, run.CompletedAt)

	stored, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AgentClassAnalyzer, stored.AgentClass)
}

func TestStartRunRejectsUnknownClass(t *testing.T) {
	svc, _ := newService(t)

	_, _, err := svc.StartRun(context.Background(), model.AgentClass("janitor"), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrInvalidAgentClass)
}

func TestStartRunDenialCreatesNoRun(t *testing.T) {
	store := memory.New()
	svc := New(store, denyAll{reason: safety.ReasonEmergencyStop}, testLogger())
	ctx := context.Background()

	_, decision, err := svc.StartRun(ctx, model.AgentClassExecutor, 100)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, safety.ReasonEmergencyStop, decision.Reason)

	runs, total, err := store.ListRuns(ctx, nil, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.Zero(t, total)
}

func TestCompleteRunRecordsOutcomeOnce(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	run, _, err := svc.StartRun(ctx, model.AgentClassExecutor, 0)
	require.NoError(t, err)

	done, err := svc.CompleteRun(ctx, run.ID, model.RunOutcomeCompleted, 250, 1200, "refactored config loader")
	require.NoError(t, err)
	assert.Equal(t, model.RunOutcomeCompleted, done.Outcome)
	require.NotNil(t, done.CompletedAt)
	assert.False(t, done.CompletedAt.Before(done.StartedAt))
	assert.Equal(t, int64(250), done.CostCents)
}

func TestCompleteRunIdempotentOnSameOutcome(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	run, _, err := svc.StartRun(ctx, model.AgentClassExecutor, 0)
	require.NoError(t, err)

	first, err := svc.CompleteRun(ctx, run.ID, model.RunOutcomeCompleted, 250, 1200, "done")
	require.NoError(t, err)

	// Retry with the identical outcome: no-op, original record untouched.
	again, err := svc.CompleteRun(ctx, run.ID, model.RunOutcomeCompleted, 999, 9, "different payload")
	require.NoError(t, err)
	assert.Equal(t, first.CostCents, again.CostCents)
	assert.Equal(t, first.CompletedAt, again.CompletedAt)
}

func TestCompleteRunConflictingOutcomeFails(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	run, _, err := svc.StartRun(ctx, model.AgentClassExecutor, 0)
	require.NoError(t, err)

	_, err = svc.CompleteRun(ctx, run.ID, model.RunOutcomeCompleted, 0, 0, "")
	require.NoError(t, err)

	_, err = svc.CompleteRun(ctx, run.ID, model.RunOutcomeFailed, 0, 0, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrAlreadyTerminal)
}

func TestCompleteRunUnknownIDFails(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.CompleteRun(context.Background(), uuid.New(), model.RunOutcomeCompleted, 0, 0, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCompleteRunRejectsNonTerminalOutcome(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	run, _, err := svc.StartRun(ctx, model.AgentClassExecutor, 0)
	require.NoError(t, err)

	_, err = svc.CompleteRun(ctx, run.ID, model.RunOutcomeRunning, 0, 0, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrInvalidOutcome)
}

func TestListRunsFiltersByClass(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, _, err := svc.StartRun(ctx, model.AgentClassAnalyzer, 0)
	require.NoError(t, err)
	_, _, err = svc.StartRun(ctx, model.AgentClassExecutor, 0)
	require.NoError(t, err)
	_, _, err = svc.StartRun(ctx, model.AgentClassExecutor, 0)
	require.NoError(t, err)

	class := model.AgentClassExecutor
	runs, total, err := svc.ListRuns(ctx, &class, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	for _, r := range runs {
		assert.Equal(t, model.AgentClassExecutor, r.AgentClass)
	}

	bad := model.AgentClass("janitor")
	_, _, err = svc.ListRuns(ctx, &bad, 10, 0)
	assert.ErrorIs(t, err, model.ErrInvalidAgentClass)
}

func TestSweepTimedOutMarksOnlyStaleRuns(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	stale, _, err := svc.StartRun(ctx, model.AgentClassExecutor, 0)
	require.NoError(t, err)

	// Age the first run past the sweep cutoff, then start a fresh one under
	// the shifted clock.
	svc.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	live, _, err := svc.StartRun(ctx, model.AgentClassValidator, 0)
	require.NoError(t, err)

	swept, err := svc.SweepTimedOut(ctx, time.Hour)
	require.NoError(t, err)

	sweptIDs := make(map[uuid.UUID]bool)
	for _, r := range swept {
		sweptIDs[r.ID] = true
		assert.Equal(t, model.RunOutcomeTimedOut, r.Outcome)
	}
	assert.True(t, sweptIDs[stale.ID])
	assert.False(t, sweptIDs[live.ID])

	got, err := store.GetRun(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunOutcomeRunning, got.Outcome)
}

func TestSweepRetentionKeepsRunningRuns(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	old, _, err := svc.StartRun(ctx, model.AgentClassAnalyzer, 0)
	require.NoError(t, err)
	_, err = svc.CompleteRun(ctx, old.ID, model.RunOutcomeCompleted, 0, 0, "")
	require.NoError(t, err)

	running, _, err := svc.StartRun(ctx, model.AgentClassAnalyzer, 0)
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().UTC().Add(48 * time.Hour) }
	deleted, err := svc.SweepRetention(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = store.GetRun(ctx, old.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetRun(ctx, running.ID)
	assert.NoError(t, err)
}

func TestSweepRetentionKeepsRunsWithProposals(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	sourced, _, err := svc.StartRun(ctx, model.AgentClassProposalGenerator, 0)
	require.NoError(t, err)
	_, err = svc.CompleteRun(ctx, sourced.ID, model.RunOutcomeCompleted, 0, 0, "")
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, store.CreateProposal(ctx, model.Proposal{
		ID:            uuid.New(),
		SourceRunID:   sourced.ID,
		Title:         "delete stale feature flag",
		Category:      model.CategoryCleanup,
		Severity:      model.SeverityLow,
		FilesAffected: 1,
		LinesChanged:  8,
		HasTests:      true,
		Status:        model.StatusProposed,
		CreatedAt:     now,
		UpdatedAt:     now,
	}))

	loose, _, err := svc.StartRun(ctx, model.AgentClassAnalyzer, 0)
	require.NoError(t, err)
	_, err = svc.CompleteRun(ctx, loose.ID, model.RunOutcomeCompleted, 0, 0, "")
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().UTC().Add(48 * time.Hour) }
	deleted, err := svc.SweepRetention(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	// The run a proposal references stays; the unreferenced one goes.
	_, err = store.GetRun(ctx, sourced.ID)
	assert.NoError(t, err)
	_, err = store.GetRun(ctx, loose.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
