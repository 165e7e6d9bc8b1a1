// Package ledger is the append-only record of agent invocations. Every run
// of an analyzer, proposal generator, executor, or validator passes through
// StartRun and CompleteRun; nothing else writes run rows.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/shonin/internal/model"
	"github.com/ashita-ai/shonin/internal/safety"
	"github.com/ashita-ai/shonin/internal/telemetry"
)

// Store is the persistence contract for run records.
type Store interface {
	CreateRun(ctx context.Context, run model.Run) error
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	CompleteRun(ctx context.Context, id uuid.UUID, outcome model.RunOutcome, costCents, tokens int64, summary string, completedAt time.Time) (bool, error)
	ListRuns(ctx context.Context, class *model.AgentClass, limit, offset int) ([]model.Run, int, error)
	SweepTimedOutRuns(ctx context.Context, cutoff, completedAt time.Time) ([]model.Run, error)
	DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Admitter gates run starts. Satisfied by *safety.Limiter.
type Admitter interface {
	Admit(ctx context.Context, class model.AgentClass, estimatedCostCents int64) safety.Decision
}

// Service implements the run ledger over a store and the safety limiter.
type Service struct {
	store    Store
	admitter Admitter
	logger   *slog.Logger

	now func() time.Time

	started   metric.Int64Counter
	completed metric.Int64Counter
}

// New creates a ledger service.
func New(store Store, admitter Admitter, logger *slog.Logger) *Service {
	meter := telemetry.Meter("shonin/ledger")
	started, _ := meter.Int64Counter("shonin.runs.started",
		metric.WithDescription("Agent runs admitted and recorded"))
	completed, _ := meter.Int64Counter("shonin.runs.completed",
		metric.WithDescription("Agent runs completed, by outcome"))

	return &Service{
		store:     store,
		admitter:  admitter,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		started:   started,
		completed: completed,
	}
}

// StartRun admits and records the start of an agent invocation. The
// estimated cost is charged against the class's spend budgets at admission;
// actual cost is recorded at completion without reconciliation. A denial is
// returned in the decision, not as an error.
func (s *Service) StartRun(ctx context.Context, class model.AgentClass, estimatedCostCents int64) (model.Run, safety.Decision, error) {
	if !class.Valid() {
		return model.Run{}, safety.Decision{}, fmt.Errorf("%w: %q", model.ErrInvalidAgentClass, class)
	}
	if estimatedCostCents < 0 {
		return model.Run{}, safety.Decision{}, fmt.Errorf("ledger: estimated cost must be non-negative")
	}

	decision := s.admitter.Admit(ctx, class, estimatedCostCents)
	if !decision.Allowed {
		s.logger.Info("run admission denied", "agent_class", class, "reason", decision.Reason)
		return model.Run{}, decision, nil
	}

	run := model.Run{
		ID:         uuid.New(),
		AgentClass: class,
		Outcome:    model.RunOutcomeRunning,
		StartedAt:  s.now(),
		CreatedAt:  s.now(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return model.Run{}, safety.Decision{}, fmt.Errorf("ledger: create run: %w", err)
	}

	if s.started != nil {
		s.started.Add(ctx, 1, metric.WithAttributes(
			attribute.String("shonin.agent_class", string(class))))
	}
	s.logger.Info("run started", "run_id", run.ID, "agent_class", class)
	return run, decision, nil
}

// CompleteRun records the terminal outcome of a run. Exactly-once in effect:
// a retry with the same outcome is a no-op returning the stored run, a retry
// with a different outcome fails with AlreadyTerminal. Cost and outcome are
// never rewritten after the first successful completion.
func (s *Service) CompleteRun(ctx context.Context, id uuid.UUID, outcome model.RunOutcome, costCents, tokens int64, summary string) (model.Run, error) {
	if !outcome.Valid() || !outcome.Terminal() {
		return model.Run{}, fmt.Errorf("%w: %q", model.ErrInvalidOutcome, outcome)
	}

	completedAt := s.now()
	applied, err := s.store.CompleteRun(ctx, id, outcome, costCents, tokens, summary, completedAt)
	if err != nil {
		return model.Run{}, fmt.Errorf("ledger: complete run: %w", err)
	}

	run, getErr := s.store.GetRun(ctx, id)
	if getErr != nil {
		return model.Run{}, fmt.Errorf("ledger: complete run: %w", getErr)
	}

	if !applied {
		// Lost the guard on outcome='running': someone completed it first.
		if run.Outcome == outcome {
			return run, nil
		}
		return model.Run{}, fmt.Errorf("%w: run %s is %s", model.ErrAlreadyTerminal, id, run.Outcome)
	}

	if s.completed != nil {
		s.completed.Add(ctx, 1, metric.WithAttributes(
			attribute.String("shonin.agent_class", string(run.AgentClass)),
			attribute.String("shonin.outcome", string(outcome))))
	}
	s.logger.Info("run completed",
		"run_id", id, "agent_class", run.AgentClass, "outcome", outcome,
		"cost_cents", costCents, "tokens", tokens)
	return run, nil
}

// GetRun returns one run record.
func (s *Service) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	return s.store.GetRun(ctx, id)
}

// ListRuns returns runs newest first, optionally filtered by agent class.
func (s *Service) ListRuns(ctx context.Context, class *model.AgentClass, limit, offset int) ([]model.Run, int, error) {
	if class != nil && !class.Valid() {
		return nil, 0, fmt.Errorf("%w: %q", model.ErrInvalidAgentClass, *class)
	}
	return s.store.ListRuns(ctx, class, limit, offset)
}

// SweepTimedOut marks runs still running after maxAge as timed_out and
// returns them, so the caller can fail any proposals they were executing.
func (s *Service) SweepTimedOut(ctx context.Context, maxAge time.Duration) ([]model.Run, error) {
	now := s.now()
	swept, err := s.store.SweepTimedOutRuns(ctx, now.Add(-maxAge), now)
	if err != nil {
		return nil, fmt.Errorf("ledger: timeout sweep: %w", err)
	}
	for _, run := range swept {
		s.logger.Warn("run timed out", "run_id", run.ID, "agent_class", run.AgentClass,
			"started_at", run.StartedAt)
	}
	return swept, nil
}

// SweepRetention deletes terminal runs older than the retention window.
// Running runs are never deleted regardless of age.
func (s *Service) SweepRetention(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	deleted, err := s.store.DeleteRunsBefore(ctx, s.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("ledger: retention sweep: %w", err)
	}
	if deleted > 0 {
		s.logger.Info("retention sweep deleted runs", "count", deleted)
	}
	return deleted, nil
}
