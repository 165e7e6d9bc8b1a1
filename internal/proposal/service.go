// Package proposal drives the lifecycle of candidate changes: creation by
// generator agents, the automatic admission gate, manual operator decisions,
// and the execution callbacks.
//
// Every status mutation goes through a compare-and-swap on the expected
// prior status. A lost swap surfaces as Conflict — never silently
// overwritten — so concurrent deciders and executors cannot corrupt the
// monotonic lifecycle.
package proposal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/shonin/internal/ledger"
	"github.com/ashita-ai/shonin/internal/model"
	"github.com/ashita-ai/shonin/internal/safety"
	"github.com/ashita-ai/shonin/internal/storage"
	"github.com/ashita-ai/shonin/internal/telemetry"
)

// Store is the persistence contract for proposals.
type Store interface {
	CreateProposal(ctx context.Context, p model.Proposal) error
	GetProposal(ctx context.Context, id uuid.UUID) (model.Proposal, error)
	CASProposal(ctx context.Context, id uuid.UUID, from model.ProposalStatus, upd model.ProposalUpdate) (model.Proposal, bool, error)
	RecordDenial(ctx context.Context, id uuid.UUID, reason string, at time.Time) error
	ListProposals(ctx context.Context, status *model.ProposalStatus, limit, offset int) ([]model.Proposal, int, error)
	GetProposalByExecutionRun(ctx context.Context, runID uuid.UUID) (model.Proposal, error)
}

// Matcher finds the auto-approval rule covering a proposal, if any.
// Satisfied by *policy.Engine.
type Matcher interface {
	Match(ctx context.Context, p model.Proposal) (*model.AutoApprovalRule, error)
}

// Checker answers hypothetical admission questions without charging
// budgets. Satisfied by *safety.Limiter.
type Checker interface {
	Check(ctx context.Context, class model.AgentClass, estimatedCostCents int64) safety.Decision
}

// HealthRecorder receives post-execution health scores.
type HealthRecorder interface {
	RecordHealth(ctx context.Context, runID uuid.UUID, score int) error
}

// Service implements the proposal state machine.
type Service struct {
	store   Store
	matcher Matcher
	checker Checker
	runs    *ledger.Service
	health  HealthRecorder
	logger  *slog.Logger

	now func() time.Time

	transitions metric.Int64Counter
}

// New creates a proposal service. health may be nil when no tracker is
// wired (health scores are still recorded on the proposal row).
func New(store Store, matcher Matcher, checker Checker, runs *ledger.Service, health HealthRecorder, logger *slog.Logger) *Service {
	meter := telemetry.Meter("shonin/proposal")
	transitions, _ := meter.Int64Counter("shonin.proposal.transitions",
		metric.WithDescription("Proposal status transitions, by target status"))

	return &Service{
		store:       store,
		matcher:     matcher,
		checker:     checker,
		runs:        runs,
		health:      health,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		transitions: transitions,
	}
}

// Create records a new proposal from a generator run, in status proposed.
// The source run must exist in the ledger; a proposal with no provenance is
// a caller bug.
func (s *Service) Create(ctx context.Context, req model.CreateProposalRequest) (model.Proposal, error) {
	if err := req.Validate(); err != nil {
		return model.Proposal{}, err
	}
	if _, err := s.runs.GetRun(ctx, req.SourceRunID); err != nil {
		return model.Proposal{}, fmt.Errorf("proposal: source run %s: %w", req.SourceRunID, err)
	}

	now := s.now()
	p := model.Proposal{
		ID:                 uuid.New(),
		SourceRunID:        req.SourceRunID,
		Title:              req.Title,
		Description:        req.Description,
		Category:           req.Category,
		Severity:           req.Severity,
		FilesAffected:      req.FilesAffected,
		LinesChanged:       req.LinesChanged,
		HasTests:           req.HasTests,
		RollbackPlan:       req.RollbackPlan,
		EstimatedCostCents: req.EstimatedCostCents,
		Status:             model.StatusProposed,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.CreateProposal(ctx, p); err != nil {
		return model.Proposal{}, fmt.Errorf("proposal: create: %w", err)
	}
	s.logger.Info("proposal created",
		"proposal_id", p.ID, "category", p.Category, "severity", p.Severity,
		"files_affected", p.FilesAffected, "lines_changed", p.LinesChanged)
	return p, nil
}

// Admit runs the automatic approval gate. When an enabled rule covers the
// proposal and a hypothetical executor run at the estimated cost would be
// admitted, the proposal moves to approved with the matched rule recorded.
// No matching rule leaves the proposal awaiting manual review — the
// expected path, not a failure. A rule match with a limiter denial also
// stays proposed, with the denial reason recorded for the human reviewer.
//
// Idempotent while the proposal remains proposed; on any other status it
// returns the proposal unchanged.
func (s *Service) Admit(ctx context.Context, id uuid.UUID) (model.Proposal, error) {
	p, err := s.store.GetProposal(ctx, id)
	if err != nil {
		return model.Proposal{}, err
	}
	if p.Status != model.StatusProposed {
		return p, nil
	}

	rule, err := s.matcher.Match(ctx, p)
	if err != nil {
		return model.Proposal{}, err
	}
	if rule == nil {
		s.logger.Debug("no auto-approval rule matched", "proposal_id", id, "category", p.Category)
		return p, nil
	}

	if d := s.checker.Check(ctx, model.AgentClassExecutor, p.EstimatedCostCents); !d.Allowed {
		if err := s.store.RecordDenial(ctx, id, d.Reason, s.now()); err != nil {
			return model.Proposal{}, fmt.Errorf("proposal: record denial: %w", err)
		}
		s.logger.Info("auto-approval blocked by safety limiter",
			"proposal_id", id, "rule", rule.Name, "reason", d.Reason)
		return s.store.GetProposal(ctx, id)
	}

	reviewer := model.ReviewedByAuto
	decidedAt := s.now()
	updated, ok, err := s.transition(ctx, id, model.StatusProposed, model.ProposalUpdate{
		Status:      model.StatusApproved,
		MatchedRule: &rule.Name,
		ReviewedBy:  &reviewer,
		DecidedAt:   &decidedAt,
	})
	if err != nil {
		return model.Proposal{}, fmt.Errorf("proposal: approve: %w", err)
	}
	if !ok {
		// Raced a manual decision; the other mutation won. Re-read and
		// report what happened instead of a conflict: Admit is advisory.
		return s.store.GetProposal(ctx, id)
	}

	s.countTransition(ctx, model.StatusApproved)
	s.logger.Info("proposal auto-approved",
		"proposal_id", id, "rule", rule.Name, "category", p.Category)
	return updated, nil
}

// Decide applies a manual operator decision. Legal only while the proposal
// is proposed; a concurrent mutation surfaces as Conflict.
func (s *Service) Decide(ctx context.Context, id uuid.UUID, req model.DecideRequest, reviewer string) (model.Proposal, error) {
	if err := req.Validate(); err != nil {
		return model.Proposal{}, err
	}

	target := model.StatusApproved
	if req.Decision == model.DecisionReject {
		target = model.StatusRejected
	}

	// Check the current status first so deciding an already-decided
	// proposal reads as an invalid transition. A CAS miss after this
	// check means a concurrent decider won, which is a conflict.
	current, err := s.store.GetProposal(ctx, id)
	if err != nil {
		return model.Proposal{}, err
	}
	if current.Status != model.StatusProposed {
		return model.Proposal{}, fmt.Errorf("%w: cannot decide from %s", model.ErrInvalidTransition, current.Status)
	}

	decidedAt := s.now()
	upd := model.ProposalUpdate{
		Status:     target,
		ReviewedBy: &reviewer,
		DecidedAt:  &decidedAt,
	}
	if req.Reason != "" {
		upd.DecisionReason = &req.Reason
	}

	updated, ok, err := s.transition(ctx, id, model.StatusProposed, upd)
	if err != nil {
		return model.Proposal{}, fmt.Errorf("proposal: decide: %w", err)
	}
	if !ok {
		return model.Proposal{}, s.conflictOrNotFound(ctx, id, model.StatusProposed)
	}

	s.countTransition(ctx, target)
	s.logger.Info("proposal decided",
		"proposal_id", id, "decision", req.Decision, "reviewed_by", reviewer)
	return updated, nil
}

// BeginExecution charges the executor budget, starts a ledger run, and
// moves the proposal to in_progress. Legal only while approved. A limiter
// denial fails with AdmissionDenied and leaves the proposal approved, so
// execution can be retried once budget frees up.
func (s *Service) BeginExecution(ctx context.Context, id uuid.UUID) (model.Proposal, error) {
	p, err := s.store.GetProposal(ctx, id)
	if err != nil {
		return model.Proposal{}, err
	}
	if p.Status != model.StatusApproved {
		return model.Proposal{}, fmt.Errorf("%w: cannot begin execution from %s", model.ErrInvalidTransition, p.Status)
	}

	run, decision, err := s.runs.StartRun(ctx, model.AgentClassExecutor, p.EstimatedCostCents)
	if err != nil {
		return model.Proposal{}, err
	}
	if !decision.Allowed {
		return model.Proposal{}, fmt.Errorf("%w: %s", model.ErrAdmissionDenied, decision.Reason)
	}

	updated, ok, err := s.transition(ctx, id, model.StatusApproved, model.ProposalUpdate{
		Status:         model.StatusInProgress,
		ExecutionRunID: &run.ID,
	})
	if err != nil {
		return model.Proposal{}, fmt.Errorf("proposal: begin execution: %w", err)
	}
	if !ok {
		// The budget was charged and a run opened for a proposal someone
		// else mutated. Close the orphan run so the ledger stays truthful.
		if _, ferr := s.runs.CompleteRun(ctx, run.ID, model.RunOutcomeFailed, 0, 0,
			"proposal status changed before execution began"); ferr != nil {
			s.logger.Error("failed to close orphaned execution run", "run_id", run.ID, "error", ferr)
		}
		return model.Proposal{}, s.conflictOrNotFound(ctx, id, model.StatusApproved)
	}

	s.countTransition(ctx, model.StatusInProgress)
	s.logger.Info("proposal execution started", "proposal_id", id, "run_id", run.ID)
	return updated, nil
}

// CompleteExecution records the executor's result: terminal proposal
// status, run completion, health scores and their delta. Legal only while
// in_progress.
func (s *Service) CompleteExecution(ctx context.Context, id uuid.UUID, req model.CompleteExecutionRequest) (model.Proposal, error) {
	if err := req.Validate(); err != nil {
		return model.Proposal{}, err
	}

	p, err := s.store.GetProposal(ctx, id)
	if err != nil {
		return model.Proposal{}, err
	}
	if p.Status != model.StatusInProgress {
		return model.Proposal{}, fmt.Errorf("%w: cannot complete execution from %s", model.ErrInvalidTransition, p.Status)
	}

	target := model.StatusCompleted
	outcome := model.RunOutcomeCompleted
	if !req.Success {
		target = model.StatusFailed
		outcome = model.RunOutcomeFailed
	}

	upd := model.ProposalUpdate{
		Status:       target,
		HealthBefore: req.HealthBefore,
		HealthAfter:  req.HealthAfter,
		HealthDelta:  model.HealthDelta(req.HealthBefore, req.HealthAfter),
	}
	if req.Reason != "" {
		upd.DecisionReason = &req.Reason
	}

	updated, ok, err := s.transition(ctx, id, model.StatusInProgress, upd)
	if err != nil {
		return model.Proposal{}, fmt.Errorf("proposal: complete execution: %w", err)
	}
	if !ok {
		return model.Proposal{}, s.conflictOrNotFound(ctx, id, model.StatusInProgress)
	}

	if p.ExecutionRunID != nil {
		if _, err := s.runs.CompleteRun(ctx, *p.ExecutionRunID, outcome,
			req.CostCents, req.Tokens, req.Reason); err != nil && !errors.Is(err, model.ErrAlreadyTerminal) {
			s.logger.Error("failed to complete execution run",
				"proposal_id", id, "run_id", *p.ExecutionRunID, "error", err)
		}
		if s.health != nil && req.HealthAfter != nil {
			if err := s.health.RecordHealth(ctx, *p.ExecutionRunID, *req.HealthAfter); err != nil {
				s.logger.Error("failed to record health sample",
					"proposal_id", id, "run_id", *p.ExecutionRunID, "error", err)
			}
		}
	}

	s.countTransition(ctx, target)
	s.logger.Info("proposal execution completed",
		"proposal_id", id, "status", target, "health_delta", updated.HealthDelta)
	return updated, nil
}

// FailForRun marks the in_progress proposal executing as runID failed with
// the given reason. Used by the timeout sweep when an executor run goes
// stale. Missing proposal or a proposal no longer in_progress is a no-op.
func (s *Service) FailForRun(ctx context.Context, runID uuid.UUID, reason string) error {
	p, err := s.store.GetProposalByExecutionRun(ctx, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if p.Status != model.StatusInProgress {
		return nil
	}

	_, ok, err := s.transition(ctx, p.ID, model.StatusInProgress, model.ProposalUpdate{
		Status:         model.StatusFailed,
		DecisionReason: &reason,
	})
	if err != nil {
		return fmt.Errorf("proposal: fail for run: %w", err)
	}
	if ok {
		s.countTransition(ctx, model.StatusFailed)
		s.logger.Warn("proposal failed by timeout sweep", "proposal_id", p.ID, "run_id", runID)
	}
	return nil
}

// Get returns one proposal.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (model.Proposal, error) {
	return s.store.GetProposal(ctx, id)
}

// List returns proposals newest first, optionally filtered by status.
func (s *Service) List(ctx context.Context, status *model.ProposalStatus, limit, offset int) ([]model.Proposal, int, error) {
	if status != nil && !status.Valid() {
		return nil, 0, fmt.Errorf("invalid status filter %q", *status)
	}
	return s.store.ListProposals(ctx, status, limit, offset)
}

// transition applies upd through a status compare-and-swap, first checking
// the move against the legal-transition table. Every status mutation in the
// engine funnels through here.
func (s *Service) transition(ctx context.Context, id uuid.UUID, from model.ProposalStatus, upd model.ProposalUpdate) (model.Proposal, bool, error) {
	if !model.CanTransition(from, upd.Status) {
		return model.Proposal{}, false, fmt.Errorf("%w: %s to %s", model.ErrInvalidTransition, from, upd.Status)
	}
	return s.store.CASProposal(ctx, id, from, upd)
}

// conflictOrNotFound distinguishes "no such proposal" from "wrong status"
// after a lost CAS, so callers get the right error kind.
func (s *Service) conflictOrNotFound(ctx context.Context, id uuid.UUID, expected model.ProposalStatus) error {
	p, err := s.store.GetProposal(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: expected %s, proposal %s is %s", model.ErrConflict, expected, id, p.Status)
}

func (s *Service) countTransition(ctx context.Context, to model.ProposalStatus) {
	if s.transitions == nil {
		return
	}
	s.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("shonin.proposal_status", string(to))))
}
