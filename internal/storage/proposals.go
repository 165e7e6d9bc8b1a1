package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/shonin/internal/model"
)

const proposalColumns = `id, source_run_id, title, description, category, severity,
	files_affected, lines_changed, has_tests, rollback_plan, estimated_cost_cents,
	status, matched_rule, reviewed_by, decided_at, decision_reason, denial_reason,
	execution_run_id, health_before, health_after, health_delta, created_at, updated_at`

func scanProposal(row pgx.Row) (model.Proposal, error) {
	var p model.Proposal
	err := row.Scan(&p.ID, &p.SourceRunID, &p.Title, &p.Description, &p.Category, &p.Severity,
		&p.FilesAffected, &p.LinesChanged, &p.HasTests, &p.RollbackPlan, &p.EstimatedCostCents,
		&p.Status, &p.MatchedRule, &p.ReviewedBy, &p.DecidedAt, &p.DecisionReason, &p.DenialReason,
		&p.ExecutionRunID, &p.HealthBefore, &p.HealthAfter, &p.HealthDelta, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// CreateProposal inserts a new proposal row in status proposed.
func (db *DB) CreateProposal(ctx context.Context, p model.Proposal) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO proposals (id, source_run_id, title, description, category, severity,
			files_affected, lines_changed, has_tests, rollback_plan, estimated_cost_cents,
			status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		p.ID, p.SourceRunID, p.Title, p.Description, string(p.Category), string(p.Severity),
		p.FilesAffected, p.LinesChanged, p.HasTests, p.RollbackPlan, p.EstimatedCostCents,
		string(p.Status), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create proposal: %w", err)
	}
	return nil
}

// GetProposal retrieves a proposal by ID.
func (db *DB) GetProposal(ctx context.Context, id uuid.UUID) (model.Proposal, error) {
	p, err := scanProposal(db.pool.QueryRow(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Proposal{}, ErrNotFound
		}
		return model.Proposal{}, fmt.Errorf("storage: get proposal: %w", err)
	}
	return p, nil
}

// CASProposal applies upd to the proposal iff its stored status still equals
// from. Returns the updated row and true on success; the unchanged zero value
// and false when the status no longer matches (a concurrent transition won).
// Nil pointer fields in upd leave the stored columns untouched.
func (db *DB) CASProposal(ctx context.Context, id uuid.UUID, from model.ProposalStatus, upd model.ProposalUpdate) (model.Proposal, bool, error) {
	p, err := scanProposal(db.pool.QueryRow(ctx,
		`UPDATE proposals SET
			status = $1,
			matched_rule = COALESCE($2, matched_rule),
			reviewed_by = COALESCE($3, reviewed_by),
			decided_at = COALESCE($4, decided_at),
			decision_reason = COALESCE($5, decision_reason),
			denial_reason = COALESCE($6, denial_reason),
			execution_run_id = COALESCE($7, execution_run_id),
			health_before = COALESCE($8, health_before),
			health_after = COALESCE($9, health_after),
			health_delta = COALESCE($10, health_delta),
			updated_at = now()
		 WHERE id = $11 AND status = $12
		 RETURNING `+proposalColumns,
		string(upd.Status), upd.MatchedRule, upd.ReviewedBy, upd.DecidedAt,
		upd.DecisionReason, upd.DenialReason, upd.ExecutionRunID,
		upd.HealthBefore, upd.HealthAfter, upd.HealthDelta,
		id, string(from),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Proposal{}, false, nil
		}
		return model.Proposal{}, false, fmt.Errorf("storage: cas proposal: %w", err)
	}
	return p, true, nil
}

// RecordDenial stores the reason auto-approval did not fire on a proposal
// still in proposed, so a human reviewer sees why. Not a status transition;
// silently a no-op if the proposal has since moved on.
func (db *DB) RecordDenial(ctx context.Context, id uuid.UUID, reason string, at time.Time) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE proposals SET denial_reason = $1, updated_at = $2
		 WHERE id = $3 AND status = 'proposed'`,
		reason, at, id,
	)
	if err != nil {
		return fmt.Errorf("storage: record denial: %w", err)
	}
	return nil
}

// ListProposals returns proposals ordered by created_at DESC, optionally
// filtered by status.
func (db *DB) ListProposals(ctx context.Context, status *model.ProposalStatus, limit, offset int) ([]model.Proposal, int, error) {
	if limit <= 0 {
		limit = 50
	}

	where := ""
	countArgs := []any{}
	if status != nil {
		where = "WHERE status = $1"
		countArgs = append(countArgs, string(*status))
	}

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM proposals `+where, countArgs...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count proposals: %w", err)
	}

	args := append(countArgs, limit, offset)
	query := fmt.Sprintf(
		`SELECT `+proposalColumns+` FROM proposals %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		where, len(countArgs)+1, len(countArgs)+2,
	)
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list proposals: %w", err)
	}
	defer rows.Close()

	var proposals []model.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan proposal: %w", err)
		}
		proposals = append(proposals, p)
	}
	return proposals, total, rows.Err()
}

// GetProposalByExecutionRun finds the proposal whose execution is the given
// run. Used by the timeout sweep to fail proposals stuck in in_progress.
func (db *DB) GetProposalByExecutionRun(ctx context.Context, runID uuid.UUID) (model.Proposal, error) {
	p, err := scanProposal(db.pool.QueryRow(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE execution_run_id = $1`, runID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Proposal{}, ErrNotFound
		}
		return model.Proposal{}, fmt.Errorf("storage: get proposal by execution run: %w", err)
	}
	return p, nil
}
