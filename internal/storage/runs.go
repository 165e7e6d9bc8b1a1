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

// CreateRun inserts a new run row. The run ledger is append-only: rows are
// inserted at start and updated exactly once by completion.
func (db *DB) CreateRun(ctx context.Context, run model.Run) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO runs (id, agent_class, outcome, started_at, cost_cents, tokens, summary, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, string(run.AgentClass), string(run.Outcome), run.StartedAt,
		run.CostCents, run.Tokens, run.Summary, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	var r model.Run
	err := db.pool.QueryRow(ctx,
		`SELECT id, agent_class, outcome, started_at, completed_at, cost_cents, tokens, summary, created_at
		 FROM runs WHERE id = $1`, id,
	).Scan(&r.ID, &r.AgentClass, &r.Outcome, &r.StartedAt, &r.CompletedAt,
		&r.CostCents, &r.Tokens, &r.Summary, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, ErrNotFound
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return r, nil
}

// CompleteRun records a terminal outcome on a still-running run. The
// `outcome = 'running'` guard makes the update a compare-and-swap: a second
// completion never overwrites the first. Returns false when no row was
// updated (run missing or already terminal) — the caller distinguishes the
// two by re-reading.
func (db *DB) CompleteRun(ctx context.Context, id uuid.UUID, outcome model.RunOutcome, costCents, tokens int64, summary string, completedAt time.Time) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET outcome = $1, cost_cents = $2, tokens = $3, summary = $4, completed_at = $5
		 WHERE id = $6 AND outcome = 'running'`,
		string(outcome), costCents, tokens, summary, completedAt, id,
	)
	if err != nil {
		return false, fmt.Errorf("storage: complete run: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListRuns returns runs ordered by started_at DESC, optionally filtered by
// agent class.
func (db *DB) ListRuns(ctx context.Context, class *model.AgentClass, limit, offset int) ([]model.Run, int, error) {
	if limit <= 0 {
		limit = 50
	}

	where := ""
	countArgs := []any{}
	if class != nil {
		where = "WHERE agent_class = $1"
		countArgs = append(countArgs, string(*class))
	}

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM runs `+where, countArgs...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count runs: %w", err)
	}

	args := append(countArgs, limit, offset)
	query := fmt.Sprintf(
		`SELECT id, agent_class, outcome, started_at, completed_at, cost_cents, tokens, summary, created_at
		 FROM runs %s ORDER BY started_at DESC LIMIT $%d OFFSET $%d`,
		where, len(countArgs)+1, len(countArgs)+2,
	)
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		if err := rows.Scan(&r.ID, &r.AgentClass, &r.Outcome, &r.StartedAt, &r.CompletedAt,
			&r.CostCents, &r.Tokens, &r.Summary, &r.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, total, rows.Err()
}

// SweepTimedOutRuns marks runs still running past the cutoff as timed_out
// and returns them, so the caller can fail any proposals whose execution
// they carried.
func (db *DB) SweepTimedOutRuns(ctx context.Context, cutoff time.Time, completedAt time.Time) ([]model.Run, error) {
	rows, err := db.pool.Query(ctx,
		`UPDATE runs SET outcome = 'timed_out', completed_at = $1
		 WHERE outcome = 'running' AND started_at < $2
		 RETURNING id, agent_class, outcome, started_at, completed_at, cost_cents, tokens, summary, created_at`,
		completedAt, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: sweep timed out runs: %w", err)
	}
	defer rows.Close()

	var swept []model.Run
	for rows.Next() {
		var r model.Run
		if err := rows.Scan(&r.ID, &r.AgentClass, &r.Outcome, &r.StartedAt, &r.CompletedAt,
			&r.CostCents, &r.Tokens, &r.Summary, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan swept run: %w", err)
		}
		swept = append(swept, r)
	}
	return swept, rows.Err()
}

// DeleteRunsBefore deletes terminal runs whose started_at precedes the
// cutoff. Runs still running are never deleted regardless of age, and
// neither are runs a proposal or health sample still references — those
// rows carry FKs into runs, so deleting their run would abort the whole
// statement.
func (db *DB) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM runs r
		 WHERE r.outcome <> 'running' AND r.started_at < $1
		   AND NOT EXISTS (
		       SELECT 1 FROM proposals p
		       WHERE p.source_run_id = r.id OR p.execution_run_id = r.id)
		   AND NOT EXISTS (
		       SELECT 1 FROM health_samples h WHERE h.run_id = r.id)`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: delete runs: %w", err)
	}
	return tag.RowsAffected(), nil
}
