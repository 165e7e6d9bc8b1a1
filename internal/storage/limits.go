package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ashita-ai/shonin/internal/model"
)

// ListLimits returns all configured safety limits.
func (db *DB) ListLimits(ctx context.Context) ([]model.SafetyLimit, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT agent_class, kind, limit_value, action, enabled, counter, window_start, updated_at
		 FROM safety_limits ORDER BY agent_class, kind`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list limits: %w", err)
	}
	defer rows.Close()

	var limits []model.SafetyLimit
	for rows.Next() {
		var l model.SafetyLimit
		if err := rows.Scan(&l.AgentClass, &l.Kind, &l.Limit, &l.Action, &l.Enabled,
			&l.Counter, &l.WindowStart, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan limit: %w", err)
		}
		limits = append(limits, l)
	}
	return limits, rows.Err()
}

// UpsertLimit inserts or replaces a limit's configuration. The current
// counter and window are preserved on update so reconfiguring a limit value
// mid-window does not grant a fresh budget.
func (db *DB) UpsertLimit(ctx context.Context, l model.SafetyLimit) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO safety_limits
			(agent_class, kind, limit_value, action, enabled, counter, window_start, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		 ON CONFLICT (agent_class, kind) DO UPDATE SET
			limit_value = EXCLUDED.limit_value,
			action = EXCLUDED.action,
			enabled = EXCLUDED.enabled,
			updated_at = now()`,
		string(l.AgentClass), string(l.Kind), l.Limit, string(l.Action), l.Enabled,
		l.Counter, l.WindowStart,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert limit: %w", err)
	}
	return nil
}

// SaveCounter persists a limit's window counter. The in-process limiter is
// the authority on counter values; this write makes usage survive restarts
// and feeds the read-only ops view.
func (db *DB) SaveCounter(ctx context.Context, class model.AgentClass, kind model.LimitKind, counter int64, windowStart time.Time) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE safety_limits SET counter = $1, window_start = $2, updated_at = now()
		 WHERE agent_class = $3 AND kind = $4`,
		counter, windowStart, string(class), string(kind),
	)
	if err != nil {
		return fmt.Errorf("storage: save counter: %w", err)
	}
	return nil
}
