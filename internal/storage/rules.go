package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/shonin/internal/model"
)

// ListRules returns all auto-approval rules ordered by name.
func (db *DB) ListRules(ctx context.Context) ([]model.AutoApprovalRule, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT name, category, enabled, max_files_affected, max_lines_changed,
			requires_tests, max_severity, created_at, updated_at
		 FROM approval_rules ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list rules: %w", err)
	}
	defer rows.Close()

	var rules []model.AutoApprovalRule
	for rows.Next() {
		var r model.AutoApprovalRule
		if err := rows.Scan(&r.Name, &r.Category, &r.Enabled, &r.MaxFilesAffected,
			&r.MaxLinesChanged, &r.RequiresTests, &r.MaxSeverity, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// GetRule retrieves one rule by name.
func (db *DB) GetRule(ctx context.Context, name string) (model.AutoApprovalRule, error) {
	var r model.AutoApprovalRule
	err := db.pool.QueryRow(ctx,
		`SELECT name, category, enabled, max_files_affected, max_lines_changed,
			requires_tests, max_severity, created_at, updated_at
		 FROM approval_rules WHERE name = $1`, name,
	).Scan(&r.Name, &r.Category, &r.Enabled, &r.MaxFilesAffected,
		&r.MaxLinesChanged, &r.RequiresTests, &r.MaxSeverity, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AutoApprovalRule{}, ErrNotFound
		}
		return model.AutoApprovalRule{}, fmt.Errorf("storage: get rule: %w", err)
	}
	return r, nil
}

// UpsertRule inserts or replaces a rule by name. Rule changes take effect
// on the next policy evaluation; in-flight evaluations keep the snapshot
// they loaded.
func (db *DB) UpsertRule(ctx context.Context, r model.AutoApprovalRule) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO approval_rules
			(name, category, enabled, max_files_affected, max_lines_changed, requires_tests, max_severity, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		 ON CONFLICT (name) DO UPDATE SET
			category = EXCLUDED.category,
			enabled = EXCLUDED.enabled,
			max_files_affected = EXCLUDED.max_files_affected,
			max_lines_changed = EXCLUDED.max_lines_changed,
			requires_tests = EXCLUDED.requires_tests,
			max_severity = EXCLUDED.max_severity,
			updated_at = now()`,
		r.Name, string(r.Category), r.Enabled, r.MaxFilesAffected,
		r.MaxLinesChanged, r.RequiresTests, string(r.MaxSeverity),
	)
	if err != nil {
		return fmt.Errorf("storage: upsert rule: %w", err)
	}
	return nil
}
