package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/shonin/internal/model"
)

// CreateAgent inserts a new authenticated caller.
func (db *DB) CreateAgent(ctx context.Context, a model.Agent) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agents (id, agent_id, role, api_key_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.AgentID, string(a.Role), a.APIKeyHash, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create agent: %w", err)
	}
	return nil
}

// GetAgentByAgentID retrieves an agent by its external identifier.
func (db *DB) GetAgentByAgentID(ctx context.Context, agentID string) (model.Agent, error) {
	var a model.Agent
	err := db.pool.QueryRow(ctx,
		`SELECT id, agent_id, role, api_key_hash, created_at
		 FROM agents WHERE agent_id = $1`, agentID,
	).Scan(&a.ID, &a.AgentID, &a.Role, &a.APIKeyHash, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, ErrNotFound
		}
		return model.Agent{}, fmt.Errorf("storage: get agent: %w", err)
	}
	return a, nil
}

// UpsertAgentKey replaces an agent's API key hash (or creates the agent).
// Used by operator bootstrap at startup.
func (db *DB) UpsertAgentKey(ctx context.Context, a model.Agent) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agents (id, agent_id, role, api_key_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (agent_id) DO UPDATE SET
			role = EXCLUDED.role,
			api_key_hash = EXCLUDED.api_key_hash`,
		a.ID, a.AgentID, string(a.Role), a.APIKeyHash, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert agent key: %w", err)
	}
	return nil
}
