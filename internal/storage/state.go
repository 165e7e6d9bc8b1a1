package storage

import (
	"context"
	"fmt"

	"github.com/ashita-ai/shonin/internal/model"
)

// GetEngineState reads the single engine_state row.
func (db *DB) GetEngineState(ctx context.Context) (model.EngineState, error) {
	var s model.EngineState
	err := db.pool.QueryRow(ctx,
		`SELECT emergency_stop, avg_health_score, health_samples, updated_at
		 FROM engine_state WHERE id = 1`,
	).Scan(&s.EmergencyStop, &s.AvgHealthScore, &s.HealthSamples, &s.UpdatedAt)
	if err != nil {
		return model.EngineState{}, fmt.Errorf("storage: get engine state: %w", err)
	}
	return s, nil
}

// SetEmergencyStop persists the emergency-stop flag.
func (db *DB) SetEmergencyStop(ctx context.Context, stopped bool) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE engine_state SET emergency_stop = $1, updated_at = now() WHERE id = 1`,
		stopped,
	)
	if err != nil {
		return fmt.Errorf("storage: set emergency stop: %w", err)
	}
	return nil
}

// SaveHealthAverage persists the rolling health average and sample count.
func (db *DB) SaveHealthAverage(ctx context.Context, avg float64, samples int64) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE engine_state SET avg_health_score = $1, health_samples = $2, updated_at = now() WHERE id = 1`,
		avg, samples,
	)
	if err != nil {
		return fmt.Errorf("storage: save health average: %w", err)
	}
	return nil
}
