package storage

import (
	"context"
	"fmt"

	"github.com/ashita-ai/shonin/internal/model"
)

// InsertHealthSample appends a health score measurement.
func (db *DB) InsertHealthSample(ctx context.Context, s model.HealthSample) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO health_samples (id, run_id, score, recorded_at)
		 VALUES ($1, $2, $3, $4)`,
		s.ID, s.RunID, s.Score, s.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert health sample: %w", err)
	}
	return nil
}

// ListHealthSamples returns the most recent samples, newest first.
func (db *DB) ListHealthSamples(ctx context.Context, limit int) ([]model.HealthSample, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, score, recorded_at
		 FROM health_samples ORDER BY recorded_at DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list health samples: %w", err)
	}
	defer rows.Close()

	var samples []model.HealthSample
	for rows.Next() {
		var s model.HealthSample
		if err := rows.Scan(&s.ID, &s.RunID, &s.Score, &s.RecordedAt); err != nil {
			return nil, fmt.Errorf("storage: scan health sample: %w", err)
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}
