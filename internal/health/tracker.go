// Package health accumulates externally computed code-health scores and
// maintains the engine-wide rolling average. Scores arrive from validator
// and executor runs; the engine never computes them itself.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/shonin/internal/model"
	"github.com/ashita-ai/shonin/internal/telemetry"
)

// Store is the persistence contract for health samples and the rolling
// average kept in engine state.
type Store interface {
	InsertHealthSample(ctx context.Context, sample model.HealthSample) error
	ListHealthSamples(ctx context.Context, limit int) ([]model.HealthSample, error)
	GetEngineState(ctx context.Context) (model.EngineState, error)
	SaveHealthAverage(ctx context.Context, avg float64, samples int64) error
}

// Summary is the operational view of recorded health.
type Summary struct {
	Average *float64             `json:"average,omitempty"`
	Samples int64                `json:"samples"`
	Recent  []model.HealthSample `json:"recent"`
}

// Tracker records samples and keeps the rolling average current. The
// average is incremental — avg' = (avg*n + score) / (n+1) — so no sample
// scan happens on the write path.
type Tracker struct {
	store  Store
	logger *slog.Logger

	// mu serializes the read-modify-write of the rolling average.
	mu sync.Mutex

	now func() time.Time

	gauge metric.Float64Gauge
}

// New creates a tracker over the given store.
func New(store Store, logger *slog.Logger) *Tracker {
	meter := telemetry.Meter("shonin/health")
	gauge, _ := meter.Float64Gauge("shonin.health.rolling_average",
		metric.WithDescription("Rolling average of recorded health scores"))

	return &Tracker{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		gauge:  gauge,
	}
}

// RecordHealth appends one sample for the given run and folds it into the
// rolling average.
func (t *Tracker) RecordHealth(ctx context.Context, runID uuid.UUID, score int) error {
	if score < 0 || score > 100 {
		return fmt.Errorf("health: score %d out of range [0,100]", score)
	}

	sample := model.HealthSample{
		ID:         uuid.New(),
		RunID:      runID,
		Score:      score,
		RecordedAt: t.now(),
	}
	if err := t.store.InsertHealthSample(ctx, sample); err != nil {
		return fmt.Errorf("health: insert sample: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	state, err := t.store.GetEngineState(ctx)
	if err != nil {
		return fmt.Errorf("health: load state: %w", err)
	}
	var prev float64
	if state.AvgHealthScore != nil {
		prev = *state.AvgHealthScore
	}
	n := state.HealthSamples
	avg := (prev*float64(n) + float64(score)) / float64(n+1)
	if err := t.store.SaveHealthAverage(ctx, avg, n+1); err != nil {
		return fmt.Errorf("health: save average: %w", err)
	}

	if t.gauge != nil {
		t.gauge.Record(ctx, avg)
	}
	t.logger.Debug("health sample recorded",
		"run_id", runID, "score", score, "rolling_average", avg)
	return nil
}

// Summary returns the rolling average and the most recent samples.
func (t *Tracker) Summary(ctx context.Context, recent int) (Summary, error) {
	if recent <= 0 {
		recent = 20
	}
	state, err := t.store.GetEngineState(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("health: load state: %w", err)
	}
	samples, err := t.store.ListHealthSamples(ctx, recent)
	if err != nil {
		return Summary{}, fmt.Errorf("health: list samples: %w", err)
	}
	return Summary{
		Average: state.AvgHealthScore,
		Samples: state.HealthSamples,
		Recent:  samples,
	}, nil
}
