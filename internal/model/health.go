package model

import (
	"time"

	"github.com/google/uuid"
)

// HealthSample is one externally computed code-health score, recorded
// against the run that measured it. The engine consumes scores; it never
// computes them.
type HealthSample struct {
	ID         uuid.UUID `json:"id"`
	RunID      uuid.UUID `json:"run_id"`
	Score      int       `json:"score"`
	RecordedAt time.Time `json:"recorded_at"`
}

// HealthDelta returns after − before, or nil when no before measurement
// exists. A missing baseline is "no known delta", never zero — otherwise
// proposals without a pre-measurement would report fake improvements.
func HealthDelta(before, after *int) *int {
	if before == nil || after == nil {
		return nil
	}
	d := *after - *before
	return &d
}
