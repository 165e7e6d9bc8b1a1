package health

import (
	"context"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shonin/internal/storage/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestRecordHealthMaintainsRollingAverage(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	tracker := New(store, testLogger())

	require.NoError(t, tracker.RecordHealth(ctx, uuid.New(), 70))
	require.NoError(t, tracker.RecordHealth(ctx, uuid.New(), 80))
	require.NoError(t, tracker.RecordHealth(ctx, uuid.New(), 90))

	state, err := store.GetEngineState(ctx)
	require.NoError(t, err)
	require.NotNil(t, state.AvgHealthScore)
	assert.InDelta(t, 80.0, *state.AvgHealthScore, 0.001)
	assert.Equal(t, int64(3), state.HealthSamples)
}

func TestRecordHealthRejectsOutOfRangeScore(t *testing.T) {
	tracker := New(memory.New(), testLogger())
	assert.Error(t, tracker.RecordHealth(context.Background(), uuid.New(), -1))
	assert.Error(t, tracker.RecordHealth(context.Background(), uuid.New(), 101))
}

func TestSummaryBeforeAnySample(t *testing.T) {
	tracker := New(memory.New(), testLogger())

	sum, err := tracker.Summary(context.Background(), 10)
	require.NoError(t, err)
	// No samples yet: the average is unknown, not zero.
	assert.Nil(t, sum.Average)
	assert.Zero(t, sum.Samples)
	assert.Empty(t, sum.Recent)
}

func TestSummaryReturnsRecentSamples(t *testing.T) {
	ctx := context.Background()
	tracker := New(memory.New(), testLogger())

	for _, score := range []int{60, 65, 70, 75} {
		require.NoError(t, tracker.RecordHealth(ctx, uuid.New(), score))
	}

	sum, err := tracker.Summary(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(4), sum.Samples)
	require.Len(t, sum.Recent, 2)
	// Newest first.
	assert.Equal(t, 75, sum.Recent[0].Score)
}
