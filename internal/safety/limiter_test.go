package safety

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shonin/internal/model"
	"github.com/ashita-ai/shonin/internal/storage/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// newLimiter builds a limiter over a fresh memory store seeded with the
// given limits, with a controllable clock.
func newLimiter(t *testing.T, limits ...model.SafetyLimit) (*Limiter, *memory.Store, *fakeClock) {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	for _, l := range limits {
		require.NoError(t, store.UpsertLimit(ctx, l))
	}
	lim, err := New(ctx, store, nil, testLogger())
	require.NoError(t, err)

	clock := &fakeClock{t: time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)}
	lim.now = clock.Now
	return lim, store, clock
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func blockLimit(class model.AgentClass, kind model.LimitKind, value int64) model.SafetyLimit {
	return model.SafetyLimit{
		AgentClass: class,
		Kind:       kind,
		Limit:      value,
		Action:     model.BreachBlock,
		Enabled:    true,
	}
}

func TestAdmitDeniesWhenRateLimitExhausted(t *testing.T) {
	lim, _, _ := newLimiter(t, blockLimit(model.AgentClassExecutor, model.LimitMaxRunsPerHour, 2))
	ctx := context.Background()

	assert.True(t, lim.Admit(ctx, model.AgentClassExecutor, 0).Allowed)
	assert.True(t, lim.Admit(ctx, model.AgentClassExecutor, 0).Allowed)

	d := lim.Admit(ctx, model.AgentClassExecutor, 0)
	assert.False(t, d.Allowed)
	assert.Equal(t, "RateLimited:max_runs_per_hour", d.Reason)
}

func TestAdmitSpendLimitChargesEstimatedCost(t *testing.T) {
	lim, _, _ := newLimiter(t, blockLimit(model.AgentClassExecutor, model.LimitMaxSpendPerDay, 1000))
	ctx := context.Background()

	// 600 + 300 fits; the next 300 would push past 1000.
	assert.True(t, lim.Admit(ctx, model.AgentClassExecutor, 600).Allowed)
	assert.True(t, lim.Admit(ctx, model.AgentClassExecutor, 300).Allowed)

	d := lim.Admit(ctx, model.AgentClassExecutor, 300)
	assert.False(t, d.Allowed)
	assert.Equal(t, "RateLimited:max_spend_per_day", d.Reason)

	// A cheaper run still fits in the remaining 100.
	assert.True(t, lim.Admit(ctx, model.AgentClassExecutor, 100).Allowed)
}

func TestAdmitDenialChargesNothing(t *testing.T) {
	lim, _, _ := newLimiter(t,
		blockLimit(model.AgentClassExecutor, model.LimitMaxRunsPerHour, 5),
		blockLimit(model.AgentClassExecutor, model.LimitMaxSpendPerDay, 100),
	)
	ctx := context.Background()

	// Denied by the spend limit; the run counter must not move either.
	assert.False(t, lim.Admit(ctx, model.AgentClassExecutor, 500).Allowed)

	for _, u := range lim.Usage(ctx) {
		assert.Zero(t, u.Used, "denied admission charged %s", u.Kind)
	}
}

func TestAdmitIgnoresOtherClassesAndDisabledLimits(t *testing.T) {
	disabled := blockLimit(model.AgentClassExecutor, model.LimitMaxRunsPerHour, 0)
	disabled.Enabled = false
	lim, _, _ := newLimiter(t,
		disabled,
		blockLimit(model.AgentClassAnalyzer, model.LimitMaxRunsPerHour, 1),
	)
	ctx := context.Background()

	// The executor limit is disabled: unlimited admissions.
	assert.True(t, lim.Admit(ctx, model.AgentClassExecutor, 0).Allowed)
	assert.True(t, lim.Admit(ctx, model.AgentClassExecutor, 0).Allowed)

	// The analyzer limit is untouched by executor traffic.
	assert.True(t, lim.Admit(ctx, model.AgentClassAnalyzer, 0).Allowed)
	assert.False(t, lim.Admit(ctx, model.AgentClassAnalyzer, 0).Allowed)
}

func TestEmergencyStopOverridesHeadroom(t *testing.T) {
	lim, store, _ := newLimiter(t, blockLimit(model.AgentClassExecutor, model.LimitMaxRunsPerHour, 100))
	ctx := context.Background()

	require.NoError(t, lim.SetEmergencyStop(ctx, true))

	d := lim.Admit(ctx, model.AgentClassExecutor, 0)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonEmergencyStop, d.Reason)
	assert.Equal(t, ReasonEmergencyStop, lim.Check(ctx, model.AgentClassExecutor, 0).Reason)

	// Flag survives in the store for the next process.
	state, err := store.GetEngineState(ctx)
	require.NoError(t, err)
	assert.True(t, state.EmergencyStop)

	require.NoError(t, lim.SetEmergencyStop(ctx, false))
	assert.True(t, lim.Admit(ctx, model.AgentClassExecutor, 0).Allowed)
}

func TestCheckDoesNotCharge(t *testing.T) {
	lim, _, _ := newLimiter(t, blockLimit(model.AgentClassExecutor, model.LimitMaxRunsPerHour, 1))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		assert.True(t, lim.Check(ctx, model.AgentClassExecutor, 0).Allowed)
	}

	// Check consumed nothing: the single slot is still available.
	assert.True(t, lim.Admit(ctx, model.AgentClassExecutor, 0).Allowed)
	assert.False(t, lim.Check(ctx, model.AgentClassExecutor, 0).Allowed)
}

func TestWindowRolloverResetsCounter(t *testing.T) {
	lim, _, clock := newLimiter(t, blockLimit(model.AgentClassExecutor, model.LimitMaxRunsPerHour, 1))
	ctx := context.Background()

	assert.True(t, lim.Admit(ctx, model.AgentClassExecutor, 0).Allowed)
	assert.False(t, lim.Admit(ctx, model.AgentClassExecutor, 0).Allowed)

	clock.Advance(time.Hour)
	assert.True(t, lim.Admit(ctx, model.AgentClassExecutor, 0).Allowed)

	// The new window is aligned to the top of the hour, not to the first
	// admission inside it.
	for _, u := range lim.Usage(ctx) {
		assert.Equal(t, clock.Now().Truncate(time.Hour), u.WindowStart)
	}
}

func TestWarnActionAdmitsPastLimit(t *testing.T) {
	warn := model.SafetyLimit{
		AgentClass: model.AgentClassExecutor,
		Kind:       model.LimitMaxRunsPerHour,
		Limit:      1,
		Action:     model.BreachWarn,
		Enabled:    true,
	}
	lim, _, _ := newLimiter(t, warn)
	ctx := context.Background()

	assert.True(t, lim.Admit(ctx, model.AgentClassExecutor, 0).Allowed)
	assert.True(t, lim.Admit(ctx, model.AgentClassExecutor, 0).Allowed)
	assert.True(t, lim.Admit(ctx, model.AgentClassExecutor, 0).Allowed)

	usages := lim.Usage(ctx)
	require.Len(t, usages, 1)
	assert.Equal(t, int64(3), usages[0].Used)
	assert.Zero(t, usages[0].Remaining)
}

type captureNotifier struct {
	mu     sync.Mutex
	events []model.LimitUsage
}

func (n *captureNotifier) NotifyLimitBreach(_ context.Context, usage model.LimitUsage) {
	n.mu.Lock()
	n.events = append(n.events, usage)
	n.mu.Unlock()
}

func TestNotifyActionFiresNotifier(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.UpsertLimit(ctx, model.SafetyLimit{
		AgentClass: model.AgentClassExecutor,
		Kind:       model.LimitMaxSpendPerDay,
		Limit:      100,
		Action:     model.BreachNotify,
		Enabled:    true,
	}))
	notifier := &captureNotifier{}
	lim, err := New(ctx, store, notifier, testLogger())
	require.NoError(t, err)

	assert.True(t, lim.Admit(ctx, model.AgentClassExecutor, 80).Allowed)
	assert.Empty(t, notifier.events)

	// This admission crosses the limit; notify admits but fires.
	assert.True(t, lim.Admit(ctx, model.AgentClassExecutor, 80).Allowed)
	require.Len(t, notifier.events, 1)
	assert.Equal(t, model.LimitMaxSpendPerDay, notifier.events[0].Kind)
}

func TestAdmitPersistsCounters(t *testing.T) {
	lim, store, _ := newLimiter(t, blockLimit(model.AgentClassExecutor, model.LimitMaxRunsPerDay, 10))
	ctx := context.Background()

	require.True(t, lim.Admit(ctx, model.AgentClassExecutor, 0).Allowed)
	require.True(t, lim.Admit(ctx, model.AgentClassExecutor, 0).Allowed)

	limits, err := store.ListLimits(ctx)
	require.NoError(t, err)
	require.Len(t, limits, 1)
	assert.Equal(t, int64(2), limits[0].Counter)
}

func TestNewAdoptsPersistedCounters(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seed := blockLimit(model.AgentClassExecutor, model.LimitMaxRunsPerHour, 3)
	require.NoError(t, store.UpsertLimit(ctx, seed))
	require.NoError(t, store.SaveCounter(ctx, model.AgentClassExecutor, model.LimitMaxRunsPerHour,
		2, time.Now().UTC().Truncate(time.Hour)))

	lim, err := New(ctx, store, nil, testLogger())
	require.NoError(t, err)

	// Two of three slots were used by the previous process.
	assert.True(t, lim.Admit(ctx, model.AgentClassExecutor, 0).Allowed)
	assert.False(t, lim.Admit(ctx, model.AgentClassExecutor, 0).Allowed)
}

func TestReloadKeepsLiveCounters(t *testing.T) {
	lim, store, _ := newLimiter(t, blockLimit(model.AgentClassExecutor, model.LimitMaxRunsPerHour, 2))
	ctx := context.Background()

	require.True(t, lim.Admit(ctx, model.AgentClassExecutor, 0).Allowed)
	require.True(t, lim.Admit(ctx, model.AgentClassExecutor, 0).Allowed)

	// Operator raises the limit; consumption so far is not forgotten.
	raised := blockLimit(model.AgentClassExecutor, model.LimitMaxRunsPerHour, 3)
	require.NoError(t, store.UpsertLimit(ctx, raised))
	require.NoError(t, lim.Reload(ctx))

	assert.True(t, lim.Admit(ctx, model.AgentClassExecutor, 0).Allowed)
	assert.False(t, lim.Admit(ctx, model.AgentClassExecutor, 0).Allowed)
}

func TestConcurrentAdmitsNeverExceedLimit(t *testing.T) {
	const limit = 7
	const callers = 50
	lim, _, _ := newLimiter(t, blockLimit(model.AgentClassExecutor, model.LimitMaxRunsPerHour, limit))
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = lim.Admit(ctx, model.AgentClassExecutor, 0).Allowed
		}(i)
	}
	wg.Wait()

	allowed := 0
	for _, ok := range results {
		if ok {
			allowed++
		}
	}
	assert.Equal(t, limit, allowed)
}
