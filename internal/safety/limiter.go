// Package safety enforces hard limits on agent activity: per-class run and
// spend budgets over fixed windows, and the global emergency stop.
//
// The limiter is the only writer of limit counters and the emergency-stop
// flag. Callers never read-modify-write shared counters themselves; they go
// through Check (read-only) or Admit (linearizable check-and-charge), which
// keeps the admission invariant provable: concurrent admissions can never
// jointly exceed a limit that only some of them could satisfy.
package safety

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/shonin/internal/model"
	"github.com/ashita-ai/shonin/internal/telemetry"
)

// Store is the persistence contract the limiter needs. Implemented by
// internal/storage (Postgres) and internal/storage/memory.
type Store interface {
	ListLimits(ctx context.Context) ([]model.SafetyLimit, error)
	UpsertLimit(ctx context.Context, l model.SafetyLimit) error
	SaveCounter(ctx context.Context, class model.AgentClass, kind model.LimitKind, counter int64, windowStart time.Time) error
	GetEngineState(ctx context.Context) (model.EngineState, error)
	SetEmergencyStop(ctx context.Context, stopped bool) error
}

// Notifier receives limit-breach notifications for limits configured with
// the notify action. Optional; nil disables notification.
type Notifier interface {
	NotifyLimitBreach(ctx context.Context, usage model.LimitUsage)
}

// Decision is the result of an admission check. Denials are a normal,
// branchable result — not errors.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Allow is the decision with no denial reason.
var Allow = Decision{Allowed: true}

// ReasonEmergencyStop is the denial reason when the global stop flag is set.
const ReasonEmergencyStop = "EmergencyStop"

// Deny constructs a denial with the given reason.
func Deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// ReasonRateLimited names the specific limit that denied an admission.
func ReasonRateLimited(kind model.LimitKind) string {
	return "RateLimited:" + string(kind)
}

// row is one limit's live state. Configuration comes from the store;
// counter and windowStart are owned by the limiter while the process runs
// and snapshotted back on every charge.
type row struct {
	cfg         model.SafetyLimit
	counter     int64
	windowStart time.Time
}

type limitKey struct {
	class model.AgentClass
	kind  model.LimitKind
}

// Limiter tracks rolling usage counters per agent class and answers
// admission checks. Safe for concurrent use.
//
// A single mutex serializes all admissions. An admission touches every
// limit row for its class and must observe and update them atomically, so
// per-row locking would still need a consistent multi-row order; with
// microsecond hold times and a handful of rows, one lock is the simpler
// correct choice.
type Limiter struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger

	stopped atomic.Bool

	mu   sync.Mutex
	rows map[limitKey]*row

	now func() time.Time

	admitted metric.Int64Counter
	denied   metric.Int64Counter
}

// New loads configured limits and the emergency-stop flag from the store.
// notifier may be nil.
func New(ctx context.Context, store Store, notifier Notifier, logger *slog.Logger) (*Limiter, error) {
	meter := telemetry.Meter("shonin/safety")
	admitted, _ := meter.Int64Counter("shonin.admissions.allowed",
		metric.WithDescription("Admissions allowed by the safety limiter"))
	denied, _ := meter.Int64Counter("shonin.admissions.denied",
		metric.WithDescription("Admissions denied by the safety limiter"))

	l := &Limiter{
		store:    store,
		notifier: notifier,
		logger:   logger,
		rows:     make(map[limitKey]*row),
		now:      func() time.Time { return time.Now().UTC() },
		admitted: admitted,
		denied:   denied,
	}

	if err := l.Reload(ctx); err != nil {
		return nil, err
	}

	state, err := store.GetEngineState(ctx)
	if err != nil {
		return nil, fmt.Errorf("safety: load engine state: %w", err)
	}
	l.stopped.Store(state.EmergencyStop)

	return l, nil
}

// Reload re-reads limit configuration from the store. Counters persisted by
// a previous process are adopted when their window is still current.
// Called at startup and after operators change limit configuration.
func (l *Limiter) Reload(ctx context.Context) error {
	limits, err := l.store.ListLimits(ctx)
	if err != nil {
		return fmt.Errorf("safety: load limits: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[limitKey]bool, len(limits))
	for _, cfg := range limits {
		key := limitKey{cfg.AgentClass, cfg.Kind}
		seen[key] = true
		if existing, ok := l.rows[key]; ok {
			// Keep the live counter; only the configuration changes.
			existing.cfg = cfg
			continue
		}
		l.rows[key] = &row{cfg: cfg, counter: cfg.Counter, windowStart: cfg.WindowStart}
	}
	for key := range l.rows {
		if !seen[key] {
			delete(l.rows, key)
		}
	}
	return nil
}

// EmergencyStopped reports the current value of the global stop flag.
func (l *Limiter) EmergencyStopped() bool {
	return l.stopped.Load()
}

// SetEmergencyStop flips the global flag and persists it. While set, every
// admission denies with EmergencyStop regardless of limit headroom.
func (l *Limiter) SetEmergencyStop(ctx context.Context, stopped bool) error {
	if err := l.store.SetEmergencyStop(ctx, stopped); err != nil {
		return err
	}
	l.stopped.Store(stopped)
	l.logger.Warn("emergency stop changed", "stopped", stopped)
	return nil
}

// Check evaluates admission for a hypothetical run without consuming any
// budget. Used by the proposal admission gate ("would an executor run be
// admitted?") and for dry-run audits. Evaluation order: emergency stop
// first, then every enabled block limit for the class.
func (l *Limiter) Check(_ context.Context, class model.AgentClass, estimatedCostCents int64) Decision {
	if l.stopped.Load() {
		return Deny(ReasonEmergencyStop)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for _, r := range l.classRows(class) {
		l.rollover(r, now)
		if exceeds(r, estimatedCostCents) && r.cfg.Action == model.BreachBlock {
			return Deny(ReasonRateLimited(r.cfg.Kind))
		}
	}
	return Allow
}

// Admit evaluates admission for an actual run and, when allowed, charges
// every matching counter in the same critical section. This is the
// linearizable path: N concurrent Admit calls against a remaining budget of
// K yield exactly K allows.
func (l *Limiter) Admit(ctx context.Context, class model.AgentClass, estimatedCostCents int64) Decision {
	if l.stopped.Load() {
		l.count(ctx, l.denied, class, ReasonEmergencyStop)
		return Deny(ReasonEmergencyStop)
	}

	l.mu.Lock()
	now := l.now()
	rows := l.classRows(class)

	// First pass: any block limit that would be exceeded denies the whole
	// admission before anything is charged.
	for _, r := range rows {
		l.rollover(r, now)
		if exceeds(r, estimatedCostCents) && r.cfg.Action == model.BreachBlock {
			kind := r.cfg.Kind
			l.mu.Unlock()
			l.count(ctx, l.denied, class, ReasonRateLimited(kind))
			return Deny(ReasonRateLimited(kind))
		}
	}

	// Second pass: charge. Warn/notify limits are charged past their value;
	// they surface rather than stop.
	var breached []model.LimitUsage
	var snapshots []row
	for _, r := range rows {
		wasOver := exceeds(r, estimatedCostCents)
		if r.cfg.Kind.CountsSpend() {
			r.counter += estimatedCostCents
		} else {
			r.counter++
		}
		snapshots = append(snapshots, *r)
		if wasOver {
			breached = append(breached, usageOf(r))
		}
	}
	l.mu.Unlock()

	// Persist counters outside the critical section; the in-process rows
	// stay authoritative if a write fails.
	for _, snap := range snapshots {
		if err := l.store.SaveCounter(ctx, snap.cfg.AgentClass, snap.cfg.Kind, snap.counter, snap.windowStart); err != nil {
			l.logger.Error("failed to persist limit counter",
				"agent_class", snap.cfg.AgentClass, "kind", snap.cfg.Kind, "error", err)
		}
	}

	for _, usage := range breached {
		switch usage.Action {
		case model.BreachWarn:
			l.logger.Warn("safety limit exceeded (warn action, run admitted)",
				"agent_class", usage.AgentClass, "kind", usage.Kind,
				"limit", usage.Limit, "used", usage.Used)
		case model.BreachNotify:
			l.logger.Warn("safety limit exceeded (notify action, run admitted)",
				"agent_class", usage.AgentClass, "kind", usage.Kind)
			if l.notifier != nil {
				l.notifier.NotifyLimitBreach(ctx, usage)
			}
		}
	}

	l.count(ctx, l.admitted, class, "")
	return Allow
}

// Usage returns the current consumption of every configured limit, with
// windows rolled over as of now. Read-only.
func (l *Limiter) Usage(context.Context) []model.LimitUsage {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	usages := make([]model.LimitUsage, 0, len(l.rows))
	for _, r := range l.rows {
		l.rollover(r, now)
		usages = append(usages, usageOf(r))
	}
	return usages
}

// classRows returns the rows whose agent class matches and which are
// enabled. Caller must hold l.mu.
func (l *Limiter) classRows(class model.AgentClass) []*row {
	var rows []*row
	for _, r := range l.rows {
		if r.cfg.AgentClass == class && r.cfg.Enabled {
			rows = append(rows, r)
		}
	}
	return rows
}

// rollover resets the counter when the window has elapsed. The new window
// start is aligned to fixed boundaries (top of the hour, midnight UTC) via
// truncation, not set to now — partial windows would otherwise drift.
// Caller must hold l.mu.
func (l *Limiter) rollover(r *row, now time.Time) {
	window := r.cfg.Kind.Window()
	if window <= 0 {
		return
	}
	if now.Sub(r.windowStart) >= window {
		r.counter = 0
		r.windowStart = now.Truncate(window)
	}
}

// exceeds reports whether charging a candidate run would push the counter
// past the limit value.
func exceeds(r *row, estimatedCostCents int64) bool {
	charge := int64(1)
	if r.cfg.Kind.CountsSpend() {
		charge = estimatedCostCents
	}
	return r.counter+charge > r.cfg.Limit
}

func usageOf(r *row) model.LimitUsage {
	remaining := r.cfg.Limit - r.counter
	if remaining < 0 {
		remaining = 0
	}
	return model.LimitUsage{
		AgentClass:  r.cfg.AgentClass,
		Kind:        r.cfg.Kind,
		Limit:       r.cfg.Limit,
		Used:        r.counter,
		Remaining:   remaining,
		WindowStart: r.windowStart,
		WindowEnd:   r.windowStart.Add(r.cfg.Kind.Window()),
		Action:      r.cfg.Action,
		Enabled:     r.cfg.Enabled,
	}
}

func (l *Limiter) count(ctx context.Context, counter metric.Int64Counter, class model.AgentClass, reason string) {
	if counter == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("shonin.agent_class", string(class))}
	if reason != "" {
		attrs = append(attrs, attribute.String("shonin.denial_reason", reason))
	}
	counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
