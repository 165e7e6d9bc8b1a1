package model

import (
	"fmt"
	"time"
)

// LimitKind names one kind of per-agent-class budget.
type LimitKind string

const (
	LimitMaxRunsPerHour  LimitKind = "max_runs_per_hour"
	LimitMaxRunsPerDay   LimitKind = "max_runs_per_day"
	LimitMaxSpendPerDay  LimitKind = "max_spend_per_day"
	LimitMaxSpendPerWeek LimitKind = "max_spend_per_week"
)

// Valid reports whether k is a known limit kind.
func (k LimitKind) Valid() bool {
	switch k {
	case LimitMaxRunsPerHour, LimitMaxRunsPerDay, LimitMaxSpendPerDay, LimitMaxSpendPerWeek:
		return true
	}
	return false
}

// Window returns the rolling window duration for the limit kind.
func (k LimitKind) Window() time.Duration {
	switch k {
	case LimitMaxRunsPerHour:
		return time.Hour
	case LimitMaxRunsPerDay, LimitMaxSpendPerDay:
		return 24 * time.Hour
	case LimitMaxSpendPerWeek:
		return 7 * 24 * time.Hour
	}
	return 0
}

// CountsSpend reports whether the limit counter accumulates cost cents
// (spend limits) rather than run counts (rate limits).
func (k LimitKind) CountsSpend() bool {
	return k == LimitMaxSpendPerDay || k == LimitMaxSpendPerWeek
}

// BreachAction is what the limiter does when a limit would be exceeded.
type BreachAction string

const (
	// BreachBlock denies the admission. Fail closed: an ambiguous or
	// malfunctioning block limit denies rather than permits.
	BreachBlock BreachAction = "block"
	// BreachWarn permits the admission but logs a warning.
	BreachWarn BreachAction = "warn"
	// BreachNotify permits the admission and emits a notification event.
	BreachNotify BreachAction = "notify"
)

// Valid reports whether a is a known breach action.
func (a BreachAction) Valid() bool {
	return a == BreachBlock || a == BreachWarn || a == BreachNotify
}

// SafetyLimit is one configured budget row for an agent class.
// Counter and WindowStart are mutated only through the safety limiter —
// callers never read-modify-write them directly.
type SafetyLimit struct {
	AgentClass AgentClass   `json:"agent_class" yaml:"agent_class"`
	Kind       LimitKind    `json:"kind" yaml:"kind"`
	Limit      int64        `json:"limit" yaml:"limit"`
	Action     BreachAction `json:"action" yaml:"action"`
	Enabled    bool         `json:"enabled" yaml:"enabled"`

	// Counter is runs admitted (rate kinds) or cents charged (spend kinds)
	// in the current window. WindowStart is aligned to fixed boundaries
	// (top of the hour/day/week), not to the first admission.
	Counter     int64     `json:"counter" yaml:"-"`
	WindowStart time.Time `json:"window_start" yaml:"-"`

	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Validate checks limit fields against the closed sets.
func (l SafetyLimit) Validate() error {
	if !l.AgentClass.Valid() {
		return fmt.Errorf("limit: invalid agent class %q", l.AgentClass)
	}
	if !l.Kind.Valid() {
		return fmt.Errorf("limit %s/%s: invalid kind", l.AgentClass, l.Kind)
	}
	if !l.Action.Valid() {
		return fmt.Errorf("limit %s/%s: invalid action %q", l.AgentClass, l.Kind, l.Action)
	}
	if l.Limit < 0 {
		return fmt.Errorf("limit %s/%s: limit value must be non-negative", l.AgentClass, l.Kind)
	}
	return nil
}

// LimitUsage is the read-only operational view of a limit: configured value
// versus current window consumption.
type LimitUsage struct {
	AgentClass  AgentClass   `json:"agent_class"`
	Kind        LimitKind    `json:"kind"`
	Limit       int64        `json:"limit"`
	Used        int64        `json:"used"`
	Remaining   int64        `json:"remaining"`
	WindowStart time.Time    `json:"window_start"`
	WindowEnd   time.Time    `json:"window_end"`
	Action      BreachAction `json:"action"`
	Enabled     bool         `json:"enabled"`
}
