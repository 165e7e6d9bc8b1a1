// Package memory provides an in-memory implementation of the storage
// contracts used by the engine's services. It backs unit tests and the
// zero-dependency development mode; production deployments use the
// Postgres layer in internal/storage.
//
// All methods are safe for concurrent use. A single mutex guards the maps —
// the dataset is small and operations are microsecond-scale, so finer
// locking buys nothing here. The linearizable counter semantics required by
// the safety limiter live in internal/safety, not in the store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/shonin/internal/model"
	"github.com/ashita-ai/shonin/internal/storage"
)

// Store holds all engine state in process memory.
type Store struct {
	mu        sync.Mutex
	runs      map[uuid.UUID]model.Run
	proposals map[uuid.UUID]model.Proposal
	rules     map[string]model.AutoApprovalRule
	limits    map[limitKey]model.SafetyLimit
	samples   []model.HealthSample
	agents    map[string]model.Agent
	state     model.EngineState
}

type limitKey struct {
	class model.AgentClass
	kind  model.LimitKind
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		runs:      make(map[uuid.UUID]model.Run),
		proposals: make(map[uuid.UUID]model.Proposal),
		rules:     make(map[string]model.AutoApprovalRule),
		limits:    make(map[limitKey]model.SafetyLimit),
		agents:    make(map[string]model.Agent),
		state:     model.EngineState{UpdatedAt: time.Now().UTC()},
	}
}

// CreateRun inserts a run.
func (s *Store) CreateRun(_ context.Context, run model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(_ context.Context, id uuid.UUID) (model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return model.Run{}, storage.ErrNotFound
	}
	return run, nil
}

// CompleteRun records a terminal outcome iff the run is still running.
func (s *Store) CompleteRun(_ context.Context, id uuid.UUID, outcome model.RunOutcome, costCents, tokens int64, summary string, completedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok || run.Outcome != model.RunOutcomeRunning {
		return false, nil
	}
	run.Outcome = outcome
	run.CostCents = costCents
	run.Tokens = tokens
	run.Summary = summary
	run.CompletedAt = &completedAt
	s.runs[id] = run
	return true, nil
}

// ListRuns returns runs ordered by started_at DESC.
func (s *Store) ListRuns(_ context.Context, class *model.AgentClass, limit, offset int) ([]model.Run, int, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []model.Run
	for _, r := range s.runs {
		if class == nil || r.AgentClass == *class {
			all = append(all, r)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StartedAt.After(all[j].StartedAt) })

	total := len(all)
	if offset >= len(all) {
		return nil, total, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}

// SweepTimedOutRuns marks running runs started before cutoff as timed_out.
func (s *Store) SweepTimedOutRuns(_ context.Context, cutoff, completedAt time.Time) ([]model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var swept []model.Run
	for id, r := range s.runs {
		if r.Outcome == model.RunOutcomeRunning && r.StartedAt.Before(cutoff) {
			done := completedAt
			r.Outcome = model.RunOutcomeTimedOut
			r.CompletedAt = &done
			s.runs[id] = r
			swept = append(swept, r)
		}
	}
	return swept, nil
}

// DeleteRunsBefore removes terminal runs started before cutoff. Runs a
// proposal or health sample still references are kept, matching the
// Postgres store.
func (s *Store) DeleteRunsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	referenced := make(map[uuid.UUID]bool)
	for _, p := range s.proposals {
		referenced[p.SourceRunID] = true
		if p.ExecutionRunID != nil {
			referenced[*p.ExecutionRunID] = true
		}
	}
	for _, h := range s.samples {
		referenced[h.RunID] = true
	}

	var deleted int64
	for id, r := range s.runs {
		if r.Outcome != model.RunOutcomeRunning && r.StartedAt.Before(cutoff) && !referenced[id] {
			delete(s.runs, id)
			deleted++
		}
	}
	return deleted, nil
}

// CreateProposal inserts a proposal.
func (s *Store) CreateProposal(_ context.Context, p model.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proposals[p.ID] = p
	return nil
}

// GetProposal retrieves a proposal by ID.
func (s *Store) GetProposal(_ context.Context, id uuid.UUID) (model.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[id]
	if !ok {
		return model.Proposal{}, storage.ErrNotFound
	}
	return p, nil
}

// CASProposal applies upd iff the stored status equals from.
func (s *Store) CASProposal(_ context.Context, id uuid.UUID, from model.ProposalStatus, upd model.ProposalUpdate) (model.Proposal, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.proposals[id]
	if !ok || p.Status != from {
		return model.Proposal{}, false, nil
	}

	p.Status = upd.Status
	if upd.MatchedRule != nil {
		p.MatchedRule = upd.MatchedRule
	}
	if upd.ReviewedBy != nil {
		p.ReviewedBy = upd.ReviewedBy
	}
	if upd.DecidedAt != nil {
		p.DecidedAt = upd.DecidedAt
	}
	if upd.DecisionReason != nil {
		p.DecisionReason = upd.DecisionReason
	}
	if upd.DenialReason != nil {
		p.DenialReason = upd.DenialReason
	}
	if upd.ExecutionRunID != nil {
		p.ExecutionRunID = upd.ExecutionRunID
	}
	if upd.HealthBefore != nil {
		p.HealthBefore = upd.HealthBefore
	}
	if upd.HealthAfter != nil {
		p.HealthAfter = upd.HealthAfter
	}
	if upd.HealthDelta != nil {
		p.HealthDelta = upd.HealthDelta
	}
	p.UpdatedAt = time.Now().UTC()
	s.proposals[id] = p
	return p, true, nil
}

// RecordDenial stores a denial reason on a still-proposed proposal.
func (s *Store) RecordDenial(_ context.Context, id uuid.UUID, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.proposals[id]
	if !ok || p.Status != model.StatusProposed {
		return nil
	}
	p.DenialReason = &reason
	p.UpdatedAt = at
	s.proposals[id] = p
	return nil
}

// ListProposals returns proposals ordered by created_at DESC.
func (s *Store) ListProposals(_ context.Context, status *model.ProposalStatus, limit, offset int) ([]model.Proposal, int, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []model.Proposal
	for _, p := range s.proposals {
		if status == nil || p.Status == *status {
			all = append(all, p)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := len(all)
	if offset >= len(all) {
		return nil, total, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}

// GetProposalByExecutionRun finds the proposal executing as runID.
func (s *Store) GetProposalByExecutionRun(_ context.Context, runID uuid.UUID) (model.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.proposals {
		if p.ExecutionRunID != nil && *p.ExecutionRunID == runID {
			return p, nil
		}
	}
	return model.Proposal{}, storage.ErrNotFound
}

// ListRules returns all rules ordered by name.
func (s *Store) ListRules(_ context.Context) ([]model.AutoApprovalRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rules := make([]model.AutoApprovalRule, 0, len(s.rules))
	for _, r := range s.rules {
		rules = append(rules, r)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })
	return rules, nil
}

// GetRule retrieves one rule by name.
func (s *Store) GetRule(_ context.Context, name string) (model.AutoApprovalRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[name]
	if !ok {
		return model.AutoApprovalRule{}, storage.ErrNotFound
	}
	return r, nil
}

// UpsertRule inserts or replaces a rule by name.
func (s *Store) UpsertRule(_ context.Context, r model.AutoApprovalRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := s.rules[r.Name]; ok {
		r.CreatedAt = existing.CreatedAt
	} else {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	s.rules[r.Name] = r
	return nil
}

// ListLimits returns all configured limits.
func (s *Store) ListLimits(_ context.Context) ([]model.SafetyLimit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limits := make([]model.SafetyLimit, 0, len(s.limits))
	for _, l := range s.limits {
		limits = append(limits, l)
	}
	sort.Slice(limits, func(i, j int) bool {
		if limits[i].AgentClass != limits[j].AgentClass {
			return limits[i].AgentClass < limits[j].AgentClass
		}
		return limits[i].Kind < limits[j].Kind
	})
	return limits, nil
}

// UpsertLimit inserts or replaces a limit's configuration, preserving any
// existing counter and window.
func (s *Store) UpsertLimit(_ context.Context, l model.SafetyLimit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := limitKey{l.AgentClass, l.Kind}
	if existing, ok := s.limits[key]; ok {
		l.Counter = existing.Counter
		l.WindowStart = existing.WindowStart
	}
	l.UpdatedAt = time.Now().UTC()
	s.limits[key] = l
	return nil
}

// SaveCounter persists a limit's window counter.
func (s *Store) SaveCounter(_ context.Context, class model.AgentClass, kind model.LimitKind, counter int64, windowStart time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := limitKey{class, kind}
	l, ok := s.limits[key]
	if !ok {
		return nil
	}
	l.Counter = counter
	l.WindowStart = windowStart
	l.UpdatedAt = time.Now().UTC()
	s.limits[key] = l
	return nil
}

// GetEngineState reads the process-wide state.
func (s *Store) GetEngineState(_ context.Context) (model.EngineState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

// SetEmergencyStop persists the emergency-stop flag.
func (s *Store) SetEmergencyStop(_ context.Context, stopped bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.EmergencyStop = stopped
	s.state.UpdatedAt = time.Now().UTC()
	return nil
}

// SaveHealthAverage persists the rolling health average.
func (s *Store) SaveHealthAverage(_ context.Context, avg float64, samples int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.AvgHealthScore = &avg
	s.state.HealthSamples = samples
	s.state.UpdatedAt = time.Now().UTC()
	return nil
}

// InsertHealthSample appends a health score measurement.
func (s *Store) InsertHealthSample(_ context.Context, sample model.HealthSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
	return nil
}

// ListHealthSamples returns the most recent samples, newest first.
func (s *Store) ListHealthSamples(_ context.Context, limit int) ([]model.HealthSample, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	samples := make([]model.HealthSample, len(s.samples))
	copy(samples, s.samples)
	sort.Slice(samples, func(i, j int) bool { return samples[i].RecordedAt.After(samples[j].RecordedAt) })
	if len(samples) > limit {
		samples = samples[:limit]
	}
	return samples, nil
}

// CreateAgent inserts an authenticated caller.
func (s *Store) CreateAgent(_ context.Context, a model.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[a.AgentID]; ok {
		return storage.ErrDuplicate
	}
	s.agents[a.AgentID] = a
	return nil
}

// GetAgentByAgentID retrieves an agent by its external identifier.
func (s *Store) GetAgentByAgentID(_ context.Context, agentID string) (model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return model.Agent{}, storage.ErrNotFound
	}
	return a, nil
}

// UpsertAgentKey replaces an agent's API key hash (or creates the agent).
func (s *Store) UpsertAgentKey(_ context.Context, a model.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.AgentID] = a
	return nil
}
