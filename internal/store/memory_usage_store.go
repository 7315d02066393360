package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dunamismax/zyncut/internal/domain"
)

type MemoryUsageStore struct {
	mu     sync.RWMutex
	states map[string]domain.UsageState
	logs   map[string][]domain.UsageLog
}

func NewMemoryUsageStore() *MemoryUsageStore {
	return &MemoryUsageStore{
		states: make(map[string]domain.UsageState),
		logs:   make(map[string][]domain.UsageLog),
	}
}

func (s *MemoryUsageStore) Load(_ context.Context, subject string, period time.Duration, now time.Time) (domain.UsageState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[subject]
	if !ok {
		state = domain.UsageState{Plan: domain.PlanFree}
	}
	if rolled, changed := state.Rollover(now.UTC(), period); changed {
		state = rolled
		s.states[subject] = state
	}
	return state, nil
}

func (s *MemoryUsageStore) Commit(_ context.Context, subject string, expected domain.UsageState, usage domain.UsageLog) (domain.UsageState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[subject]
	if !ok || !sameSnapshot(state, expected) {
		return domain.UsageState{}, fmt.Errorf("commit usage for %s: %w", subject, domain.ErrUsageConflict)
	}

	state.Count++
	s.states[subject] = state
	s.logs[subject] = append(s.logs[subject], usage)
	return state, nil
}

func (s *MemoryUsageStore) SetPlan(_ context.Context, subject string, plan domain.Plan, now time.Time) (domain.UsageState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[subject]
	if !ok {
		state = domain.UsageState{PeriodStart: now.UTC()}
	}
	state.Plan = plan
	s.states[subject] = state
	return state, nil
}

// Logs returns a copy of the subject's usage ledger, oldest first.
func (s *MemoryUsageStore) Logs(subject string) []domain.UsageLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.UsageLog(nil), s.logs[subject]...)
}
