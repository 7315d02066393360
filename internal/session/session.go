package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dunamismax/zyncut/internal/domain"
	"github.com/dunamismax/zyncut/internal/id"
	"github.com/dunamismax/zyncut/internal/store"
)

// Session owns one user's history and usage. History and the usage count
// change only through Commit, under the session lock.
type Session struct {
	id    string
	store store.UsageStore
	quota domain.Quota
	now   func() time.Time

	mu       sync.Mutex
	history  []domain.HistoryEntry
	inflight *invocation
}

type invocation struct {
	token     string
	cancel    context.CancelFunc
	committed bool
}

// Usage is the quota view reported to clients.
type Usage struct {
	Plan        domain.Plan `json:"plan"`
	Count       int         `json:"count"`
	Limit       int         `json:"limit"`
	Remaining   int         `json:"remaining"`
	PeriodStart time.Time   `json:"period_start"`
}

func New(id string, usage store.UsageStore, quota domain.Quota) *Session {
	return &Session{
		id:    id,
		store: usage,
		quota: quota,
		now:   time.Now,
	}
}

func (s *Session) ID() string {
	return s.id
}

// Snapshot loads the usage state an invocation decides its quota on.
func (s *Session) Snapshot(ctx context.Context) (domain.UsageState, error) {
	state, err := s.store.Load(ctx, s.id, s.quota.Period, s.now())
	if err != nil {
		return domain.UsageState{}, fmt.Errorf("load usage for session %s: %w", s.id, err)
	}
	return state, nil
}

func (s *Session) Usage(ctx context.Context) (Usage, error) {
	state, err := s.Snapshot(ctx)
	if err != nil {
		return Usage{}, err
	}
	return s.Report(state), nil
}

func (s *Session) SetPlan(ctx context.Context, plan domain.Plan) (Usage, error) {
	state, err := s.store.SetPlan(ctx, s.id, plan, s.now())
	if err != nil {
		return Usage{}, fmt.Errorf("set plan for session %s: %w", s.id, err)
	}
	return s.Report(state), nil
}

// Report converts a usage state into the client view for this session's quota.
func (s *Session) Report(state domain.UsageState) Usage {
	return Usage{
		Plan:        state.Plan,
		Count:       state.Count,
		Limit:       s.quota.Limit(state.Plan),
		Remaining:   s.quota.Remaining(state),
		PeriodStart: state.PeriodStart,
	}
}

// Begin starts a new invocation and returns its context and token. Any
// invocation still in flight is cancelled and can no longer commit.
func (s *Session) Begin(ctx context.Context) (context.Context, string) {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inflight != nil {
		s.inflight.cancel()
	}
	s.inflight = &invocation{token: id.New(), cancel: cancel}
	return ctx, s.inflight.token
}

// End releases the invocation's context once the caller is done with it.
func (s *Session) End(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inflight == nil || s.inflight.token != token {
		return
	}
	s.inflight.cancel()
	s.inflight = nil
}

// Reset cancels the in-flight invocation, if any. It reports whether one was
// running.
func (s *Session) Reset() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inflight == nil {
		return false
	}
	s.inflight.cancel()
	s.inflight = nil
	return true
}

// Commit records a successful invocation: the usage increment and ledger
// row go to the store, then the result is prepended to history. If the token
// is stale or the store rejects the snapshot, nothing changes.
func (s *Session) Commit(ctx context.Context, token string, snapshot domain.UsageState, result domain.ProcessingResult, usage domain.UsageLog) (domain.UsageState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inflight == nil || s.inflight.token != token || s.inflight.committed {
		return domain.UsageState{}, domain.ErrStaleInvocation
	}
	if err := ctx.Err(); err != nil {
		return domain.UsageState{}, err
	}
	for _, entry := range s.history {
		if entry.ID == result.ID {
			return domain.UsageState{}, fmt.Errorf("duplicate result id %s", result.ID)
		}
	}

	state, err := s.store.Commit(ctx, s.id, snapshot, usage)
	if err != nil {
		if errors.Is(err, domain.ErrUsageConflict) {
			return domain.UsageState{}, err
		}
		return domain.UsageState{}, fmt.Errorf("commit usage for session %s: %w", s.id, err)
	}

	s.history = append([]domain.HistoryEntry{result}, s.history...)
	s.inflight.committed = true
	return state, nil
}

// History returns entries newest first, filtered by query when non-empty.
func (s *Session) History(query string) []domain.HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.HistoryEntry, 0, len(s.history))
	for _, entry := range s.history {
		if entry.Matches(query) {
			out = append(out, entry)
		}
	}
	return out
}

func (s *Session) Entry(resultID string) (domain.HistoryEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.history {
		if entry.ID == resultID {
			return entry, true
		}
	}
	return domain.HistoryEntry{}, false
}
