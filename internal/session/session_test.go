package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dunamismax/zyncut/internal/domain"
	"github.com/dunamismax/zyncut/internal/store"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T) (*Session, *store.MemoryUsageStore) {
	t.Helper()
	usage := store.NewMemoryUsageStore()
	return New("session-1", usage, domain.DefaultQuota()), usage
}

func TestCommitPrependsHistoryAndIncrementsUsage(t *testing.T) {
	ctx := context.Background()
	sess, usage := newTestSession(t)

	for i, resultID := range []string{"aaaa-1", "bbbb-2"} {
		snapshot, err := sess.Snapshot(ctx)
		require.NoError(t, err)
		require.Equal(t, i, snapshot.Count)

		invCtx, token := sess.Begin(ctx)
		state, err := sess.Commit(invCtx, token, snapshot, domain.ProcessingResult{ID: resultID, Timestamp: int64(i)}, domain.UsageLog{ResultID: resultID})
		require.NoError(t, err)
		require.Equal(t, i+1, state.Count)
		sess.End(token)
	}

	history := sess.History("")
	require.Len(t, history, 2)
	require.Equal(t, "bbbb-2", history[0].ID)
	require.Equal(t, "aaaa-1", history[1].ID)
	require.Len(t, usage.Logs("session-1"), 2)
}

func TestCommitRejectedAfterReset(t *testing.T) {
	ctx := context.Background()
	sess, usage := newTestSession(t)

	snapshot, err := sess.Snapshot(ctx)
	require.NoError(t, err)
	invCtx, token := sess.Begin(ctx)

	require.True(t, sess.Reset())
	require.ErrorIs(t, invCtx.Err(), context.Canceled)

	_, err = sess.Commit(invCtx, token, snapshot, domain.ProcessingResult{ID: "late"}, domain.UsageLog{})
	require.ErrorIs(t, err, domain.ErrStaleInvocation)
	require.Empty(t, sess.History(""))
	require.Empty(t, usage.Logs("session-1"))
	require.False(t, sess.Reset())
}

func TestBeginSupersedesPriorInvocation(t *testing.T) {
	ctx := context.Background()
	sess, _ := newTestSession(t)

	snapshot, err := sess.Snapshot(ctx)
	require.NoError(t, err)
	firstCtx, first := sess.Begin(ctx)
	secondCtx, second := sess.Begin(ctx)
	require.NotEqual(t, first, second)
	require.ErrorIs(t, firstCtx.Err(), context.Canceled)

	_, err = sess.Commit(firstCtx, first, snapshot, domain.ProcessingResult{ID: "first"}, domain.UsageLog{})
	require.ErrorIs(t, err, domain.ErrStaleInvocation)

	// End of a superseded invocation must not touch the current one.
	sess.End(first)
	require.NoError(t, secondCtx.Err())

	_, err = sess.Commit(secondCtx, second, snapshot, domain.ProcessingResult{ID: "second"}, domain.UsageLog{})
	require.NoError(t, err)

	_, err = sess.Commit(secondCtx, second, snapshot, domain.ProcessingResult{ID: "again"}, domain.UsageLog{})
	require.ErrorIs(t, err, domain.ErrStaleInvocation)
	require.Len(t, sess.History(""), 1)
}

type failingStore struct {
	*store.MemoryUsageStore
	err error
}

func (f failingStore) Commit(context.Context, string, domain.UsageState, domain.UsageLog) (domain.UsageState, error) {
	return domain.UsageState{}, f.err
}

func TestCommitFailureLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	memory := store.NewMemoryUsageStore()
	sess := New("session-1", failingStore{MemoryUsageStore: memory, err: errors.New("connection reset")}, domain.DefaultQuota())

	snapshot, err := sess.Snapshot(ctx)
	require.NoError(t, err)
	invCtx, token := sess.Begin(ctx)

	_, err = sess.Commit(invCtx, token, snapshot, domain.ProcessingResult{ID: "r1"}, domain.UsageLog{})
	require.Error(t, err)
	require.Empty(t, sess.History(""))

	after, err := sess.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, snapshot.Count, after.Count)
}

func TestCommitConflictWhenUsageMovedUnderneath(t *testing.T) {
	ctx := context.Background()
	sess, usage := newTestSession(t)

	snapshot, err := sess.Snapshot(ctx)
	require.NoError(t, err)
	_, err = usage.Commit(ctx, "session-1", snapshot, domain.UsageLog{})
	require.NoError(t, err)

	invCtx, token := sess.Begin(ctx)
	_, err = sess.Commit(invCtx, token, snapshot, domain.ProcessingResult{ID: "r1"}, domain.UsageLog{})
	require.ErrorIs(t, err, domain.ErrUsageConflict)
	require.Empty(t, sess.History(""))
}

func TestHistorySearchAndEntry(t *testing.T) {
	ctx := context.Background()
	sess, _ := newTestSession(t)
	day := time.Date(2026, 2, 14, 9, 30, 0, 0, time.UTC)

	for _, r := range []domain.ProcessingResult{
		{ID: "3f9a0000", Timestamp: day.UnixMilli()},
		{ID: "b21c0000", Timestamp: day.Add(48 * time.Hour).UnixMilli()},
	} {
		snapshot, err := sess.Snapshot(ctx)
		require.NoError(t, err)
		invCtx, token := sess.Begin(ctx)
		_, err = sess.Commit(invCtx, token, snapshot, r, domain.UsageLog{})
		require.NoError(t, err)
		sess.End(token)
	}

	byName := sess.History("asset_3F9A")
	require.Len(t, byName, 1)
	require.Equal(t, "3f9a0000", byName[0].ID)

	byDate := sess.History("2026-02-16")
	require.Len(t, byDate, 1)
	require.Equal(t, "b21c0000", byDate[0].ID)

	require.Empty(t, sess.History("nothing"))

	entry, ok := sess.Entry("b21c0000")
	require.True(t, ok)
	require.Equal(t, day.Add(48*time.Hour).UnixMilli(), entry.Timestamp)
	_, ok = sess.Entry("missing")
	require.False(t, ok)
}

func TestUsageReportAndPlanSwitch(t *testing.T) {
	ctx := context.Background()
	sess, _ := newTestSession(t)

	usage, err := sess.Usage(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.PlanFree, usage.Plan)
	require.Equal(t, 2, usage.Limit)
	require.Equal(t, 2, usage.Remaining)

	usage, err = sess.SetPlan(ctx, domain.PlanBusiness)
	require.NoError(t, err)
	require.Equal(t, domain.Unlimited, usage.Limit)
	require.Equal(t, domain.Unlimited, usage.Remaining)
}

func TestManagerReturnsSameSession(t *testing.T) {
	m := NewManager(store.NewMemoryUsageStore(), domain.DefaultQuota())

	a := m.Get("client-a")
	require.Same(t, a, m.Get(" client-a "))
	require.NotSame(t, a, m.Get("client-b"))
	require.Equal(t, "anonymous", m.Get("").ID())
	require.Equal(t, 3, m.Len())
}

func TestManagerPeekDoesNotRegister(t *testing.T) {
	m := NewManager(store.NewMemoryUsageStore(), domain.DefaultQuota())

	detached := m.Peek("reader")
	require.Equal(t, "reader", detached.ID())
	require.Empty(t, detached.History(""))
	require.Zero(t, m.Len())

	owned := m.Get("reader")
	require.Same(t, owned, m.Peek("reader"))
	require.Equal(t, 1, m.Len())
}

func TestManagerEvictsLeastRecentlyUsed(t *testing.T) {
	m := NewManager(store.NewMemoryUsageStore(), domain.DefaultQuota(), WithMaxSessions(2))

	a := m.Get("a")
	_, token := a.Begin(context.Background())
	m.Get("b")
	m.Get("a")
	m.Get("c")

	require.Equal(t, 2, m.Len())
	require.Same(t, a, m.Get("a"))
	require.NotSame(t, m.Peek("b"), m.Get("b"))

	// "a" is now the least recently used.
	m.Get("d")
	_, err := a.Commit(context.Background(), token, domain.UsageState{}, domain.ProcessingResult{}, domain.UsageLog{})
	require.ErrorIs(t, err, domain.ErrStaleInvocation)
}
