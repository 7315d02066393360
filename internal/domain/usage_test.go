package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQuotaGate(t *testing.T) {
	q := DefaultQuota()

	require.False(t, q.Exhausted(UsageState{Plan: PlanFree, Count: 1}))
	require.True(t, q.Exhausted(UsageState{Plan: PlanFree, Count: 2}))
	require.True(t, q.Exhausted(UsageState{Plan: PlanFree, Count: 7}))
	require.False(t, q.Exhausted(UsageState{Plan: PlanPro, Count: 1000}))
	require.False(t, q.Exhausted(UsageState{Plan: PlanBusiness, Count: 1000}))

	require.Equal(t, 1, q.Remaining(UsageState{Plan: PlanFree, Count: 1}))
	require.Equal(t, 0, q.Remaining(UsageState{Plan: PlanFree, Count: 5}))
	require.Equal(t, Unlimited, q.Remaining(UsageState{Plan: PlanPro}))
}

func TestParsePlan(t *testing.T) {
	plan, err := ParsePlan(" Pro ")
	require.NoError(t, err)
	require.Equal(t, PlanPro, plan)

	_, err = ParsePlan("enterprise")
	require.Error(t, err)
}

func TestUsageRollover(t *testing.T) {
	start := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	state := UsageState{Plan: PlanFree, Count: 2, PeriodStart: start}

	same, changed := state.Rollover(start.Add(23*time.Hour), 24*time.Hour)
	require.False(t, changed)
	require.Equal(t, 2, same.Count)

	next, changed := state.Rollover(start.Add(25*time.Hour), 24*time.Hour)
	require.True(t, changed)
	require.Equal(t, 0, next.Count)
	require.Equal(t, start.Add(25*time.Hour), next.PeriodStart)
}

func TestHistoryEntryMatches(t *testing.T) {
	entry := HistoryEntry{
		ID:        "ab12cd34",
		Timestamp: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC).UnixMilli(),
	}

	require.Equal(t, "Asset_ab12.png", entry.AssetName())
	require.True(t, entry.Matches(""))
	require.True(t, entry.Matches("AB12"))
	require.True(t, entry.Matches("2026-03-14"))
	require.False(t, entry.Matches("zz99"))
}

func TestDescribeClassifiesErrors(t *testing.T) {
	cases := []struct {
		err    error
		code   string
		status int
	}{
		{fmt.Errorf("check: %w", ErrQuotaExceeded), "quota_exceeded", http.StatusPaymentRequired},
		{fmt.Errorf("%w: bad header", ErrDecoding), "decoding_error", http.StatusUnprocessableEntity},
		{&UpstreamError{Backend: BackendGenAI, Kind: UpstreamNoImage}, "no_result", http.StatusBadGateway},
		{&UpstreamError{Backend: BackendWebhook, Kind: UpstreamMisconfigured, Status: 500}, "webhook_misconfigured", http.StatusBadGateway},
		{&FallbackError{Primary: errors.New("boom"), Fallback: ErrMissingCredentials}, "removal_unavailable", http.StatusServiceUnavailable},
		{ErrStaleInvocation, "superseded", http.StatusConflict},
		{context.Canceled, "canceled", http.StatusConflict},
		{errors.New("other"), "internal_error", http.StatusInternalServerError},
	}

	for _, tc := range cases {
		got := Describe(tc.err)
		require.Equal(t, tc.code, got.Code, tc.err.Error())
		require.Equal(t, tc.status, got.Status, tc.err.Error())
	}
}

func TestUpstreamErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("primary: %w", &UpstreamError{Backend: BackendWebhook, Kind: UpstreamStatus, Status: 404})
	require.ErrorIs(t, err, ErrUpstream)

	fb := &FallbackError{Primary: err, Fallback: ErrMissingCredentials}
	require.ErrorIs(t, fb, ErrMissingCredentials)
	require.ErrorIs(t, fb, ErrUpstream)
}
