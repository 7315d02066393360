package store

import (
	"context"
	"time"

	"github.com/dunamismax/zyncut/internal/domain"
)

// UsageStore persists per-subject usage counts and the commit ledger.
type UsageStore interface {
	// Load returns the subject's usage, creating it on first sight and
	// starting a new period once the previous one has elapsed.
	Load(ctx context.Context, subject string, period time.Duration, now time.Time) (domain.UsageState, error)
	// Commit increments the count and records the usage log in one step. It
	// fails with domain.ErrUsageConflict when the stored count or period no
	// longer match expected.
	Commit(ctx context.Context, subject string, expected domain.UsageState, usage domain.UsageLog) (domain.UsageState, error)
	SetPlan(ctx context.Context, subject string, plan domain.Plan, now time.Time) (domain.UsageState, error)
}

func sameSnapshot(current, expected domain.UsageState) bool {
	return current.Count == expected.Count && current.PeriodStart.Equal(expected.PeriodStart)
}
