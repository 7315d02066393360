package domain

import (
	"fmt"
	"strings"
	"time"
)

type Plan string

const (
	PlanFree     Plan = "free"
	PlanPro      Plan = "pro"
	PlanBusiness Plan = "business"

	DefaultFreeLimit = 2
	Unlimited        = -1
)

func ParsePlan(raw string) (Plan, error) {
	switch plan := Plan(strings.ToLower(strings.TrimSpace(raw))); plan {
	case PlanFree, PlanPro, PlanBusiness:
		return plan, nil
	default:
		return "", fmt.Errorf("unsupported plan: %q", raw)
	}
}

// Quota maps plans to their per-period allowance.
type Quota struct {
	FreeLimit int
	Period    time.Duration
}

func DefaultQuota() Quota {
	return Quota{FreeLimit: DefaultFreeLimit, Period: 24 * time.Hour}
}

func (q Quota) Limit(plan Plan) int {
	if plan == PlanFree || plan == "" {
		if q.FreeLimit < 0 {
			return 0
		}
		return q.FreeLimit
	}
	return Unlimited
}

// Exhausted is the quota gate: true means no further removals this period.
func (q Quota) Exhausted(state UsageState) bool {
	limit := q.Limit(state.Plan)
	return limit != Unlimited && state.Count >= limit
}

func (q Quota) Remaining(state UsageState) int {
	limit := q.Limit(state.Plan)
	if limit == Unlimited {
		return Unlimited
	}
	return max(0, limit-state.Count)
}

type UsageState struct {
	Count       int       `json:"count"`
	Plan        Plan      `json:"plan"`
	PeriodStart time.Time `json:"period_start"`
}

// Rollover starts a fresh period once the current one has elapsed.
func (s UsageState) Rollover(now time.Time, period time.Duration) (UsageState, bool) {
	if s.PeriodStart.IsZero() {
		s.PeriodStart = now
		return s, true
	}
	if period <= 0 || now.Before(s.PeriodStart.Add(period)) {
		return s, false
	}
	s.Count = 0
	s.PeriodStart = now
	return s, true
}

type UsageLog struct {
	Subject       string
	ResultID      string
	Backend       string
	InputBytes    int64
	OutputBytes   int64
	ComputeTimeMS int64
	CreatedAt     time.Time
}
