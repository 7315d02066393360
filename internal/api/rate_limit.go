package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/zyncut/internal/ratelimit"
)

type RateLimiter interface {
	AllowN(ctx context.Context, subject string, cost int) (ratelimit.Decision, error)
}

// withRateLimit charges removal requests against the session's bucket. A
// limiter outage lets the request through.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := strings.TrimSpace(r.Header.Get(SessionHeader))
		if subject == "" {
			subject = "anonymous"
		}
		subject = subject + ":removals"

		decision, err := s.rateLimiter.AllowN(r.Context(), subject, s.removalCost)
		if err != nil {
			s.requestLogger(r).Warn().Err(err).Str("subject", subject).Msg("rate limiter check failed")
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		if decision.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		retryAfter := int(decision.RetryAfter.Round(time.Second).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		s.metrics.rateLimitRejected.WithLabelValues("/v1/removals").Inc()
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
	})
}
