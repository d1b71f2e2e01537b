package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/fanside/aigate/pkg/models"
)

// Limiter enforces a per-identity request quota over a sliding time window.
// It holds no counters itself; all state lives in the CounterStore so limits
// are consistent across process instances.
type Limiter struct {
	store  CounterStore
	max    int
	window time.Duration
}

// New creates a Limiter allowing maxRequests per identity per window.
func New(store CounterStore, maxRequests int, window time.Duration) *Limiter {
	return &Limiter{store: store, max: maxRequests, window: window}
}

// Check records a request attempt for the identity and reports whether it is
// admitted. If the backing store is unreachable the limiter fails open:
// blocking legitimate callers is worse than a transient quota overrun.
func (l *Limiter) Check(ctx context.Context, identity string) models.RateStatus {
	now := time.Now().UTC()
	cutoff := now.Add(-l.window)

	count, oldest, recorded, err := l.store.Reserve(ctx, identity, cutoff, now, l.max)
	if err != nil {
		log.Printf("rate limit store unavailable, failing open: %v", err)
		return models.RateStatus{
			Allowed:   true,
			Limit:     l.max,
			Remaining: l.max,
			ResetAt:   now.Add(l.window),
		}
	}

	resetAt := now.Add(l.window)
	if !oldest.IsZero() {
		resetAt = oldest.Add(l.window)
	}

	if !recorded {
		retryAfter := resetAt.Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return models.RateStatus{
			Allowed:    false,
			Limit:      l.max,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: retryAfter,
		}
	}

	remaining := l.max - count - 1
	if remaining < 0 {
		remaining = 0
	}
	return models.RateStatus{
		Allowed:   true,
		Limit:     l.max,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// Status reports the identity's current standing without recording a request.
func (l *Limiter) Status(ctx context.Context, identity string) models.RateStatus {
	now := time.Now().UTC()
	cutoff := now.Add(-l.window)

	count, oldest, err := l.store.Peek(ctx, identity, cutoff)
	if err != nil {
		log.Printf("rate limit store unavailable, failing open: %v", err)
		return models.RateStatus{
			Allowed:   true,
			Limit:     l.max,
			Remaining: l.max,
			ResetAt:   now.Add(l.window),
		}
	}

	resetAt := now.Add(l.window)
	if !oldest.IsZero() {
		resetAt = oldest.Add(l.window)
	}

	remaining := l.max - count
	if remaining < 0 {
		remaining = 0
	}
	st := models.RateStatus{
		Allowed:   count < l.max,
		Limit:     l.max,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if !st.Allowed {
		st.RetryAfter = resetAt.Sub(now)
		if st.RetryAfter < 0 {
			st.RetryAfter = 0
		}
	}
	return st
}

// Reset clears all recorded requests for the identity.
func (l *Limiter) Reset(ctx context.Context, identity string) error {
	return l.store.Reset(ctx, identity)
}
