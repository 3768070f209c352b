package rate

import (
	"context"
	"time"

	"secgate/gateway/internal/store"

	"github.com/google/uuid"
)

/*
Package rate provides:
  1) Limiter: exact sliding-window-log admission backed by the shared store
  2) Fallback: bounded per-instance token buckets used while the store is down

A window lives at ratelimit:<scope>:<identity> and holds one entry per admitted
request. Denied requests are removed again so they never consume budget.
*/

// Decision is the result of one admission attempt.
type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	// RetryAfter is how long until the oldest counted request leaves the
	// window. Zero when allowed.
	RetryAfter time.Duration
}

type Limiter struct {
	store   store.CounterStore
	nowFunc func() time.Time
	// newMember returns a unique window entry (tests may pin it).
	newMember func() string
}

func NewLimiter(s store.CounterStore) *Limiter {
	return &Limiter{
		store:     s,
		nowFunc:   time.Now,
		newMember: uuid.NewString,
	}
}

// SetClock overrides the wall clock (tests).
func (l *Limiter) SetClock(now func() time.Time) { l.nowFunc = now }

// Admit records one request for identity under scope and decides whether it
// fits in limit requests per window. Store errors are returned unchanged
// (store.ErrUnavailable) so callers can apply their failure policy.
func (l *Limiter) Admit(ctx context.Context, scope, identity string, limit int64, window time.Duration) (Decision, error) {
	now := l.nowFunc()
	key := store.Key(store.NamespaceRateLimit, scope, identity)

	w, err := l.store.SlidingWindow(ctx, key, l.newMember(), now, window, limit)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{Allowed: w.Allowed, Limit: limit, Remaining: limit - w.Count}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !w.Allowed {
		d.RetryAfter = retryAfter(w.Oldest, window, now)
	}
	return d, nil
}

func retryAfter(oldest time.Time, window time.Duration, now time.Time) time.Duration {
	if oldest.IsZero() {
		return window
	}
	ra := oldest.Add(window).Sub(now)
	if ra < time.Millisecond {
		ra = time.Millisecond
	}
	return ra
}
