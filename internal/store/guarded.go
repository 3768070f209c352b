package store

import (
	"context"
	"errors"
	"time"

	"secgate/gateway/internal/circuitbreaker"
	"secgate/gateway/internal/metrics"
)

// Guarded wraps a backend with a circuit breaker so an outage costs one fast
// ErrUnavailable per call instead of one op timeout per call.
type Guarded struct {
	next    CounterStore
	breaker *circuitbreaker.Breaker
}

func NewGuarded(next CounterStore, b *circuitbreaker.Breaker) *Guarded {
	return &Guarded{next: next, breaker: b}
}

func (g *Guarded) Breaker() *circuitbreaker.Breaker { return g.breaker }

func (g *Guarded) do(op string, fn func() error) error {
	probe, err := g.breaker.Allow()
	if err != nil {
		metrics.StoreErrors.WithLabelValues(op).Inc()
		return unavailable(op, err)
	}
	if probe {
		defer g.breaker.Done()
	}
	err = fn()
	switch {
	case err == nil, errors.Is(err, ErrNotFound):
		g.breaker.RecordSuccess()
	case errors.Is(err, ErrUnavailable):
		metrics.StoreErrors.WithLabelValues(op).Inc()
		g.breaker.RecordFailure()
	}
	return err
}

func (g *Guarded) Get(ctx context.Context, key string) (v string, err error) {
	err = g.do("get", func() error {
		v, err = g.next.Get(ctx, key)
		return err
	})
	return v, err
}

func (g *Guarded) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return g.do("set", func() error { return g.next.Set(ctx, key, value, ttl) })
}

func (g *Guarded) SetIfExists(ctx context.Context, key, value string, ttl time.Duration) (ok bool, err error) {
	err = g.do("setxx", func() error {
		ok, err = g.next.SetIfExists(ctx, key, value, ttl)
		return err
	})
	return ok, err
}

func (g *Guarded) Delete(ctx context.Context, key string) error {
	return g.do("del", func() error { return g.next.Delete(ctx, key) })
}

func (g *Guarded) HIncr(ctx context.Context, key, field string, stamp map[string]string, ttl time.Duration) (m map[string]string, err error) {
	err = g.do("hincr", func() error {
		m, err = g.next.HIncr(ctx, key, field, stamp, ttl)
		return err
	})
	return m, err
}

func (g *Guarded) HGetAll(ctx context.Context, key string) (m map[string]string, err error) {
	err = g.do("hgetall", func() error {
		m, err = g.next.HGetAll(ctx, key)
		return err
	})
	return m, err
}

func (g *Guarded) SlidingWindow(ctx context.Context, key, member string, now time.Time, window time.Duration, limit int64) (w Window, err error) {
	err = g.do("sliding_window", func() error {
		w, err = g.next.SlidingWindow(ctx, key, member, now, window, limit)
		return err
	})
	return w, err
}

// Ping bypasses the breaker so readiness reflects the real backend.
func (g *Guarded) Ping(ctx context.Context) error {
	return g.next.Ping(ctx)
}
