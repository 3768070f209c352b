package rate

import (
	"container/list"
	"math"
	"sync"
	"time"

	"secgate/gateway/internal/metrics"

	"github.com/rs/zerolog/log"
	xrate "golang.org/x/time/rate"
)

// Fallback is a bounded, per-instance approximation of the shared limiter.
// Each scope/identity gets a token bucket refilling at limit/window with a
// burst of limit. It only runs while the store is unavailable and the
// rate-limit failure policy is open, so it trades exactness for availability.
type Fallback struct {
	mu      sync.Mutex
	cap     int
	items   map[string]*list.Element
	lru     *list.List // front = most recently used
	nowFunc func() time.Time
}

type bucket struct {
	key    string
	limit  int64
	window time.Duration
	lim    *xrate.Limiter
}

// NewFallback creates a fallback retaining at most capacity buckets.
func NewFallback(capacity int) *Fallback {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Fallback{
		cap:     capacity,
		items:   make(map[string]*list.Element, capacity/2),
		lru:     list.New(),
		nowFunc: time.Now,
	}
}

func (f *Fallback) Allow(scope, identity string, limit int64, window time.Duration) Decision {
	now := f.nowFunc()
	key := scope + ":" + identity

	f.mu.Lock()
	b := f.bucketFor(key, limit, window)
	ok := b.lim.AllowN(now, 1)
	remaining := int64(math.Floor(b.lim.TokensAt(now)))
	f.mu.Unlock()

	d := Decision{Allowed: ok, Limit: limit, Remaining: max(remaining, 0)}
	if ok {
		metrics.RateLimitFallback.WithLabelValues("allow").Inc()
	} else {
		metrics.RateLimitFallback.WithLabelValues("deny").Inc()
		d.RetryAfter = time.Duration(float64(window) / float64(max(limit, 1)))
	}
	return d
}

// bucketFor returns the LRU bucket for key, rebuilding it when the configured
// limit changed (caller holds mu).
func (f *Fallback) bucketFor(key string, limit int64, window time.Duration) *bucket {
	if el, ok := f.items[key]; ok {
		b := el.Value.(*bucket)
		if b.limit == limit && b.window == window {
			f.lru.MoveToFront(el)
			return b
		}
		f.lru.Remove(el)
		delete(f.items, key)
	}

	if f.lru.Len() >= f.cap {
		if back := f.lru.Back(); back != nil {
			evicted := back.Value.(*bucket)
			delete(f.items, evicted.key)
			f.lru.Remove(back)
		}
		if f.lru.Len()%1000 == 0 {
			log.Warn().Int("capacity", f.cap).Msg("rate fallback at capacity, evicting least recently used buckets")
		}
	}

	every := xrate.Inf
	if limit > 0 && window > 0 {
		every = xrate.Limit(float64(limit) / window.Seconds())
	}
	burst := int(limit)
	if limit <= 0 {
		every, burst = 0, 0
	}
	b := &bucket{key: key, limit: limit, window: window, lim: xrate.NewLimiter(every, burst)}
	f.items[key] = f.lru.PushFront(b)
	return b
}

// Len returns the number of tracked buckets.
func (f *Fallback) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lru.Len()
}
