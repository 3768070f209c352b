package store

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"secgate/gateway/internal/circuitbreaker"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb, WithPrefix("test"), WithOpTimeout(time.Second)), mr
}

// backends runs fn once per backend implementation.
func backends(t *testing.T, fn func(t *testing.T, s CounterStore)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("redis", func(t *testing.T) {
		s, _ := newRedis(t)
		fn(t, s)
	})
}

func TestKey(t *testing.T) {
	require.Equal(t, "ratelimit:login:1.2.3.4", Key(NamespaceRateLimit, "login", "1.2.3.4"))
	require.Equal(t, "session", Key(NamespaceSession))
}

func TestGetSetDelete(t *testing.T) {
	backends(t, func(t *testing.T, s CounterStore) {
		ctx := context.Background()

		_, err := s.Get(ctx, "missing")
		require.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.Set(ctx, "k", "v", time.Minute))
		v, err := s.Get(ctx, "k")
		require.NoError(t, err)
		require.Equal(t, "v", v)

		require.NoError(t, s.Delete(ctx, "k"))
		require.NoError(t, s.Delete(ctx, "k"))
		_, err = s.Get(ctx, "k")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestHashCounters(t *testing.T) {
	backends(t, func(t *testing.T, s CounterStore) {
		ctx := context.Background()

		m, err := s.HGetAll(ctx, "h")
		require.NoError(t, err)
		require.Empty(t, m)

		for i := 1; i <= 3; i++ {
			m, err := s.HIncr(ctx, "h", "a", nil, time.Minute)
			require.NoError(t, err)
			require.Equal(t, strconv.Itoa(i), m["a"])
		}
		m, err = s.HIncr(ctx, "h", "b", map[string]string{"note": "x"}, time.Minute)
		require.NoError(t, err)
		require.Equal(t, map[string]string{"a": "3", "b": "1", "note": "x"}, m)

		m, err = s.HGetAll(ctx, "h")
		require.NoError(t, err)
		require.Equal(t, map[string]string{"a": "3", "b": "1", "note": "x"}, m)
	})
}

func TestHashIncrementsAreSerialized(t *testing.T) {
	backends(t, func(t *testing.T, s CounterStore) {
		const n = 40
		ctx := context.Background()

		seen := make([]atomic.Int64, n+1)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				m, err := s.HIncr(ctx, "race", "f", map[string]string{"at": "1"}, time.Minute)
				if err != nil {
					return
				}
				v, _ := strconv.Atoi(m["f"])
				if v >= 1 && v <= n {
					seen[v].Add(1)
				}
			}()
		}
		wg.Wait()
		// every caller observed its own post-increment value
		for v := 1; v <= n; v++ {
			require.EqualValues(t, 1, seen[v].Load(), "value %d", v)
		}
	})
}

func TestSetIfExists(t *testing.T) {
	backends(t, func(t *testing.T, s CounterStore) {
		ctx := context.Background()

		ok, err := s.SetIfExists(ctx, "sx", "v1", time.Minute)
		require.NoError(t, err)
		require.False(t, ok)
		_, err = s.Get(ctx, "sx")
		require.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.Set(ctx, "sx", "v1", time.Minute))
		ok, err = s.SetIfExists(ctx, "sx", "v2", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		v, err := s.Get(ctx, "sx")
		require.NoError(t, err)
		require.Equal(t, "v2", v)

		require.NoError(t, s.Delete(ctx, "sx"))
		ok, err = s.SetIfExists(ctx, "sx", "v3", time.Minute)
		require.NoError(t, err)
		require.False(t, ok)
		_, err = s.Get(ctx, "sx")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSlidingWindowDeniedRequestsDoNotConsume(t *testing.T) {
	backends(t, func(t *testing.T, s CounterStore) {
		ctx := context.Background()
		base := time.Now().Truncate(time.Second)
		window := time.Second

		admit := func(offsetMs int, member string) Window {
			w, err := s.SlidingWindow(ctx, "w", member, base.Add(time.Duration(offsetMs)*time.Millisecond), window, 2)
			require.NoError(t, err)
			return w
		}

		require.True(t, admit(0, "a").Allowed)
		require.True(t, admit(500, "b").Allowed)

		w := admit(600, "c")
		require.False(t, w.Allowed)
		require.EqualValues(t, 2, w.Count)
		require.True(t, base.Equal(w.Oldest), "oldest %v", w.Oldest)

		// "a" (t=0) has left the window, "c" was never kept.
		w = admit(1050, "d")
		require.True(t, w.Allowed)
		require.EqualValues(t, 2, w.Count)
	})
}

func TestSlidingWindowBoundaryIsExclusive(t *testing.T) {
	backends(t, func(t *testing.T, s CounterStore) {
		ctx := context.Background()
		base := time.Now().Truncate(time.Second)

		w, err := s.SlidingWindow(ctx, "b", "a", base, time.Second, 1)
		require.NoError(t, err)
		require.True(t, w.Allowed)

		w, err = s.SlidingWindow(ctx, "b", "b", base.Add(999*time.Millisecond), time.Second, 1)
		require.NoError(t, err)
		require.False(t, w.Allowed)

		// exactly window later: the first entry scores <= now-window and is pruned
		w, err = s.SlidingWindow(ctx, "b", "c", base.Add(time.Second), time.Second, 1)
		require.NoError(t, err)
		require.True(t, w.Allowed)
	})
}

func TestSlidingWindowConcurrentAdmissionIsExact(t *testing.T) {
	backends(t, func(t *testing.T, s CounterStore) {
		const limit = 25
		ctx := context.Background()
		now := time.Now()

		var allowed atomic.Int64
		var wg sync.WaitGroup
		for i := 0; i < 2*limit; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				w, err := s.SlidingWindow(ctx, "c", "m"+strconv.Itoa(i), now, time.Minute, limit)
				if err == nil && w.Allowed {
					allowed.Add(1)
				}
			}(i)
		}
		wg.Wait()
		require.EqualValues(t, limit, allowed.Load())
	})
}

func TestMemoryStoreTTL(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := NewMemoryStore()
	s.SetClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "v", time.Second))
	_, err := s.HIncr(ctx, "h", "f", nil, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, 2, s.Len())

	now = now.Add(time.Second)
	_, err = s.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 1, s.Len())

	// HIncr refreshes the TTL
	now = now.Add(500 * time.Millisecond)
	_, err = s.HIncr(ctx, "h", "f", nil, 2*time.Second)
	require.NoError(t, err)
	now = now.Add(1900 * time.Millisecond)
	m, err := s.HGetAll(ctx, "h")
	require.NoError(t, err)
	require.Equal(t, "2", m["f"])

	// an expired key is not resurrected by a conditional write
	now = now.Add(time.Hour)
	ok, err := s.SetIfExists(ctx, "k", "v", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisStoreTTL(t *testing.T) {
	s, mr := newRedis(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "v", time.Second))
	require.True(t, mr.Exists("test:k"))
	mr.FastForward(time.Second)
	_, err := s.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.HIncr(ctx, "h", "f", map[string]string{"at": "1"}, 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, 10*time.Second, mr.TTL("test:h"))
	require.Equal(t, "1", mr.HGet("test:h", "at"))

	require.NoError(t, s.Set(ctx, "sess", "v", time.Minute))
	ok, err := s.SetIfExists(ctx, "sess", "v2", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 30*time.Second, mr.TTL("test:sess"))
}

func TestRedisStoreUnavailable(t *testing.T) {
	s, mr := newRedis(t)
	mr.Close()
	ctx := context.Background()

	_, err := s.Get(ctx, "k")
	require.ErrorIs(t, err, ErrUnavailable)
	_, err = s.SlidingWindow(ctx, "w", "m", time.Now(), time.Second, 1)
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, s.Ping(ctx), ErrUnavailable)
}

type downStore struct {
	CounterStore
	calls atomic.Int64
}

func (d *downStore) Get(context.Context, string) (string, error) {
	d.calls.Add(1)
	return "", unavailable("get", errors.New("connection refused"))
}

func TestGuardedFailsFastWhenOpen(t *testing.T) {
	down := &downStore{CounterStore: NewMemoryStore()}
	g := NewGuarded(down, circuitbreaker.New("store-test", circuitbreaker.Config{
		FailureThreshold: 2, SuccessThreshold: 1, Cooldown: time.Hour,
	}))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := g.Get(ctx, "k")
		require.ErrorIs(t, err, ErrUnavailable)
	}
	require.EqualValues(t, 2, down.calls.Load())
	require.Equal(t, circuitbreaker.StateOpen, g.Breaker().State())
}

func TestGuardedNotFoundIsHealthy(t *testing.T) {
	g := NewGuarded(NewMemoryStore(), circuitbreaker.New("store-test-nf", circuitbreaker.Config{
		FailureThreshold: 1, SuccessThreshold: 1, Cooldown: time.Hour,
	}))
	for i := 0; i < 3; i++ {
		_, err := g.Get(context.Background(), "missing")
		require.ErrorIs(t, err, ErrNotFound)
	}
	require.Equal(t, circuitbreaker.StateClosed, g.Breaker().State())
}
