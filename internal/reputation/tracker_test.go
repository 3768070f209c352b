package reputation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"secgate/gateway/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestTrackerEscalatesAtThreshold(t *testing.T) {
	ctx := context.Background()
	tr := New(store.NewMemoryStore(), 3, time.Hour)

	for i := 1; i <= 2; i++ {
		total, err := tr.RecordFailure(ctx, "203.0.113.7", "InvalidSignature")
		require.NoError(t, err)
		require.EqualValues(t, i, total)
		sus, err := tr.IsSuspicious(ctx, "203.0.113.7")
		require.NoError(t, err)
		require.False(t, sus)
	}

	_, err := tr.RecordFailure(ctx, "203.0.113.7", "InvalidApiKey")
	require.NoError(t, err)
	sus, err := tr.IsSuspicious(ctx, "203.0.113.7")
	require.NoError(t, err)
	require.True(t, sus)

	other, err := tr.IsSuspicious(ctx, "203.0.113.8")
	require.NoError(t, err)
	require.False(t, other)
}

func TestTrackerLookupAndForgive(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_500)
	tr := New(store.NewMemoryStore(), 10, time.Hour)
	tr.SetClock(func() time.Time { return now })

	_, _ = tr.RecordFailure(ctx, "10.1.1.1", "MalformedToken")
	_, _ = tr.RecordFailure(ctx, "10.1.1.1", "MalformedToken")
	_, _ = tr.RecordFailure(ctx, "10.1.1.1", "SessionNotFound")

	rec, err := tr.Lookup(ctx, "10.1.1.1")
	require.NoError(t, err)
	require.EqualValues(t, 3, rec.Total)
	require.Equal(t, map[string]int64{"MalformedToken": 2, "SessionNotFound": 1}, rec.Counts)
	require.Equal(t, []string{"MalformedToken", "SessionNotFound"}, rec.Types())
	require.True(t, rec.LastFailureAt.Equal(now))

	require.NoError(t, tr.Forgive(ctx, "10.1.1.1"))
	rec, err = tr.Lookup(ctx, "10.1.1.1")
	require.NoError(t, err)
	require.Zero(t, rec.Total)
}

func TestTrackerRollingPeriod(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	ms := store.NewMemoryStore()
	ms.SetClock(func() time.Time { return now })
	tr := New(ms, 2, time.Minute)
	tr.SetClock(func() time.Time { return now })

	_, _ = tr.RecordFailure(ctx, "10.0.0.9", "InvalidSignature")
	now = now.Add(50 * time.Second)
	_, _ = tr.RecordFailure(ctx, "10.0.0.9", "InvalidSignature")

	// each failure refreshes the TTL, so the first one still counts
	now = now.Add(50 * time.Second)
	sus, err := tr.IsSuspicious(ctx, "10.0.0.9")
	require.NoError(t, err)
	require.True(t, sus)

	// a quiet full period clears the record
	now = now.Add(time.Minute)
	sus, err = tr.IsSuspicious(ctx, "10.0.0.9")
	require.NoError(t, err)
	require.False(t, sus)
}

func TestConcurrentFailuresCrossThresholdOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	for name, s := range map[string]store.CounterStore{
		"memory": store.NewMemoryStore(),
		"redis":  store.NewRedisStore(rdb, store.WithOpTimeout(time.Second)),
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tr := New(s, 5, time.Hour)

			var crossed atomic.Int64
			var wg sync.WaitGroup
			for i := 0; i < 30; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					total, err := tr.RecordFailure(ctx, "203.0.113.50", "InvalidSignature")
					if err == nil && tr.Crossed(total) {
						crossed.Add(1)
					}
				}()
			}
			wg.Wait()
			require.EqualValues(t, 1, crossed.Load())

			rec, err := tr.Lookup(ctx, "203.0.113.50")
			require.NoError(t, err)
			require.EqualValues(t, 30, rec.Total)
			require.False(t, rec.LastFailureAt.IsZero())
		})
	}
}

func TestCrossed(t *testing.T) {
	tr := New(store.NewMemoryStore(), 3, time.Hour)
	require.False(t, tr.Crossed(2))
	require.True(t, tr.Crossed(3))
	require.False(t, tr.Crossed(4))

	off := New(store.NewMemoryStore(), 0, time.Hour)
	require.False(t, off.Crossed(1))
}

func TestRecordAfterForgiveKeepsTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()
	tr := New(store.NewRedisStore(rdb, store.WithPrefix("rep"), store.WithOpTimeout(time.Second)), 3, time.Minute)

	_, err := tr.RecordFailure(ctx, "10.2.2.2", "InvalidApiKey")
	require.NoError(t, err)
	require.NoError(t, tr.Forgive(ctx, "10.2.2.2"))

	total, err := tr.RecordFailure(ctx, "10.2.2.2", "InvalidApiKey")
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Equal(t, time.Minute, mr.TTL("rep:reputation:10.2.2.2"))
	require.NotEmpty(t, mr.HGet("rep:reputation:10.2.2.2", lastFailureField))
}

func TestTrackerPropagatesStoreFailure(t *testing.T) {
	tr := New(brokenStore{store.NewMemoryStore()}, 1, time.Minute)
	_, err := tr.IsSuspicious(context.Background(), "1.2.3.4")
	require.ErrorIs(t, err, store.ErrUnavailable)
}

type brokenStore struct{ store.CounterStore }

func (brokenStore) HGetAll(context.Context, string) (map[string]string, error) {
	return nil, store.ErrUnavailable
}
