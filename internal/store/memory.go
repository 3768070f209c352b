package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-process CounterStore. All operations hold one mutex,
// which makes SlidingWindow trivially atomic.
type MemoryStore struct {
	mu      sync.Mutex
	items   map[string]*memItem
	nowFunc func() time.Time
}

type memItem struct {
	str       string
	hash      map[string]string
	zset      []zEntry // sorted by score ascending
	expiresAt time.Time
}

type zEntry struct {
	score  int64 // unix ms
	member string
}

// NewMemoryStore creates an empty store using the wall clock for TTLs.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:   make(map[string]*memItem),
		nowFunc: time.Now,
	}
}

// SetClock overrides the clock used for TTL bookkeeping (tests).
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.nowFunc = now
	s.mu.Unlock()
}

// live returns the item at key if it has not expired at now (caller holds mu).
func (s *MemoryStore) live(key string, now time.Time) (*memItem, bool) {
	it, ok := s.items[key]
	if !ok {
		return nil, false
	}
	if !it.expiresAt.IsZero() && !now.Before(it.expiresAt) {
		delete(s.items, key)
		return nil, false
	}
	return it, true
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.live(key, s.nowFunc())
	if !ok || it.hash != nil || it.zset != nil {
		return "", ErrNotFound
	}
	return it.str, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = &memItem{str: value, expiresAt: expiry(s.nowFunc(), ttl)}
	return nil
}

func (s *MemoryStore) SetIfExists(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	now := s.nowFunc()
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.live(key, now)
	if !ok || it.hash != nil || it.zset != nil {
		return false, nil
	}
	s.items[key] = &memItem{str: value, expiresAt: expiry(now, ttl)}
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

func (s *MemoryStore) HIncr(_ context.Context, key, field string, stamp map[string]string, ttl time.Duration) (map[string]string, error) {
	now := s.nowFunc()
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.live(key, now)
	if !ok || it.hash == nil {
		it = &memItem{hash: make(map[string]string)}
		s.items[key] = it
	}
	n, _ := strconv.ParseInt(it.hash[field], 10, 64)
	it.hash[field] = strconv.FormatInt(n+1, 10)
	for k, v := range stamp {
		it.hash[k] = v
	}
	it.expiresAt = expiry(now, ttl)

	out := make(map[string]string, len(it.hash))
	for k, v := range it.hash {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	it, ok := s.live(key, s.nowFunc())
	if !ok {
		return out, nil
	}
	for k, v := range it.hash {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) SlidingWindow(_ context.Context, key, member string, now time.Time, window time.Duration, limit int64) (Window, error) {
	nowMs := now.UnixMilli()
	cutoff := nowMs - window.Milliseconds()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Expiry is judged against the caller's clock so windows stay consistent
	// with the timestamps stored in them.
	it, ok := s.live(key, now)
	if !ok || it.zset == nil {
		it = &memItem{zset: make([]zEntry, 0, 4)}
		s.items[key] = it
	}

	// prune
	i := sort.Search(len(it.zset), func(i int) bool { return it.zset[i].score > cutoff })
	it.zset = it.zset[i:]

	// insert keeping order
	pos := sort.Search(len(it.zset), func(i int) bool { return it.zset[i].score > nowMs })
	it.zset = append(it.zset, zEntry{})
	copy(it.zset[pos+1:], it.zset[pos:])
	it.zset[pos] = zEntry{score: nowMs, member: member}

	w := Window{Allowed: true, Count: int64(len(it.zset))}
	if w.Count > limit {
		it.zset = append(it.zset[:pos], it.zset[pos+1:]...)
		w.Allowed = false
		w.Count--
	}
	it.expiresAt = now.Add(window)
	if len(it.zset) > 0 {
		w.Oldest = time.UnixMilli(it.zset[0].score)
	}
	return w, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// Len returns the number of live keys.
func (s *MemoryStore) Len() int {
	s.Sweep()
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Sweep drops expired keys.
func (s *MemoryStore) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	for k, it := range s.items {
		if !it.expiresAt.IsZero() && !now.Before(it.expiresAt) {
			delete(s.items, k)
		}
	}
}

// StartJanitor sweeps expired keys every interval until ctx is done.
func (s *MemoryStore) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Sweep()
			}
		}
	}()
}
