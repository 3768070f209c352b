package intel

import (
	"container/list"
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"secgate/gateway/internal/metrics"
)

// Store is a bounded LRU of indicators. Single addresses are found by map
// lookup; networks are scanned.
type Store struct {
	mu            sync.RWMutex
	addrs         map[string]*list.Element
	nets          map[string]*list.Element
	lru           *list.List
	cap           int
	minConfidence int
	nowFunc       func() time.Time
}

func NewStore(capacity, minConfidence int) *Store {
	if capacity <= 0 {
		capacity = 50000
	}
	return &Store{
		addrs:         make(map[string]*list.Element),
		nets:          make(map[string]*list.Element),
		lru:           list.New(),
		cap:           capacity,
		minConfidence: minConfidence,
		nowFunc:       time.Now,
	}
}

// SetClock overrides the clock (tests).
func (s *Store) SetClock(now func() time.Time) { s.nowFunc = now }

func (s *Store) index(ind *Indicator) map[string]*list.Element {
	if ind.prefix.IsSingleIP() {
		return s.addrs
	}
	return s.nets
}

// Add inserts or replaces an indicator. Expired and low-confidence
// indicators are ignored; it reports whether the indicator was kept.
func (s *Store) Add(ind *Indicator) bool {
	if !ind.prefix.IsValid() {
		if err := ind.normalize(); err != nil {
			return false
		}
	}
	if ind.Confidence < s.minConfidence {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ind.expiredAt(s.nowFunc()) {
		return false
	}
	idx := s.index(ind)
	if el, ok := idx[ind.Value]; ok {
		el.Value = ind
		s.lru.MoveToFront(el)
		return true
	}
	if s.lru.Len() >= s.cap {
		s.evictLRU()
	}
	idx[ind.Value] = s.lru.PushFront(ind)
	metrics.IntelIndicators.Set(float64(s.lru.Len()))
	return true
}

// Check returns the indicator listing ip, if any is active.
func (s *Store) Check(ip string) (*Indicator, bool) {
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return nil, false
	}
	a = a.Unmap()
	now := s.nowFunc()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if el, ok := s.addrs[a.String()]; ok {
		if ind := el.Value.(*Indicator); ind.activeAt(now) {
			return ind, true
		}
	}
	for _, el := range s.nets {
		if ind := el.Value.(*Indicator); ind.contains(a) && ind.activeAt(now) {
			return ind, true
		}
	}
	return nil, false
}

// AddStatic lists configured addresses and networks without expiry.
func (s *Store) AddStatic(entries []string) error {
	for i, e := range entries {
		ind, err := NewIndicator(fmt.Sprintf("config-%d", i), e, "config")
		if err != nil {
			return err
		}
		s.Add(ind)
	}
	return nil
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lru.Len()
}

// evictLRU drops the least recently written indicator (caller holds mu).
func (s *Store) evictLRU() {
	back := s.lru.Back()
	if back == nil {
		return
	}
	ind := back.Value.(*Indicator)
	delete(s.index(ind), ind.Value)
	s.lru.Remove(back)
}

// StartJanitor removes expired indicators every interval until ctx is done.
func (s *Store) StartJanitor(ctx context.Context, every time.Duration) {
	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.gc()
			}
		}
	}()
}

func (s *Store) gc() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	for el := s.lru.Front(); el != nil; {
		next := el.Next()
		ind := el.Value.(*Indicator)
		if ind.expiredAt(now) {
			delete(s.index(ind), ind.Value)
			s.lru.Remove(el)
		}
		el = next
	}
	metrics.IntelIndicators.Set(float64(s.lru.Len()))
}
