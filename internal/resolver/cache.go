package resolver

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"
)

// Cached memoizes another resolver in a bounded LRU with TTL. Unknown
// identities are cached too so a disabled account is not re-queried on every
// request; infrastructure errors are never cached.
type Cached struct {
	next    Resolver
	mu      sync.Mutex
	cap     int
	ttl     time.Duration
	items   map[string]*list.Element
	lru     *list.List
	nowFunc func() time.Time
}

type cacheVal struct {
	id      string
	role    string
	unknown bool
	expiry  time.Time
}

func NewCached(next Resolver, capacity int, ttl time.Duration) *Cached {
	if capacity <= 0 {
		capacity = 10_000
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cached{
		next:    next,
		cap:     capacity,
		ttl:     ttl,
		items:   make(map[string]*list.Element, capacity/2),
		lru:     list.New(),
		nowFunc: time.Now,
	}
}

func (c *Cached) SetClock(now func() time.Time) { c.nowFunc = now }

func (c *Cached) Role(ctx context.Context, identityID string) (string, error) {
	if v, ok := c.get(identityID); ok {
		if v.unknown {
			return "", ErrUnknownIdentity
		}
		return v.role, nil
	}
	role, err := c.next.Role(ctx, identityID)
	switch {
	case err == nil:
		c.put(&cacheVal{id: identityID, role: role})
	case errors.Is(err, ErrUnknownIdentity):
		c.put(&cacheVal{id: identityID, unknown: true})
	}
	return role, err
}

// Forget drops identityID so the next lookup reaches the directory.
func (c *Cached) Forget(identityID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[identityID]; ok {
		delete(c.items, identityID)
		c.lru.Remove(el)
	}
}

func (c *Cached) get(id string) (*cacheVal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[id]
	if !ok {
		return nil, false
	}
	v := el.Value.(*cacheVal)
	if !c.nowFunc().Before(v.expiry) {
		delete(c.items, id)
		c.lru.Remove(el)
		return nil, false
	}
	c.lru.MoveToFront(el)
	return v, true
}

func (c *Cached) put(v *cacheVal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v.expiry = c.nowFunc().Add(c.ttl)
	if el, ok := c.items[v.id]; ok {
		el.Value = v
		c.lru.MoveToFront(el)
		return
	}
	if c.lru.Len() >= c.cap {
		if back := c.lru.Back(); back != nil {
			delete(c.items, back.Value.(*cacheVal).id)
			c.lru.Remove(back)
		}
	}
	c.items[v.id] = c.lru.PushFront(v)
}
