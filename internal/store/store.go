/*
Package store is the gateway's only shared mutable state: an addressable,
TTL-capable key-value store with hash counters and an atomic sliding-window
primitive.

Backends:

  - MemoryStore: single process, mutex protected (tests, dev, single instance)
  - RedisStore: many gateway instances, Lua script for the sliding window
  - Guarded: wraps any backend with a circuit breaker

Keys are namespaced by purpose (see Namespace*) so the same Redis database can
hold every component's state without collisions.
*/
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key is absent or expired.
	ErrNotFound = errors.New("store: key not found")
	// ErrUnavailable wraps every infrastructure failure (timeouts, connection
	// errors, open circuit). Callers apply their failure policy on it.
	ErrUnavailable = errors.New("store: unavailable")
)

const (
	NamespaceRateLimit  = "ratelimit"
	NamespaceBlacklist  = "blacklist"
	NamespaceReputation = "reputation"
	NamespaceSession    = "session"
)

// Key joins a namespace and its parts with ':'.
func Key(namespace string, parts ...string) string {
	var b strings.Builder
	b.WriteString(namespace)
	for _, p := range parts {
		b.WriteByte(':')
		b.WriteString(p)
	}
	return b.String()
}

// Window is the outcome of one sliding-window admission.
type Window struct {
	// Allowed is false when the insert would have exceeded the limit; the
	// rejected timestamp is not kept.
	Allowed bool
	// Count is the number of entries in the window after the operation.
	Count int64
	// Oldest is the timestamp of the oldest counted entry (zero if empty).
	Oldest time.Time
}

// CounterStore is the contract every backend satisfies.
type CounterStore interface {
	// Get returns the string value at key or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set writes value with ttl (ttl <= 0 means no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetIfExists overwrites a live string key and reports whether it did.
	// A missing or expired key is left absent.
	SetIfExists(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Delete removes key; deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// HIncr increments field of the hash at key, writes the stamp fields
	// (may be nil), resets the key's TTL and returns the whole hash as it
	// stands after the update. The sequence is atomic.
	HIncr(ctx context.Context, key, field string, stamp map[string]string, ttl time.Duration) (map[string]string, error)
	// HGetAll returns all fields of the hash at key (empty map if absent).
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// SlidingWindow prunes entries with score <= now-window, inserts member at
	// now, counts, removes member again if count > limit, and sets the key TTL
	// to window. The whole sequence is atomic with respect to other callers.
	SlidingWindow(ctx context.Context, key, member string, now time.Time, window time.Duration, limit int64) (Window, error)

	// Ping checks backend reachability.
	Ping(ctx context.Context) error
}
