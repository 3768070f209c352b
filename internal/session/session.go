// Package session resolves opaque session handles to principals. Sessions have
// an absolute expiry fixed at creation; activity only refreshes last_activity.
package session

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"secgate/gateway/internal/denial"
	"secgate/gateway/internal/principal"
	"secgate/gateway/internal/resolver"
	"secgate/gateway/internal/store"

	"github.com/rs/zerolog/log"
)

// Record is the stored session value.
type Record struct {
	IdentityID   string    `json:"identity_id"`
	IP           string    `json:"ip"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastActivity time.Time `json:"last_activity"`
}

type Options struct {
	// TTL is the absolute lifetime used by Create when no ttl is given.
	TTL time.Duration
	// IdleTimeout expires sessions unused for longer than this (0 disables).
	IdleTimeout time.Duration
	// BindIP rejects a handle presented from a different IP than it was created on.
	BindIP bool
}

// expiryGrace keeps the stored record a moment past its absolute expiry so
// Validate can still report SessionExpired for it.
const expiryGrace = time.Second

type Manager struct {
	store     store.CounterStore
	roles     resolver.Resolver
	opts      Options
	nowFunc   func() time.Time
	newHandle func() string
}

func NewManager(s store.CounterStore, roles resolver.Resolver, opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = 7 * 24 * time.Hour
	}
	return &Manager{
		store:     s,
		roles:     roles,
		opts:      opts,
		nowFunc:   time.Now,
		newHandle: rand.Text,
	}
}

func (m *Manager) SetClock(now func() time.Time) { m.nowFunc = now }

func key(handle string) string { return store.Key(store.NamespaceSession, handle) }

// Create stores a new session for identityID and returns its handle.
func (m *Manager) Create(ctx context.Context, identityID, ip string, ttl time.Duration) (string, Record, error) {
	if identityID == "" {
		return "", Record{}, errors.New("session: identity required")
	}
	if ttl <= 0 {
		ttl = m.opts.TTL
	}
	now := m.nowFunc()
	rec := Record{
		IdentityID:   identityID,
		IP:           ip,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		LastActivity: now,
	}
	handle := m.newHandle()
	b, err := json.Marshal(rec)
	if err != nil {
		return "", Record{}, err
	}
	if err := m.store.Set(ctx, key(handle), string(b), ttl+expiryGrace); err != nil {
		return "", Record{}, fmt.Errorf("session: write: %w", err)
	}
	return handle, rec, nil
}

// Validate resolves handle presented from requestIP. Errors are *denial.Error.
// Store failures always deny with StoreUnavailable.
func (m *Manager) Validate(ctx context.Context, handle, requestIP string) (principal.Principal, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return principal.Principal{}, denial.New(denial.SessionNotFound, "missing session")
	}

	raw, err := m.store.Get(ctx, key(handle))
	if errors.Is(err, store.ErrNotFound) {
		return principal.Principal{}, denial.New(denial.SessionNotFound, "session not found")
	}
	if err != nil {
		return principal.Principal{}, denial.Wrap(denial.StoreUnavailable, "session store unavailable", err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil || rec.IdentityID == "" {
		m.drop(ctx, handle)
		return principal.Principal{}, denial.Wrap(denial.SessionNotFound, "session record unreadable", err)
	}

	now := m.nowFunc()
	if now.After(rec.ExpiresAt) {
		m.drop(ctx, handle)
		return principal.Principal{}, denial.New(denial.SessionExpired, "session expired")
	}
	if m.opts.IdleTimeout > 0 && now.Sub(rec.LastActivity) > m.opts.IdleTimeout {
		m.drop(ctx, handle)
		return principal.Principal{}, denial.New(denial.SessionExpired, "session idle too long")
	}
	if m.opts.BindIP && rec.IP != "" && rec.IP != requestIP {
		return principal.Principal{}, denial.New(denial.SessionNotFound, "session not found")
	}

	role, err := m.roles.Role(ctx, rec.IdentityID)
	if errors.Is(err, resolver.ErrUnknownIdentity) {
		m.drop(ctx, handle)
		return principal.Principal{}, denial.Wrap(denial.SessionNotFound, "session identity no longer exists", err)
	}
	if err != nil {
		return principal.Principal{}, denial.Wrap(denial.StoreUnavailable, "principal resolver unavailable", err)
	}

	rec.LastActivity = now
	live, err := m.touch(ctx, handle, rec, now)
	switch {
	case err != nil:
		// the read succeeded; a lost activity stamp only shortens idle tracking
		log.Warn().Err(err).Str("identity", rec.IdentityID).Msg("session activity write-back failed")
	case !live:
		// destroyed between the read and the write-back
		return principal.Principal{}, denial.New(denial.SessionNotFound, "session not found")
	}

	return principal.Principal{
		IdentityID: rec.IdentityID,
		Role:       role,
		IssuedAt:   rec.CreatedAt,
		ExpiresAt:  rec.ExpiresAt,
		Method:     principal.MethodSession,
		SessionID:  handle,
	}, nil
}

// Destroy deletes the session. Destroying an unknown handle is not an error.
func (m *Manager) Destroy(ctx context.Context, handle string) error {
	if err := m.store.Delete(ctx, key(handle)); err != nil {
		return fmt.Errorf("session: destroy: %w", err)
	}
	return nil
}

// touch rewrites rec only if the session still exists, with a TTL covering
// its remaining absolute lifetime. It reports false when the key is gone.
func (m *Manager) touch(ctx context.Context, handle string, rec Record, now time.Time) (bool, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return true, err
	}
	ok, err := m.store.SetIfExists(ctx, key(handle), string(b), rec.ExpiresAt.Sub(now)+expiryGrace)
	if err != nil {
		return true, fmt.Errorf("session: write: %w", err)
	}
	return ok, nil
}

func (m *Manager) drop(ctx context.Context, handle string) {
	if err := m.store.Delete(ctx, key(handle)); err != nil {
		log.Debug().Err(err).Msg("session cleanup failed")
	}
}
