// Package revocation keeps the token blacklist: entries keyed by token ID that
// live exactly as long as the token they revoke.
package revocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"secgate/gateway/internal/metrics"
	"secgate/gateway/internal/principal"
	"secgate/gateway/internal/store"
)

// TokenParser verifies a raw token ignoring expiry (token.Validator.Parse).
type TokenParser interface {
	Parse(raw string, now time.Time) (principal.Principal, error)
}

type Registry struct {
	store   store.CounterStore
	parser  TokenParser
	nowFunc func() time.Time
}

func New(s store.CounterStore, parser TokenParser) *Registry {
	return &Registry{store: s, parser: parser, nowFunc: time.Now}
}

// SetClock overrides the wall clock (tests).
func (r *Registry) SetClock(now func() time.Time) { r.nowFunc = now }

func key(tokenID string) string { return store.Key(store.NamespaceBlacklist, tokenID) }

// Revoke blacklists a raw token. The signature must verify; expiry is not
// required, but a token that is already expired needs no entry and is skipped.
// It returns the token ID that was (or would have been) written.
func (r *Registry) Revoke(ctx context.Context, raw, reason string) (string, error) {
	p, err := r.parser.Parse(raw, r.nowFunc())
	if err != nil {
		return "", err
	}
	return p.TokenID, r.RevokePrincipal(ctx, p, reason)
}

// RevokePrincipal blacklists the token behind an already validated bearer principal.
func (r *Registry) RevokePrincipal(ctx context.Context, p principal.Principal, reason string) error {
	if p.TokenID == "" {
		return errors.New("revocation: principal carries no token id")
	}
	ttl := p.Remaining(r.nowFunc())
	if ttl <= 0 {
		return nil
	}
	if reason == "" {
		reason = "revoked"
	}
	if err := r.store.Set(ctx, key(p.TokenID), reason, ttl); err != nil {
		return fmt.Errorf("revocation: write %s: %w", p.TokenID, err)
	}
	metrics.Revocations.WithLabelValues("token").Inc()
	return nil
}

// IsRevoked reports whether tokenID is blacklisted. Store failures are
// returned as-is so the caller can apply its failure policy.
func (r *Registry) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	_, err := r.Reason(ctx, tokenID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Reason returns the stored revocation reason or store.ErrNotFound.
func (r *Registry) Reason(ctx context.Context, tokenID string) (string, error) {
	return r.store.Get(ctx, key(tokenID))
}
