package principal

import (
	"context"
	"time"
)

// Method records which credential path produced a principal.
type Method string

const (
	MethodBearer  Method = "bearer"
	MethodSession Method = "session"
	MethodAPIKey  Method = "apikey"
)

// Principal is the resolved identity attached to one request. It is derived
// per request and never persisted by the gateway.
type Principal struct {
	IdentityID string
	Role       string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	Method     Method

	// TokenID is the revocation key for bearer principals (jti or token digest).
	TokenID string
	// Token is the raw bearer token, empty for other methods.
	Token string
	// SessionID is set for session principals.
	SessionID string
}

// Remaining returns how long the credential stays valid after now.
func (p Principal) Remaining(now time.Time) time.Duration {
	if p.ExpiresAt.IsZero() {
		return 0
	}
	return p.ExpiresAt.Sub(now)
}

type ctxKey struct{}

// WithContext attaches p to ctx.
func WithContext(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the principal attached by the gateway, if any.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}
