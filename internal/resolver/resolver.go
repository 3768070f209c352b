// Package resolver turns a validated credential identity into a user role.
// It is the gateway's only view of the user directory.
package resolver

import (
	"context"
	"errors"
	"strings"
)

// ErrUnknownIdentity means the directory has no such identity (or it is disabled).
var ErrUnknownIdentity = errors.New("resolver: unknown identity")

type Resolver interface {
	// Role returns the current role of identityID.
	Role(ctx context.Context, identityID string) (string, error)
}

// Static resolves roles from a fixed map, typically loaded from configuration.
type Static struct {
	roles       map[string]string
	defaultRole string
}

// NewStatic copies roles. Identities missing from the map resolve to
// defaultRole, or ErrUnknownIdentity when defaultRole is empty.
func NewStatic(roles map[string]string, defaultRole string) *Static {
	m := make(map[string]string, len(roles))
	for id, role := range roles {
		m[id] = strings.TrimSpace(role)
	}
	return &Static{roles: m, defaultRole: strings.TrimSpace(defaultRole)}
}

func (s *Static) Role(_ context.Context, identityID string) (string, error) {
	if role, ok := s.roles[identityID]; ok {
		return role, nil
	}
	if s.defaultRole != "" {
		return s.defaultRole, nil
	}
	return "", ErrUnknownIdentity
}
