// Package rbac is the post-authentication role gate.
package rbac

import "strings"

// Allowed reports whether role satisfies required. An empty role never passes;
// an empty required set admits any authenticated role. Roles compare
// case-insensitively after trimming.
func Allowed(role string, required []string) bool {
	role = strings.TrimSpace(role)
	if role == "" {
		return false
	}
	if len(required) == 0 {
		return true
	}
	for _, r := range required {
		if strings.EqualFold(role, strings.TrimSpace(r)) {
			return true
		}
	}
	return false
}

// Normalize upper-cases and trims a role list, dropping empties. Config uses it
// so logs and metrics show one spelling.
func Normalize(roles []string) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		if r = strings.ToUpper(strings.TrimSpace(r)); r != "" {
			out = append(out, r)
		}
	}
	return out
}
