// Package denial defines the gateway's deny taxonomy and its outward HTTP mapping.
package denial

import (
	"errors"
	"net/http"
)

// Kind identifies why a request was denied. The string value is what callers
// see in the JSON "error" field.
type Kind string

const (
	MalformedToken    Kind = "MalformedToken"
	InvalidSignature  Kind = "InvalidSignature"
	TokenExpired      Kind = "TokenExpired"
	TokenRevoked      Kind = "TokenRevoked"
	SessionNotFound   Kind = "SessionNotFound"
	SessionExpired    Kind = "SessionExpired"
	RateLimitExceeded Kind = "RateLimitExceeded"
	AccessDenied      Kind = "AccessDenied"
	InsufficientRole  Kind = "InsufficientRole"
	InvalidAPIKey     Kind = "InvalidApiKey"
	StoreUnavailable  Kind = "StoreUnavailable"
)

// Error is a deny decision raised by one gateway stage.
type Error struct {
	Kind    Kind
	Message string
	// Err is the underlying cause, if any. Never sent to the client.
	Err error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Status returns the HTTP status code for this denial.
func (e *Error) Status() int { return Status(e.Kind) }

// New builds a denial with a human readable message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap builds a denial that keeps cause for logs and errors.Is.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Err: cause}
}

// As extracts a denial from err.
func As(err error) (*Error, bool) {
	var d *Error
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}

// Is reports whether err is a denial of the given kind.
func Is(err error, kind Kind) bool {
	d, ok := As(err)
	return ok && d.Kind == kind
}

// Status maps a kind to its HTTP status. Unknown kinds are treated as 403.
func Status(kind Kind) int {
	switch kind {
	case MalformedToken, InvalidSignature, TokenExpired, TokenRevoked,
		SessionNotFound, SessionExpired, InvalidAPIKey:
		return http.StatusUnauthorized
	case RateLimitExceeded:
		return http.StatusTooManyRequests
	case AccessDenied, InsufficientRole:
		return http.StatusForbidden
	case StoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusForbidden
	}
}

// CountsAsAuthFailure reports whether a denial of this kind should be fed to
// the reputation tracker. Natural expiry and policy denials are not abuse signals.
func CountsAsAuthFailure(kind Kind) bool {
	switch kind {
	case MalformedToken, InvalidSignature, TokenRevoked, InvalidAPIKey, SessionNotFound:
		return true
	default:
		return false
	}
}
