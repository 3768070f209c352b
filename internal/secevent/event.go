// Package secevent emits the gateway's audit trail. Every deny produces exactly
// one event; sinks are best effort and never block a decision on failure.
package secevent

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"secgate/gateway/internal/denial"
	"secgate/gateway/internal/metrics"
	"secgate/gateway/internal/util"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

type Type string

const (
	TypeDenied    Type = "request_denied"
	TypeRevoked   Type = "token_revoked"
	TypeLogout    Type = "session_destroyed"
	TypeForgiven  Type = "reputation_forgiven"
	TypeFailOpen  Type = "store_fail_open"
	TypeFlaggedIP Type = "ip_flagged"
)

type Event struct {
	ID         string      `json:"id"`
	Type       Type        `json:"type"`
	At         time.Time   `json:"at"`
	RequestID  string      `json:"request_id,omitempty"`
	IdentityID string      `json:"identity_id,omitempty"`
	IP         string      `json:"ip,omitempty"`
	Method     string      `json:"method,omitempty"`
	Route      string      `json:"route,omitempty"`
	Kind       denial.Kind `json:"kind,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	AuthMethod string      `json:"auth_method,omitempty"`
	Stage      string      `json:"stage,omitempty"`
}

// Sink delivers events somewhere durable or visible.
type Sink interface {
	Name() string
	Write(ctx context.Context, ev Event) error
}

// Emitter stamps events and fans them out to every sink.
type Emitter struct {
	sinks   []Sink
	masker  util.IPMasker
	nowFunc func() time.Time

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func NewEmitter(masker util.IPMasker, sinks ...Sink) *Emitter {
	return &Emitter{
		sinks:   sinks,
		masker:  masker,
		nowFunc: time.Now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Emit fills ID and At, masks the IP and writes to all sinks. Sink errors are
// logged and counted, never returned.
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = e.nowFunc().UTC()
	}
	if ev.ID == "" {
		ev.ID = e.newID(ev.At)
	}
	ev.IP = e.masker.Mask(ev.IP)

	metrics.SecurityEvents.WithLabelValues(string(ev.Type)).Inc()
	for _, s := range e.sinks {
		if err := s.Write(ctx, ev); err != nil {
			metrics.SecurityEventSinkErrors.WithLabelValues(s.Name()).Inc()
			log.Warn().Err(err).Str("sink", s.Name()).Str("event_id", ev.ID).Msg("security event sink failed")
		}
	}
}

func (e *Emitter) newID(at time.Time) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), e.entropy).String()
}
