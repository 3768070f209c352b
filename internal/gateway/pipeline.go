// Package gateway runs the per-request security pipeline: reputation, rate
// limiting, credential resolution, revocation and role checks, in that order.
package gateway

import (
	"context"
	"errors"
	"time"

	"secgate/gateway/internal/config"
	"secgate/gateway/internal/denial"
	"secgate/gateway/internal/principal"
	"secgate/gateway/internal/rate"
)

// ErrNoCredential marks a protected request that carried no credential at all.
// It is denied like a malformed token but is not an abuse signal.
var ErrNoCredential = errors.New("gateway: no credential presented")

// Request is the transport-independent view of one inbound call.
type Request struct {
	Method    string
	Path      string
	IP        string
	RequestID string

	Authorization string
	SessionID     string
	APIKey        string
}

// Evaluation accumulates state as a request moves through the stages.
type Evaluation struct {
	Request Request
	Route   *config.RouteRule

	Principal     principal.Principal
	Authenticated bool

	// RateLimit is the admission decision when the rate stage ran.
	RateLimit  *rate.Decision
	RetryAfter time.Duration

	// Stage names the stage that denied, empty when authorized.
	Stage string
	// FailedOpen lists stages that let the request through on a store outage.
	FailedOpen []string
}

// Stage is one step of the pipeline. Run returns nil to continue or a
// *denial.Error to stop.
type Stage interface {
	Name() string
	Run(ctx context.Context, ev *Evaluation) error
}

type step struct {
	stage Stage
	// authenticated steps are skipped on public routes.
	authenticated bool
}

// Pipeline drives an ordered list of stages. The first deny ends the request.
type Pipeline struct {
	steps []step
}

func (p *Pipeline) add(s Stage, authenticated bool) {
	p.steps = append(p.steps, step{stage: s, authenticated: authenticated})
}

// Names lists the stages in execution order.
func (p *Pipeline) Names() []string {
	out := make([]string, 0, len(p.steps))
	for _, s := range p.steps {
		out = append(out, s.stage.Name())
	}
	return out
}

// Run executes the stages against ev. A non-denial error from a stage is
// treated as an infrastructure fault.
func (p *Pipeline) Run(ctx context.Context, ev *Evaluation) *denial.Error {
	for _, s := range p.steps {
		if s.authenticated && ev.Route.Public {
			continue
		}
		err := s.stage.Run(ctx, ev)
		if err == nil {
			continue
		}
		ev.Stage = s.stage.Name()
		if d, ok := denial.As(err); ok {
			return d
		}
		return denial.Wrap(denial.StoreUnavailable, "internal error", err)
	}
	ev.Authenticated = ev.Principal.IdentityID != ""
	return nil
}
