package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"secgate/gateway/internal/apikey"
	"secgate/gateway/internal/config"
	"secgate/gateway/internal/denial"
	"secgate/gateway/internal/httputil"
	"secgate/gateway/internal/intel"
	"secgate/gateway/internal/metrics"
	"secgate/gateway/internal/observability"
	"secgate/gateway/internal/rate"
	"secgate/gateway/internal/reputation"
	"secgate/gateway/internal/resolver"
	"secgate/gateway/internal/revocation"
	"secgate/gateway/internal/secevent"
	"secgate/gateway/internal/session"
	"secgate/gateway/internal/token"
	"secgate/gateway/internal/util"

	"github.com/rs/zerolog/log"
)

// Deps are the collaborators the gateway is built from. Reputation, Intel,
// Sessions, APIKeys, Fallback and Roles may be nil to disable the matching
// feature.
type Deps struct {
	Tokens     *token.Validator
	Revocation *revocation.Registry
	Limiter    *rate.Limiter
	Fallback   *rate.Fallback
	Reputation *reputation.Tracker
	Intel      *intel.Store
	Sessions   *session.Manager
	APIKeys    *apikey.Validator
	Roles      resolver.Resolver
	Events     *secevent.Emitter
}

type Gateway struct {
	Cfg      *config.Config
	deps     Deps
	pipeline *Pipeline
	routes   []config.RouteRule
	fallback config.RouteRule
	nowFunc  func() time.Time
}

func New(cfg *config.Config, deps Deps) *Gateway {
	if deps.Events == nil {
		deps.Events = secevent.NewEmitter(util.NewIPMasker(""))
	}
	g := &Gateway{
		Cfg:      cfg,
		deps:     deps,
		pipeline: &Pipeline{},
		routes:   cfg.Routes,
		nowFunc:  time.Now,
	}

	rs := &reputationStage{
		intel:  deps.Intel,
		outage: outage{stage: StageReputation, policy: cfg.FailurePolicy.Reputation, events: deps.Events},
	}
	if cfg.ReputationEnabled() {
		rs.tracker = deps.Reputation
	}
	if rs.tracker != nil || rs.intel != nil {
		g.pipeline.add(rs, false)
	}
	if deps.Limiter != nil && cfg.RateLimitEnabled() {
		g.pipeline.add(&rateStage{
			limiter:  deps.Limiter,
			fallback: deps.Fallback,
			defaults: rateRule{scope: "default", limit: cfg.RateLimit.Limit, window: cfg.RateWindow()},
			keyBy:    cfg.RateLimit.KeyBy,
			outage:   outage{stage: StageRateLimit, policy: cfg.FailurePolicy.RateLimit, events: deps.Events},
		}, false)
	}
	g.pipeline.add(&credentialStage{
		tokens:        deps.Tokens,
		sessions:      deps.Sessions,
		keys:          deps.APIKeys,
		roles:         deps.Roles,
		refreshBearer: cfg.Resolver.RefreshBearer,
		now:           g.now,
	}, true)
	if deps.Revocation != nil {
		g.pipeline.add(&revocationStage{
			registry: deps.Revocation,
			outage:   outage{stage: StageRevocation, policy: cfg.FailurePolicy.Revocation, events: deps.Events},
		}, true)
	}
	g.pipeline.add(roleStage{}, true)
	return g
}

// SetClock overrides the clock used for token validation (tests).
func (g *Gateway) SetClock(now func() time.Time) { g.nowFunc = now }

func (g *Gateway) now() time.Time { return g.nowFunc() }

// Stages lists the active pipeline stages in order.
func (g *Gateway) Stages() []string { return g.pipeline.Names() }

// Route returns the first rule matching method and path. Unmatched requests
// get a protected rule with no role requirement.
func (g *Gateway) Route(method, path string) *config.RouteRule {
	for i := range g.routes {
		rt := &g.routes[i]
		if rt.Re == nil || !rt.Re.MatchString(path) {
			continue
		}
		if len(rt.Methods) > 0 && !containsFold(rt.Methods, method) {
			continue
		}
		return rt
	}
	return &g.fallback
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// Evaluate runs the pipeline for req. Routing sees req.Path with dot segments
// and repeated slashes resolved. On deny it records the failure against
// the source reputation when appropriate, emits a security event and returns
// the denial. Exactly one decision metric is counted per call.
func (g *Gateway) Evaluate(ctx context.Context, req Request) (*Evaluation, *denial.Error) {
	req.Path = httputil.CleanPath(req.Path)
	ev := &Evaluation{Request: req, Route: g.Route(req.Method, req.Path)}
	d := g.pipeline.Run(ctx, ev)
	if d == nil {
		metrics.Decisions.WithLabelValues("allow", "").Inc()
		return ev, nil
	}
	metrics.Decisions.WithLabelValues("deny", string(d.Kind)).Inc()
	g.onDeny(ctx, ev, d)
	return ev, d
}

func (g *Gateway) onDeny(ctx context.Context, ev *Evaluation, d *denial.Error) {
	req := ev.Request
	if d.Kind == denial.StoreUnavailable {
		observability.CaptureInfra(ctx, ev.Stage, d)
	}
	g.deps.Events.Emit(ctx, secevent.Event{
		Type:       secevent.TypeDenied,
		RequestID:  req.RequestID,
		IdentityID: ev.Principal.IdentityID,
		IP:         req.IP,
		Method:     req.Method,
		Route:      req.Path,
		Kind:       d.Kind,
		Reason:     d.Message,
		AuthMethod: string(ev.Principal.Method),
		Stage:      ev.Stage,
	})

	if g.deps.Reputation == nil || !g.Cfg.ReputationEnabled() || req.IP == "" || !denial.CountsAsAuthFailure(d.Kind) || errors.Is(d, ErrNoCredential) {
		return
	}
	total, err := g.deps.Reputation.RecordFailure(ctx, req.IP, string(d.Kind))
	if err != nil {
		log.Warn().Err(err).Str("kind", string(d.Kind)).Msg("reputation record failed")
		return
	}
	if g.deps.Reputation.Crossed(total) {
		g.deps.Events.Emit(ctx, secevent.Event{
			Type:      secevent.TypeFlaggedIP,
			RequestID: req.RequestID,
			IP:        req.IP,
			Kind:      denial.AccessDenied,
			Reason:    "failure threshold reached",
		})
	}
}

// RequestFromHTTP builds a Request from r using the configured credential
// headers. method and path override the request line (auth_request mode).
func (g *Gateway) RequestFromHTTP(r *http.Request, method, path string) Request {
	if method == "" {
		method = r.Method
	}
	if path == "" {
		path = r.URL.Path
	}
	rid := httputil.GetRequestID(r.Context())
	if rid == "" {
		rid = r.Header.Get("X-Request-ID")
	}
	return Request{
		Method:        method,
		Path:          httputil.CleanPath(path),
		IP:            httputil.ClientIPFromHeaders(r),
		RequestID:     rid,
		Authorization: strings.TrimSpace(r.Header.Get("Authorization")),
		SessionID:     strings.TrimSpace(r.Header.Get(g.Cfg.Session.Header)),
		APIKey:        strings.TrimSpace(r.Header.Get(g.Cfg.APIKeys.Header)),
	}
}
