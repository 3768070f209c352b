package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"secgate/gateway/internal/apikey"
	"secgate/gateway/internal/config"
	"secgate/gateway/internal/denial"
	"secgate/gateway/internal/intel"
	"secgate/gateway/internal/metrics"
	"secgate/gateway/internal/principal"
	"secgate/gateway/internal/rate"
	"secgate/gateway/internal/rbac"
	"secgate/gateway/internal/reputation"
	"secgate/gateway/internal/resolver"
	"secgate/gateway/internal/revocation"
	"secgate/gateway/internal/secevent"
	"secgate/gateway/internal/session"
	"secgate/gateway/internal/token"

	"github.com/rs/zerolog/log"
)

const (
	StageReputation = "reputation"
	StageRateLimit  = "rate_limit"
	StageCredential = "credential"
	StageRevocation = "revocation"
	StageRole       = "role"
)

// outage applies a stage's failure policy to a store error. It returns a
// StoreUnavailable denial when the stage fails closed, nil when it fails open.
type outage struct {
	stage  string
	policy config.FailurePolicy
	events *secevent.Emitter
}

func (o outage) handle(ctx context.Context, ev *Evaluation, err error) error {
	if o.policy.FailsClosed(ev.Route.Sensitive) {
		metrics.FailurePolicyApplied.WithLabelValues(o.stage, "closed").Inc()
		return denial.Wrap(denial.StoreUnavailable, o.stage+" check unavailable", err)
	}
	metrics.FailurePolicyApplied.WithLabelValues(o.stage, "open").Inc()
	ev.FailedOpen = append(ev.FailedOpen, o.stage)
	log.Warn().Err(err).Str("stage", o.stage).Str("path", ev.Request.Path).Msg("store unavailable, failing open")
	o.events.Emit(ctx, secevent.Event{
		Type:      secevent.TypeFailOpen,
		RequestID: ev.Request.RequestID,
		IP:        ev.Request.IP,
		Method:    ev.Request.Method,
		Route:     ev.Request.Path,
		Stage:     o.stage,
		Reason:    err.Error(),
	})
	return nil
}

// reputationStage rejects sources listed by threat intel or that accumulated
// too many auth failures. Either check may be absent.
type reputationStage struct {
	intel   *intel.Store
	tracker *reputation.Tracker
	outage  outage
}

func (s *reputationStage) Name() string { return StageReputation }

func (s *reputationStage) Run(ctx context.Context, ev *Evaluation) error {
	if ev.Request.IP == "" {
		return nil
	}
	if s.intel != nil {
		if ind, listed := s.intel.Check(ev.Request.IP); listed {
			metrics.IntelMatches.Inc()
			return denial.New(denial.AccessDenied, "source listed by threat intel ("+ind.Source+")")
		}
	}
	if s.tracker == nil {
		return nil
	}
	suspicious, err := s.tracker.IsSuspicious(ctx, ev.Request.IP)
	if err != nil {
		return s.outage.handle(ctx, ev, err)
	}
	if suspicious {
		return denial.New(denial.AccessDenied, "suspicious activity")
	}
	return nil
}

type rateRule struct {
	scope  string
	limit  int64
	window time.Duration
}

// rateStage admits requests through the shared sliding window, or the local
// fallback when the store is down and the policy is open.
type rateStage struct {
	limiter  *rate.Limiter
	fallback *rate.Fallback
	defaults rateRule
	keyBy    string
	outage   outage
}

func (s *rateStage) Name() string { return StageRateLimit }

func (s *rateStage) rule(rt *config.RouteRule) rateRule {
	if rl := rt.RateLimit; rl != nil {
		return rateRule{scope: rl.Scope, limit: rl.Limit, window: time.Duration(rl.WindowMs) * time.Millisecond}
	}
	return s.defaults
}

// identity keys the window by source IP, or by a digest of the presented
// credential when configured and one is present.
func (s *rateStage) identity(req Request) string {
	if s.keyBy == "credential" {
		if cred := presented(req); cred != "" {
			sum := sha256.Sum256([]byte(cred))
			return "cred:" + hex.EncodeToString(sum[:8])
		}
	}
	return "ip:" + req.IP
}

func (s *rateStage) Run(ctx context.Context, ev *Evaluation) error {
	rule := s.rule(ev.Route)
	id := s.identity(ev.Request)

	dec, err := s.limiter.Admit(ctx, rule.scope, id, rule.limit, rule.window)
	if err != nil {
		if herr := s.outage.handle(ctx, ev, err); herr != nil {
			return herr
		}
		if s.fallback == nil {
			return nil
		}
		dec = s.fallback.Allow(rule.scope, id, rule.limit, rule.window)
	}
	ev.RateLimit = &dec
	if !dec.Allowed {
		ev.RetryAfter = dec.RetryAfter
		return denial.New(denial.RateLimitExceeded, fmt.Sprintf("more than %d requests in %s", rule.limit, rule.window))
	}
	return nil
}

// presented returns the credential the request will be authenticated with,
// following bearer > session > api key precedence.
func presented(req Request) string {
	switch {
	case req.Authorization != "":
		return req.Authorization
	case req.SessionID != "":
		return req.SessionID
	default:
		return req.APIKey
	}
}

// credentialStage resolves exactly one credential into a principal.
type credentialStage struct {
	tokens        *token.Validator
	sessions      *session.Manager
	keys          *apikey.Validator
	roles         resolver.Resolver
	refreshBearer bool
	now           func() time.Time
}

func (s *credentialStage) Name() string { return StageCredential }

func (s *credentialStage) Run(ctx context.Context, ev *Evaluation) error {
	req := ev.Request
	var (
		p   principal.Principal
		err error
	)
	switch {
	case req.Authorization != "":
		p, err = s.bearer(ctx, req.Authorization)
	case req.SessionID != "":
		if s.sessions == nil {
			return denial.New(denial.SessionNotFound, "sessions are not enabled")
		}
		p, err = s.sessions.Validate(ctx, req.SessionID, req.IP)
	case req.APIKey != "":
		if s.keys == nil {
			return denial.New(denial.InvalidAPIKey, "api keys are not enabled")
		}
		p, err = s.keys.Validate(req.APIKey)
	default:
		return denial.Wrap(denial.MalformedToken, "no credential presented", ErrNoCredential)
	}
	if err != nil {
		return err
	}
	ev.Principal = p
	return nil
}

func (s *credentialStage) bearer(ctx context.Context, header string) (principal.Principal, error) {
	p, err := s.tokens.Validate(header, s.now())
	if err != nil || !s.refreshBearer || s.roles == nil {
		return p, err
	}
	role, err := s.roles.Role(ctx, p.IdentityID)
	if errors.Is(err, resolver.ErrUnknownIdentity) {
		return principal.Principal{}, denial.Wrap(denial.TokenRevoked, "token identity no longer exists", err)
	}
	if err != nil {
		return principal.Principal{}, denial.Wrap(denial.StoreUnavailable, "principal resolver unavailable", err)
	}
	p.Role = role
	return p, nil
}

// revocationStage checks the blacklist for bearer principals only.
type revocationStage struct {
	registry *revocation.Registry
	outage   outage
}

func (s *revocationStage) Name() string { return StageRevocation }

func (s *revocationStage) Run(ctx context.Context, ev *Evaluation) error {
	if ev.Principal.Method != principal.MethodBearer {
		return nil
	}
	revoked, err := s.registry.IsRevoked(ctx, ev.Principal.TokenID)
	if err != nil {
		return s.outage.handle(ctx, ev, err)
	}
	if revoked {
		return denial.New(denial.TokenRevoked, "token has been revoked")
	}
	return nil
}

type roleStage struct{}

func (roleStage) Name() string { return StageRole }

func (roleStage) Run(_ context.Context, ev *Evaluation) error {
	if rbac.Allowed(ev.Principal.Role, ev.Route.Roles) {
		return nil
	}
	return denial.New(denial.InsufficientRole, fmt.Sprintf("role %q not in %v", ev.Principal.Role, ev.Route.Roles))
}
