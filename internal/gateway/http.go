package gateway

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"secgate/gateway/internal/denial"
	"secgate/gateway/internal/httputil"
	"secgate/gateway/internal/metrics"
	"secgate/gateway/internal/principal"
	"secgate/gateway/internal/secevent"
)

// Identity headers forwarded to upstreams in proxy and auth_request modes.
const (
	HeaderIdentityID   = "X-Identity-Id"
	HeaderIdentityRole = "X-Identity-Role"
	HeaderAuthMethod   = "X-Auth-Method"
)

// WriteDenial renders d as {"error": kind, "message": text} with the status
// for its kind. 429 and 503 carry Retry-After in whole seconds.
func WriteDenial(w http.ResponseWriter, ev *Evaluation, d *denial.Error) {
	status := d.Status()
	switch status {
	case http.StatusTooManyRequests:
		var ra time.Duration
		if ev != nil {
			ra = ev.RetryAfter
		}
		w.Header().Set("Retry-After", retryAfterSeconds(ra))
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
	}
	if ev != nil {
		setRateHeaders(w, ev)
		if ev.Request.RequestID != "" {
			w.Header().Set("X-Request-ID", ev.Request.RequestID)
		}
	}
	body := map[string]string{"error": string(d.Kind)}
	if d.Message != "" {
		body["message"] = d.Message
	}
	httputil.WriteJSON(w, status, body)
}

func retryAfterSeconds(d time.Duration) string {
	s := int64(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return strconv.FormatInt(s, 10)
}

func setRateHeaders(w http.ResponseWriter, ev *Evaluation) {
	if ev.RateLimit == nil {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(ev.RateLimit.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(ev.RateLimit.Remaining, 10))
}

// SetIdentityHeaders copies the principal onto h for an upstream.
func SetIdentityHeaders(h http.Header, p principal.Principal) {
	h.Del(HeaderIdentityID)
	h.Del(HeaderIdentityRole)
	h.Del(HeaderAuthMethod)
	if p.IdentityID == "" {
		return
	}
	h.Set(HeaderIdentityID, p.IdentityID)
	h.Set(HeaderIdentityRole, p.Role)
	h.Set(HeaderAuthMethod, string(p.Method))
}

// Middleware gates next. Authorized requests continue with the principal in
// their context; denied requests never reach next.
func (g *Gateway) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ev, d := g.Evaluate(r.Context(), g.RequestFromHTTP(r, "", ""))
		metrics.DecisionDuration.WithLabelValues("middleware").Observe(time.Since(start).Seconds())
		if d != nil {
			WriteDenial(w, ev, d)
			return
		}
		setRateHeaders(w, ev)
		ctx := r.Context()
		if ev.Authenticated {
			ctx = principal.WithContext(ctx, ev.Principal)
		}
		// never trust identity headers supplied by the client
		SetIdentityHeaders(r.Header, ev.Principal)
		r = r.WithContext(ctx)
		if p := ev.Request.Path; p != r.URL.Path {
			// downstream handlers and the upstream see the path that was authorized
			u := *r.URL
			u.Path, u.RawPath = p, ""
			r.URL = &u
		}
		next.ServeHTTP(w, r)
	})
}

// Logout ends the credential that authenticated the request: bearer tokens
// are blacklisted for their remaining lifetime, sessions are destroyed.
// It must be mounted behind Middleware.
func (g *Gateway) Logout(w http.ResponseWriter, r *http.Request) {
	p, ok := principal.FromContext(r.Context())
	if !ok {
		WriteDenial(w, nil, denial.New(denial.MalformedToken, "no credential presented"))
		return
	}
	req := g.RequestFromHTTP(r, "", "")
	ev := secevent.Event{
		RequestID:  req.RequestID,
		IdentityID: p.IdentityID,
		IP:         req.IP,
		Method:     req.Method,
		Route:      req.Path,
		AuthMethod: string(p.Method),
		Reason:     "logout",
	}

	var err error
	switch p.Method {
	case principal.MethodBearer:
		if g.deps.Revocation == nil {
			err = errors.New("revocation disabled")
			break
		}
		err = g.deps.Revocation.RevokePrincipal(r.Context(), p, "logout")
		ev.Type = secevent.TypeRevoked
	case principal.MethodSession:
		err = g.deps.Sessions.Destroy(r.Context(), p.SessionID)
		ev.Type = secevent.TypeLogout
	default:
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{
			"error":   "UnsupportedCredential",
			"message": "api keys cannot log out",
		})
		return
	}
	if err != nil {
		httputil.GetLogger(r.Context()).Error().Err(err).Str("identity", p.IdentityID).Msg("logout failed")
		WriteDenial(w, &Evaluation{Request: req}, denial.Wrap(denial.StoreUnavailable, "logout could not be recorded", err))
		return
	}
	g.deps.Events.Emit(r.Context(), ev)
	w.WriteHeader(http.StatusNoContent)
}
