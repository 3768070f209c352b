// Package authz serves the reverse-proxy subrequest endpoint (NGINX
// auth_request, Traefik forwardAuth). It answers 204 with identity headers
// or the denial status and body.
package authz

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"secgate/gateway/internal/gateway"
	"secgate/gateway/internal/httputil"
	"secgate/gateway/internal/metrics"
)

type Handler struct {
	Gate *gateway.Gateway
}

func NewHandler(g *gateway.Gateway) *Handler {
	return &Handler{Gate: g}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		metrics.DecisionDuration.WithLabelValues("auth_request").Observe(time.Since(start).Seconds())
	}()

	method := r.Header.Get("X-Original-Method")
	if method == "" {
		method = r.Method
	}
	path := originalPath(r)

	ev, d := h.Gate.Evaluate(r.Context(), h.Gate.RequestFromHTTP(r, method, path))
	if d != nil {
		setReasonHeader(w, string(d.Kind), ev.Stage)
		gateway.WriteDenial(w, ev, d)
		return
	}

	gateway.SetIdentityHeaders(w.Header(), ev.Principal)
	if len(ev.FailedOpen) > 0 {
		w.Header().Set("X-Secgate-Degraded", strings.Join(ev.FailedOpen, ","))
	}
	if ev.RateLimit != nil {
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(ev.RateLimit.Remaining, 10))
	}
	w.WriteHeader(http.StatusNoContent)
}

// originalPath strips the query from X-Original-URI and returns the decoded,
// cleaned path the upstream will resolve. Only the path takes part in route
// matching.
func originalPath(r *http.Request) string {
	uri := r.Header.Get("X-Original-URI")
	if uri == "" {
		return httputil.CleanPath(r.URL.Path)
	}
	u, err := url.ParseRequestURI(uri)
	if err != nil || u.Path == "" {
		return "/"
	}
	return httputil.CleanPath(u.Path)
}

func setReasonHeader(w http.ResponseWriter, kind, stage string) {
	w.Header().Set("X-Secgate-Reason", kind)
	if stage != "" {
		w.Header().Set("X-Secgate-Stage", stage)
	}
}
