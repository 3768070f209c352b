// Package proxy forwards authorized requests to a single upstream. It is
// mounted behind gateway.Middleware, which has already set the identity
// headers and stripped any the client supplied.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	internalhttp "secgate/gateway/internal/httputil"
	"secgate/gateway/internal/metrics"
)

const (
	maxProxyBodySize = 100 * 1024 * 1024 // 100MB max for proxied request bodies
)

type Options struct {
	Timeout         time.Duration
	MaxIdleConns    int
	IdleConnTimeout time.Duration
}

// Handler is a reverse proxy to one upstream origin.
type Handler struct {
	upstream  *url.URL
	proxy     *httputil.ReverseProxy
	transport *http.Transport
}

func NewHandler(upstream string, opts Options) (*Handler, error) {
	target, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream %q: %w", upstream, err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("upstream %q must be an absolute URL", upstream)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = 100
	}
	if opts.IdleConnTimeout <= 0 {
		opts.IdleConnTimeout = 90 * time.Second
	}

	h := &Handler{upstream: target}
	h.transport = &http.Transport{
		MaxIdleConns:          opts.MaxIdleConns,
		MaxIdleConnsPerHost:   opts.MaxIdleConns,
		IdleConnTimeout:       opts.IdleConnTimeout,
		ResponseHeaderTimeout: opts.Timeout,
		TLSHandshakeTimeout:   opts.Timeout / 3,
		ExpectContinueTimeout: 1 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2: true,
	}

	h.proxy = &httputil.ReverseProxy{
		Rewrite:      h.rewrite,
		Transport:    h.transport,
		ErrorHandler: h.errorHandler,
	}
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxProxyBodySize)

	// Prevent request smuggling: Transfer-Encoding wins per RFC 7230
	if r.Header.Get("Content-Length") != "" && r.Header.Get("Transfer-Encoding") != "" {
		internalhttp.GetLogger(r.Context()).Warn().
			Str("remote_addr", r.RemoteAddr).
			Msg("request smuggling attempt detected: both Content-Length and Transfer-Encoding present")
		r.Header.Del("Content-Length")
	}

	start := time.Now()
	h.proxy.ServeHTTP(w, r)
	metrics.ProxyLatency.Observe(time.Since(start).Seconds())
}

// rewrite targets the upstream with the cleaned path and replaces client supplied X-Forwarded-*
// headers with values derived from the trusted client IP.
func (h *Handler) rewrite(pr *httputil.ProxyRequest) {
	if p := internalhttp.CleanPath(pr.Out.URL.Path); p != pr.Out.URL.Path {
		pr.Out.URL.Path, pr.Out.URL.RawPath = p, ""
	}
	pr.SetURL(h.upstream)
	pr.Out.Host = pr.In.Host

	if requestID := internalhttp.GetRequestID(pr.In.Context()); requestID != "" {
		pr.Out.Header.Set("X-Request-ID", requestID)
	}
	pr.Out.Header.Del("X-Forwarded-For")
	if clientIP := internalhttp.ClientIPFromHeaders(pr.In); clientIP != "" {
		pr.Out.Header.Set("X-Forwarded-For", clientIP)
	}
	pr.Out.Header.Set("X-Forwarded-Proto", scheme(pr.In))
	pr.Out.Header.Set("X-Forwarded-Host", pr.In.Host)
}

func (h *Handler) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	logger := internalhttp.GetLogger(r.Context())
	origin := h.upstream.String()

	// Client disconnected - don't log as error
	if errors.Is(err, context.Canceled) {
		logger.Debug().Str("origin", origin).Msg("proxy request canceled")
		metrics.ProxyErrors.WithLabelValues("context").Inc()
		return
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		logger.Warn().Str("origin", origin).Err(err).Msg("proxy timeout")
		metrics.ProxyErrors.WithLabelValues("timeout").Inc()
		internalhttp.WriteJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "UpstreamTimeout"})
		return
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		logger.Error().Str("origin", origin).Err(dnsErr).Msg("DNS resolution failed")
		metrics.ProxyErrors.WithLabelValues("dns").Inc()
		internalhttp.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "UpstreamUnavailable"})
		return
	}

	if strings.Contains(err.Error(), "connection refused") {
		logger.Error().Str("origin", origin).Err(err).Msg("connection refused")
		metrics.ProxyErrors.WithLabelValues("connection").Inc()
		internalhttp.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "UpstreamUnavailable"})
		return
	}

	logger.Error().Str("origin", origin).Err(err).Msg("proxy error")
	metrics.ProxyErrors.WithLabelValues("other").Inc()
	internalhttp.WriteJSON(w, http.StatusBadGateway, map[string]string{"error": "BadGateway"})
}

// Shutdown closes idle upstream connections.
func (h *Handler) Shutdown(context.Context) error {
	h.transport.CloseIdleConnections()
	return nil
}

// scheme returns the scheme (http or https) the client used.
func scheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
