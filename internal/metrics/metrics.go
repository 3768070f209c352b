package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secgate_decision_total",
			Help: "Gateway decisions by outcome (allow/deny) and deny kind",
		},
		[]string{"outcome", "kind"},
	)
	DecisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "secgate_decision_duration_seconds",
			Help:    "Latency of the full security pipeline per serving mode",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
		[]string{"mode"},
	)
	SecurityEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secgate_security_events_total",
			Help: "Security events emitted, by event type",
		},
		[]string{"type"},
	)
	SecurityEventSinkErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secgate_security_event_sink_errors_total",
			Help: "Security events a sink failed to deliver",
		},
		[]string{"sink"},
	)
	StoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secgate_store_errors_total",
			Help: "Store operations that failed with an infrastructure error",
		},
		[]string{"op"},
	)
	FailurePolicyApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secgate_failure_policy_total",
			Help: "Times a stage hit store unavailability, by stage and applied policy",
		},
		[]string{"stage", "policy"},
	)
	RateLimitFallback = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secgate_ratelimit_fallback_total",
			Help: "Local fallback limiter decisions while the store is unavailable",
		},
		[]string{"result"},
	)
	TokensIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "secgate_tokens_issued_total",
			Help: "Bearer tokens minted",
		},
	)
	Revocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secgate_revocations_total",
			Help: "Revocation registry writes by scope (token/principal)",
		},
		[]string{"scope"},
	)
	StoreCircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "secgate_store_circuit_state",
			Help: "Store circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)
	StoreCircuitTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secgate_store_circuit_transitions_total",
			Help: "Store circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)
	StoreCircuitOpens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secgate_store_circuit_opens_total",
			Help: "Times the store circuit breaker opened",
		},
		[]string{"name"},
	)
	ProxyLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "secgate_proxy_upstream_duration_seconds",
			Help:    "Upstream round trip latency in proxy mode",
			Buckets: prometheus.DefBuckets,
		},
	)
	ProxyErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secgate_proxy_errors_total",
			Help: "Upstream failures in proxy mode, by type",
		},
		[]string{"type"},
	)
	IntelIndicators = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "secgate_intel_indicators",
			Help: "Active threat intel indicators held in memory",
		},
	)
	IntelPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secgate_intel_polls_total",
			Help: "TAXII feed polls by result",
		},
		[]string{"result"},
	)
	IntelMatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "secgate_intel_matches_total",
			Help: "Requests denied because the source matched a threat intel indicator",
		},
	)
	BuildInfo = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name:        "secgate_build_info",
			Help:        "Build info gauge with const labels",
			ConstLabels: prometheus.Labels{"version": "0.1.0"},
		},
	)
)

func MustRegister() {
	prometheus.MustRegister(
		Decisions, DecisionDuration,
		SecurityEvents, SecurityEventSinkErrors,
		StoreErrors, FailurePolicyApplied, RateLimitFallback,
		TokensIssued, Revocations,
		StoreCircuitState, StoreCircuitTransitions, StoreCircuitOpens,
		ProxyLatency, ProxyErrors,
		IntelIndicators, IntelPolls, IntelMatches,
		BuildInfo,
	)
}
