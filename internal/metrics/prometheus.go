// Package metrics provides Prometheus metrics collection for the gateway.
// It tracks admission decisions, coordination store latency, token commits,
// and HTTP request outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tokengate"

var (
	// AdmissionDecisions counts admission outcomes. The dimension label is
	// empty for admits and carries the denied dimension otherwise.
	AdmissionDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Admission decisions by outcome and denied dimension",
		},
		[]string{"decision", "dimension"},
	)

	// AdmissionLatency tracks the coordination store round trip for one
	// admission decision.
	AdmissionLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "admission_latency_seconds",
			Help:      "Latency of the atomic admission script",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
		},
	)

	// CommittedTokens counts tokens committed to the window counters.
	CommittedTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "committed_tokens_total",
			Help:      "Tokens committed on admission",
		},
		[]string{"type"}, // type: input, output
	)

	// Reconciles counts reconcile outcomes.
	Reconciles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciles_total",
			Help:      "Output cost reconciliations by outcome",
		},
		[]string{"outcome"}, // replaced, expired, skipped, failed
	)

	// CoordinationErrors counts failed coordination store operations.
	CoordinationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coordination_errors_total",
			Help:      "Coordination store failures by operation",
		},
		[]string{"operation"}, // admit, reconcile, usage, ping
	)

	// HTTPRequests counts HTTP requests by route and status.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code",
		},
		[]string{"route", "status"},
	)

	// HTTPLatency tracks end-to-end request latency.
	HTTPLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_latency_seconds",
			Help:      "End-to-end HTTP request latency",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"route"},
	)

	// InflightRequests tracks requests currently being handled.
	InflightRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_requests",
			Help:      "Requests currently in flight",
		},
	)
)

// RecordDecision records an admission decision.
func RecordDecision(admitted bool, dimension string) {
	if admitted {
		AdmissionDecisions.WithLabelValues("admit", "").Inc()
		return
	}
	AdmissionDecisions.WithLabelValues("deny", dimension).Inc()
}

// RecordCommit records tokens committed on an admission.
func RecordCommit(inputTokens, outputTokens int) {
	if inputTokens > 0 {
		CommittedTokens.WithLabelValues("input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		CommittedTokens.WithLabelValues("output").Add(float64(outputTokens))
	}
}
