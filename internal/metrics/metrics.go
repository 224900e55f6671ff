// Package metrics exposes the gateway's Prometheus instrumentation.
// Grounded on the etalazz-vsa example's internal/ratelimiter/telemetry/churn
// package: package-level metric vars registered once in init, a handful of
// exported Observe* functions the hot path calls directly, and a promhttp
// handler for /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_decisions_total",
		Help: "Total gateway decisions, by outcome.",
	}, []string{"decision"})

	requestLatencySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_request_latency_seconds",
		Help:    "End-to-end request latency observed by the gateway orchestrator.",
		Buckets: prometheus.DefBuckets,
	})

	auditQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_audit_queue_depth",
		Help: "Current number of buffered, undelivered audit events.",
	})

	auditDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_audit_dropped_total",
		Help: "Total audit events dropped because the queue was full.",
	})

	rateLimitRejectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_rate_limit_rejections_total",
		Help: "Total requests rejected by the rate limiter.",
	})

	kvUnavailableTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_kv_unavailable_total",
		Help: "Total requests that fell back to fail-open behavior due to a KV store error.",
	})

	registryProjectCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_registry_project_count",
		Help: "Number of active projects in the current registry snapshot.",
	})
)

func init() {
	prometheus.MustRegister(
		decisionsTotal,
		requestLatencySeconds,
		auditQueueDepth,
		auditDroppedTotal,
		rateLimitRejectionsTotal,
		kvUnavailableTotal,
		registryProjectCount,
	)
}

// ObserveDecision records one terminal decision outcome ("ALLOW",
// "THROTTLE", "BLOCK").
func ObserveDecision(decision string) {
	decisionsTotal.WithLabelValues(decision).Inc()
}

// ObserveLatency records one request's end-to-end latency.
func ObserveLatency(seconds float64) {
	requestLatencySeconds.Observe(seconds)
}

// SetAuditQueueDepth reports the audit sink's current buffered depth.
func SetAuditQueueDepth(depth int) {
	auditQueueDepth.Set(float64(depth))
}

// IncAuditDropped increments the audit-drop counter by one.
func IncAuditDropped() {
	auditDroppedTotal.Inc()
}

// IncRateLimitRejection increments the rate-limiter rejection counter.
func IncRateLimitRejection() {
	rateLimitRejectionsTotal.Inc()
}

// IncKVUnavailable increments the fail-open counter.
func IncKVUnavailable() {
	kvUnavailableTotal.Inc()
}

// SetRegistryProjectCount reports the active project count after a
// successful registry refresh.
func SetRegistryProjectCount(n int) {
	registryProjectCount.Set(float64(n))
}

// Handler returns the promhttp handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
