// Package metrics defines Prometheus metrics for the demo upstream (origin)
// server. Gateway-side (edge) series live in gateway.go; this file keeps
// only the origin-side counters a standalone demo upstream emits about
// itself, since the proxy-facing cache/queue metrics it used to share this
// file with had no caller left once caching and the old single-queue model
// were replaced (see DESIGN.md's final adaptation pass).
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Upstream metrics
// These should be emitted by the upstream service itself (origin), not the proxy.
var (
	// upRequestsTotal counts requests handled by the upstream service by method and status.
	upRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_requests_total",
			Help: "Total upstream responses by method and status",
		},
		[]string{"method", "status"},
	)
	// upRequestDuration measures upstream handler latency (server-side).
	upRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_request_duration_seconds",
			Help:    "Upstream request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
	// upInflight tracks concurrent requests currently executing in the upstream.
	upInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "upstream_inflight",
			Help: "Number of in-flight requests in upstream server",
		},
	)
)

func init() {
	prometheus.MustRegister(
		upRequestsTotal,
		upRequestDuration,
		upInflight,
	)
}

// ---- Upstream helpers ----

// UpstreamInflightInc increments the number of in-flight requests in the upstream.
func UpstreamInflightInc() { upInflight.Inc() }

// UpstreamInflightDec decrements the number of in-flight requests in the upstream.
func UpstreamInflightDec() { upInflight.Dec() }

// ObserveUpstreamResponse records an upstream (origin) response with method and status and observes duration.
func ObserveUpstreamResponse(method string, status int, dur time.Duration) {
	upRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	upRequestDuration.WithLabelValues(method).Observe(dur.Seconds())
}
