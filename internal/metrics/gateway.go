package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Gateway metrics extend the prior proxy/upstream series with the
// per-upstream, per-key, and global counters named in SPEC_FULL.md §4.9.
// Kept in the same CounterVec/HistogramVec/GaugeVec idiom as metrics.go.
var (
	gwRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_upstream_requests_total",
			Help: "Total requests routed to each upstream",
		},
		[]string{"upstream"},
	)
	gwErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_upstream_errors_total",
			Help: "Total responses with status >= 400 per upstream",
		},
		[]string{"upstream"},
	)
	gwRateLimitHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_upstream_rate_limit_hits_total",
			Help: "Total requests rejected by the rate limiter per upstream",
		},
		[]string{"upstream"},
	)
	gwQueueHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_upstream_queue_hits_total",
			Help: "Total requests placed on the admission queue per upstream",
		},
		[]string{"upstream"},
	)
	gwResponsesByStatus = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_upstream_responses_by_status_total",
			Help: "Total upstream responses per upstream and status code",
		},
		[]string{"upstream", "status"},
	)
	gwKeyUsageTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_key_usage_total",
			Help: "Total requests dispatched per upstream and key",
		},
		[]string{"upstream", "key"},
	)
	gwKeySmoothedRT = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_key_smoothed_response_seconds",
			Help: "Smoothed (EWMA) response time per upstream and key",
		},
		[]string{"upstream", "key"},
	)
	gwResponseTime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_upstream_response_duration_seconds",
			Help:    "Upstream response duration per upstream, for min/avg/max derivation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"upstream"},
	)
	gwQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_queue_depth",
			Help: "Current admission queue depth per upstream",
		},
		[]string{"upstream"},
	)
	gwRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_retries_total",
			Help: "Total retry/key-rotation attempts issued per upstream (SPEC_FULL.md S3)",
		},
		[]string{"upstream"},
	)

	gwTotalRequests      = prometheus.NewCounter(prometheus.CounterOpts{Name: "gateway_total_requests", Help: "Total requests handled across all upstreams"})
	gwTotalErrors        = prometheus.NewCounter(prometheus.CounterOpts{Name: "gateway_total_errors", Help: "Total error responses (status >= 400) across all upstreams"})
	gwTotalRateLimitHits = prometheus.NewCounter(prometheus.CounterOpts{Name: "gateway_total_rate_limit_hits", Help: "Total rate-limit rejections across all upstreams"})
	gwUptimeSeconds      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "gateway_uptime_seconds", Help: "Seconds since process start"})
)

func init() {
	prometheus.MustRegister(
		gwRequestsTotal,
		gwErrorsTotal,
		gwRateLimitHitsTotal,
		gwQueueHitsTotal,
		gwResponsesByStatus,
		gwKeyUsageTotal,
		gwKeySmoothedRT,
		gwResponseTime,
		gwQueueDepth,
		gwRetriesTotal,
		gwTotalRequests,
		gwTotalErrors,
		gwTotalRateLimitHits,
		gwUptimeSeconds,
	)
}

var startTime = time.Now()

// StartTime returns the process start time (SPEC_FULL.md §4.9 "start_time").
func StartTime() time.Time { return startTime }

var uptimeOnce sync.Once

// StartUptimeReporter begins a background ticker updating the uptime gauge.
// Safe to call more than once; only the first call starts the goroutine.
func StartUptimeReporter() {
	uptimeOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for range ticker.C {
				gwUptimeSeconds.Set(time.Since(startTime).Seconds())
			}
		}()
	})
}

// RecordGatewayRequest records one completed upstream request: the final
// response status and how long the whole attempt/retry sequence took. Key
// usage is tracked separately via RecordKeyAttempt, once per attempt, so a
// rotated request attributes usage to every key it actually charged, not
// just the one that ultimately succeeded.
func RecordGatewayRequest(upstream string, status int, key string, dur time.Duration) {
	gwRequestsTotal.WithLabelValues(upstream).Inc()
	gwTotalRequests.Inc()
	gwResponsesByStatus.WithLabelValues(upstream, strconv.Itoa(status)).Inc()
	gwResponseTime.WithLabelValues(upstream).Observe(dur.Seconds())
	if status >= 400 {
		gwErrorsTotal.WithLabelValues(upstream).Inc()
		gwTotalErrors.Inc()
	}
}

// RecordKeyAttempt records one dispatch attempt charged to key, whether or
// not that attempt ultimately succeeds (SPEC_FULL.md S3 key_usage counts).
func RecordKeyAttempt(upstream, key string) {
	if key == "" {
		return
	}
	gwKeyUsageTotal.WithLabelValues(upstream, key).Inc()
}

// RecordRetry records one retry or key-rotation attempt beyond the first
// for a request (SPEC_FULL.md S3 retries count).
func RecordRetry(upstream string) {
	gwRetriesTotal.WithLabelValues(upstream).Inc()
}

// RecordKeySmoothedRT publishes the key pool's current EWMA estimate.
func RecordKeySmoothedRT(upstream, key string, d time.Duration) {
	gwKeySmoothedRT.WithLabelValues(upstream, key).Set(d.Seconds())
}

// RecordRateLimitHit records one request rejected by the rate limiter.
func RecordRateLimitHit(upstream string) {
	gwRateLimitHitsTotal.WithLabelValues(upstream).Inc()
	gwTotalRateLimitHits.Inc()
}

// RecordQueueHit records one request placed on the admission queue.
func RecordQueueHit(upstream string) {
	gwQueueHitsTotal.WithLabelValues(upstream).Inc()
}

// SetQueueDepth publishes an upstream's current admission queue depth.
func SetQueueDepth(upstream string, depth int64) {
	gwQueueDepth.WithLabelValues(upstream).Set(float64(depth))
}
