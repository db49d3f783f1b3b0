package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	upstreamLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"upstream", "outcome"},
	)

	cacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_results_total",
			Help: "Tile cache lookups by outcome.",
		},
		[]string{"outcome"},
	)

	cacheOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_ops_total",
			Help: "Redis operations by command and result.",
		},
		[]string{"op", "result"},
	)

	cacheOpSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cache_op_duration_seconds",
			Help:    "Duration of Redis operations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op"},
	)

	lockWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cache_lock_wait_seconds",
			Help:    "Time spent waiting for a tile lock.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
	)

	tileFillSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tile_fill_duration_seconds",
			Help:    "Time to fetch, aggregate and store one tile.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"outcome"},
	)

	tilePoints = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tile_points",
			Help:    "Aggregated points per filled tile.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "upstream_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		},
		[]string{"upstream"},
	)

	invalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invalidation_events_total",
			Help: "Invalidation events by result.",
		},
		[]string{"result"},
	)

	invalidatedKeysTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "invalidation_deleted_keys_total",
			Help: "Cache entries deleted by invalidation.",
		},
	)
)

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveUpstream(upstream string, err error, durationSeconds float64) {
	upstreamLatencySeconds.WithLabelValues(upstream, result(err)).Observe(durationSeconds)
}

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	cacheOpsTotal.WithLabelValues(op, result(err)).Inc()
	cacheOpSeconds.WithLabelValues(op).Observe(durationSeconds)
}

func IncCacheHit()  { cacheResults.WithLabelValues("hit").Inc() }
func IncCacheMiss() { cacheResults.WithLabelValues("miss").Inc() }

func ObserveLockWait(seconds float64) { lockWaitSeconds.Observe(seconds) }

func ObserveTileFill(err error, seconds float64, points int) {
	tileFillSeconds.WithLabelValues(result(err)).Observe(seconds)
	if err == nil {
		tilePoints.Observe(float64(points))
	}
}

func SetBreakerState(upstream string, state int) {
	breakerState.WithLabelValues(upstream).Set(float64(state))
}

func IncInvalidation(err error) { invalidationsTotal.WithLabelValues(result(err)).Inc() }

func AddInvalidatedKeys(n int) { invalidatedKeysTotal.Add(float64(n)) }

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
