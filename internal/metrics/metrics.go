package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	notificationsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_notifications_enqueued_total",
			Help: "Total notifications enqueued by source and channel",
		},
		[]string{"source", "channel"},
	)

	deliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_delivery_attempts_total",
			Help: "Delivery attempts by outcome (sent, retry, failed) and channel",
		},
		[]string{"outcome", "channel"},
	)

	deliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_delivery_duration_seconds",
			Help:    "Adapter call latency per attempt",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"channel"},
	)

	notificationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_notification_latency_seconds",
			Help:    "Time from enqueue to successful send",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 300, 900},
		},
		[]string{"channel"},
	)

	dispatchCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_dispatch_cycles_total",
			Help: "Dispatcher ticks by result (ran, skipped)",
		},
		[]string{"result"},
	)

	dispatchBatchSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_dispatch_batch_size",
			Help: "Number of due notifications selected in the last cycle",
		},
	)

	staleReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_stale_reclaimed_total",
			Help: "Processing notifications reclaimed after their lease expired",
		},
	)

	signalMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_signal_messages_in_flight",
			Help: "Signal messages currently being expanded from SQS",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	duplicatesSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_duplicates_suppressed_total",
			Help: "Signal fan-out requests skipped by deduplication",
		},
		[]string{"channel"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"key"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "herald_circuit_breaker_state",
			Help: "Circuit breaker state per provider (0 closed, 1 open, 2 half-open)",
		},
		[]string{"provider"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_db_connections_active",
			Help: "Active database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_redis_connections_active",
			Help: "Active Redis connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordNotificationEnqueued counts an enqueue. source is "api" or "signal".
func RecordNotificationEnqueued(source, channel string) {
	notificationsEnqueued.WithLabelValues(source, channel).Inc()
}

// RecordDeliveryAttempt records one dispatcher attempt and its adapter latency.
func RecordDeliveryAttempt(outcome, channel string, duration time.Duration) {
	deliveryAttempts.WithLabelValues(outcome, channel).Inc()
	deliveryDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

// RecordNotificationLatency records end-to-end time from enqueue to send
func RecordNotificationLatency(channel string, latency time.Duration) {
	notificationLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// RecordDispatchCycle counts a tick that either ran or was skipped.
func RecordDispatchCycle(ran bool) {
	if ran {
		dispatchCycles.WithLabelValues("ran").Inc()
		return
	}
	dispatchCycles.WithLabelValues("skipped").Inc()
}

// SetDispatchBatchSize records how many items the last cycle selected
func SetDispatchBatchSize(n int) {
	dispatchBatchSize.Set(float64(n))
}

// RecordStaleReclaimed adds n reclaimed processing rows
func RecordStaleReclaimed(n int) {
	staleReclaimed.Add(float64(n))
}

// SetSignalMessagesInFlight sets the current in-flight message count
func SetSignalMessagesInFlight(count int) {
	signalMessagesInFlight.Set(float64(count))
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordDuplicateSuppressed records a skipped duplicate fan-out
func RecordDuplicateSuppressed(channel string) {
	duplicatesSuppressed.WithLabelValues(channel).Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(key string) {
	rateLimitRejections.WithLabelValues(key).Inc()
}

func SetBreakerState(provider string, state int) {
	breakerState.WithLabelValues(provider).Set(float64(state))
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// SetRedisConnections sets active Redis connection count
func SetRedisConnections(count int) {
	redisConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics.
// The route pattern is used as the path label when chi has matched one,
// so ids in the URL do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, routePattern(r), wrapped.status, time.Since(start))
	})
}
