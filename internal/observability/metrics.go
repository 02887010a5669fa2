package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinker_requests_total",
			Help: "Total number of API requests by pool, operation and status",
		},
		[]string{"pool", "operation", "status"},
	)
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tinker_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"pool", "operation"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinker_retry_attempts_total",
			Help: "Total number of retry attempts by destination and outcome",
		},
		[]string{"destination", "outcome"},
	)
	RetrySleepSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tinker_retry_sleep_seconds",
			Help:    "Backoff sleep duration before each retry attempt",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"destination"},
	)

	RateLimitWaitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinker_rate_limit_waits_total",
			Help: "Total number of sends delayed by a server backoff deadline",
		},
		[]string{"destination"},
	)
	RateLimitWaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tinker_rate_limit_wait_seconds",
			Help:    "Time spent waiting out server backoff deadlines",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 15, 60},
		},
		[]string{"destination"},
	)

	PollIterationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinker_poll_iterations_total",
			Help: "Total number of future poll iterations by queue state",
		},
		[]string{"queue_state"},
	)
	FuturesResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinker_futures_resolved_total",
			Help: "Total number of futures resolved by outcome",
		},
		[]string{"outcome"},
	)
	FutureWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tinker_future_wait_duration_seconds",
			Help:    "Wall time from first poll to terminal state",
			Buckets: []float64{0.5, 1, 5, 15, 60, 300, 1800},
		},
	)

	TelemetryQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tinker_telemetry_queue_depth",
			Help: "Events currently buffered by the telemetry reporter",
		},
	)
	TelemetryDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tinker_telemetry_dropped_total",
			Help: "Events discarded because the telemetry queue was full",
		},
	)
	TelemetryBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinker_telemetry_batches_total",
			Help: "Telemetry batches sent by flush trigger",
		},
		[]string{"trigger"},
	)
)

var initOnce sync.Once

// InitMetrics registers the client collectors with the default registry.
// Safe to call more than once; embedding applications that never call it pay
// nothing.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(RequestsTotal)
		prometheus.MustRegister(RequestDuration)
		prometheus.MustRegister(RetryAttemptsTotal)
		prometheus.MustRegister(RetrySleepSeconds)
		prometheus.MustRegister(RateLimitWaitsTotal)
		prometheus.MustRegister(RateLimitWaitSeconds)
		prometheus.MustRegister(PollIterationsTotal)
		prometheus.MustRegister(FuturesResolvedTotal)
		prometheus.MustRegister(FutureWaitDuration)
		prometheus.MustRegister(TelemetryQueueDepth)
		prometheus.MustRegister(TelemetryDroppedTotal)
		prometheus.MustRegister(TelemetryBatchesTotal)
	})
}

// ObserveRequest records one completed API request.
func ObserveRequest(pool, operation, status string, dur time.Duration) {
	RequestsTotal.WithLabelValues(pool, operation, status).Inc()
	RequestDuration.WithLabelValues(pool, operation).Observe(dur.Seconds())
}

// RecordRetry counts one retry decision for a destination.
func RecordRetry(destination, outcome string) {
	RetryAttemptsTotal.WithLabelValues(destination, outcome).Inc()
}

// RecordRetrySleep records the backoff slept before a retry.
func RecordRetrySleep(destination string, dur time.Duration) {
	RetrySleepSeconds.WithLabelValues(destination).Observe(dur.Seconds())
}

// RecordRateLimitWait records a send delayed by a server backoff deadline.
func RecordRateLimitWait(destination string, dur time.Duration) {
	RateLimitWaitsTotal.WithLabelValues(destination).Inc()
	RateLimitWaitSeconds.WithLabelValues(destination).Observe(dur.Seconds())
}

// RecordPoll counts one poll iteration under the observed queue state.
func RecordPoll(queueState string) {
	PollIterationsTotal.WithLabelValues(queueState).Inc()
}

// ResolveFuture records a future reaching a terminal state.
func ResolveFuture(outcome string, waited time.Duration) {
	FuturesResolvedTotal.WithLabelValues(outcome).Inc()
	FutureWaitDuration.Observe(waited.Seconds())
}
