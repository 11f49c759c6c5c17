package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OperationsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dpl_operations_created_total",
			Help: "Total number of operations created",
		},
	)

	OperationsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dpl_operations_completed_total",
			Help: "Total number of operations that reached state completed",
		},
	)

	OperationsAbortedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dpl_operations_aborted_total",
			Help: "Total number of operations that were aborted",
		},
	)

	OperationsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dpl_operations_failed_total",
			Help: "Total number of operations that reached state failed via crash cleanup",
		},
	)

	OperationsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dpl_operations_active",
			Help: "Number of ledger files currently present under the base path",
		},
	)

	HeartbeatLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dpl_heartbeat_latency_seconds",
			Help:    "Time taken for a single heartbeat tick, from dispatch to result",
			Buckets: prometheus.DefBuckets,
		},
	)

	LockWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dpl_lock_wait_seconds",
			Help:    "Time spent waiting to acquire the ledger file lock",
			Buckets: prometheus.DefBuckets,
		},
	)

	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dpl_api_requests_total",
			Help: "Total number of HTTP requests served by the ledger server, by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dpl_api_request_duration_seconds",
			Help:    "Ledger server HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(OperationsCreatedTotal)
	prometheus.MustRegister(OperationsCompletedTotal)
	prometheus.MustRegister(OperationsAbortedTotal)
	prometheus.MustRegister(OperationsFailedTotal)
	prometheus.MustRegister(OperationsActive)
	prometheus.MustRegister(HeartbeatLatency)
	prometheus.MustRegister(LockWaitSeconds)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
