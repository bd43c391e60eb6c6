package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	JobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_jobs_submitted_total",
			Help: "Total number of jobs submitted by type",
		},
		[]string{"type"},
	)

	JobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_jobs_completed_total",
			Help: "Total number of jobs completed by type",
		},
		[]string{"type"},
	)

	JobsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_jobs_failed_total",
			Help: "Total number of jobs failed by type",
		},
		[]string{"type"},
	)

	JobsInQueue = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loom_jobs_in_queue",
			Help: "Current number of jobs by status",
		},
		[]string{"status"},
	)

	ClaimLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loom_claim_latency_seconds",
			Help:    "Time taken to claim a job from the queue in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	HungJobsReset = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_hung_jobs_reset_total",
			Help: "Total number of hung jobs reset to pending",
		},
	)

	// Cache metrics
	QueueCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_queue_cache_hits_total",
			Help: "Total number of output-file cache hits",
		},
	)

	QueueCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_queue_cache_misses_total",
			Help: "Total number of output-file cache misses",
		},
	)

	ResultCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_result_cache_hits_total",
			Help: "Total number of artifact cache hits",
		},
	)

	ResultCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_result_cache_misses_total",
			Help: "Total number of artifact cache misses",
		},
	)

	// Worker pool metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loom_workers_total",
			Help: "Total number of workers by type and status",
		},
		[]string{"type", "status"},
	)

	WorkersStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_workers_started_total",
			Help: "Total number of workers started by type and mode",
		},
		[]string{"type", "mode"},
	)

	WorkersReplaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_workers_replaced_total",
			Help: "Total number of dead workers replaced by the monitor",
		},
		[]string{"type"},
	)

	MonitorCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_monitor_cycles_total",
			Help: "Total number of pool monitoring cycles completed",
		},
	)

	MonitorCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loom_monitor_cycle_duration_seconds",
			Help:    "Time taken for a pool monitoring cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Backend metrics
	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loom_operation_duration_seconds",
			Help:    "End-to-end operation duration in seconds by type",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(JobsSubmitted)
	prometheus.MustRegister(JobsCompleted)
	prometheus.MustRegister(JobsFailed)
	prometheus.MustRegister(JobsInQueue)
	prometheus.MustRegister(ClaimLatency)
	prometheus.MustRegister(HungJobsReset)
	prometheus.MustRegister(QueueCacheHits)
	prometheus.MustRegister(QueueCacheMisses)
	prometheus.MustRegister(ResultCacheHits)
	prometheus.MustRegister(ResultCacheMisses)
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(WorkersStarted)
	prometheus.MustRegister(WorkersReplaced)
	prometheus.MustRegister(MonitorCyclesTotal)
	prometheus.MustRegister(MonitorCycleDuration)
	prometheus.MustRegister(OperationDuration)
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
