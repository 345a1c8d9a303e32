package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for message consumers and background jobs.
type Metrics struct {
	runs        *prometheus.CounterVec
	failures    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	deadLetters *prometheus.CounterVec
	published   *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job or consumer name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// DeadLetter counts a message routed to the dead-letter path.
func (m *Metrics) DeadLetter(messageType, reason string) {
	if m == nil {
		return
	}
	if messageType == "" {
		messageType = "unknown"
	}
	m.deadLetters.WithLabelValues(messageType, reason).Inc()
}

// Published counts messages handed to the transport.
func (m *Metrics) Published(messageType string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.published.WithLabelValues(messageType).Add(float64(count))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qaengine_jobs_total",
		Help: "Total job and consumer executions partitioned by name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qaengine_jobs_failures_total",
		Help: "Total failures observed for jobs and consumers.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "qaengine_job_duration_seconds",
		Help:    "Duration in seconds of job and consumer executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	deadLetters := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qaengine_messages_dead_lettered_total",
		Help: "Messages routed to the dead-letter path grouped by type and reason.",
	}, []string{"message_type", "reason"})
	published := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qaengine_messages_published_total",
		Help: "Messages handed to the transport grouped by type.",
	}, []string{"message_type"})
	registerer.MustRegister(runs, failures, duration, deadLetters, published)
	return &Metrics{runs: runs, failures: failures, duration: duration, deadLetters: deadLetters, published: published}
}
