package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use through a nil pointer; every recorder is a no-op then.
type Metrics struct {
	Claimed       prometheus.Counter
	Sent          prometheus.Counter
	Retried       prometheus.Counter
	Failed        prometheus.Counter
	WakeSignals   prometheus.Counter
	ClaimErrors   prometheus.Counter
	PollInterval  prometheus.Gauge
	BatchDuration prometheus.Histogram
	QueueJobs     *prometheus.GaugeVec

	registry *prometheus.Registry
}

func New() *Metrics {
	m := &Metrics{
		Claimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reminder_jobs_claimed_total",
			Help: "Total number of reminder jobs leased by this worker",
		}),
		Sent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reminder_jobs_sent_total",
			Help: "Total number of reminders delivered and marked sent",
		}),
		Retried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reminder_jobs_retried_total",
			Help: "Total number of failed attempts requeued with backoff",
		}),
		Failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reminder_jobs_failed_total",
			Help: "Total number of jobs that exhausted their retries",
		}),
		WakeSignals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reminder_wake_signals_total",
			Help: "Total number of wake signals that interrupted a poll wait",
		}),
		ClaimErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reminder_claim_errors_total",
			Help: "Total number of failed claim attempts",
		}),
		PollInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reminder_poll_interval_seconds",
			Help: "Current adaptive poll interval",
		}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reminder_batch_duration_seconds",
			Help:    "Time spent processing one claimed batch",
			Buckets: prometheus.DefBuckets,
		}),
		QueueJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "reminder_queue_jobs",
			Help: "Reminder jobs per status, refreshed on scrape",
		}, []string{"status"}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.Claimed, m.Sent, m.Retried, m.Failed, m.WakeSignals, m.ClaimErrors,
		m.PollInterval, m.BatchDuration, m.QueueJobs,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveClaimed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Claimed.Add(float64(n))
}

func (m *Metrics) ObserveSent() {
	if m == nil {
		return
	}
	m.Sent.Inc()
}

func (m *Metrics) ObserveRetried() {
	if m == nil {
		return
	}
	m.Retried.Inc()
}

func (m *Metrics) ObserveFailed() {
	if m == nil {
		return
	}
	m.Failed.Inc()
}

func (m *Metrics) ObserveWake() {
	if m == nil {
		return
	}
	m.WakeSignals.Inc()
}

func (m *Metrics) ObserveClaimError() {
	if m == nil {
		return
	}
	m.ClaimErrors.Inc()
}

func (m *Metrics) SetPollInterval(d time.Duration) {
	if m == nil {
		return
	}
	m.PollInterval.Set(d.Seconds())
}

func (m *Metrics) ObserveBatch(d time.Duration) {
	if m == nil {
		return
	}
	m.BatchDuration.Observe(d.Seconds())
}

func (m *Metrics) SetQueueJobs(status string, n int64) {
	if m == nil {
		return
	}
	m.QueueJobs.WithLabelValues(status).Set(float64(n))
}
