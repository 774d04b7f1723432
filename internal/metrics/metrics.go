// Package metrics exposes NudgePipe's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors on a private registry. A nil *Metrics is valid
// and records nothing, which keeps tests free of registry plumbing.
type Metrics struct {
	registry *prometheus.Registry

	attempts      *prometheus.CounterVec
	triggerRuns   *prometheus.CounterVec
	sweepDuration *prometheus.HistogramVec
	exhausted     prometheus.Counter
	escalating    prometheus.Gauge
}

// New builds and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nudgepipe_notification_attempts_total",
			Help: "Notification attempts by kind, channel and outcome.",
		}, []string{"kind", "channel", "outcome"}),
		triggerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nudgepipe_trigger_runs_total",
			Help: "Trigger invocations by result (ok, skipped, disabled, unauthorized, error).",
		}, []string{"trigger", "result"}),
		sweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nudgepipe_sweep_duration_seconds",
			Help:    "Wall time of a full trigger sweep.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"trigger"}),
		exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nudgepipe_escalations_exhausted_total",
			Help: "Escalation cycles that ran past the last bucket.",
		}),
		escalating: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nudgepipe_escalating_patients",
			Help: "Patients with an open escalation cycle after the last sweep.",
		}),
	}
	m.registry.MustRegister(
		m.attempts,
		m.triggerRuns,
		m.sweepDuration,
		m.exhausted,
		m.escalating,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveAttempt(kind, channel, outcome string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(kind, channel, outcome).Inc()
}

func (m *Metrics) ObserveTrigger(trigger, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.triggerRuns.WithLabelValues(trigger, result).Inc()
	if result == "ok" {
		m.sweepDuration.WithLabelValues(trigger).Observe(took.Seconds())
	}
}

func (m *Metrics) ObserveExhausted() {
	if m == nil {
		return
	}
	m.exhausted.Inc()
}

func (m *Metrics) SetEscalating(n int) {
	if m == nil {
		return
	}
	m.escalating.Set(float64(n))
}
