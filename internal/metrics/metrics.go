// Package metrics exposes pipeline run counters on a private Prometheus
// registry.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pullci/internal/core"
)

const namespace = "pullci"

// Collector records run, step and event metrics. It implements
// core.Reporter so it can be attached to an executor directly.
type Collector struct {
	registry *prometheus.Registry

	RunsTotal    *prometheus.CounterVec
	StepsTotal   *prometheus.CounterVec
	StepDuration *prometheus.HistogramVec
	ActiveRuns   *prometheus.GaugeVec
	EventsTotal  *prometheus.CounterVec
}

// NewCollector creates a Collector with its own registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of finished pipeline runs",
		}, []string{"pipeline", "status"}),
		StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Total number of executed or skipped steps",
		}, []string{"pipeline", "handler", "status"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of step executions in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"pipeline", "handler"}),
		ActiveRuns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Number of pipeline runs in progress",
		}, []string{"pipeline"}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total number of received events",
		}, []string{"kind", "matched"}),
	}
	reg.MustRegister(c.RunsTotal, c.StepsTotal, c.StepDuration, c.ActiveRuns, c.EventsTotal)
	return c
}

// Report updates the collectors from an executor lifecycle event.
func (c *Collector) Report(ev core.RunEvent) {
	switch ev.Type {
	case core.RunStarted:
		c.ActiveRuns.WithLabelValues(ev.Pipeline).Inc()
	case core.StepFinished:
		c.StepsTotal.WithLabelValues(ev.Pipeline, ev.Handler, string(ev.Status)).Inc()
		c.StepDuration.WithLabelValues(ev.Pipeline, ev.Handler).Observe(ev.Duration.Seconds())
	case core.StepSkipped:
		c.StepsTotal.WithLabelValues(ev.Pipeline, ev.Handler, string(core.StatusSkipped)).Inc()
	case core.RunFinished:
		c.ActiveRuns.WithLabelValues(ev.Pipeline).Dec()
		c.RunsTotal.WithLabelValues(ev.Pipeline, string(ev.Status)).Inc()
	}
}

// ObserveEvent counts an incoming event and whether any pipeline matched it.
func (c *Collector) ObserveEvent(kind core.EventKind, matched bool) {
	c.EventsTotal.WithLabelValues(string(kind), strconv.FormatBool(matched)).Inc()
}

// Registry returns the private registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler returns an HTTP handler serving the collected metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
