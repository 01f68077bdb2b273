// Package metrics exposes Prometheus counters for the travel engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sample outcomes
const (
	OutcomeProcessed = "processed"
	OutcomeDropped   = "dropped"
	OutcomePanic     = "panic"
)

// Metrics holds the engine's collectors on a private registry. A nil
// *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	samples          *prometheus.CounterVec
	sampleDuration   prometheus.Histogram
	arrivals         prometheus.Counter
	routeDeviations  prometheus.Counter
	etaNotifications prometheus.Counter
	regionChanges    *prometheus.CounterVec
	schedulerRestart prometheus.Counter
	geocodeFailures  prometheus.Counter
	activeSessions   prometheus.Gauge
	replayJobs       *prometheus.CounterVec
}

// New creates and registers the collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "travelmode_samples_total",
			Help: "Location samples handled, by outcome.",
		}, []string{"outcome"}),
		sampleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "travelmode_sample_duration_seconds",
			Help:    "Time spent processing one location sample.",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
		arrivals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "travelmode_arrivals_total",
			Help: "Place arrivals confirmed.",
		}),
		routeDeviations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "travelmode_route_recalculations_total",
			Help: "Route recalculation suggestions emitted.",
		}),
		etaNotifications: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "travelmode_eta_notifications_total",
			Help: "Proximity notifications emitted.",
		}),
		regionChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "travelmode_region_changes_total",
			Help: "Region change events emitted, by scope.",
		}, []string{"scope"}),
		schedulerRestart: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "travelmode_subscription_restarts_total",
			Help: "Location subscription stop-then-start transitions.",
		}),
		geocodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "travelmode_geocode_failures_total",
			Help: "Reverse geocoding lookups that yielded no result.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "travelmode_active_sessions",
			Help: "Sessions currently running.",
		}),
		replayJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "travelmode_replay_jobs_total",
			Help: "Replay jobs finished, by status.",
		}, []string{"status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.samples,
		m.sampleDuration,
		m.arrivals,
		m.routeDeviations,
		m.etaNotifications,
		m.regionChanges,
		m.schedulerRestart,
		m.geocodeFailures,
		m.activeSessions,
		m.replayJobs,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Sample records one handled sample
func (m *Metrics) Sample(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.samples.WithLabelValues(outcome).Inc()
	m.sampleDuration.Observe(took.Seconds())
}

// Arrival records a confirmed arrival
func (m *Metrics) Arrival() {
	if m == nil {
		return
	}
	m.arrivals.Inc()
}

// RouteRecalculation records a recalculation suggestion
func (m *Metrics) RouteRecalculation() {
	if m == nil {
		return
	}
	m.routeDeviations.Inc()
}

// ETANotification records a proximity notification
func (m *Metrics) ETANotification() {
	if m == nil {
		return
	}
	m.etaNotifications.Inc()
}

// RegionChange records a region change event
func (m *Metrics) RegionChange(scope string) {
	if m == nil {
		return
	}
	m.regionChanges.WithLabelValues(scope).Inc()
}

// SubscriptionRestart records a scheduler restart
func (m *Metrics) SubscriptionRestart() {
	if m == nil {
		return
	}
	m.schedulerRestart.Inc()
}

// GeocodeFailure records a lookup that yielded nothing
func (m *Metrics) GeocodeFailure() {
	if m == nil {
		return
	}
	m.geocodeFailures.Inc()
}

// SessionStarted increments the active session gauge
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

// SessionStopped decrements the active session gauge
func (m *Metrics) SessionStopped() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

// ReplayJob records a finished replay job
func (m *Metrics) ReplayJob(status string) {
	if m == nil {
		return
	}
	m.replayJobs.WithLabelValues(status).Inc()
}
