// Package metrics exposes Prometheus collectors for the publisher, the
// regional subscribers and the aggregator. A nil *Metrics is valid and records
// nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "quakewatch"

type Metrics struct {
	registry *prometheus.Registry

	published     *prometheus.CounterVec
	dispositions  *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	distance      *prometheus.HistogramVec
	lookups       *prometheus.CounterVec
	reportsSent   *prometheus.CounterVec
	reportsStored *prometheus.CounterVec
	reconnects    *prometheus.CounterVec
	handleDur     prometheus.Histogram
}

// New builds a Metrics bound to a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.published = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "published_total",
		Help:      "Quake events handed to the bus by result",
	}, []string{"result"})
	m.dispositions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "subscriber_dispositions_total",
		Help:      "Quake dispositions decided by subscribers",
	}, []string{"region", "status"})
	m.dropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "subscriber_dropped_total",
		Help:      "Messages acknowledged and dropped by subscribers",
	}, []string{"region", "reason"})
	m.distance = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "subscriber_distance_km",
		Help:      "Distance from the region reference point to each quake",
		Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 4000, 8000, 16000},
	}, []string{"region"})
	m.lookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "subscriber_lookups_total",
		Help:      "Detail lookups by result",
	}, []string{"region", "result"})
	m.reportsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "subscriber_reports_total",
		Help:      "Disposition reports sent to the aggregator by result",
	}, []string{"region", "result"})
	m.reportsStored = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "aggregator_reports_total",
		Help:      "Disposition reports accepted by the aggregator",
	}, []string{"region", "status"})
	m.reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "subscriber_reconnects_total",
		Help:      "Times a subscriber lost its bus connection and reconnected",
	}, []string{"region"})
	m.handleDur = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "subscriber_handle_duration_seconds",
		Help:      "Time spent handling one message, lookup and report included",
		Buckets:   prometheus.DefBuckets,
	})

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.published, m.dispositions, m.dropped, m.distance,
		m.lookups, m.reportsSent, m.reportsStored, m.reconnects, m.handleDur,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Published(err error) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) Disposition(region, status string, distanceKm float64) {
	if m == nil {
		return
	}
	m.dispositions.WithLabelValues(region, status).Inc()
	m.distance.WithLabelValues(region).Observe(distanceKm)
}

func (m *Metrics) Dropped(region, reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(region, reason).Inc()
}

func (m *Metrics) Lookup(region string, err error) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(region, result(err)).Inc()
}

func (m *Metrics) ReportSent(region string, err error) {
	if m == nil {
		return
	}
	m.reportsSent.WithLabelValues(region, result(err)).Inc()
}

func (m *Metrics) ReportStored(region, status string) {
	if m == nil {
		return
	}
	m.reportsStored.WithLabelValues(region, status).Inc()
}

func (m *Metrics) Reconnect(region string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(region).Inc()
}

func (m *Metrics) HandleDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.handleDur.Observe(d.Seconds())
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
