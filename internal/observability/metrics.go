// Package observability provides Prometheus metrics for the application.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rotagate"

// Metrics holds all application metrics.
type Metrics struct {
	// Relay metrics
	ConnectionsAccepted *prometheus.CounterVec
	ConnectionsRejected *prometheus.CounterVec
	ActivePairs         prometheus.Gauge
	BytesRelayed        *prometheus.CounterVec

	// Pool metrics
	Selections       *prometheus.CounterVec
	Rotations        *prometheus.CounterVec
	ProxiesAvailable *prometheus.GaugeVec
	ProbesTotal      *prometheus.CounterVec
	SweepDuration    prometheus.Histogram

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates all application metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	metrics := &Metrics{
		// Relay metrics
		ConnectionsAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connections_accepted_total",
			Help:      "Total number of client connections accepted",
		}, []string{"port"}),
		ConnectionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connections_rejected_total",
			Help:      "Total number of client connections closed before relaying",
		}, []string{"port", "reason"}),
		ActivePairs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "active_pairs",
			Help:      "Number of client-upstream pairs currently relayed",
		}),
		BytesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "bytes_total",
			Help:      "Total bytes forwarded between clients and upstreams",
		}, []string{"direction"}),

		// Pool metrics
		Selections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "selections_total",
			Help:      "Total number of upstream selections",
		}, []string{"protocol"}),
		Rotations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "rotations_total",
			Help:      "Total number of sticky upstream re-picks by trigger",
		}, []string{"trigger"}),
		ProxiesAvailable: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "available",
			Help:      "Number of upstream proxies that passed the last health check",
		}, []string{"protocol"}),
		ProbesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "probes_total",
			Help:      "Total number of upstream health probes",
		}, []string{"protocol", "result"}),
		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "sweep_duration_seconds",
			Help:      "Histogram of health check sweep duration in seconds",
			Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 20, 30, 60},
		}),

		// HTTP metrics
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of admin HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Histogram of admin HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	return metrics
}

// Handler returns the Prometheus HTTP handler for the given gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordAccepted increments the accepted connections counter for a listen port.
func (m *Metrics) RecordAccepted(port int) {
	m.ConnectionsAccepted.WithLabelValues(strconv.Itoa(port)).Inc()
}

// RecordRejected records a client connection closed before relaying.
func (m *Metrics) RecordRejected(port int, reason string) {
	m.ConnectionsRejected.WithLabelValues(strconv.Itoa(port), reason).Inc()
}

// SetActivePairs sets the number of relayed pairs.
func (m *Metrics) SetActivePairs(count int) {
	m.ActivePairs.Set(float64(count))
}

// RecordBytes adds n forwarded bytes in the given direction ("upstream" or "client").
func (m *Metrics) RecordBytes(direction string, n int) {
	m.BytesRelayed.WithLabelValues(direction).Add(float64(n))
}

// RecordSelection records an upstream selection for a protocol.
func (m *Metrics) RecordSelection(protocol string) {
	m.Selections.WithLabelValues(protocol).Inc()
}

// RecordRotation records a sticky upstream re-pick.
func (m *Metrics) RecordRotation(trigger string) {
	m.Rotations.WithLabelValues(trigger).Inc()
}

// SetProxiesAvailable sets the number of available proxies for a protocol.
func (m *Metrics) SetProxiesAvailable(protocol string, count int) {
	m.ProxiesAvailable.WithLabelValues(protocol).Set(float64(count))
}

// RecordProbe records the outcome of a single health probe.
func (m *Metrics) RecordProbe(protocol string, ok bool) {
	result := "failure"
	if ok {
		result = "success"
	}

	m.ProbesTotal.WithLabelValues(protocol, result).Inc()
}

// SweepTimer returns a function to record sweep duration.
func (m *Metrics) SweepTimer() func() {
	start := time.Now()

	return func() {
		m.SweepDuration.Observe(time.Since(start).Seconds())
	}
}
