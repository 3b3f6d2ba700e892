// Package metrics provides Prometheus metrics for engine calls and pipeline actions
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Status label values
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Engine operation label values
const (
	OpCompute = "compute"
	OpExport  = "export"
	OpConnect = "connect"
)

// Metrics contains the Prometheus collectors for landview
type Metrics struct {
	registry *prometheus.Registry

	engineRequestsTotal   *prometheus.CounterVec
	engineRequestDuration *prometheus.HistogramVec
	engineConnectAttempts *prometheus.CounterVec
	actionsTotal          *prometheus.CounterVec
}

// New creates and registers the collectors on registry
func New(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.engineRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "landview_engine_requests_total",
			Help: "Total number of requests sent to the geospatial engine",
		},
		[]string{"operation", "status"},
	)

	m.engineRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "landview_engine_request_duration_seconds",
			Help: "Time taken by geospatial engine requests",
			// 50ms to ~100s; classification round trips on large areas are slow
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"operation"},
	)

	m.engineConnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "landview_engine_connect_attempts_total",
			Help: "Total number of engine connection attempts",
		},
		[]string{"status"},
	)

	m.actionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "landview_actions_total",
			Help: "Total number of pipeline actions by outcome",
		},
		[]string{"action", "status"},
	)
}

// Registry returns the registry the collectors are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Describe implements the Collector interface
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.engineRequestsTotal.Describe(ch)
	m.engineRequestDuration.Describe(ch)
	m.engineConnectAttempts.Describe(ch)
	m.actionsTotal.Describe(ch)
}

// Collect implements the Collector interface
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.engineRequestsTotal.Collect(ch)
	m.engineRequestDuration.Collect(ch)
	m.engineConnectAttempts.Collect(ch)
	m.actionsTotal.Collect(ch)
}

// RecordEngineRequest records one engine call. Safe on a nil receiver.
func (m *Metrics) RecordEngineRequest(operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	m.engineRequestsTotal.WithLabelValues(operation, status(err)).Inc()
	m.engineRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordConnectAttempt records one connection attempt. Safe on a nil receiver.
func (m *Metrics) RecordConnectAttempt(err error) {
	if m == nil {
		return
	}
	m.engineConnectAttempts.WithLabelValues(status(err)).Inc()
}

// RecordAction records the outcome of a pipeline action. Safe on a nil receiver.
func (m *Metrics) RecordAction(action string, err error) {
	if m == nil {
		return
	}
	m.actionsTotal.WithLabelValues(action, status(err)).Inc()
}

func status(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}
