// Package metrics provides Prometheus metrics for the server.
//
// Metrics are optional: if InitRegistry is not called, the
// constructors return no-op implementations and instrumented code
// pays nothing.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry initializes the global Prometheus registry. Safe to
// call multiple times; subsequent calls are ignored. If never called,
// constructors return no-op implementations.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
	})
}

// GetRegistry returns the global registry, or nil when metrics are
// disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}

// ServerMetrics observes request dispatch and session activity.
type ServerMetrics interface {
	// RecordRequest records a completed request with its command,
	// outcome and time spent from enqueue to response.
	RecordRequest(command string, err error, duration time.Duration)

	// RecordTimeout records a session giving up on a response.
	RecordTimeout(command string)

	// SetQueueDepth updates the pending work queue length.
	SetQueueDepth(n int)

	// SetActiveSessions updates the connected client count.
	SetActiveSessions(n int)

	// RecordBytesStored records bytes added to or removed from
	// storage (negative deltas count as removals).
	RecordBytesStored(delta int64)
}

type serverMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	timeoutsTotal   *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	activeSessions  prometheus.Gauge
	bytesStored     prometheus.Counter
	bytesFreed      prometheus.Counter
}

// NewServerMetrics creates the Prometheus-backed ServerMetrics, or a
// no-op implementation when metrics are disabled.
func NewServerMetrics() ServerMetrics {
	if !IsEnabled() {
		return noopServerMetrics{}
	}

	reg := GetRegistry()

	return &serverMetrics{
		requestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stashd_requests_total",
				Help: "Total requests processed, by command and status",
			},
			[]string{"command", "status"},
		),
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stashd_request_duration_seconds",
				Help:    "Time from enqueue to response, by command",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"command"},
		),
		timeoutsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stashd_request_timeouts_total",
				Help: "Requests whose session gave up waiting, by command",
			},
			[]string{"command"},
		),
		queueDepth: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "stashd_work_queue_depth",
				Help: "Pending tasks in the work queue",
			},
		),
		activeSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "stashd_active_sessions",
				Help: "Currently connected client sessions",
			},
		),
		bytesStored: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "stashd_bytes_stored_total",
				Help: "Total bytes written into user storage",
			},
		),
		bytesFreed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "stashd_bytes_freed_total",
				Help: "Total bytes removed from user storage",
			},
		),
	}
}

func (m *serverMetrics) RecordRequest(command string, err error, duration time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.requestsTotal.WithLabelValues(command, status).Inc()
	m.requestDuration.WithLabelValues(command).Observe(duration.Seconds())
}

func (m *serverMetrics) RecordTimeout(command string) {
	m.timeoutsTotal.WithLabelValues(command).Inc()
}

func (m *serverMetrics) SetQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

func (m *serverMetrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

func (m *serverMetrics) RecordBytesStored(delta int64) {
	if delta >= 0 {
		m.bytesStored.Add(float64(delta))
	} else {
		m.bytesFreed.Add(float64(-delta))
	}
}

type noopServerMetrics struct{}

func (noopServerMetrics) RecordRequest(string, error, time.Duration) {}
func (noopServerMetrics) RecordTimeout(string)                      {}
func (noopServerMetrics) SetQueueDepth(int)                         {}
func (noopServerMetrics) SetActiveSessions(int)                     {}
func (noopServerMetrics) RecordBytesStored(int64)                   {}
