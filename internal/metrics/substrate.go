package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Status label values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Substrate operation type label values.
const (
	OpGet    = "get"
	OpPut    = "put"
	OpDelete = "delete"
	OpList   = "list"
)

// DefaultSubstrateLatencyBuckets are latency buckets for substrate
// operations. Optimized for metadata operations which are typically
// fast (sub-ms to tens of ms).
var DefaultSubstrateLatencyBuckets = []float64{
	0.0001, // 0.1ms
	0.0005, // 0.5ms
	0.001,  // 1ms
	0.002,  // 2ms
	0.005,  // 5ms
	0.01,   // 10ms
	0.025,  // 25ms
	0.05,   // 50ms
	0.1,    // 100ms
	0.25,   // 250ms
	0.5,    // 500ms
	1.0,    // 1s
	2.5,    // 2.5s
	5.0,    // 5s
}

// SubstrateMetrics holds metrics for operations against the metadata
// substrate. It satisfies the recorder interface the instrumented
// kvstore wrapper expects.
type SubstrateMetrics struct {
	// LatencyHistogram tracks substrate operation latencies broken down
	// by operation type and status.
	// Labels: operation (get, put, delete, list), status (success, failure)
	LatencyHistogram *prometheus.HistogramVec

	// RequestsTotal tracks total substrate operations by operation type and status.
	RequestsTotal *prometheus.CounterVec
}

// NewSubstrateMetrics creates and registers substrate metrics.
// Uses promauto for automatic registration with the default registry.
func NewSubstrateMetrics() *SubstrateMetrics {
	return &SubstrateMetrics{
		LatencyHistogram: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sluice",
				Subsystem: "substrate",
				Name:      "operation_latency_seconds",
				Help:      "Substrate operation latency in seconds, broken down by operation type and status.",
				Buckets:   DefaultSubstrateLatencyBuckets,
			},
			[]string{"operation", "status"},
		),
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sluice",
				Subsystem: "substrate",
				Name:      "operations_total",
				Help:      "Total number of substrate operations, broken down by operation type and status.",
			},
			[]string{"operation", "status"},
		),
	}
}

// NewSubstrateMetricsWithRegistry creates substrate metrics registered
// with a custom registry. Useful for testing to avoid conflicts with
// the default registry.
func NewSubstrateMetricsWithRegistry(reg prometheus.Registerer) *SubstrateMetrics {
	latencyHist := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sluice",
			Subsystem: "substrate",
			Name:      "operation_latency_seconds",
			Help:      "Substrate operation latency in seconds, broken down by operation type and status.",
			Buckets:   DefaultSubstrateLatencyBuckets,
		},
		[]string{"operation", "status"},
	)

	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sluice",
			Subsystem: "substrate",
			Name:      "operations_total",
			Help:      "Total number of substrate operations, broken down by operation type and status.",
		},
		[]string{"operation", "status"},
	)

	reg.MustRegister(latencyHist)
	reg.MustRegister(requestsTotal)

	return &SubstrateMetrics{
		LatencyHistogram: latencyHist,
		RequestsTotal:    requestsTotal,
	}
}

// RecordOperation records a substrate operation latency and increments
// the request counter. operation should be one of OpGet, OpPut,
// OpDelete, OpList.
func (m *SubstrateMetrics) RecordOperation(operation string, durationSeconds float64, success bool) {
	status := StatusFailure
	if success {
		status = StatusSuccess
	}
	m.LatencyHistogram.WithLabelValues(operation, status).Observe(durationSeconds)
	m.RequestsTotal.WithLabelValues(operation, status).Inc()
}

// RecordGet records a Get operation.
func (m *SubstrateMetrics) RecordGet(durationSeconds float64, success bool) {
	m.RecordOperation(OpGet, durationSeconds, success)
}

// RecordPut records a Put operation.
func (m *SubstrateMetrics) RecordPut(durationSeconds float64, success bool) {
	m.RecordOperation(OpPut, durationSeconds, success)
}

// RecordDelete records a Delete operation.
func (m *SubstrateMetrics) RecordDelete(durationSeconds float64, success bool) {
	m.RecordOperation(OpDelete, durationSeconds, success)
}

// RecordList records a List operation.
func (m *SubstrateMetrics) RecordList(durationSeconds float64, success bool) {
	m.RecordOperation(OpList, durationSeconds, success)
}
