package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scale event label values.
const (
	EventStarted   = "started"
	EventCompleted = "completed"
	EventConflict  = "conflict"
)

// Transaction outcome label values.
const (
	OutcomeCreated   = "created"
	OutcomeCommitted = "committed"
	OutcomeAborted   = "aborted"
)

// StoreMetrics holds metrics for stream metadata store transitions. It
// satisfies the event recorder interface the stream store expects.
// Stream names are deliberately not labels; per-stream cardinality is
// unbounded.
type StoreMetrics struct {
	// StreamsCreatedTotal counts streams newly created.
	StreamsCreatedTotal prometheus.Counter

	// ScaleEventsTotal counts scale protocol events.
	// Labels: event (started, completed, conflict)
	ScaleEventsTotal *prometheus.CounterVec

	// TransactionsTotal counts transaction outcomes.
	// Labels: outcome (created, committed, aborted)
	TransactionsTotal *prometheus.CounterVec

	// EpochsCollectedTotal counts transaction epochs garbage-collected.
	EpochsCollectedTotal prometheus.Counter

	// StreamCutsRecordedTotal counts stream cuts added to retention sets.
	StreamCutsRecordedTotal prometheus.Counter

	// StreamCutsTrimmedTotal counts stream cuts removed from retention sets.
	StreamCutsTrimmedTotal prometheus.Counter
}

// NewStoreMetrics creates and registers store metrics.
// Uses promauto for automatic registration with the default registry.
func NewStoreMetrics() *StoreMetrics {
	return &StoreMetrics{
		StreamsCreatedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "sluice",
			Subsystem: "store",
			Name:      "streams_created_total",
			Help:      "Total number of streams created.",
		}),
		ScaleEventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sluice",
			Subsystem: "store",
			Name:      "scale_events_total",
			Help:      "Total number of scale protocol events, broken down by event.",
		}, []string{"event"}),
		TransactionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sluice",
			Subsystem: "store",
			Name:      "transactions_total",
			Help:      "Total number of transaction outcomes, broken down by outcome.",
		}, []string{"outcome"}),
		EpochsCollectedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "sluice",
			Subsystem: "store",
			Name:      "txn_epochs_collected_total",
			Help:      "Total number of transaction epochs garbage-collected.",
		}),
		StreamCutsRecordedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "sluice",
			Subsystem: "store",
			Name:      "stream_cuts_recorded_total",
			Help:      "Total number of stream cuts recorded in retention sets.",
		}),
		StreamCutsTrimmedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "sluice",
			Subsystem: "store",
			Name:      "stream_cuts_trimmed_total",
			Help:      "Total number of stream cuts trimmed from retention sets.",
		}),
	}
}

// NewStoreMetricsWithRegistry creates store metrics registered with a
// custom registry. Useful for testing to avoid conflicts with the
// default registry.
func NewStoreMetricsWithRegistry(reg prometheus.Registerer) *StoreMetrics {
	m := &StoreMetrics{
		StreamsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sluice",
			Subsystem: "store",
			Name:      "streams_created_total",
			Help:      "Total number of streams created.",
		}),
		ScaleEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sluice",
			Subsystem: "store",
			Name:      "scale_events_total",
			Help:      "Total number of scale protocol events, broken down by event.",
		}, []string{"event"}),
		TransactionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sluice",
			Subsystem: "store",
			Name:      "transactions_total",
			Help:      "Total number of transaction outcomes, broken down by outcome.",
		}, []string{"outcome"}),
		EpochsCollectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sluice",
			Subsystem: "store",
			Name:      "txn_epochs_collected_total",
			Help:      "Total number of transaction epochs garbage-collected.",
		}),
		StreamCutsRecordedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sluice",
			Subsystem: "store",
			Name:      "stream_cuts_recorded_total",
			Help:      "Total number of stream cuts recorded in retention sets.",
		}),
		StreamCutsTrimmedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sluice",
			Subsystem: "store",
			Name:      "stream_cuts_trimmed_total",
			Help:      "Total number of stream cuts trimmed from retention sets.",
		}),
	}

	reg.MustRegister(
		m.StreamsCreatedTotal,
		m.ScaleEventsTotal,
		m.TransactionsTotal,
		m.EpochsCollectedTotal,
		m.StreamCutsRecordedTotal,
		m.StreamCutsTrimmedTotal,
	)
	return m
}

// StreamCreated records a newly created stream.
func (m *StoreMetrics) StreamCreated(scope, stream string) {
	m.StreamsCreatedTotal.Inc()
}

// ScaleStarted records a freshly installed epoch transition.
func (m *StoreMetrics) ScaleStarted(scope, stream string) {
	m.ScaleEventsTotal.WithLabelValues(EventStarted).Inc()
}

// ScaleCompleted records a scale that reached completion.
func (m *StoreMetrics) ScaleCompleted(scope, stream string) {
	m.ScaleEventsTotal.WithLabelValues(EventCompleted).Inc()
}

// ScaleConflict records a scale request refused because of a
// conflicting or stale transition.
func (m *StoreMetrics) ScaleConflict(scope, stream string) {
	m.ScaleEventsTotal.WithLabelValues(EventConflict).Inc()
}

// TransactionCreated records an opened transaction.
func (m *StoreMetrics) TransactionCreated(scope, stream string) {
	m.TransactionsTotal.WithLabelValues(OutcomeCreated).Inc()
}

// TransactionCommitted records a committed transaction.
func (m *StoreMetrics) TransactionCommitted(scope, stream string) {
	m.TransactionsTotal.WithLabelValues(OutcomeCommitted).Inc()
}

// TransactionAborted records an aborted transaction.
func (m *StoreMetrics) TransactionAborted(scope, stream string) {
	m.TransactionsTotal.WithLabelValues(OutcomeAborted).Inc()
}

// EpochCollected records a garbage-collected transaction epoch.
func (m *StoreMetrics) EpochCollected(scope, stream string) {
	m.EpochsCollectedTotal.Inc()
}

// StreamCutRecorded records a stream cut added to a retention set.
func (m *StoreMetrics) StreamCutRecorded(scope, stream string) {
	m.StreamCutsRecordedTotal.Inc()
}

// StreamCutsTrimmed records stream cuts removed from a retention set.
func (m *StoreMetrics) StreamCutsTrimmed(scope, stream string, n int) {
	m.StreamCutsTrimmedTotal.Add(float64(n))
}
