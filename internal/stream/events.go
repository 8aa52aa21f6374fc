package stream

// EventRecorder receives notifications about notable store transitions.
// Implementations must be safe for concurrent use and must not block; the
// store calls them inline on its own goroutines. The metrics package
// provides an implementation that turns these into counters.
type EventRecorder interface {
	StreamCreated(scope, stream string)
	ScaleStarted(scope, stream string)
	ScaleCompleted(scope, stream string)
	ScaleConflict(scope, stream string)
	TransactionCreated(scope, stream string)
	TransactionCommitted(scope, stream string)
	TransactionAborted(scope, stream string)
	EpochCollected(scope, stream string)
	StreamCutRecorded(scope, stream string)
	StreamCutsTrimmed(scope, stream string, n int)
}

// nopEventRecorder discards all events.
type nopEventRecorder struct{}

var _ EventRecorder = nopEventRecorder{}

func (nopEventRecorder) StreamCreated(scope, stream string)            {}
func (nopEventRecorder) ScaleStarted(scope, stream string)             {}
func (nopEventRecorder) ScaleCompleted(scope, stream string)           {}
func (nopEventRecorder) ScaleConflict(scope, stream string)            {}
func (nopEventRecorder) TransactionCreated(scope, stream string)       {}
func (nopEventRecorder) TransactionCommitted(scope, stream string)     {}
func (nopEventRecorder) TransactionAborted(scope, stream string)       {}
func (nopEventRecorder) EpochCollected(scope, stream string)           {}
func (nopEventRecorder) StreamCutRecorded(scope, stream string)        {}
func (nopEventRecorder) StreamCutsTrimmed(scope, stream string, n int) {}
