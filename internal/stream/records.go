package stream

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/sluice-io/sluice/internal/kvstore"
)

// maxNameLength bounds scope and stream names.
const maxNameLength = 255

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// validateName checks a scope or stream name. Names start with an
// alphanumeric character and may contain dots, underscores and hyphens.
func validateName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("stream: %s name is empty: %w", kind, ErrIllegalArgument)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("stream: %s name exceeds %d characters: %w", kind, maxNameLength, ErrIllegalArgument)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("stream: invalid %s name %q: %w", kind, name, ErrIllegalArgument)
	}
	return nil
}

// validateHost checks a host identifier used by the transaction index.
// Hosts are free-form endpoint strings but may not contain a slash, which
// is the key separator.
func validateHost(host string) error {
	if host == "" {
		return fmt.Errorf("stream: host is empty: %w", ErrIllegalArgument)
	}
	if strings.Contains(host, "/") {
		return fmt.Errorf("stream: invalid host %q: %w", host, ErrIllegalArgument)
	}
	return nil
}

// State is the lifecycle state of a stream. Transitions are restricted to
// the table in legalTransitions; everything else is rejected.
type State string

// Stream lifecycle states.
const (
	StateCreating   State = "creating"
	StateActive     State = "active"
	StateScaling    State = "scaling"
	StateUpdating   State = "updating"
	StateTruncating State = "truncating"
	StateSealing    State = "sealing"
	StateSealed     State = "sealed"
)

// legalTransitions lists the states reachable from each state. A state is
// always reachable from itself so that retried transitions are no-ops.
var legalTransitions = map[State][]State{
	StateCreating:   {StateCreating, StateActive},
	StateActive:     {StateActive, StateScaling, StateUpdating, StateTruncating, StateSealing, StateSealed},
	StateScaling:    {StateScaling, StateActive, StateSealing, StateSealed},
	StateUpdating:   {StateUpdating, StateActive, StateSealing, StateSealed},
	StateTruncating: {StateTruncating, StateActive, StateSealing, StateSealed},
	StateSealing:    {StateSealing, StateSealed},
	StateSealed:     {StateSealed},
}

// canTransition reports whether from may move to to.
func canTransition(from, to State) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ScalingType selects how a stream decides to split or merge segments.
type ScalingType string

// Scaling policy types.
const (
	ScalingFixed        ScalingType = "fixed"
	ScalingByRateEvents ScalingType = "by-rate-events"
	ScalingByRateKBytes ScalingType = "by-rate-kbytes"
)

// ScalingPolicy configures automatic scaling for a stream.
type ScalingPolicy struct {
	Type        ScalingType `json:"type"`
	TargetRate  int32       `json:"targetRate,omitempty"`
	ScaleFactor int32       `json:"scaleFactor,omitempty"`
	MinSegments int32       `json:"minSegments"`
}

// RetentionType selects what a retention limit is measured in.
type RetentionType string

// Retention policy types.
const (
	RetentionTime RetentionType = "time"
	RetentionSize RetentionType = "size"
)

// RetentionPolicy configures automatic truncation for a stream. Limit is
// milliseconds for time retention and bytes for size retention.
type RetentionPolicy struct {
	Type  RetentionType `json:"type"`
	Limit int64         `json:"limit"`
}

// StreamConfiguration is the user-facing configuration of a stream.
type StreamConfiguration struct {
	ScalingPolicy   ScalingPolicy    `json:"scalingPolicy"`
	RetentionPolicy *RetentionPolicy `json:"retentionPolicy,omitempty"`
}

// ScopeRecord is the stored record for a scope.
type ScopeRecord struct {
	Name      string `json:"name"`
	CreatedAt int64  `json:"createdAt"`
}

// creationRecord marks that a stream create began, and when. It is the
// first node written by CreateStream; the state node is the last, so a
// creation marker without a state node identifies an interrupted create.
type creationRecord struct {
	CreatedAt int64 `json:"createdAt"`
}

// stateRecord is the stored form of a stream's lifecycle state.
type stateRecord struct {
	State State `json:"state"`
}

// NewSegmentID composes a segment id from the epoch that created the
// segment and its creation number. Creation numbers keep increasing
// across epochs, so ids are unique for the life of the stream.
func NewSegmentID(epoch, number int32) int64 {
	return int64(epoch)<<32 | int64(number)
}

// SegmentEpoch extracts the creating epoch from a segment id.
func SegmentEpoch(id int64) int32 {
	return int32(id >> 32)
}

// SegmentNumber extracts the creation number from a segment id.
func SegmentNumber(id int64) int32 {
	return int32(id & 0xFFFFFFFF)
}

// Segment describes one slice of a stream's key space. The id and key
// range never change; Sealed and SealedSize are set once when a scale
// retires the segment.
type Segment struct {
	ID         int64   `json:"id"`
	KeyStart   float64 `json:"keyStart"`
	KeyEnd     float64 `json:"keyEnd"`
	CreatedAt  int64   `json:"createdAt"`
	Sealed     bool    `json:"sealed,omitempty"`
	SealedSize int64   `json:"sealedSize,omitempty"`
}

// KeyRange is a half-open interval [Start, End) of the key space.
type KeyRange struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// rangesOverlap reports whether two key ranges intersect.
func rangesOverlap(aStart, aEnd, bStart, bEnd float64) bool {
	return aStart < bEnd && bStart < aEnd
}

// cutPassesSegment reports whether a stream cut has completely moved
// past a segment: every cut segment overlapping the segment's key range
// was created by a strictly later epoch. A segment no cut segment
// overlaps is not passed; a cut covers the whole key space, so that
// only happens for malformed cuts.
func cutPassesSegment(seg Segment, cutSegments []Segment) bool {
	overlapped := false
	for _, cutSeg := range cutSegments {
		if !rangesOverlap(seg.KeyStart, seg.KeyEnd, cutSeg.KeyStart, cutSeg.KeyEnd) {
			continue
		}
		overlapped = true
		if SegmentEpoch(cutSeg.ID) <= SegmentEpoch(seg.ID) {
			return false
		}
	}
	return overlapped
}

// HistoryRecord captures the active segment set of one epoch. The record
// with the highest epoch is the stream's current epoch.
type HistoryRecord struct {
	Epoch     int32   `json:"epoch"`
	Segments  []int64 `json:"segments"`
	CreatedAt int64   `json:"createdAt"`
}

// EpochTransitionRecord is the single source of truth for an in-flight
// scale. It is created once by StartScale and deleted by
// ScaleSegmentsSealed; its fields never change in between, so every scale
// step can re-derive its work from the record alone.
type EpochTransitionRecord struct {
	ActiveEpoch    int32     `json:"activeEpoch"`
	NewEpoch       int32     `json:"newEpoch"`
	SegmentsToSeal []int64   `json:"segmentsToSeal"`
	NewSegments    []Segment `json:"newSegments"`
	ScaleTime      int64     `json:"scaleTime"`
}

// sealedSizesRecord maps sealed segment ids to their final size.
type sealedSizesRecord struct {
	Sizes map[int64]int64 `json:"sizes"`
}

// TxnStatus is the state of a transaction.
type TxnStatus string

// Transaction states. Open transactions move to committing or aborting
// when sealed, and then to the terminal committed or aborted.
const (
	TxnStatusOpen       TxnStatus = "open"
	TxnStatusCommitting TxnStatus = "committing"
	TxnStatusAborting   TxnStatus = "aborting"
	TxnStatusCommitted  TxnStatus = "committed"
	TxnStatusAborted    TxnStatus = "aborted"
)

// ActiveTxnRecord is the stored record for a transaction that has not yet
// committed or aborted. Epoch is the stream epoch the transaction was
// created against and never changes, even if the stream scales while the
// transaction is open.
type ActiveTxnRecord struct {
	TxnID         uuid.UUID `json:"txnId"`
	Epoch         int32     `json:"epoch"`
	Status        TxnStatus `json:"status"`
	CreateTime    int64     `json:"createTime"`
	LeaseExpiry   int64     `json:"leaseExpiry"`
	MaxExecExpiry int64     `json:"maxExecExpiry"`
}

// CompletedTxnRecord is the tombstone left behind when a transaction
// commits or aborts. It makes terminal operations idempotent: repeating
// the same outcome is a no-op, requesting the opposite outcome fails.
type CompletedTxnRecord struct {
	TxnID        uuid.UUID `json:"txnId"`
	Epoch        int32     `json:"epoch"`
	Status       TxnStatus `json:"status"`
	CompleteTime int64     `json:"completeTime"`
}

// txnEpochRecord counts the open transactions pinned to one epoch. The
// node's version is the fencing token for epoch garbage collection: the
// collector deletes the node conditionally on the version it observed
// together with a zero count, so a concurrent transaction create (which
// bumps the version) always wins.
type txnEpochRecord struct {
	Epoch     int32 `json:"epoch"`
	OpenCount int32 `json:"openCount"`
}

// VersionedTransactionData is the caller-facing view of a transaction,
// including the record version for optimistic sealing.
type VersionedTransactionData struct {
	TxnID         uuid.UUID
	Epoch         int32
	Status        TxnStatus
	Version       kvstore.Version
	CreateTime    int64
	LeaseExpiry   int64
	MaxExecExpiry int64
}

// TxnResource identifies one transaction of one stream, as tracked by the
// host index.
type TxnResource struct {
	Scope  string    `json:"scope"`
	Stream string    `json:"stream"`
	TxnID  uuid.UUID `json:"txnId"`
}

// hostRecord is the stored record for a host marker in the transaction
// index.
type hostRecord struct {
	Host string `json:"host"`
}

// hostTxnEntry is the stored record for one transaction entry under a
// host. Version is an opaque caller-supplied number, typically the
// transaction record version the host last observed.
type hostTxnEntry struct {
	Scope   string    `json:"scope"`
	Stream  string    `json:"stream"`
	TxnID   uuid.UUID `json:"txnId"`
	Version int       `json:"version"`
}

// StreamCutRecord is one remembered stream cut: a consistent position
// across the stream's key space with the time and total size observed
// when it was recorded.
type StreamCutRecord struct {
	RecordingTime int64           `json:"recordingTime"`
	RecordingSize int64           `json:"recordingSize"`
	StreamCut     map[int64]int64 `json:"streamCut"`
}

// retentionSetRecord holds the remembered stream cuts of one stream,
// ordered by recording time (ties keep insertion order).
type retentionSetRecord struct {
	Cuts []StreamCutRecord `json:"cuts"`
}

// TruncationRecord is the stored truncation position of a stream.
// CutEpochMap maps each cut segment to its creating epoch, so consumers
// of the record do not need the segment table to reason about it.
// ToDelete lists the segments the staged cut has completely passed;
// completing the truncation folds it into DeletedSegments.
type TruncationRecord struct {
	StreamCut       map[int64]int64 `json:"streamCut"`
	CutEpochMap     map[int64]int32 `json:"cutEpochMap"`
	DeletedSegments []int64         `json:"deletedSegments,omitempty"`
	ToDelete        []int64         `json:"toDelete,omitempty"`
}

// StreamProperty wraps a stream property with two-phase update bookkeeping.
// Value is the committed value. While an update is in flight, Updating is
// true and Pending holds the staged value; completing the update promotes
// Pending to Value.
type StreamProperty[T any] struct {
	Value    T    `json:"value"`
	Pending  *T   `json:"pending,omitempty"`
	Updating bool `json:"updating"`
}

// CreateStreamStatus describes the outcome of CreateStream.
type CreateStreamStatus int

const (
	// StreamCreated means the stream was newly created by this call.
	StreamCreated CreateStreamStatus = iota
	// StreamExistsCreating means a create for this stream started earlier
	// and has not completed.
	StreamExistsCreating
	// StreamExistsActive means the stream already exists and its create
	// completed.
	StreamExistsActive
)

// String returns a human-readable form of the status.
func (s CreateStreamStatus) String() string {
	switch s {
	case StreamCreated:
		return "created"
	case StreamExistsCreating:
		return "exists-creating"
	case StreamExistsActive:
		return "exists-active"
	default:
		return "unknown"
	}
}
