// Package stream implements the metadata control plane for partitioned,
// append-only streams: the scope/stream registry, the stream lifecycle
// state machine, the epoch-transition (scale) protocol, transaction
// epoch tracking, two-phase configuration/truncation updates, the
// retention set, and the bucket registry.
//
// All state lives in the versioned key-value substrate; every mutation
// is a conditional write, so any number of processes can drive the same
// stream concurrently. A version mismatch is the only way a race is
// observed, and operations are idempotent under retry wherever the
// protocol requires it.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sluice-io/sluice/internal/keys"
	"github.com/sluice-io/sluice/internal/kvstore"
)

// defaultBucketCount is the number of retention buckets when Options
// does not override it.
const defaultBucketCount = 16

// Options configures a Store.
type Options struct {
	// BucketCount is the number of buckets streams with a retention
	// policy are distributed over. Zero selects the default of 16.
	// Every store instance sharing a substrate must use the same count.
	BucketCount int

	// Events receives store event callbacks. Nil discards them.
	Events EventRecorder
}

// Store provides stream metadata operations backed by the versioned
// key-value substrate. It holds no stream state of its own: two Store
// instances over the same substrate observe the same streams.
type Store struct {
	kv      kvstore.Store
	buckets int
	events  EventRecorder

	mu           sync.Mutex
	listeners    map[int]map[int]BucketListener
	nextListener int
	watchCancel  context.CancelFunc
	watchDone    chan struct{}
}

// NewStore creates a stream metadata store over the given substrate.
// The substrate stays owned by the caller: Close stops the store's
// background work but leaves the substrate open.
func NewStore(kv kvstore.Store, opts Options) *Store {
	buckets := opts.BucketCount
	if buckets <= 0 {
		buckets = defaultBucketCount
	}
	events := opts.Events
	if events == nil {
		events = nopEventRecorder{}
	}
	return &Store{
		kv:        kv,
		buckets:   buckets,
		events:    events,
		listeners: make(map[int]map[int]BucketListener),
	}
}

// Close stops the bucket watcher if one is running. It does not close
// the underlying substrate.
func (s *Store) Close() error {
	s.mu.Lock()
	cancel := s.watchCancel
	done := s.watchDone
	s.watchCancel = nil
	s.watchDone = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

// CreateScope creates a new scope. Returns ErrDataExists if the scope
// already exists.
func (s *Store) CreateScope(ctx context.Context, scope string) (*ScopeRecord, error) {
	if err := validateName("scope", scope); err != nil {
		return nil, err
	}

	record := ScopeRecord{
		Name:      scope,
		CreatedAt: time.Now().UnixMilli(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("stream: marshal scope: %w", err)
	}

	_, err = s.kv.Put(ctx, keys.ScopeKeyPath(scope), data, kvstore.WithExpectedVersion(0))
	if errors.Is(err, kvstore.ErrVersionMismatch) {
		return nil, ErrDataExists
	}
	if err != nil {
		return nil, fmt.Errorf("stream: create scope: %w", err)
	}
	return &record, nil
}

// GetScopeConfiguration retrieves a scope record. Returns
// ErrDataNotFound if the scope does not exist.
func (s *Store) GetScopeConfiguration(ctx context.Context, scope string) (*ScopeRecord, error) {
	result, err := s.kv.Get(ctx, keys.ScopeKeyPath(scope))
	if err != nil {
		return nil, fmt.Errorf("stream: get scope: %w", err)
	}
	if !result.Exists {
		return nil, ErrDataNotFound
	}

	var record ScopeRecord
	if err := json.Unmarshal(result.Value, &record); err != nil {
		return nil, fmt.Errorf("stream: unmarshal scope: %w", err)
	}
	return &record, nil
}

// ListScopes returns the names of all scopes, in lexicographic order.
func (s *Store) ListScopes(ctx context.Context) ([]string, error) {
	kvs, err := s.kv.List(ctx, keys.ScopesListPrefix(), "", 0)
	if err != nil {
		return nil, fmt.Errorf("stream: list scopes: %w", err)
	}

	scopes := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		name, err := keys.ParseScopeKey(kv.Key)
		if err != nil {
			continue
		}
		scopes = append(scopes, name)
	}
	return scopes, nil
}

// DeleteScope deletes an empty scope. Returns ErrDataNotFound if the
// scope does not exist and ErrScopeNotEmpty while it still owns streams.
//
// The delete is guarded by the scope record's version. CreateStream
// advances that version after planting a creation marker, so a create
// racing the emptiness check fails the guarded delete here, and the
// re-check then observes the marker.
func (s *Store) DeleteScope(ctx context.Context, scope string) error {
	for {
		result, err := s.kv.Get(ctx, keys.ScopeKeyPath(scope))
		if err != nil {
			return fmt.Errorf("stream: get scope: %w", err)
		}
		if !result.Exists {
			return ErrDataNotFound
		}

		streams, err := s.kv.List(ctx, keys.ScopeStreamsPrefix(scope), "", 1)
		if err != nil {
			return fmt.Errorf("stream: list scope streams: %w", err)
		}
		if len(streams) > 0 {
			return ErrScopeNotEmpty
		}

		err = s.kv.Delete(ctx, keys.ScopeKeyPath(scope), kvstore.WithDeleteExpectedVersion(result.Version))
		if errors.Is(err, kvstore.ErrVersionMismatch) {
			// The scope record moved since the emptiness check.
			continue
		}
		if err != nil {
			return fmt.Errorf("stream: delete scope: %w", err)
		}
		return nil
	}
}

// CreateStream materializes a stream's metadata: configuration,
// truncation/retention/sealed-size bookkeeping, the epoch-0 segment
// records (an even split of the key space across MinSegments), the
// epoch-0 history record, the epoch-0 transaction counter, and finally
// the state node at CREATING. The caller moves the stream to ACTIVE via
// SetState once its own setup is done.
//
// The creation marker is written first and the state node last, so a
// crash mid-create leaves a detectable partial stream. Retrying with
// the same createTimestamp completes the remaining nodes and returns
// StreamExistsCreating; a different timestamp fails with ErrDataExists.
// Once the marker is in place the scope record's version is advanced,
// pairing with DeleteScope's guarded delete. Returns ErrDataNotFound
// if the scope does not exist.
func (s *Store) CreateStream(ctx context.Context, scope, stream string, cfg StreamConfiguration, createTimestamp int64) (CreateStreamStatus, error) {
	if err := validateName("scope", scope); err != nil {
		return 0, err
	}
	if err := validateName("stream", stream); err != nil {
		return 0, err
	}
	if cfg.ScalingPolicy.MinSegments < 1 {
		return 0, fmt.Errorf("stream: scaling policy needs at least one segment: %w", ErrIllegalArgument)
	}

	scopeResult, err := s.kv.Get(ctx, keys.ScopeKeyPath(scope))
	if err != nil {
		return 0, fmt.Errorf("stream: get scope: %w", err)
	}
	if !scopeResult.Exists {
		return 0, ErrDataNotFound
	}

	status := StreamCreated
	marker := creationRecord{CreatedAt: createTimestamp}
	markerData, err := json.Marshal(marker)
	if err != nil {
		return 0, fmt.Errorf("stream: marshal creation marker: %w", err)
	}

	_, err = s.kv.Put(ctx, keys.StreamCreationKeyPath(scope, stream), markerData, kvstore.WithExpectedVersion(0))
	if errors.Is(err, kvstore.ErrVersionMismatch) {
		// A create for this stream began earlier (or concurrently).
		existing, err := s.kv.Get(ctx, keys.StreamCreationKeyPath(scope, stream))
		if err != nil {
			return 0, fmt.Errorf("stream: get creation marker: %w", err)
		}
		if !existing.Exists {
			// Deleted between our Put and Get; treat as a conflict.
			return 0, ErrWriteConflict
		}
		var prior creationRecord
		if err := json.Unmarshal(existing.Value, &prior); err != nil {
			return 0, fmt.Errorf("stream: unmarshal creation marker: %w", err)
		}

		stateResult, err := s.kv.Get(ctx, keys.StreamStateKeyPath(scope, stream))
		if err != nil {
			return 0, fmt.Errorf("stream: get state: %w", err)
		}
		if stateResult.Exists {
			var st stateRecord
			if err := json.Unmarshal(stateResult.Value, &st); err != nil {
				return 0, fmt.Errorf("stream: unmarshal state: %w", err)
			}
			if st.State == StateCreating {
				return StreamExistsCreating, nil
			}
			return StreamExistsActive, nil
		}

		// Partial create. Only the original request may complete it.
		if prior.CreatedAt != createTimestamp {
			return 0, ErrDataExists
		}
		// Resume with the stored configuration when it was already
		// written, so the remaining nodes match the first attempt.
		cfgResult, err := s.kv.Get(ctx, keys.StreamConfigKeyPath(scope, stream))
		if err != nil {
			return 0, fmt.Errorf("stream: get config: %w", err)
		}
		if cfgResult.Exists {
			var prop StreamProperty[StreamConfiguration]
			if err := json.Unmarshal(cfgResult.Value, &prop); err != nil {
				return 0, fmt.Errorf("stream: unmarshal config: %w", err)
			}
			cfg = prop.Value
		}
		status = StreamExistsCreating
	} else if err != nil {
		return 0, fmt.Errorf("stream: create stream marker: %w", err)
	}

	// Advance the scope record's version so a DeleteScope that checked
	// emptiness before the marker appeared fails its guarded delete.
	if err := s.fenceScope(ctx, scope, stream); err != nil {
		return 0, err
	}

	if err := s.materializeStream(ctx, scope, stream, cfg, createTimestamp); err != nil {
		return 0, err
	}

	if status == StreamCreated {
		s.events.StreamCreated(scope, stream)
	}
	return status, nil
}

// materializeStream writes every stream node after the creation marker.
// Each write is a conditional create that tolerates the node already
// existing, so an interrupted create can be resumed from any point.
func (s *Store) materializeStream(ctx context.Context, scope, stream string, cfg StreamConfiguration, createTimestamp int64) error {
	n := cfg.ScalingPolicy.MinSegments
	segmentIDs := make([]int64, n)
	segments := make([]Segment, n)
	for i := int32(0); i < n; i++ {
		segmentIDs[i] = NewSegmentID(0, i)
		segments[i] = Segment{
			ID:        segmentIDs[i],
			KeyStart:  float64(i) / float64(n),
			KeyEnd:    float64(i+1) / float64(n),
			CreatedAt: createTimestamp,
		}
	}

	type node struct {
		key   string
		value any
	}
	nodes := []node{
		{keys.StreamConfigKeyPath(scope, stream), StreamProperty[StreamConfiguration]{Value: cfg}},
		{keys.StreamTruncationKeyPath(scope, stream), StreamProperty[TruncationRecord]{Value: TruncationRecord{}}},
		{keys.StreamRetentionKeyPath(scope, stream), retentionSetRecord{}},
		{keys.StreamSealedSizesKeyPath(scope, stream), sealedSizesRecord{Sizes: map[int64]int64{}}},
	}
	for _, seg := range segments {
		nodes = append(nodes, node{keys.SegmentKeyPath(scope, stream, seg.ID), seg})
	}
	nodes = append(nodes,
		node{keys.HistoryKeyPath(scope, stream, 0), HistoryRecord{Epoch: 0, Segments: segmentIDs, CreatedAt: createTimestamp}},
		node{keys.TxnEpochKeyPath(scope, stream, 0), txnEpochRecord{Epoch: 0}},
		node{keys.StreamStateKeyPath(scope, stream), stateRecord{State: StateCreating}},
	)

	for _, node := range nodes {
		data, err := json.Marshal(node.value)
		if err != nil {
			return fmt.Errorf("stream: marshal %s: %w", node.key, err)
		}
		_, err = s.kv.Put(ctx, node.key, data, kvstore.WithExpectedVersion(0))
		if err != nil && !errors.Is(err, kvstore.ErrVersionMismatch) {
			return fmt.Errorf("stream: create %s: %w", node.key, err)
		}
	}
	return nil
}

// fenceScope rewrites the scope record in place to advance its
// version. A DeleteScope that validated emptiness before this stream's
// creation marker appeared holds a stale version afterwards and cannot
// commit its guarded delete. When the scope is already gone the
// partially created stream is unwound and ErrDataNotFound is returned.
func (s *Store) fenceScope(ctx context.Context, scope, stream string) error {
	for {
		result, err := s.kv.Get(ctx, keys.ScopeKeyPath(scope))
		if err != nil {
			return fmt.Errorf("stream: get scope: %w", err)
		}
		if !result.Exists {
			if err := s.removeStreamNodes(ctx, scope, stream); err != nil {
				return err
			}
			return ErrDataNotFound
		}
		_, err = s.kv.Put(ctx, keys.ScopeKeyPath(scope), result.Value, kvstore.WithExpectedVersion(result.Version))
		if errors.Is(err, kvstore.ErrVersionMismatch) {
			continue
		}
		if err != nil {
			return fmt.Errorf("stream: fence scope: %w", err)
		}
		return nil
	}
}

// CheckStreamExists reports whether a create for the stream has begun.
func (s *Store) CheckStreamExists(ctx context.Context, scope, stream string) (bool, error) {
	result, err := s.kv.Get(ctx, keys.StreamCreationKeyPath(scope, stream))
	if err != nil {
		return false, fmt.Errorf("stream: get creation marker: %w", err)
	}
	return result.Exists, nil
}

// ListStreamsInScope returns the streams of a scope with their current
// configuration. Returns ErrDataNotFound if the scope does not exist.
func (s *Store) ListStreamsInScope(ctx context.Context, scope string) (map[string]StreamConfiguration, error) {
	scopeResult, err := s.kv.Get(ctx, keys.ScopeKeyPath(scope))
	if err != nil {
		return nil, fmt.Errorf("stream: get scope: %w", err)
	}
	if !scopeResult.Exists {
		return nil, ErrDataNotFound
	}

	kvs, err := s.kv.List(ctx, keys.ScopeStreamsPrefix(scope), "", 0)
	if err != nil {
		return nil, fmt.Errorf("stream: list streams: %w", err)
	}

	streams := make(map[string]StreamConfiguration)
	for _, kv := range kvs {
		_, name, node, err := keys.ParseStreamKey(kv.Key)
		if err != nil || node != "config" {
			continue
		}
		var prop StreamProperty[StreamConfiguration]
		if err := json.Unmarshal(kv.Value, &prop); err != nil {
			continue
		}
		streams[name] = prop.Value
	}
	return streams, nil
}

// DeleteStream removes every node of a stream, including its retention
// bucket membership. Returns ErrDataNotFound if the stream does not
// exist.
func (s *Store) DeleteStream(ctx context.Context, scope, stream string) error {
	result, err := s.kv.Get(ctx, keys.StreamCreationKeyPath(scope, stream))
	if err != nil {
		return fmt.Errorf("stream: get creation marker: %w", err)
	}
	if !result.Exists {
		return ErrDataNotFound
	}

	if err := s.kv.Delete(ctx, keys.BucketStreamKeyPath(BucketForStream(s.buckets, scope, stream), scope, stream)); err != nil {
		return fmt.Errorf("stream: delete bucket membership: %w", err)
	}

	return s.removeStreamNodes(ctx, scope, stream)
}

// removeStreamNodes deletes every node under a stream's prefix. The
// creation marker goes last so an interrupted delete is retryable.
func (s *Store) removeStreamNodes(ctx context.Context, scope, stream string) error {
	markerKey := keys.StreamCreationKeyPath(scope, stream)
	kvs, err := s.kv.List(ctx, keys.StreamPrefix(scope, stream), "", 0)
	if err != nil {
		return fmt.Errorf("stream: list stream nodes: %w", err)
	}
	for _, kv := range kvs {
		if kv.Key == markerKey {
			continue
		}
		if err := s.kv.Delete(ctx, kv.Key); err != nil {
			return fmt.Errorf("stream: delete %s: %w", kv.Key, err)
		}
	}
	if err := s.kv.Delete(ctx, markerKey); err != nil {
		return fmt.Errorf("stream: delete creation marker: %w", err)
	}
	return nil
}

// GetSegment retrieves one segment record. Returns ErrDataNotFound if
// the segment does not exist.
func (s *Store) GetSegment(ctx context.Context, scope, stream string, segmentID int64) (*Segment, error) {
	result, err := s.kv.Get(ctx, keys.SegmentKeyPath(scope, stream, segmentID))
	if err != nil {
		return nil, fmt.Errorf("stream: get segment: %w", err)
	}
	if !result.Exists {
		return nil, ErrDataNotFound
	}

	var seg Segment
	if err := json.Unmarshal(result.Value, &seg); err != nil {
		return nil, fmt.Errorf("stream: unmarshal segment: %w", err)
	}
	return &seg, nil
}

// getSegments retrieves the segment records for a set of ids, in the
// given order.
func (s *Store) getSegments(ctx context.Context, scope, stream string, ids []int64) ([]Segment, error) {
	segments := make([]Segment, 0, len(ids))
	for _, id := range ids {
		seg, err := s.GetSegment(ctx, scope, stream, id)
		if err != nil {
			return nil, err
		}
		segments = append(segments, *seg)
	}
	return segments, nil
}

// listSegments returns the full segment table of a stream, ordered by
// segment id.
func (s *Store) listSegments(ctx context.Context, scope, stream string) ([]Segment, error) {
	kvs, err := s.kv.List(ctx, keys.SegmentsPrefix(scope, stream), "", 0)
	if err != nil {
		return nil, fmt.Errorf("stream: list segments: %w", err)
	}

	segments := make([]Segment, 0, len(kvs))
	for _, kv := range kvs {
		var seg Segment
		if err := json.Unmarshal(kv.Value, &seg); err != nil {
			return nil, fmt.Errorf("stream: unmarshal segment: %w", err)
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

// listHistory returns the full history table of a stream, ordered by
// epoch.
func (s *Store) listHistory(ctx context.Context, scope, stream string) ([]HistoryRecord, error) {
	kvs, err := s.kv.List(ctx, keys.HistoryPrefix(scope, stream), "", 0)
	if err != nil {
		return nil, fmt.Errorf("stream: list history: %w", err)
	}

	records := make([]HistoryRecord, 0, len(kvs))
	for _, kv := range kvs {
		var rec HistoryRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			return nil, fmt.Errorf("stream: unmarshal history record: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// tailHistory returns the latest history record. Its epoch is the
// stream's tail epoch. Returns ErrDataNotFound if the stream has no
// history (never created, or creation not yet materialized).
func (s *Store) tailHistory(ctx context.Context, scope, stream string) (*HistoryRecord, error) {
	records, err := s.listHistory(ctx, scope, stream)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrDataNotFound
	}
	return &records[len(records)-1], nil
}

// GetActiveEpoch returns the history record of the stream's tail epoch.
func (s *Store) GetActiveEpoch(ctx context.Context, scope, stream string) (*HistoryRecord, error) {
	return s.tailHistory(ctx, scope, stream)
}

// GetActiveSegments returns the segment records of the tail epoch. A
// SEALED stream has no active segments and returns an empty slice.
func (s *Store) GetActiveSegments(ctx context.Context, scope, stream string) ([]Segment, error) {
	state, err := s.GetState(ctx, scope, stream)
	if err != nil {
		return nil, err
	}
	if state == StateSealed {
		return []Segment{}, nil
	}

	tail, err := s.tailHistory(ctx, scope, stream)
	if err != nil {
		return nil, err
	}
	return s.getSegments(ctx, scope, stream, tail.Segments)
}

// GetActiveSegmentsAt returns the segment set captured by the latest
// history record with CreatedAt <= ts. A timestamp before stream
// creation returns an empty slice.
func (s *Store) GetActiveSegmentsAt(ctx context.Context, scope, stream string, ts int64) ([]Segment, error) {
	records, err := s.listHistory(ctx, scope, stream)
	if err != nil {
		return nil, err
	}

	var match *HistoryRecord
	for i := range records {
		if records[i].CreatedAt <= ts {
			match = &records[i]
		}
	}
	if match == nil {
		return []Segment{}, nil
	}
	return s.getSegments(ctx, scope, stream, match.Segments)
}

// GetSealedSize returns the final size of a sealed segment. Returns
// ErrDataNotFound if the segment is not sealed.
func (s *Store) GetSealedSize(ctx context.Context, scope, stream string, segmentID int64) (int64, error) {
	sizes, _, err := s.getSealedSizes(ctx, scope, stream)
	if err != nil {
		return 0, err
	}
	size, ok := sizes.Sizes[segmentID]
	if !ok {
		return 0, ErrDataNotFound
	}
	return size, nil
}

// getSealedSizes reads the sealed-sizes map and its version. A missing
// node (stream created before the map materialized) reads as empty with
// version 0, so the caller's conditional write doubles as a create.
func (s *Store) getSealedSizes(ctx context.Context, scope, stream string) (*sealedSizesRecord, kvstore.Version, error) {
	result, err := s.kv.Get(ctx, keys.StreamSealedSizesKeyPath(scope, stream))
	if err != nil {
		return nil, 0, fmt.Errorf("stream: get sealed sizes: %w", err)
	}
	if !result.Exists {
		return &sealedSizesRecord{Sizes: map[int64]int64{}}, 0, nil
	}

	var sizes sealedSizesRecord
	if err := json.Unmarshal(result.Value, &sizes); err != nil {
		return nil, 0, fmt.Errorf("stream: unmarshal sealed sizes: %w", err)
	}
	if sizes.Sizes == nil {
		sizes.Sizes = map[int64]int64{}
	}
	return &sizes, result.Version, nil
}
