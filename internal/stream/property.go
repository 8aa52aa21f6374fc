package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sluice-io/sluice/internal/keys"
	"github.com/sluice-io/sluice/internal/kvstore"
)

// getProperty reads a two-phase property node.
func getProperty[T any](ctx context.Context, s *Store, key string) (*StreamProperty[T], kvstore.Version, error) {
	result, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, 0, fmt.Errorf("stream: get property: %w", err)
	}
	if !result.Exists {
		return nil, 0, ErrDataNotFound
	}

	var prop StreamProperty[T]
	if err := json.Unmarshal(result.Value, &prop); err != nil {
		return nil, 0, fmt.Errorf("stream: unmarshal property: %w", err)
	}
	return &prop, result.Version, nil
}

// startPropertyUpdate stages a new value for a two-phase property.
// Returns false, with nothing changed, when another update is already
// in flight; that is a signal to retry later, not an error.
func startPropertyUpdate[T any](ctx context.Context, s *Store, key string, value T) (bool, error) {
	prop, version, err := getProperty[T](ctx, s, key)
	if err != nil {
		return false, err
	}
	if prop.Updating {
		return false, nil
	}

	prop.Pending = &value
	prop.Updating = true
	data, err := json.Marshal(prop)
	if err != nil {
		return false, fmt.Errorf("stream: marshal property: %w", err)
	}
	_, err = s.kv.Put(ctx, key, data, kvstore.WithExpectedVersion(version))
	if errors.Is(err, kvstore.ErrVersionMismatch) {
		return false, ErrWriteConflict
	}
	if err != nil {
		return false, fmt.Errorf("stream: stage property update: %w", err)
	}
	return true, nil
}

// completePropertyUpdate promotes the staged value of a two-phase
// property to committed. Calling it with no update in flight is a
// no-op.
func completePropertyUpdate[T any](ctx context.Context, s *Store, key string) error {
	prop, version, err := getProperty[T](ctx, s, key)
	if err != nil {
		return err
	}
	if !prop.Updating {
		return nil
	}

	if prop.Pending != nil {
		prop.Value = *prop.Pending
	}
	prop.Pending = nil
	prop.Updating = false
	data, err := json.Marshal(prop)
	if err != nil {
		return fmt.Errorf("stream: marshal property: %w", err)
	}
	_, err = s.kv.Put(ctx, key, data, kvstore.WithExpectedVersion(version))
	if errors.Is(err, kvstore.ErrVersionMismatch) {
		return ErrWriteConflict
	}
	if err != nil {
		return fmt.Errorf("stream: complete property update: %w", err)
	}
	return nil
}

// StartUpdateConfiguration stages a configuration change. Returns false
// when another configuration update is already in flight.
func (s *Store) StartUpdateConfiguration(ctx context.Context, scope, stream string, cfg StreamConfiguration) (bool, error) {
	if cfg.ScalingPolicy.MinSegments < 1 {
		return false, fmt.Errorf("stream: scaling policy needs at least one segment: %w", ErrIllegalArgument)
	}
	return startPropertyUpdate(ctx, s, keys.StreamConfigKeyPath(scope, stream), cfg)
}

// CompleteUpdateConfiguration promotes a staged configuration change.
// Idempotent when no update is pending.
func (s *Store) CompleteUpdateConfiguration(ctx context.Context, scope, stream string) error {
	return completePropertyUpdate[StreamConfiguration](ctx, s, keys.StreamConfigKeyPath(scope, stream))
}

// GetConfiguration returns the committed stream configuration.
func (s *Store) GetConfiguration(ctx context.Context, scope, stream string) (*StreamConfiguration, error) {
	prop, _, err := getProperty[StreamConfiguration](ctx, s, keys.StreamConfigKeyPath(scope, stream))
	if err != nil {
		return nil, err
	}
	return &prop.Value, nil
}

// GetConfigurationProperty returns the configuration together with its
// two-phase update bookkeeping.
func (s *Store) GetConfigurationProperty(ctx context.Context, scope, stream string) (*StreamProperty[StreamConfiguration], error) {
	prop, _, err := getProperty[StreamConfiguration](ctx, s, keys.StreamConfigKeyPath(scope, stream))
	return prop, err
}

// StartTruncation stages a truncation at the given stream cut. Every
// cut segment must exist; the staged record carries each segment's
// creating epoch so later consumers can reason about the cut without
// the segment table, and the ids of the segments the cut has completely
// passed (minus any already deleted) as its to-delete set. Returns
// false when another truncation is already in flight.
func (s *Store) StartTruncation(ctx context.Context, scope, stream string, streamCut map[int64]int64) (bool, error) {
	if len(streamCut) == 0 {
		return false, fmt.Errorf("stream: empty stream cut: %w", ErrIllegalArgument)
	}

	key := keys.StreamTruncationKeyPath(scope, stream)
	prop, version, err := getProperty[TruncationRecord](ctx, s, key)
	if err != nil {
		return false, err
	}
	if prop.Updating {
		return false, nil
	}

	segments, err := s.listSegments(ctx, scope, stream)
	if err != nil {
		return false, err
	}
	byID := make(map[int64]Segment, len(segments))
	for _, seg := range segments {
		byID[seg.ID] = seg
	}

	cutEpochMap := make(map[int64]int32, len(streamCut))
	cutSegments := make([]Segment, 0, len(streamCut))
	for id := range streamCut {
		seg, ok := byID[id]
		if !ok {
			return false, fmt.Errorf("stream: cut references unknown segment %d: %w", id, ErrDataNotFound)
		}
		cutEpochMap[id] = SegmentEpoch(id)
		cutSegments = append(cutSegments, seg)
	}

	deleted := make(map[int64]bool, len(prop.Value.DeletedSegments))
	for _, id := range prop.Value.DeletedSegments {
		deleted[id] = true
	}
	var toDelete []int64
	for _, seg := range segments {
		if _, inCut := streamCut[seg.ID]; inCut {
			continue
		}
		if deleted[seg.ID] || !cutPassesSegment(seg, cutSegments) {
			continue
		}
		toDelete = append(toDelete, seg.ID)
	}

	record := TruncationRecord{
		StreamCut:       streamCut,
		CutEpochMap:     cutEpochMap,
		DeletedSegments: prop.Value.DeletedSegments,
		ToDelete:        toDelete,
	}
	prop.Pending = &record
	prop.Updating = true
	data, err := json.Marshal(prop)
	if err != nil {
		return false, fmt.Errorf("stream: marshal property: %w", err)
	}
	_, err = s.kv.Put(ctx, key, data, kvstore.WithExpectedVersion(version))
	if errors.Is(err, kvstore.ErrVersionMismatch) {
		return false, ErrWriteConflict
	}
	if err != nil {
		return false, fmt.Errorf("stream: stage property update: %w", err)
	}
	return true, nil
}

// CompleteTruncation promotes a staged truncation, folding its
// to-delete set into the record's deleted segments. Idempotent when no
// truncation is pending.
func (s *Store) CompleteTruncation(ctx context.Context, scope, stream string) error {
	key := keys.StreamTruncationKeyPath(scope, stream)
	prop, version, err := getProperty[TruncationRecord](ctx, s, key)
	if err != nil {
		return err
	}
	if !prop.Updating {
		return nil
	}

	if prop.Pending != nil {
		record := *prop.Pending
		record.DeletedSegments = append(record.DeletedSegments, record.ToDelete...)
		record.ToDelete = nil
		prop.Value = record
	}
	prop.Pending = nil
	prop.Updating = false
	data, err := json.Marshal(prop)
	if err != nil {
		return fmt.Errorf("stream: marshal property: %w", err)
	}
	_, err = s.kv.Put(ctx, key, data, kvstore.WithExpectedVersion(version))
	if errors.Is(err, kvstore.ErrVersionMismatch) {
		return ErrWriteConflict
	}
	if err != nil {
		return fmt.Errorf("stream: complete property update: %w", err)
	}
	return nil
}

// GetTruncationRecord returns the truncation position together with its
// two-phase update bookkeeping. A never-truncated stream holds the
// empty record.
func (s *Store) GetTruncationRecord(ctx context.Context, scope, stream string) (*StreamProperty[TruncationRecord], error) {
	prop, _, err := getProperty[TruncationRecord](ctx, s, keys.StreamTruncationKeyPath(scope, stream))
	return prop, err
}
