package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sluice-io/sluice/internal/keys"
	"github.com/sluice-io/sluice/internal/kvstore"
)

// getRetentionSet reads the retention set and its version. A missing
// node reads as empty with version 0, so the caller's conditional write
// doubles as a create.
func (s *Store) getRetentionSet(ctx context.Context, scope, stream string) (*retentionSetRecord, kvstore.Version, error) {
	result, err := s.kv.Get(ctx, keys.StreamRetentionKeyPath(scope, stream))
	if err != nil {
		return nil, 0, fmt.Errorf("stream: get retention set: %w", err)
	}
	if !result.Exists {
		return &retentionSetRecord{}, 0, nil
	}

	var set retentionSetRecord
	if err := json.Unmarshal(result.Value, &set); err != nil {
		return nil, 0, fmt.Errorf("stream: unmarshal retention set: %w", err)
	}
	return &set, result.Version, nil
}

func (s *Store) putRetentionSet(ctx context.Context, scope, stream string, set *retentionSetRecord, version kvstore.Version) error {
	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("stream: marshal retention set: %w", err)
	}
	_, err = s.kv.Put(ctx, keys.StreamRetentionKeyPath(scope, stream), data, kvstore.WithExpectedVersion(version))
	if errors.Is(err, kvstore.ErrVersionMismatch) {
		return ErrWriteConflict
	}
	if err != nil {
		return fmt.Errorf("stream: put retention set: %w", err)
	}
	return nil
}

// AddStreamCutToRetentionSet remembers a stream cut. The set stays
// ordered by recording time, with ties keeping insertion order. Adding
// a cut that is already present (same recording time and same cut map)
// is a no-op.
func (s *Store) AddStreamCutToRetentionSet(ctx context.Context, scope, stream string, cut StreamCutRecord) error {
	set, version, err := s.getRetentionSet(ctx, scope, stream)
	if err != nil {
		return err
	}

	insertAt := len(set.Cuts)
	for i, existing := range set.Cuts {
		if existing.RecordingTime == cut.RecordingTime && equalCuts(existing.StreamCut, cut.StreamCut) {
			return nil
		}
		if existing.RecordingTime > cut.RecordingTime {
			insertAt = i
			break
		}
	}

	set.Cuts = append(set.Cuts, StreamCutRecord{})
	copy(set.Cuts[insertAt+1:], set.Cuts[insertAt:])
	set.Cuts[insertAt] = cut

	if err := s.putRetentionSet(ctx, scope, stream, set, version); err != nil {
		return err
	}
	s.events.StreamCutRecorded(scope, stream)
	return nil
}

// GetStreamCutsFromRetentionSet returns the remembered stream cuts,
// ordered by recording time.
func (s *Store) GetStreamCutsFromRetentionSet(ctx context.Context, scope, stream string) ([]StreamCutRecord, error) {
	set, _, err := s.getRetentionSet(ctx, scope, stream)
	if err != nil {
		return nil, err
	}
	return set.Cuts, nil
}

// DeleteStreamCutBefore removes every remembered cut with a recording
// time at or before the given cut's, the given cut included.
func (s *Store) DeleteStreamCutBefore(ctx context.Context, scope, stream string, cut StreamCutRecord) error {
	set, version, err := s.getRetentionSet(ctx, scope, stream)
	if err != nil {
		return err
	}

	kept := set.Cuts[:0]
	for _, existing := range set.Cuts {
		if existing.RecordingTime > cut.RecordingTime {
			kept = append(kept, existing)
		}
	}
	removed := len(set.Cuts) - len(kept)
	if removed == 0 {
		return nil
	}
	set.Cuts = kept

	if err := s.putRetentionSet(ctx, scope, stream, set, version); err != nil {
		return err
	}
	s.events.StreamCutsTrimmed(scope, stream, removed)
	return nil
}

func equalCuts(a, b map[int64]int64) bool {
	if len(a) != len(b) {
		return false
	}
	for id, offset := range a {
		other, ok := b[id]
		if !ok || other != offset {
			return false
		}
	}
	return true
}

// GetSizeTillStreamCut returns the total number of bytes the stream
// holds up to the given cut: the cut's own per-segment offsets plus the
// full sealed size of every segment the cut has completely passed. A
// segment is completely passed when every cut segment overlapping its
// key range belongs to a strictly later epoch. The result is monotonic
// in the cut: componentwise-larger cuts never report a smaller size.
func (s *Store) GetSizeTillStreamCut(ctx context.Context, scope, stream string, cut map[int64]int64) (int64, error) {
	if len(cut) == 0 {
		return 0, fmt.Errorf("stream: empty stream cut: %w", ErrIllegalArgument)
	}

	segments, err := s.listSegments(ctx, scope, stream)
	if err != nil {
		return 0, err
	}
	byID := make(map[int64]Segment, len(segments))
	for _, seg := range segments {
		byID[seg.ID] = seg
	}

	var size int64
	cutSegments := make([]Segment, 0, len(cut))
	for id, offset := range cut {
		seg, ok := byID[id]
		if !ok {
			return 0, fmt.Errorf("stream: cut references unknown segment %d: %w", id, ErrDataNotFound)
		}
		cutSegments = append(cutSegments, seg)
		size += offset
	}

	sizes, _, err := s.getSealedSizes(ctx, scope, stream)
	if err != nil {
		return 0, err
	}

	for _, seg := range segments {
		if _, inCut := cut[seg.ID]; inCut {
			continue
		}
		if !cutPassesSegment(seg, cutSegments) {
			continue
		}
		sealedSize, ok := sizes.Sizes[seg.ID]
		if !ok {
			return 0, fmt.Errorf("stream: passed segment %d has no sealed size: %w", seg.ID, ErrDataNotFound)
		}
		size += sealedSize
	}
	return size, nil
}
