package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sluice-io/sluice/internal/keys"
	"github.com/sluice-io/sluice/internal/kvstore"
)

// StartScaleResult is the outcome of StartScale: the segments the scale
// will create and the epoch the transition starts from.
type StartScaleResult struct {
	Segments    []Segment
	ActiveEpoch int32
}

// StartScale begins a scale that seals sealedSegments and replaces them
// with segments covering newRanges. It computes the transition record
// from the current history and segment tables and installs it with a
// conditional create; the record's existence is the arbiter between
// concurrent scales.
//
// Retrying with identical arguments returns the identical result at any
// point while the transition is in flight, including after later steps
// advanced the history tail. A request that no longer corresponds to a
// valid transition (for instance, arriving after the scale it retried
// already completed) fails with ErrScalePrecondition. A different scale
// in flight fails with ErrScaleConflict; a stored record that no longer
// matches the stream's epoch state is deleted and also fails with
// ErrScaleConflict. With runOnlyIfStarted set, StartScale refuses to
// install a new record unless the stream is already SCALING, failing
// with ErrScaleNotStarted.
func (s *Store) StartScale(ctx context.Context, scope, stream string, sealedSegments []int64, newRanges []KeyRange, scaleTime int64, runOnlyIfStarted bool) (*StartScaleResult, error) {
	state, err := s.GetState(ctx, scope, stream)
	if err != nil {
		return nil, err
	}
	if state != StateActive && state != StateScaling {
		return nil, fmt.Errorf("stream: cannot scale in state %s: %w", state, ErrIllegalState)
	}

	tail, err := s.tailHistory(ctx, scope, stream)
	if err != nil {
		return nil, err
	}

	record, version, exists, err := s.getEpochTransition(ctx, scope, stream)
	if err != nil {
		return nil, err
	}
	if exists {
		return s.resolveExistingTransition(ctx, scope, stream, record, version, tail, sealedSegments, newRanges)
	}

	if runOnlyIfStarted && state != StateScaling {
		return nil, ErrScaleNotStarted
	}

	segments, err := s.listSegments(ctx, scope, stream)
	if err != nil {
		return nil, err
	}
	candidate, err := computeEpochTransition(tail, segments, sealedSegments, newRanges, scaleTime)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(candidate)
	if err != nil {
		return nil, fmt.Errorf("stream: marshal epoch transition: %w", err)
	}
	_, err = s.kv.Put(ctx, keys.EpochTransitionKeyPath(scope, stream), data, kvstore.WithExpectedVersion(0))
	if errors.Is(err, kvstore.ErrVersionMismatch) {
		// Lost the create to a concurrent StartScale; resolve against
		// whatever won.
		record, version, exists, err = s.getEpochTransition(ctx, scope, stream)
		if err != nil {
			return nil, err
		}
		if !exists {
			s.events.ScaleConflict(scope, stream)
			return nil, ErrScaleConflict
		}
		return s.resolveExistingTransition(ctx, scope, stream, record, version, tail, sealedSegments, newRanges)
	}
	if err != nil {
		return nil, fmt.Errorf("stream: create epoch transition: %w", err)
	}

	s.events.ScaleStarted(scope, stream)
	return &StartScaleResult{Segments: candidate.NewSegments, ActiveEpoch: candidate.ActiveEpoch}, nil
}

// resolveExistingTransition decides what an installed transition record
// means for a StartScale request: the idempotent result when the record
// describes this very request and still matches the stream's epoch
// state, conflict otherwise. Stale records are deleted on the way out.
func (s *Store) resolveExistingTransition(ctx context.Context, scope, stream string, record *EpochTransitionRecord, version kvstore.Version, tail *HistoryRecord, sealedSegments []int64, newRanges []KeyRange) (*StartScaleResult, error) {
	consistent, err := s.isTransitionConsistent(ctx, scope, stream, record, tail)
	if err != nil {
		return nil, err
	}
	if !consistent {
		err := s.kv.Delete(ctx, keys.EpochTransitionKeyPath(scope, stream), kvstore.WithDeleteExpectedVersion(version))
		if err != nil && !errors.Is(err, kvstore.ErrVersionMismatch) {
			return nil, fmt.Errorf("stream: delete stale epoch transition: %w", err)
		}
		s.events.ScaleConflict(scope, stream)
		return nil, ErrScaleConflict
	}
	if !requestMatchesRecord(record, sealedSegments, newRanges) {
		s.events.ScaleConflict(scope, stream)
		return nil, ErrScaleConflict
	}
	return &StartScaleResult{Segments: record.NewSegments, ActiveEpoch: record.ActiveEpoch}, nil
}

// ScaleCreateNewSegments appends the in-flight transition's new segment
// records to the segment table. The append is idempotent: a segment
// that already exists with the planned content is skipped, one with
// different content fails with ErrWriteConflict.
//
// If the stored record no longer matches the stream's epoch state, the
// record is cleared, a SCALING stream is reset to ACTIVE, and the call
// fails with ErrIllegalArgument. With no scale in flight the call fails
// with ErrIllegalState.
func (s *Store) ScaleCreateNewSegments(ctx context.Context, scope, stream string) error {
	record, version, exists, err := s.getEpochTransition(ctx, scope, stream)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("stream: no scale in flight: %w", ErrIllegalState)
	}

	tail, err := s.tailHistory(ctx, scope, stream)
	if err != nil {
		return err
	}
	consistent, err := s.isTransitionConsistent(ctx, scope, stream, record, tail)
	if err != nil {
		return err
	}
	if !consistent {
		if err := s.clearStaleTransition(ctx, scope, stream, version); err != nil {
			return err
		}
		s.events.ScaleConflict(scope, stream)
		return fmt.Errorf("stream: epoch transition is stale: %w", ErrIllegalArgument)
	}

	for _, seg := range record.NewSegments {
		data, err := json.Marshal(seg)
		if err != nil {
			return fmt.Errorf("stream: marshal segment: %w", err)
		}
		_, err = s.kv.Put(ctx, keys.SegmentKeyPath(scope, stream, seg.ID), data, kvstore.WithExpectedVersion(0))
		if errors.Is(err, kvstore.ErrVersionMismatch) {
			existing, err := s.GetSegment(ctx, scope, stream, seg.ID)
			if err != nil {
				return err
			}
			if *existing != seg {
				return fmt.Errorf("stream: segment %d exists with different content: %w", seg.ID, ErrWriteConflict)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("stream: create segment: %w", err)
		}
	}
	return nil
}

// clearStaleTransition removes a transition record that no longer
// matches the stream's epoch state and moves a SCALING stream back to
// ACTIVE so a fresh scale can start.
func (s *Store) clearStaleTransition(ctx context.Context, scope, stream string, version kvstore.Version) error {
	err := s.kv.Delete(ctx, keys.EpochTransitionKeyPath(scope, stream), kvstore.WithDeleteExpectedVersion(version))
	if err != nil && !errors.Is(err, kvstore.ErrVersionMismatch) {
		return fmt.Errorf("stream: delete stale epoch transition: %w", err)
	}

	state, err := s.GetState(ctx, scope, stream)
	if err != nil {
		return err
	}
	if state == StateScaling {
		err := s.SetState(ctx, scope, stream, StateActive)
		// A concurrent state change is fine; the record is gone either way.
		if err != nil && !errors.Is(err, ErrWriteConflict) {
			return err
		}
	}
	return nil
}

// ScaleNewSegmentsCreated publishes the in-flight transition's new
// epoch: it creates the epoch's transaction counter (so transactions
// can pin the new epoch immediately) and then appends the history
// record carrying the post-scale segment set. Appending is idempotent:
// if the epoch's history record already exists with the planned
// content, the call is a no-op. With no scale in flight the call fails
// with ErrIllegalState.
func (s *Store) ScaleNewSegmentsCreated(ctx context.Context, scope, stream string) error {
	record, _, exists, err := s.getEpochTransition(ctx, scope, stream)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("stream: no scale in flight: %w", ErrIllegalState)
	}

	// Counter before history: the moment the history record lands,
	// createTransaction may pick the new epoch and must find its counter.
	counterData, err := json.Marshal(txnEpochRecord{Epoch: record.NewEpoch})
	if err != nil {
		return fmt.Errorf("stream: marshal txn epoch counter: %w", err)
	}
	_, err = s.kv.Put(ctx, keys.TxnEpochKeyPath(scope, stream, record.NewEpoch), counterData, kvstore.WithExpectedVersion(0))
	if err != nil && !errors.Is(err, kvstore.ErrVersionMismatch) {
		return fmt.Errorf("stream: create txn epoch counter: %w", err)
	}

	prior, err := s.getHistoryRecord(ctx, scope, stream, record.ActiveEpoch)
	if err != nil {
		return err
	}
	next := HistoryRecord{
		Epoch:     record.NewEpoch,
		Segments:  postScaleSet(prior.Segments, record),
		CreatedAt: record.ScaleTime,
	}
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("stream: marshal history record: %w", err)
	}
	_, err = s.kv.Put(ctx, keys.HistoryKeyPath(scope, stream, next.Epoch), data, kvstore.WithExpectedVersion(0))
	if errors.Is(err, kvstore.ErrVersionMismatch) {
		existing, err := s.getHistoryRecord(ctx, scope, stream, next.Epoch)
		if err != nil {
			return err
		}
		if existing.CreatedAt != next.CreatedAt || !equalIDs(sortedIDs(existing.Segments), next.Segments) {
			return fmt.Errorf("stream: history record for epoch %d exists with different content: %w", next.Epoch, ErrWriteConflict)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("stream: create history record: %w", err)
	}
	return nil
}

// ScaleSegmentsSealed completes the in-flight scale: it records the
// final offsets of the sealed segments (both in the sealed-sizes map
// and on the segment records), then deletes the transition record,
// committing the new epoch. The offsets map's key set must equal the
// record's segmentsToSeal. Once the record is gone, every scale step
// including this one fails with ErrIllegalState.
func (s *Store) ScaleSegmentsSealed(ctx context.Context, scope, stream string, sealedOffsets map[int64]int64) error {
	record, version, exists, err := s.getEpochTransition(ctx, scope, stream)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("stream: no scale in flight: %w", ErrIllegalState)
	}

	if len(sealedOffsets) != len(record.SegmentsToSeal) {
		return fmt.Errorf("stream: sealed offsets do not cover the segments to seal: %w", ErrIllegalArgument)
	}
	for _, id := range record.SegmentsToSeal {
		offset, ok := sealedOffsets[id]
		if !ok {
			return fmt.Errorf("stream: missing sealed offset for segment %d: %w", id, ErrIllegalArgument)
		}
		if offset < 0 {
			return fmt.Errorf("stream: negative sealed offset for segment %d: %w", id, ErrIllegalArgument)
		}
	}

	tail, err := s.tailHistory(ctx, scope, stream)
	if err != nil {
		return err
	}
	if tail.Epoch != record.NewEpoch {
		return fmt.Errorf("stream: epoch %d not yet published: %w", record.NewEpoch, ErrIllegalState)
	}

	sizes, sizesVersion, err := s.getSealedSizes(ctx, scope, stream)
	if err != nil {
		return err
	}
	for id, offset := range sealedOffsets {
		sizes.Sizes[id] = offset
	}
	sizesData, err := json.Marshal(sizes)
	if err != nil {
		return fmt.Errorf("stream: marshal sealed sizes: %w", err)
	}
	_, err = s.kv.Put(ctx, keys.StreamSealedSizesKeyPath(scope, stream), sizesData, kvstore.WithExpectedVersion(sizesVersion))
	if errors.Is(err, kvstore.ErrVersionMismatch) {
		return ErrWriteConflict
	}
	if err != nil {
		return fmt.Errorf("stream: update sealed sizes: %w", err)
	}

	for _, id := range record.SegmentsToSeal {
		if err := s.sealSegment(ctx, scope, stream, id, sealedOffsets[id]); err != nil {
			return err
		}
	}

	err = s.kv.Delete(ctx, keys.EpochTransitionKeyPath(scope, stream), kvstore.WithDeleteExpectedVersion(version))
	if errors.Is(err, kvstore.ErrVersionMismatch) {
		return ErrWriteConflict
	}
	if err != nil {
		return fmt.Errorf("stream: delete epoch transition: %w", err)
	}

	s.events.ScaleCompleted(scope, stream)
	return nil
}

// sealSegment marks one segment record sealed at the given offset.
// Sealing again at the same offset is a no-op; a different offset fails
// with ErrWriteConflict.
func (s *Store) sealSegment(ctx context.Context, scope, stream string, segmentID, offset int64) error {
	key := keys.SegmentKeyPath(scope, stream, segmentID)
	result, err := s.kv.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("stream: get segment: %w", err)
	}
	if !result.Exists {
		return ErrDataNotFound
	}

	var seg Segment
	if err := json.Unmarshal(result.Value, &seg); err != nil {
		return fmt.Errorf("stream: unmarshal segment: %w", err)
	}
	if seg.Sealed {
		if seg.SealedSize != offset {
			return fmt.Errorf("stream: segment %d already sealed at %d: %w", segmentID, seg.SealedSize, ErrWriteConflict)
		}
		return nil
	}

	seg.Sealed = true
	seg.SealedSize = offset
	data, err := json.Marshal(seg)
	if err != nil {
		return fmt.Errorf("stream: marshal segment: %w", err)
	}
	_, err = s.kv.Put(ctx, key, data, kvstore.WithExpectedVersion(result.Version))
	if errors.Is(err, kvstore.ErrVersionMismatch) {
		return ErrWriteConflict
	}
	if err != nil {
		return fmt.Errorf("stream: seal segment: %w", err)
	}
	return nil
}
