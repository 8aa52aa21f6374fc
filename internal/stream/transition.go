package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/sluice-io/sluice/internal/keys"
	"github.com/sluice-io/sluice/internal/kvstore"
)

// computeEpochTransition derives a transition record for a requested
// scale from a snapshot of the history tail and the segment table. It
// is a pure function: identical inputs produce an identical record,
// which is what makes a retried startScale comparable against the
// stored record. Planned segment ids are fixed here; later protocol
// steps derive everything from the record, never from re-reading tables
// that may have grown.
func computeEpochTransition(tail *HistoryRecord, segments []Segment, sealedSegments []int64, newRanges []KeyRange, scaleTime int64) (*EpochTransitionRecord, error) {
	if len(sealedSegments) == 0 || len(newRanges) == 0 {
		return nil, fmt.Errorf("stream: scale needs segments to seal and replacement ranges: %w", ErrIllegalArgument)
	}
	for _, r := range newRanges {
		if r.Start < 0 || r.End > 1 || r.Start >= r.End {
			return nil, fmt.Errorf("stream: invalid key range [%v, %v): %w", r.Start, r.End, ErrIllegalArgument)
		}
	}

	sealed := sortedIDs(sealedSegments)

	active := make(map[int64]bool, len(tail.Segments))
	for _, id := range tail.Segments {
		active[id] = true
	}
	for _, id := range sealed {
		if !active[id] {
			return nil, fmt.Errorf("stream: segment %d is not in the active set: %w", id, ErrScalePrecondition)
		}
	}

	// The replacement ranges must tile exactly the key space the sealed
	// segments cover.
	byID := make(map[int64]Segment, len(segments))
	for _, seg := range segments {
		byID[seg.ID] = seg
	}
	sealedRanges := make([]KeyRange, 0, len(sealed))
	for _, id := range sealed {
		seg, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("stream: segment %d has no record: %w", id, ErrScalePrecondition)
		}
		sealedRanges = append(sealedRanges, KeyRange{Start: seg.KeyStart, End: seg.KeyEnd})
	}
	covered, err := mergeRanges(sealedRanges)
	if err != nil {
		return nil, err
	}
	replacement, err := mergeRanges(newRanges)
	if err != nil {
		return nil, err
	}
	if !equalRanges(covered, replacement) {
		return nil, fmt.Errorf("stream: replacement ranges do not tile the sealed key space: %w", ErrScalePrecondition)
	}

	// Creation numbers keep increasing across epochs, so new ids never
	// collide with any segment ever created.
	newEpoch := tail.Epoch + 1
	nextNumber := int32(0)
	for _, seg := range segments {
		if n := SegmentNumber(seg.ID); n >= nextNumber {
			nextNumber = n + 1
		}
	}

	ordered := append([]KeyRange(nil), newRanges...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Start < ordered[j].Start })

	newSegments := make([]Segment, len(ordered))
	for i, r := range ordered {
		newSegments[i] = Segment{
			ID:        NewSegmentID(newEpoch, nextNumber+int32(i)),
			KeyStart:  r.Start,
			KeyEnd:    r.End,
			CreatedAt: scaleTime,
		}
	}

	return &EpochTransitionRecord{
		ActiveEpoch:    tail.Epoch,
		NewEpoch:       newEpoch,
		SegmentsToSeal: sealed,
		NewSegments:    newSegments,
		ScaleTime:      scaleTime,
	}, nil
}

// mergeRanges sorts ranges by start and coalesces adjacent ones into
// maximal contiguous intervals. Overlapping ranges are malformed.
func mergeRanges(ranges []KeyRange) ([]KeyRange, error) {
	sorted := append([]KeyRange(nil), ranges...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	var merged []KeyRange
	for _, r := range sorted {
		if len(merged) > 0 {
			last := &merged[len(merged)-1]
			if r.Start < last.End {
				return nil, fmt.Errorf("stream: overlapping key ranges: %w", ErrIllegalArgument)
			}
			if r.Start == last.End {
				last.End = r.End
				continue
			}
		}
		merged = append(merged, r)
	}
	return merged, nil
}

func equalRanges(a, b []KeyRange) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// sortedIDs returns a sorted copy of ids with duplicates removed.
func sortedIDs(ids []int64) []int64 {
	out := append([]int64(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	n := 0
	for i, id := range out {
		if i == 0 || id != out[i-1] {
			out[n] = id
			n++
		}
	}
	return out[:n]
}

// equalIDs reports whether two sorted id slices are equal.
func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// requestMatchesRecord reports whether a startScale request describes
// the same scale as the stored record: the same sealed set and the same
// replacement ranges in key order.
func requestMatchesRecord(record *EpochTransitionRecord, sealedSegments []int64, newRanges []KeyRange) bool {
	if !equalIDs(record.SegmentsToSeal, sortedIDs(sealedSegments)) {
		return false
	}
	ordered := append([]KeyRange(nil), newRanges...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Start < ordered[j].Start })
	if len(ordered) != len(record.NewSegments) {
		return false
	}
	for i, r := range ordered {
		if record.NewSegments[i].KeyStart != r.Start || record.NewSegments[i].KeyEnd != r.End {
			return false
		}
	}
	return true
}

// postScaleSet returns the segment set a transition record plans for
// its new epoch: the active epoch's set minus the sealed segments plus
// the new segment ids, sorted.
func postScaleSet(activeSet []int64, record *EpochTransitionRecord) []int64 {
	sealed := make(map[int64]bool, len(record.SegmentsToSeal))
	for _, id := range record.SegmentsToSeal {
		sealed[id] = true
	}
	out := make([]int64, 0, len(activeSet)+len(record.NewSegments))
	for _, id := range activeSet {
		if !sealed[id] {
			out = append(out, id)
		}
	}
	for _, seg := range record.NewSegments {
		out = append(out, seg.ID)
	}
	return sortedIDs(out)
}

// getEpochTransition reads the in-flight transition record, if any.
func (s *Store) getEpochTransition(ctx context.Context, scope, stream string) (*EpochTransitionRecord, kvstore.Version, bool, error) {
	result, err := s.kv.Get(ctx, keys.EpochTransitionKeyPath(scope, stream))
	if err != nil {
		return nil, 0, false, fmt.Errorf("stream: get epoch transition: %w", err)
	}
	if !result.Exists {
		return nil, 0, false, nil
	}

	var record EpochTransitionRecord
	if err := json.Unmarshal(result.Value, &record); err != nil {
		return nil, 0, false, fmt.Errorf("stream: unmarshal epoch transition: %w", err)
	}
	return &record, result.Version, true, nil
}

// getHistoryRecord reads one epoch's history record.
func (s *Store) getHistoryRecord(ctx context.Context, scope, stream string, epoch int32) (*HistoryRecord, error) {
	result, err := s.kv.Get(ctx, keys.HistoryKeyPath(scope, stream, epoch))
	if err != nil {
		return nil, fmt.Errorf("stream: get history record: %w", err)
	}
	if !result.Exists {
		return nil, ErrDataNotFound
	}

	var rec HistoryRecord
	if err := json.Unmarshal(result.Value, &rec); err != nil {
		return nil, fmt.Errorf("stream: unmarshal history record: %w", err)
	}
	return &rec, nil
}

// isTransitionConsistent reports whether a stored transition record
// still corresponds to the stream's epoch state. It holds either before
// history advances (the record's active epoch is the tail) or after
// this same scale published its epoch (the tail is the record's new
// epoch and carries exactly the planned set). Anything else means a
// different scale completed in between, leaving the record stale.
func (s *Store) isTransitionConsistent(ctx context.Context, scope, stream string, record *EpochTransitionRecord, tail *HistoryRecord) (bool, error) {
	if record.ActiveEpoch == tail.Epoch {
		return true, nil
	}
	if record.NewEpoch != tail.Epoch {
		return false, nil
	}
	prior, err := s.getHistoryRecord(ctx, scope, stream, record.ActiveEpoch)
	if errors.Is(err, ErrDataNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return equalIDs(sortedIDs(tail.Segments), postScaleSet(prior.Segments, record)), nil
}
