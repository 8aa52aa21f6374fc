package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sluice-io/sluice/internal/keys"
	"github.com/sluice-io/sluice/internal/kvstore"
)

// maxCounterAttempts bounds the internal retry loops around the
// open-transaction counters. The counters are internal bookkeeping, so
// absorbing a lost race here does not weaken the caller-visible
// conflict model.
const maxCounterAttempts = 5

// CreateTransaction opens a transaction pinned to the stream's current
// active epoch (the history tail at call time). The epoch's
// open-transaction counter is incremented before the record is written;
// the counter's version is what fences epoch garbage collection. If the
// counter vanishes mid-flight (the epoch was collected), the call
// re-reads the new active epoch and retries a bounded number of times.
func (s *Store) CreateTransaction(ctx context.Context, scope, stream string, lease, maxExecTime time.Duration) (*VersionedTransactionData, error) {
	if lease <= 0 || maxExecTime <= 0 {
		return nil, fmt.Errorf("stream: lease and max execution time must be positive: %w", ErrIllegalArgument)
	}

	state, err := s.GetState(ctx, scope, stream)
	if err != nil {
		return nil, err
	}
	if state == StateSealing || state == StateSealed {
		return nil, fmt.Errorf("stream: cannot create transaction in state %s: %w", state, ErrIllegalState)
	}

	txnID := uuid.New()
	for attempt := 0; attempt < maxCounterAttempts; attempt++ {
		tail, err := s.tailHistory(ctx, scope, stream)
		if err != nil {
			return nil, err
		}
		epoch := tail.Epoch

		counterKey := keys.TxnEpochKeyPath(scope, stream, epoch)
		result, err := s.kv.Get(ctx, counterKey)
		if err != nil {
			return nil, fmt.Errorf("stream: get txn epoch counter: %w", err)
		}
		if !result.Exists {
			// The epoch was collected under us; the tail must have moved.
			continue
		}
		var counter txnEpochRecord
		if err := json.Unmarshal(result.Value, &counter); err != nil {
			return nil, fmt.Errorf("stream: unmarshal txn epoch counter: %w", err)
		}
		counter.OpenCount++
		counterData, err := json.Marshal(counter)
		if err != nil {
			return nil, fmt.Errorf("stream: marshal txn epoch counter: %w", err)
		}
		_, err = s.kv.Put(ctx, counterKey, counterData, kvstore.WithExpectedVersion(result.Version))
		if errors.Is(err, kvstore.ErrVersionMismatch) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("stream: increment txn epoch counter: %w", err)
		}

		now := time.Now().UnixMilli()
		record := ActiveTxnRecord{
			TxnID:         txnID,
			Epoch:         epoch,
			Status:        TxnStatusOpen,
			CreateTime:    now,
			LeaseExpiry:   now + lease.Milliseconds(),
			MaxExecExpiry: now + maxExecTime.Milliseconds(),
		}
		recordData, err := json.Marshal(record)
		if err != nil {
			return nil, fmt.Errorf("stream: marshal transaction: %w", err)
		}
		version, createErr := s.kv.Put(ctx, keys.ActiveTxnKeyPath(scope, stream, txnID.String()), recordData, kvstore.WithExpectedVersion(0))
		if createErr != nil {
			// The record never materialized; release the counter slot.
			if err := s.decrementTxnEpochCounter(ctx, scope, stream, epoch); err != nil {
				return nil, fmt.Errorf("stream: release txn counter after failed create: %w", err)
			}
			if errors.Is(createErr, kvstore.ErrVersionMismatch) {
				return nil, ErrDataExists
			}
			return nil, fmt.Errorf("stream: create transaction: %w", createErr)
		}

		s.events.TransactionCreated(scope, stream)
		return &VersionedTransactionData{
			TxnID:         record.TxnID,
			Epoch:         record.Epoch,
			Status:        record.Status,
			Version:       version,
			CreateTime:    record.CreateTime,
			LeaseExpiry:   record.LeaseExpiry,
			MaxExecExpiry: record.MaxExecExpiry,
		}, nil
	}
	return nil, ErrWriteConflict
}

// decrementTxnEpochCounter releases one open-transaction slot on an
// epoch counter. A missing counter is tolerated: the epoch may already
// have been collected.
func (s *Store) decrementTxnEpochCounter(ctx context.Context, scope, stream string, epoch int32) error {
	key := keys.TxnEpochKeyPath(scope, stream, epoch)
	for attempt := 0; attempt < maxCounterAttempts; attempt++ {
		result, err := s.kv.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("stream: get txn epoch counter: %w", err)
		}
		if !result.Exists {
			return nil
		}
		var counter txnEpochRecord
		if err := json.Unmarshal(result.Value, &counter); err != nil {
			return fmt.Errorf("stream: unmarshal txn epoch counter: %w", err)
		}
		if counter.OpenCount > 0 {
			counter.OpenCount--
		}
		data, err := json.Marshal(counter)
		if err != nil {
			return fmt.Errorf("stream: marshal txn epoch counter: %w", err)
		}
		_, err = s.kv.Put(ctx, key, data, kvstore.WithExpectedVersion(result.Version))
		if errors.Is(err, kvstore.ErrVersionMismatch) {
			continue
		}
		if err != nil {
			return fmt.Errorf("stream: decrement txn epoch counter: %w", err)
		}
		return nil
	}
	return ErrWriteConflict
}

// getActiveTxn reads an active transaction record with its version.
func (s *Store) getActiveTxn(ctx context.Context, scope, stream string, txnID uuid.UUID) (*ActiveTxnRecord, kvstore.Version, bool, error) {
	result, err := s.kv.Get(ctx, keys.ActiveTxnKeyPath(scope, stream, txnID.String()))
	if err != nil {
		return nil, 0, false, fmt.Errorf("stream: get transaction: %w", err)
	}
	if !result.Exists {
		return nil, 0, false, nil
	}

	var record ActiveTxnRecord
	if err := json.Unmarshal(result.Value, &record); err != nil {
		return nil, 0, false, fmt.Errorf("stream: unmarshal transaction: %w", err)
	}
	return &record, result.Version, true, nil
}

// getCompletedTxn reads a transaction tombstone.
func (s *Store) getCompletedTxn(ctx context.Context, scope, stream string, txnID uuid.UUID) (*CompletedTxnRecord, bool, error) {
	result, err := s.kv.Get(ctx, keys.CompletedTxnKeyPath(scope, stream, txnID.String()))
	if err != nil {
		return nil, false, fmt.Errorf("stream: get completed transaction: %w", err)
	}
	if !result.Exists {
		return nil, false, nil
	}

	var record CompletedTxnRecord
	if err := json.Unmarshal(result.Value, &record); err != nil {
		return nil, false, fmt.Errorf("stream: unmarshal completed transaction: %w", err)
	}
	return &record, true, nil
}

// PingTransaction extends the lease of an OPEN transaction. Non-open
// transactions fail with ErrIllegalState; unknown ones with
// ErrDataNotFound.
func (s *Store) PingTransaction(ctx context.Context, scope, stream string, txnID uuid.UUID, lease time.Duration) (*VersionedTransactionData, error) {
	if lease <= 0 {
		return nil, fmt.Errorf("stream: lease must be positive: %w", ErrIllegalArgument)
	}

	record, version, exists, err := s.getActiveTxn(ctx, scope, stream, txnID)
	if err != nil {
		return nil, err
	}
	if !exists {
		_, completed, err := s.getCompletedTxn(ctx, scope, stream, txnID)
		if err != nil {
			return nil, err
		}
		if completed {
			return nil, fmt.Errorf("stream: transaction already completed: %w", ErrIllegalState)
		}
		return nil, ErrDataNotFound
	}
	if record.Status != TxnStatusOpen {
		return nil, fmt.Errorf("stream: cannot ping transaction in status %s: %w", record.Status, ErrIllegalState)
	}

	record.LeaseExpiry = time.Now().UnixMilli() + lease.Milliseconds()
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("stream: marshal transaction: %w", err)
	}
	newVersion, err := s.kv.Put(ctx, keys.ActiveTxnKeyPath(scope, stream, txnID.String()), data, kvstore.WithExpectedVersion(version))
	if errors.Is(err, kvstore.ErrVersionMismatch) {
		return nil, ErrWriteConflict
	}
	if err != nil {
		return nil, fmt.Errorf("stream: ping transaction: %w", err)
	}

	return &VersionedTransactionData{
		TxnID:         record.TxnID,
		Epoch:         record.Epoch,
		Status:        record.Status,
		Version:       newVersion,
		CreateTime:    record.CreateTime,
		LeaseExpiry:   record.LeaseExpiry,
		MaxExecExpiry: record.MaxExecExpiry,
	}, nil
}

// SealTransaction moves an OPEN transaction to COMMITTING (commit=true)
// or ABORTING (commit=false). If expectedVersion is supplied it must
// match the record's current version, otherwise the call fails with
// ErrWriteConflict before anything else is considered. Re-sealing in
// the same direction is an idempotent no-op returning current data,
// including against the tombstone of an already-completed transaction;
// the opposite direction fails with ErrIllegalState.
func (s *Store) SealTransaction(ctx context.Context, scope, stream string, txnID uuid.UUID, commit bool, expectedVersion *kvstore.Version) (*VersionedTransactionData, error) {
	target := TxnStatusAborting
	terminal := TxnStatusAborted
	if commit {
		target = TxnStatusCommitting
		terminal = TxnStatusCommitted
	}

	record, version, exists, err := s.getActiveTxn(ctx, scope, stream, txnID)
	if err != nil {
		return nil, err
	}
	if !exists {
		tombstone, completed, err := s.getCompletedTxn(ctx, scope, stream, txnID)
		if err != nil {
			return nil, err
		}
		if !completed {
			return nil, ErrDataNotFound
		}
		if tombstone.Status != terminal {
			return nil, fmt.Errorf("stream: transaction already %s: %w", tombstone.Status, ErrIllegalState)
		}
		return &VersionedTransactionData{
			TxnID:   tombstone.TxnID,
			Epoch:   tombstone.Epoch,
			Status:  tombstone.Status,
			Version: kvstore.NoVersion,
		}, nil
	}

	if expectedVersion != nil && *expectedVersion != version {
		return nil, ErrWriteConflict
	}

	switch record.Status {
	case TxnStatusOpen:
		record.Status = target
	case target:
		return &VersionedTransactionData{
			TxnID:         record.TxnID,
			Epoch:         record.Epoch,
			Status:        record.Status,
			Version:       version,
			CreateTime:    record.CreateTime,
			LeaseExpiry:   record.LeaseExpiry,
			MaxExecExpiry: record.MaxExecExpiry,
		}, nil
	default:
		return nil, fmt.Errorf("stream: cannot seal transaction in status %s: %w", record.Status, ErrIllegalState)
	}

	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("stream: marshal transaction: %w", err)
	}
	newVersion, err := s.kv.Put(ctx, keys.ActiveTxnKeyPath(scope, stream, txnID.String()), data, kvstore.WithExpectedVersion(version))
	if errors.Is(err, kvstore.ErrVersionMismatch) {
		return nil, ErrWriteConflict
	}
	if err != nil {
		return nil, fmt.Errorf("stream: seal transaction: %w", err)
	}

	return &VersionedTransactionData{
		TxnID:         record.TxnID,
		Epoch:         record.Epoch,
		Status:        record.Status,
		Version:       newVersion,
		CreateTime:    record.CreateTime,
		LeaseExpiry:   record.LeaseExpiry,
		MaxExecExpiry: record.MaxExecExpiry,
	}, nil
}

// CommitTransaction finishes a COMMITTING transaction: it writes the
// COMMITTED tombstone, removes the active record, and releases the
// epoch counter slot. An OPEN transaction must be sealed first and an
// ABORTING one cannot commit; both fail with ErrIllegalState. Repeating
// the call after completion is idempotent; committing a transaction
// whose tombstone says ABORTED fails with ErrIllegalState.
func (s *Store) CommitTransaction(ctx context.Context, scope, stream string, epoch int32, txnID uuid.UUID) (TxnStatus, error) {
	return s.completeTransaction(ctx, scope, stream, epoch, txnID, true)
}

// AbortTransaction finishes an ABORTING transaction; the mirror image
// of CommitTransaction.
func (s *Store) AbortTransaction(ctx context.Context, scope, stream string, epoch int32, txnID uuid.UUID) (TxnStatus, error) {
	return s.completeTransaction(ctx, scope, stream, epoch, txnID, false)
}

func (s *Store) completeTransaction(ctx context.Context, scope, stream string, epoch int32, txnID uuid.UUID, commit bool) (TxnStatus, error) {
	sealed := TxnStatusAborting
	terminal := TxnStatusAborted
	if commit {
		sealed = TxnStatusCommitting
		terminal = TxnStatusCommitted
	}

	record, version, exists, err := s.getActiveTxn(ctx, scope, stream, txnID)
	if err != nil {
		return "", err
	}
	if !exists {
		tombstone, completed, err := s.getCompletedTxn(ctx, scope, stream, txnID)
		if err != nil {
			return "", err
		}
		if !completed {
			return "", ErrDataNotFound
		}
		if tombstone.Epoch != epoch {
			return "", fmt.Errorf("stream: transaction belongs to epoch %d: %w", tombstone.Epoch, ErrIllegalArgument)
		}
		if tombstone.Status != terminal {
			return "", fmt.Errorf("stream: transaction already %s: %w", tombstone.Status, ErrIllegalState)
		}
		return terminal, nil
	}

	if record.Epoch != epoch {
		return "", fmt.Errorf("stream: transaction belongs to epoch %d: %w", record.Epoch, ErrIllegalArgument)
	}
	if record.Status != sealed {
		return "", fmt.Errorf("stream: transaction is %s, expected %s: %w", record.Status, sealed, ErrIllegalState)
	}

	tombstone := CompletedTxnRecord{
		TxnID:        txnID,
		Epoch:        record.Epoch,
		Status:       terminal,
		CompleteTime: time.Now().UnixMilli(),
	}
	tombstoneData, err := json.Marshal(tombstone)
	if err != nil {
		return "", fmt.Errorf("stream: marshal completed transaction: %w", err)
	}
	_, err = s.kv.Put(ctx, keys.CompletedTxnKeyPath(scope, stream, txnID.String()), tombstoneData, kvstore.WithExpectedVersion(0))
	if errors.Is(err, kvstore.ErrVersionMismatch) {
		existing, completed, err := s.getCompletedTxn(ctx, scope, stream, txnID)
		if err != nil {
			return "", err
		}
		if !completed {
			return "", ErrWriteConflict
		}
		if existing.Status != terminal {
			return "", fmt.Errorf("stream: transaction already %s: %w", existing.Status, ErrIllegalState)
		}
		// Another caller completed it; fall through to the cleanup, which
		// is contended on the record version below.
	} else if err != nil {
		return "", fmt.Errorf("stream: create completed transaction: %w", err)
	}

	err = s.kv.Delete(ctx, keys.ActiveTxnKeyPath(scope, stream, txnID.String()), kvstore.WithDeleteExpectedVersion(version))
	if errors.Is(err, kvstore.ErrVersionMismatch) {
		// Someone else removed the record and owns the counter release.
		_, _, stillThere, getErr := s.getActiveTxn(ctx, scope, stream, txnID)
		if getErr != nil {
			return "", getErr
		}
		if stillThere {
			return "", ErrWriteConflict
		}
		return terminal, nil
	}
	if err != nil {
		return "", fmt.Errorf("stream: delete transaction: %w", err)
	}

	if err := s.decrementTxnEpochCounter(ctx, scope, stream, record.Epoch); err != nil {
		return "", err
	}

	if commit {
		s.events.TransactionCommitted(scope, stream)
	} else {
		s.events.TransactionAborted(scope, stream)
	}
	return terminal, nil
}

// GetTransactionData returns the current view of a transaction: the
// active record with its version, or the tombstone with NoVersion.
// Unknown transactions fail with ErrDataNotFound.
func (s *Store) GetTransactionData(ctx context.Context, scope, stream string, txnID uuid.UUID) (*VersionedTransactionData, error) {
	record, version, exists, err := s.getActiveTxn(ctx, scope, stream, txnID)
	if err != nil {
		return nil, err
	}
	if exists {
		return &VersionedTransactionData{
			TxnID:         record.TxnID,
			Epoch:         record.Epoch,
			Status:        record.Status,
			Version:       version,
			CreateTime:    record.CreateTime,
			LeaseExpiry:   record.LeaseExpiry,
			MaxExecExpiry: record.MaxExecExpiry,
		}, nil
	}

	tombstone, completed, err := s.getCompletedTxn(ctx, scope, stream, txnID)
	if err != nil {
		return nil, err
	}
	if !completed {
		return nil, ErrDataNotFound
	}
	return &VersionedTransactionData{
		TxnID:   tombstone.TxnID,
		Epoch:   tombstone.Epoch,
		Status:  tombstone.Status,
		Version: kvstore.NoVersion,
	}, nil
}

// GetActiveTxns returns every transaction of the stream that has not
// yet committed or aborted, across all epochs.
func (s *Store) GetActiveTxns(ctx context.Context, scope, stream string) (map[uuid.UUID]ActiveTxnRecord, error) {
	kvs, err := s.kv.List(ctx, keys.ActiveTxnsPrefix(scope, stream), "", 0)
	if err != nil {
		return nil, fmt.Errorf("stream: list transactions: %w", err)
	}

	txns := make(map[uuid.UUID]ActiveTxnRecord, len(kvs))
	for _, kv := range kvs {
		var record ActiveTxnRecord
		if err := json.Unmarshal(kv.Value, &record); err != nil {
			return nil, fmt.Errorf("stream: unmarshal transaction: %w", err)
		}
		txns[record.TxnID] = record
	}
	return txns, nil
}

// EpochDeleteResult is the outcome of TryDeleteEpochIfScaling. When the
// epoch was collected, SegmentsCreated holds the segments the next
// epoch added and SegmentsSealed the segments it dropped.
type EpochDeleteResult struct {
	Deleted         bool
	SegmentsCreated []Segment
	SegmentsSealed  []int64
}

// TryDeleteEpochIfScaling garbage-collects an epoch's transaction
// counter once the epoch is no longer the history tail and no
// transactions remain open against it. The emptiness check and the
// delete are one conditional delete keyed on the counter version read
// in the same snapshot, so a concurrent CreateTransaction (which bumps
// the version) always wins. A "not collectible yet" outcome is not an
// error: the result just reports Deleted=false.
func (s *Store) TryDeleteEpochIfScaling(ctx context.Context, scope, stream string, epoch int32) (*EpochDeleteResult, error) {
	counterKey := keys.TxnEpochKeyPath(scope, stream, epoch)
	result, err := s.kv.Get(ctx, counterKey)
	if err != nil {
		return nil, fmt.Errorf("stream: get txn epoch counter: %w", err)
	}
	if !result.Exists {
		return &EpochDeleteResult{}, nil
	}
	var counter txnEpochRecord
	if err := json.Unmarshal(result.Value, &counter); err != nil {
		return nil, fmt.Errorf("stream: unmarshal txn epoch counter: %w", err)
	}
	if counter.OpenCount != 0 {
		return &EpochDeleteResult{}, nil
	}

	tail, err := s.tailHistory(ctx, scope, stream)
	if err != nil {
		return nil, err
	}
	if tail.Epoch <= epoch {
		return &EpochDeleteResult{}, nil
	}

	err = s.kv.Delete(ctx, counterKey, kvstore.WithDeleteExpectedVersion(result.Version))
	if errors.Is(err, kvstore.ErrVersionMismatch) {
		return &EpochDeleteResult{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stream: delete txn epoch counter: %w", err)
	}

	current, err := s.getHistoryRecord(ctx, scope, stream, epoch)
	if err != nil {
		return nil, err
	}
	next, err := s.getHistoryRecord(ctx, scope, stream, epoch+1)
	if err != nil {
		return nil, err
	}
	created, err := s.getSegments(ctx, scope, stream, subtractIDs(next.Segments, current.Segments))
	if err != nil {
		return nil, err
	}

	s.events.EpochCollected(scope, stream)
	return &EpochDeleteResult{
		Deleted:         true,
		SegmentsCreated: created,
		SegmentsSealed:  subtractIDs(current.Segments, next.Segments),
	}, nil
}

// subtractIDs returns the members of a that are not in b, sorted.
func subtractIDs(a, b []int64) []int64 {
	exclude := make(map[int64]bool, len(b))
	for _, id := range b {
		exclude[id] = true
	}
	out := make([]int64, 0, len(a))
	for _, id := range a {
		if !exclude[id] {
			out = append(out, id)
		}
	}
	return sortedIDs(out)
}
