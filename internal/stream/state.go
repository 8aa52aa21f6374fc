package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sluice-io/sluice/internal/keys"
	"github.com/sluice-io/sluice/internal/kvstore"
)

// GetState returns the stream's current lifecycle state. Returns
// ErrDataNotFound if the stream does not exist.
func (s *Store) GetState(ctx context.Context, scope, stream string) (State, error) {
	state, _, err := s.getStateVersioned(ctx, scope, stream)
	return state, err
}

func (s *Store) getStateVersioned(ctx context.Context, scope, stream string) (State, kvstore.Version, error) {
	result, err := s.kv.Get(ctx, keys.StreamStateKeyPath(scope, stream))
	if err != nil {
		return "", 0, fmt.Errorf("stream: get state: %w", err)
	}
	if !result.Exists {
		return "", 0, ErrDataNotFound
	}

	var rec stateRecord
	if err := json.Unmarshal(result.Value, &rec); err != nil {
		return "", 0, fmt.Errorf("stream: unmarshal state: %w", err)
	}
	return rec.State, result.Version, nil
}

// SetState transitions the stream to the given state. An illegal
// transition fails with ErrIllegalState; losing a race against a
// concurrent transition fails with ErrWriteConflict. Transitioning to
// the current state is a no-op.
func (s *Store) SetState(ctx context.Context, scope, stream string, to State) error {
	current, version, err := s.getStateVersioned(ctx, scope, stream)
	if err != nil {
		return err
	}
	if !canTransition(current, to) {
		return fmt.Errorf("stream: state transition %s to %s: %w", current, to, ErrIllegalState)
	}
	if current == to {
		return nil
	}

	data, err := json.Marshal(stateRecord{State: to})
	if err != nil {
		return fmt.Errorf("stream: marshal state: %w", err)
	}
	_, err = s.kv.Put(ctx, keys.StreamStateKeyPath(scope, stream), data, kvstore.WithExpectedVersion(version))
	if errors.Is(err, kvstore.ErrVersionMismatch) {
		return ErrWriteConflict
	}
	if err != nil {
		return fmt.Errorf("stream: set state: %w", err)
	}
	return nil
}

// SetSealed transitions the stream to SEALED. Idempotent once sealed.
func (s *Store) SetSealed(ctx context.Context, scope, stream string) error {
	return s.SetState(ctx, scope, stream, StateSealed)
}

// IsSealed reports whether the stream has reached SEALED.
func (s *Store) IsSealed(ctx context.Context, scope, stream string) (bool, error) {
	state, err := s.GetState(ctx, scope, stream)
	if err != nil {
		return false, err
	}
	return state == StateSealed, nil
}
