// Package kvstore defines the versioned key-value substrate that all
// stream metadata is persisted through. The default implementation uses
// Oxia.
//
// Every record the control plane owns lives under a named key; all
// cross-process coordination is expressed as conditional writes against
// the key's version. There are no locks anywhere above this interface:
// a compare-and-set losing to a concurrent writer is the only way a
// race is ever observed.
package kvstore

import (
	"context"
	"errors"
)

// Common errors returned by Store operations.
var (
	// ErrKeyNotFound is returned when a key does not exist.
	ErrKeyNotFound = errors.New("kvstore: key not found")

	// ErrVersionMismatch is returned when the expected version does not match
	// the current version during a compare-and-set operation.
	ErrVersionMismatch = errors.New("kvstore: version mismatch")

	// ErrStoreClosed is returned when operations are attempted on a closed store.
	ErrStoreClosed = errors.New("kvstore: store closed")
)

// Version represents a key's version in the store.
// Versions are monotonically increasing and drive optimistic
// concurrency control.
//
// Version 0 means "the key has never been written": passing it to
// WithExpectedVersion turns a Put into a conditional create.
type Version int64

// NoVersion is a sentinel value indicating no version constraint.
const NoVersion Version = -1

// KV is a key-value pair with its version.
type KV struct {
	Key     string
	Value   []byte
	Version Version
}

// GetResult is the result of a Get operation.
type GetResult struct {
	Value   []byte
	Version Version
	Exists  bool
}

// Notification is a change event from the store. Once a subscription
// is established, every committed write and delete in the namespace is
// delivered at least once.
type Notification struct {
	// Key is the key that was modified.
	Key string
	// Version is the version after the modification. Deletes carry 0,
	// the version of a key that does not exist.
	Version Version
	// Deleted is true if the key was deleted.
	Deleted bool
}

// NotificationStream iterates change notifications.
//
//	stream, err := store.Notifications(ctx)
//	if err != nil {
//	    return err
//	}
//	defer stream.Close()
//	for {
//	    n, err := stream.Next(ctx)
//	    ...
//	}
type NotificationStream interface {
	// Next blocks until the next notification is available or the context
	// is cancelled.
	Next(ctx context.Context) (Notification, error)

	// Close releases resources associated with the stream.
	// After Close is called, Next returns an error.
	Close() error
}

// PutOption configures a Put operation.
type PutOption func(*putOptions)

type putOptions struct {
	expectedVersion *Version
}

// WithExpectedVersion makes the Put conditional: it fails with
// ErrVersionMismatch unless the key's current version equals v.
// Version 0 requires the key to not exist (conditional create).
func WithExpectedVersion(v Version) PutOption {
	return func(o *putOptions) {
		o.expectedVersion = &v
	}
}

// DeleteOption configures a Delete operation.
type DeleteOption func(*deleteOptions)

type deleteOptions struct {
	expectedVersion *Version
}

// WithDeleteExpectedVersion makes the Delete conditional: it fails with
// ErrVersionMismatch unless the key's current version equals v.
func WithDeleteExpectedVersion(v Version) DeleteOption {
	return func(o *deleteOptions) {
		o.expectedVersion = &v
	}
}

// ExtractExpectedVersion extracts the expected version from Put options.
// Returns nil if no expected version was specified.
func ExtractExpectedVersion(opts []PutOption) *Version {
	var pOpts putOptions
	for _, opt := range opts {
		opt(&pOpts)
	}
	return pOpts.expectedVersion
}

// ExtractDeleteExpectedVersion extracts the expected version from Delete
// options. Returns nil if no expected version was specified.
func ExtractDeleteExpectedVersion(opts []DeleteOption) *Version {
	var dOpts deleteOptions
	for _, opt := range opts {
		opt(&dOpts)
	}
	return dOpts.expectedVersion
}

// Store is the versioned key-value substrate.
//
// All operations accept a context.Context for cancellation and
// timeouts. A write already issued when the context is cancelled may
// still take effect; subsequent reads must reflect it.
//
// Two Store instances opened against the same backend observe the same
// state: implementations must not cache.
type Store interface {
	// Get retrieves a value by key.
	// Returns GetResult with Exists=false if the key does not exist (not an error).
	Get(ctx context.Context, key string) (GetResult, error)

	// Put stores a value, optionally guarded by an expected version.
	// Returns the new version assigned to the key.
	//
	// With WithExpectedVersion(0) the Put only succeeds if the key does
	// not exist; with a positive version it only succeeds if the stored
	// version matches. Either failure is ErrVersionMismatch.
	Put(ctx context.Context, key string, value []byte, opts ...PutOption) (Version, error)

	// Delete removes a key, optionally guarded by an expected version.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string, opts ...DeleteOption) error

	// List returns keys in the range [startKey, endKey) in lexicographic
	// order. If endKey is empty, returns all keys with the prefix
	// startKey. If limit is 0 or negative, returns all matching keys.
	//
	// Zero-padded numeric key components keep lexicographic order equal
	// to numeric order, so epoch- and segment-numbered children come
	// back sorted.
	List(ctx context.Context, startKey, endKey string, limit int) ([]KV, error)

	// Notifications returns a stream of change notifications for the
	// namespace. Once subscribed, the caller receives all subsequent
	// changes, across every process writing to the same backend.
	Notifications(ctx context.Context) (NotificationStream, error)

	// Close releases resources held by the store.
	// After Close is called, all operations return ErrStoreClosed.
	Close() error
}
