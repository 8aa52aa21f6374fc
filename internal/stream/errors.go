package stream

import "errors"

// Common errors. Callers match with errors.Is; operations wrap these with
// scope/stream context.
var (
	// ErrDataNotFound is returned when a scope, stream, or record does
	// not exist.
	ErrDataNotFound = errors.New("stream: data not found")

	// ErrDataExists is returned when a create targets a scope or stream
	// that already exists.
	ErrDataExists = errors.New("stream: data already exists")

	// ErrWriteConflict is returned when an optimistic update loses to a
	// concurrent writer. The caller may re-read and retry.
	ErrWriteConflict = errors.New("stream: write conflict")

	// ErrIllegalState is returned when an operation is not valid for the
	// current state of the stream or transaction.
	ErrIllegalState = errors.New("stream: illegal state")

	// ErrIllegalArgument is returned for malformed or inconsistent inputs.
	ErrIllegalArgument = errors.New("stream: illegal argument")

	// ErrScaleConflict is returned when a scale request conflicts with a
	// different scale already in progress.
	ErrScaleConflict = errors.New("stream: conflicting scale in progress")

	// ErrScalePrecondition is returned when a scale request does not
	// correspond to any computable transition from the current epoch,
	// for example when the segments to seal are no longer active.
	ErrScalePrecondition = errors.New("stream: scale precondition failed")

	// ErrScaleNotStarted is returned when a run-only-if-started scale
	// request finds no transition in progress.
	ErrScaleNotStarted = errors.New("stream: scale not started")

	// ErrScopeNotEmpty is returned when deleting a scope that still
	// contains streams.
	ErrScopeNotEmpty = errors.New("stream: scope not empty")
)
