package pipeline

import "errors"

var (
	// ErrPlanning aborts a run before dispatch: invalid identifier source or
	// a non-positive worker count.
	ErrPlanning = errors.New("planning failed")

	// ErrMerge aborts a run after dispatch: the combined output could not be
	// written. No partial destination is guaranteed to exist.
	ErrMerge = errors.New("merge failed")

	// ErrEngineUnavailable aborts a run before planning.
	ErrEngineUnavailable = errors.New("overlay engine unavailable")

	// ErrChunkFailures is returned together with the merged output when one
	// or more chunks failed.
	ErrChunkFailures = errors.New("one or more chunks failed")
)
