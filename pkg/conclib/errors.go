package conclib

import "errors"

// Sentinel errors.
var (
	// ErrNotImplementedForStep is returned for user specific operations that
	// cannot run in a background calculation.
	ErrNotImplementedForStep = errors.New("operation cannot run in background")

	// ErrConcNotReady is returned when an asynchronous result did not appear
	// within the wait budget.
	ErrConcNotReady = errors.New("concordance not ready")

	// ErrMissingCacheEntry is returned when a worker finds no registered cache
	// entry for a prefix it has to store.
	ErrMissingCacheEntry = errors.New("missing cache map entry")

	// ErrCacheFileMismatch is returned when a task names a cache file other
	// than the one registered for its entry.
	ErrCacheFileMismatch = errors.New("cache file does not match the cache map entry")

	// ErrNoTaskClient is returned when a dispatching path has no task client.
	ErrNoTaskClient = errors.New("no task client configured")

	errWorkerPanic = errors.New("worker panic")
)
