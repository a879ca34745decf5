package pipeline

import "errors"

// Sentinel errors shared across store implementations.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateCycle indicates a duplicate_of write would form a cycle.
	ErrDuplicateCycle = errors.New("duplicate_of would form a cycle")
)
