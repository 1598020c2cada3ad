package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when no result is archived under a request ID.
	ErrNotFound = errors.New("result not found")
)
