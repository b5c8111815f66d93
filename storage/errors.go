package storage

import "errors"

var (
	// ErrClosed is returned when the store has been closed.
	ErrClosed = errors.New("storage: store closed")

	// ErrCorrupt indicates on-disk data corruption was detected.
	ErrCorrupt = errors.New("storage: data corruption detected")

	// ErrCursorNotSet is returned by cursor based reads without a positioned cursor.
	ErrCursorNotSet = errors.New("storage: cursor not set")

	// ErrLockTimeout indicates a range lock could not be acquired within the configured timeout.
	ErrLockTimeout = errors.New("storage: lock timeout")

	// ErrInvalidConfig indicates a configuration value was rejected at construction time.
	ErrInvalidConfig = errors.New("storage: invalid config")
)
