package sync

import "errors"

var (
	// ErrSizeMismatch is returned when a batch response does not carry one
	// entry per submitted item. Nothing from such a response is applied.
	ErrSizeMismatch = errors.New("batch response size mismatch")

	// ErrClosed is returned by an Engine after Close.
	ErrClosed = errors.New("engine closed")
)
