package pkg

import "errors"

var (
	// ErrNotInRing is returned when an operation needs ring membership
	ErrNotInRing = errors.New("node is not in the ring")

	// ErrAlreadyInRing is returned when a member tries to join again
	ErrAlreadyInRing = errors.New("node is already in the ring")

	// ErrInvalidCommand is returned for unknown or malformed operator commands
	ErrInvalidCommand = errors.New("invalid command")

	// ErrContextCanceled is returned when the context is canceled
	ErrContextCanceled = errors.New("context canceled")

	// ErrNodeStopped is returned when work is submitted after shutdown
	ErrNodeStopped = errors.New("node stopped")
)
