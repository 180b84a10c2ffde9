package core

import "errors"

// Error kinds. Every engine entry point fails with one of these (wrapped with
// context); an error means the whole operation was refused and no semantic
// state changed.
var (
	// ErrInvalidParameter covers fee exponents outside [1,3], configuring the
	// reserved group 0, mismatched batch array lengths, and references to
	// unknown entities.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrAccessDenied is returned when the caller lacks the required
	// capability.
	ErrAccessDenied = errors.New("access denied")

	// ErrCapacityOverflow is returned when an open-interest value would
	// exceed the storage bound.
	ErrCapacityOverflow = errors.New("capacity overflow")
)
