package sentinel

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("sentinel: no store configured")
	ErrStoreClosed = errors.New("sentinel: store closed")

	// Not found errors.
	ErrTaskNotFound = errors.New("sentinel: task not found")

	// Conflict errors.
	ErrTaskAlreadyExists = errors.New("sentinel: task already exists")

	// Validation errors. Submissions failing these are rejected before any
	// queue or record state is mutated.
	ErrInvalidPriority = errors.New("sentinel: priority out of range")
	ErrPayloadTooLarge = errors.New("sentinel: payload too large")

	// State errors.
	ErrInvalidTransition = errors.New("sentinel: invalid status transition")
)
