package queue

import "errors"

// Service errors.
var (
	ErrItemNotFound       = errors.New("queue item not found")
	ErrNotCancellable     = errors.New("item is not in a cancellable state")
	ErrInvalidPriority    = errors.New("priority must be between 1 and 10")
	ErrInvalidSchedule    = errors.New("scheduled_for must not be in the past")
	ErrInvalidPlatform    = errors.New("unknown platform")
	ErrInvalidContentType = errors.New("unknown content type")
	ErrEmptyPayload       = errors.New("payload is required")
	ErrBatchTooLarge      = errors.New("too many items in one batch")
)
