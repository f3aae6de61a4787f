package agentjob

import "errors"

var (
	// ErrSlotConflict means another queued or running job already holds the thread.
	ErrSlotConflict = errors.New("thread already has an active agent job")

	// ErrTimeout means a bounded wait elapsed before the condition was met.
	ErrTimeout = errors.New("timed out waiting for agent job")

	// ErrInvalid means the input failed validation.
	ErrInvalid = errors.New("invalid agent job input")
)
