package eventbus

import "errors"

var (
	// Bus state errors
	ErrBusStopped        = errors.New("event bus stopped")
	ErrShutdownTimeout   = errors.New("event bus shutdown timed out")
	ErrCalledFromHandler = errors.New("blocking bus call made from inside an event handler")

	// Publish / subscribe errors
	ErrEventTypeEmpty    = errors.New("event type cannot be empty")
	ErrInvalidPriority   = errors.New("invalid priority")
	ErrHandlerNil        = errors.New("event handler cannot be nil")
	ErrSubscriptionOwner = errors.New("subscription belongs to another bus")

	// Handler outcomes
	ErrHandlerPanic   = errors.New("event handler panicked")
	ErrHandlerTimeout = errors.New("event handler timed out")

	// ErrStopPropagation may be returned by a handler to prevent the
	// remaining handlers for the same event from running. It is not
	// reported as a failure.
	ErrStopPropagation = errors.New("stop propagation")
)
