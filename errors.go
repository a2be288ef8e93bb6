package flux

import (
	"errors"
	"fmt"
)

// Engine sentinel errors.
// Use errors.Is() to check for these as they may be wrapped with
// additional context.
var (
	// ErrQueueFull is returned by Emit when the priority queue is at
	// capacity. The event is not enqueued; callers decide whether to
	// back off, drop, or surface the failure.
	ErrQueueFull = errors.New("event queue is full")

	// ErrEngineClosed is returned by operations on a closed engine.
	ErrEngineClosed = errors.New("engine is closed")

	// ErrEngineRunning is returned by Start on an engine whose
	// processing loop is already running.
	ErrEngineRunning = errors.New("engine already running")

	// ErrDrainTimeout is returned by WaitForCompletion when events are
	// still outstanding after the timeout.
	ErrDrainTimeout = errors.New("timed out waiting for events to settle")

	// ErrNilHandler is returned when registering a nil handler.
	ErrNilHandler = errors.New("handler is required")

	// ErrPayloadType is returned by typed handlers when the event
	// payload cannot be converted to the expected type.
	ErrPayloadType = errors.New("payload type mismatch")
)

// QueueFullError reports a rejected emit with the queue state at the
// time of rejection. Wraps ErrQueueFull.
type QueueFullError struct {
	EventType string
	Capacity  int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("%v: rejected %q at capacity %d", ErrQueueFull, e.EventType, e.Capacity)
}

func (e *QueueFullError) Unwrap() error { return ErrQueueFull }

// IsQueueFull reports whether err is a queue rejection and extracts the
// details when it is.
func IsQueueFull(err error) (*QueueFullError, bool) {
	var qfe *QueueFullError
	if errors.As(err, &qfe) {
		return qfe, true
	}
	return nil, false
}
