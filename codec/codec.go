// Package codec provides serialization for the dispatcher/worker wire
// protocol.
//
// Workers hold no shared memory with the dispatcher: every event crosses
// the boundary as an encoded Frame, and every completion report comes
// back the same way. The codec is pluggable:
//   - JSON (default, human-readable)
//   - MessagePack (binary, compact)
//   - Protocol Buffers (binary, structpb envelope)
package codec

import (
	"errors"

	"github.com/rbaliyan/flux/queue"
)

// Codec errors
var (
	ErrEncodeFailure = errors.New("failed to encode frame")
	ErrDecodeFailure = errors.New("failed to decode frame")
)

// Frame kinds.
const (
	// KindEvent is an outbound dispatcher→worker frame carrying an event.
	KindEvent = "event"
	// KindProcessed is an inbound worker→dispatcher success ack.
	KindProcessed = "event_processed"
	// KindError is an inbound worker→dispatcher failure ack.
	KindError = "event_error"
)

// Frame is the single wire unit of the worker protocol.
//
// Outbound frames (Kind == KindEvent) carry the full event. Inbound
// frames carry the event ID for ack correlation, the worker ID, and the
// error text for failures.
type Frame struct {
	Kind     string       `json:"kind" msgpack:"kind"`
	EventID  string       `json:"event_id" msgpack:"event_id"`
	WorkerID int          `json:"worker_id" msgpack:"worker_id"`
	Error    string       `json:"error,omitempty" msgpack:"error,omitempty"`
	Event    *queue.Event `json:"event,omitempty" msgpack:"event,omitempty"`
}

// EventFrame builds an outbound frame for ev.
func EventFrame(ev *queue.Event) *Frame {
	return &Frame{Kind: KindEvent, EventID: ev.ID, Event: ev}
}

// ProcessedFrame builds a success ack from workerID.
func ProcessedFrame(eventID string, workerID int) *Frame {
	return &Frame{Kind: KindProcessed, EventID: eventID, WorkerID: workerID}
}

// ErrorFrame builds a failure ack from workerID.
func ErrorFrame(eventID string, workerID int, err error) *Frame {
	f := &Frame{Kind: KindError, EventID: eventID, WorkerID: workerID}
	if err != nil {
		f.Error = err.Error()
	}
	return f
}

// Codec serializes frames for the worker boundary.
// Implementations must be safe for concurrent use.
type Codec interface {
	// Encode serializes a frame to bytes.
	// Returns ErrEncodeFailure if serialization fails.
	Encode(f *Frame) ([]byte, error)

	// Decode deserializes bytes to a frame.
	// Returns ErrDecodeFailure if deserialization fails. Event payloads
	// come back with codec-typed values (e.g. maps for structs); typed
	// handlers re-decode them at dispatch.
	Decode(data []byte) (*Frame, error)

	// ContentType returns the MIME type for this codec.
	ContentType() string

	// Name returns a short identifier ("json", "msgpack", "proto").
	Name() string
}

// Default returns the default codec (JSON).
func Default() Codec {
	return JSON{}
}
