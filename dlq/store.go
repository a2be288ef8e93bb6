// Package dlq provides the bounded dead-letter store for events that
// exhausted all retry attempts.
//
// The store is a bounded FIFO: appending past capacity evicts the oldest
// entry. This is deliberate, bounded data loss that keeps memory use
// predictable under sustained failure.
//
// Implementations:
//   - MemoryStore: in-process, the default
//   - RedisStore: bounded Redis list, survives restarts
//   - MongoStore: MongoDB collection, survives restarts
//
// The live event queue is never persisted; only the quarantine is.
package dlq

import (
	"context"
	"time"

	"github.com/rbaliyan/flux/queue"
)

// DefaultCapacity is the default bound on stored entries.
const DefaultCapacity = 1000

// Entry is one quarantined event.
//
// Event and Attempts capture the event as it was at the moment of final
// failure. TotalAttempts counts every invocation, including the first.
type Entry struct {
	Event         *queue.Event    `json:"event"`
	Attempts      []queue.Attempt `json:"attempts,omitempty"`
	FinalError    string          `json:"final_error"`
	Timestamp     time.Time       `json:"timestamp"`
	TotalAttempts int             `json:"total_attempts"`
}

// Store is a bounded FIFO of dead-lettered events.
//
// Implementations must be safe for concurrent use and must evict the
// oldest entry when an append exceeds capacity.
type Store interface {
	// Append adds an entry at the tail, evicting the oldest entry if the
	// store is at capacity.
	Append(ctx context.Context, e *Entry) error

	// List returns a defensive copy of all entries, oldest first.
	List(ctx context.Context) ([]*Entry, error)

	// Pop removes and returns up to max entries from the head (oldest
	// first). Used by dead-letter reprocessing.
	Pop(ctx context.Context, max int) ([]*Entry, error)

	// Count returns the number of stored entries.
	Count(ctx context.Context) (int, error)

	// Clear removes all entries.
	Clear(ctx context.Context) error
}
