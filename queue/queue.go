// Package queue provides the event model and the bounded priority queue
// that buffers pending events for the engine.
//
// Events carry one of three priority classes (critical, normal, low) that
// governs dequeue order. The queue is a binary heap keyed by
// (priority weight, insertion sequence), so dequeue order is strictly
// non-increasing priority with FIFO order among events of equal priority.
//
// The queue is bounded: Enqueue rejects events once the configured
// capacity is reached instead of growing without limit.
package queue

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Priority classifies an event for dequeue ordering.
// Higher weights are dequeued first.
type Priority int

const (
	// PriorityLow is dequeued after all normal and critical events.
	PriorityLow Priority = 1
	// PriorityNormal is the default priority.
	PriorityNormal Priority = 2
	// PriorityCritical is dequeued before all other events.
	PriorityCritical Priority = 3
)

// Weight returns the numeric ordering weight of the priority.
// Unknown priorities weigh the same as PriorityNormal.
func (p Priority) Weight() int {
	switch p {
	case PriorityLow, PriorityNormal, PriorityCritical:
		return int(p)
	default:
		return int(PriorityNormal)
	}
}

// String returns the priority name ("low", "normal", "critical").
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityCritical:
		return "critical"
	case PriorityNormal:
		return "normal"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// ParsePriority converts a priority name to a Priority.
// Returns PriorityNormal for empty or unknown names.
func ParsePriority(s string) Priority {
	switch strings.ToLower(s) {
	case "low":
		return PriorityLow
	case "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

// Event is the queued unit of work.
//
// ID is assigned at creation and never changes, even across retries.
// Payload is opaque at this layer; typed decoding happens at handler
// registration (see flux.On).
type Event struct {
	ID            string    `json:"id" msgpack:"id"`
	Type          string    `json:"type" msgpack:"type"`
	Payload       any       `json:"payload" msgpack:"payload"`
	CorrelationID string    `json:"correlation_id,omitempty" msgpack:"correlation_id,omitempty"`
	Priority      Priority  `json:"priority" msgpack:"priority"`
	Timestamp     time.Time `json:"timestamp" msgpack:"timestamp"`
	RetryCount    int       `json:"retry_count" msgpack:"retry_count"`
}

// ID generation fallback counter, used only if the uuid source fails.
var idCounter uint64

// NewID generates a new unique event ID.
func NewID() string {
	u, err := uuid.NewRandom()
	if err == nil {
		return u.String()
	}
	return strconv.FormatUint(atomic.AddUint64(&idCounter, 1), 10)
}

// NewEvent creates an event with a fresh ID, the current timestamp and
// PriorityNormal. Callers adjust Priority and CorrelationID before
// enqueueing.
func NewEvent(eventType string, payload any) *Event {
	return &Event{
		ID:        NewID(),
		Type:      eventType,
		Payload:   payload,
		Priority:  PriorityNormal,
		Timestamp: time.Now(),
	}
}

// item pairs an event with its insertion sequence for FIFO tie-breaking.
type item struct {
	ev  *Event
	seq uint64
}

// DefaultMaxSize is the default queue capacity.
const DefaultMaxSize = 1000

// PriorityQueue is a bounded, priority-ordered buffer of pending events.
// It is safe for concurrent use: producers enqueue while the dispatcher
// loop dequeues.
type PriorityQueue struct {
	mu      sync.Mutex
	items   []item
	maxSize int
	seq     uint64
}

// NewPriorityQueue creates a queue with the given capacity.
// Sizes <= 0 fall back to DefaultMaxSize.
func NewPriorityQueue(maxSize int) *PriorityQueue {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &PriorityQueue{
		items:   make([]item, 0, maxSize),
		maxSize: maxSize,
	}
}

// Enqueue inserts an event in priority order.
// Returns false without queueing if the queue is at capacity.
func (q *PriorityQueue) Enqueue(ev *Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.maxSize {
		return false
	}

	q.seq++
	q.items = append(q.items, item{ev: ev, seq: q.seq})
	q.up(len(q.items) - 1)
	return true
}

// Dequeue removes and returns the highest-priority, oldest-eligible
// event, or nil if the queue is empty.
func (q *PriorityQueue) Dequeue() *Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pop()
}

// DequeueBatch removes up to n events in priority order.
// Returns fewer (possibly zero) events if the queue holds less than n.
func (q *PriorityQueue) DequeueBatch(n int) []*Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n <= 0 || len(q.items) == 0 {
		return nil
	}
	if n > len(q.items) {
		n = len(q.items)
	}

	batch := make([]*Event, 0, n)
	for range n {
		batch = append(batch, q.pop())
	}
	return batch
}

// Peek returns the next event without removing it, or nil if empty.
func (q *PriorityQueue) Peek() *Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	return q.items[0].ev
}

// Len returns the current number of queued events.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsEmpty returns true if no events are queued.
func (q *PriorityQueue) IsEmpty() bool {
	return q.Len() == 0
}

// Cap returns the configured capacity.
func (q *PriorityQueue) Cap() int {
	return q.maxSize
}

// pop removes the heap root. Caller holds q.mu.
func (q *PriorityQueue) pop() *Event {
	if len(q.items) == 0 {
		return nil
	}
	root := q.items[0].ev
	last := len(q.items) - 1
	q.items[0] = q.items[last]
	q.items[last] = item{}
	q.items = q.items[:last]
	if len(q.items) > 0 {
		q.down(0)
	}
	return root
}

// less orders by priority weight descending, then insertion sequence
// ascending so equal priorities stay FIFO.
func (q *PriorityQueue) less(i, j int) bool {
	wi, wj := q.items[i].ev.Priority.Weight(), q.items[j].ev.Priority.Weight()
	if wi != wj {
		return wi > wj
	}
	return q.items[i].seq < q.items[j].seq
}

func (q *PriorityQueue) up(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !q.less(i, parent) {
			return
		}
		q.items[i], q.items[parent] = q.items[parent], q.items[i]
		i = parent
	}
}

func (q *PriorityQueue) down(i int) {
	n := len(q.items)
	for {
		left := 2*i + 1
		if left >= n {
			return
		}
		best := left
		if right := left + 1; right < n && q.less(right, left) {
			best = right
		}
		if !q.less(best, i) {
			return
		}
		q.items[i], q.items[best] = q.items[best], q.items[i]
		i = best
	}
}
