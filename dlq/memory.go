package dlq

import (
	"context"
	"sync"
)

// MemoryStore is the in-process bounded FIFO store.
type MemoryStore struct {
	mu       sync.Mutex
	entries  []*Entry
	capacity int
}

// NewMemoryStore creates a memory store with the given capacity.
// Capacities <= 0 fall back to DefaultCapacity.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryStore{
		entries:  make([]*Entry, 0, capacity),
		capacity: capacity,
	}
}

// Append adds an entry, evicting the oldest if at capacity.
func (s *MemoryStore) Append(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) >= s.capacity {
		drop := len(s.entries) - s.capacity + 1
		s.entries = append(s.entries[:0], s.entries[drop:]...)
	}
	s.entries = append(s.entries, e)
	return nil
}

// List returns a defensive copy of all entries, oldest first.
func (s *MemoryStore) List(ctx context.Context) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Entry, len(s.entries))
	for i, e := range s.entries {
		copied := *e
		out[i] = &copied
	}
	return out, nil
}

// Pop removes and returns up to max entries from the head.
func (s *MemoryStore) Pop(ctx context.Context, max int) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if max <= 0 || len(s.entries) == 0 {
		return nil, nil
	}
	if max > len(s.entries) {
		max = len(s.entries)
	}

	out := make([]*Entry, max)
	copy(out, s.entries[:max])
	s.entries = append(s.entries[:0], s.entries[max:]...)
	return out, nil
}

// Count returns the number of stored entries.
func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries), nil
}

// Clear removes all entries.
func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = s.entries[:0]
	return nil
}

// Compile-time check
var _ Store = (*MemoryStore)(nil)
