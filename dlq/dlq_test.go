package dlq

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rbaliyan/flux/queue"
)

func newEntry(i int) *Entry {
	ev := queue.NewEvent(fmt.Sprintf("type-%d", i), i)
	return &Entry{
		Event:         ev,
		FinalError:    "boom",
		Timestamp:     time.Now(),
		TotalAttempts: 3,
	}
}

func TestMemoryStoreBound(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(1000)

	var first *Entry
	for i := range 1001 {
		e := newEntry(i)
		if i == 0 {
			first = e
		}
		if err := s.Append(ctx, e); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	n, err := s.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1000 {
		t.Errorf("count = %d, want 1000", n)
	}

	entries, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Event.ID == first.Event.ID {
			t.Error("oldest entry should have been evicted")
		}
	}
	if got := entries[0].Event.Type; got != "type-1" {
		t.Errorf("head after eviction = %s, want type-1", got)
	}
}

func TestMemoryStoreListIsDefensiveCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(10)
	s.Append(ctx, newEntry(0))

	entries, _ := s.List(ctx)
	entries[0].FinalError = "mutated"

	again, _ := s.List(ctx)
	if again[0].FinalError != "boom" {
		t.Error("List should return copies, store entry was mutated")
	}
}

func TestMemoryStorePop(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(10)
	for i := range 5 {
		s.Append(ctx, newEntry(i))
	}

	popped, err := s.Pop(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(popped) != 3 {
		t.Fatalf("popped %d entries, want 3", len(popped))
	}
	if popped[0].Event.Type != "type-0" {
		t.Errorf("first popped = %s, want type-0 (oldest first)", popped[0].Event.Type)
	}

	n, _ := s.Count(ctx)
	if n != 2 {
		t.Errorf("count after pop = %d, want 2", n)
	}

	// Popping more than stored returns what is there.
	popped, _ = s.Pop(ctx, 10)
	if len(popped) != 2 {
		t.Errorf("popped %d entries, want 2", len(popped))
	}
	if popped, _ := s.Pop(ctx, 10); popped != nil {
		t.Errorf("pop on empty store = %v, want nil", popped)
	}
}

func TestMemoryStoreClear(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(10)
	for i := range 4 {
		s.Append(ctx, newEntry(i))
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	n, _ := s.Count(ctx)
	if n != 0 {
		t.Errorf("count after clear = %d, want 0", n)
	}
}

func TestMemoryStoreDefaultCapacity(t *testing.T) {
	s := NewMemoryStore(0)
	if s.capacity != DefaultCapacity {
		t.Errorf("capacity = %d, want %d", s.capacity, DefaultCapacity)
	}
}
