package queue

import (
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPriorityOrdering(t *testing.T) {
	q := NewPriorityQueue(10)

	low := NewEvent("a", nil)
	low.Priority = PriorityLow
	critical := NewEvent("b", nil)
	critical.Priority = PriorityCritical
	normal := NewEvent("c", nil)
	normal.Priority = PriorityNormal

	for _, ev := range []*Event{low, critical, normal} {
		if !q.Enqueue(ev) {
			t.Fatalf("enqueue rejected event %s", ev.ID)
		}
	}

	want := []Priority{PriorityCritical, PriorityNormal, PriorityLow}
	var got []Priority
	for ev := q.Dequeue(); ev != nil; ev = q.Dequeue() {
		got = append(got, ev.Priority)
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("dequeue order mismatch (-want +got):\n%s", diff)
	}
}

func TestFIFOWithinSamePriority(t *testing.T) {
	q := NewPriorityQueue(10)

	var ids []string
	for i := range 5 {
		ev := NewEvent(fmt.Sprintf("ev-%d", i), nil)
		ids = append(ids, ev.ID)
		q.Enqueue(ev)
	}

	for i := range 5 {
		ev := q.Dequeue()
		if ev == nil {
			t.Fatalf("dequeue %d returned nil", i)
		}
		if ev.ID != ids[i] {
			t.Errorf("dequeue %d: got %s, want %s (insertion order)", i, ev.ID, ids[i])
		}
	}
}

func TestCapacityRejection(t *testing.T) {
	q := NewPriorityQueue(2)

	if !q.Enqueue(NewEvent("a", nil)) || !q.Enqueue(NewEvent("b", nil)) {
		t.Fatal("enqueue within capacity should succeed")
	}
	if q.Enqueue(NewEvent("c", nil)) {
		t.Error("enqueue past capacity should return false")
	}
	if got := q.Len(); got != 2 {
		t.Errorf("queue size = %d, want 2", got)
	}
}

func TestDequeueBatch(t *testing.T) {
	q := NewPriorityQueue(10)
	for i := range 3 {
		ev := NewEvent(fmt.Sprintf("ev-%d", i), nil)
		if i == 1 {
			ev.Priority = PriorityCritical
		}
		q.Enqueue(ev)
	}

	batch := q.DequeueBatch(5)
	if len(batch) != 3 {
		t.Fatalf("batch size = %d, want 3", len(batch))
	}
	if batch[0].Priority != PriorityCritical {
		t.Errorf("first batch element priority = %s, want critical", batch[0].Priority)
	}
	if !q.IsEmpty() {
		t.Error("queue should be empty after draining batch")
	}

	if batch := q.DequeueBatch(5); batch != nil {
		t.Errorf("batch from empty queue = %v, want nil", batch)
	}
}

func TestPeekDoesNotMutate(t *testing.T) {
	q := NewPriorityQueue(10)
	ev := NewEvent("a", nil)
	q.Enqueue(ev)

	if got := q.Peek(); got == nil || got.ID != ev.ID {
		t.Fatalf("peek returned %v, want event %s", got, ev.ID)
	}
	if q.Len() != 1 {
		t.Error("peek should not remove the event")
	}
}

func TestDequeueEmpty(t *testing.T) {
	q := NewPriorityQueue(1)
	if ev := q.Dequeue(); ev != nil {
		t.Errorf("dequeue on empty queue = %v, want nil", ev)
	}
	if ev := q.Peek(); ev != nil {
		t.Errorf("peek on empty queue = %v, want nil", ev)
	}
}

func TestConcurrentEnqueueDequeue(t *testing.T) {
	q := NewPriorityQueue(1000)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				q.Enqueue(NewEvent(fmt.Sprintf("ev-%d", i), i))
			}
		}()
	}
	wg.Wait()

	seen := make(map[string]bool)
	for ev := q.Dequeue(); ev != nil; ev = q.Dequeue() {
		if seen[ev.ID] {
			t.Fatalf("event %s dequeued twice", ev.ID)
		}
		seen[ev.ID] = true
	}
	if len(seen) != 500 {
		t.Errorf("dequeued %d events, want 500", len(seen))
	}
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in   string
		want Priority
	}{
		{"low", PriorityLow},
		{"critical", PriorityCritical},
		{"normal", PriorityNormal},
		{"", PriorityNormal},
		{"bogus", PriorityNormal},
		{"CRITICAL", PriorityCritical},
	}
	for _, tt := range tests {
		if got := ParsePriority(tt.in); got != tt.want {
			t.Errorf("ParsePriority(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestEventIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		ev := NewEvent("x", nil)
		if seen[ev.ID] {
			t.Fatalf("duplicate event ID %s", ev.ID)
		}
		seen[ev.ID] = true
	}
}
