package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rbaliyan/flux/dlq"
	"github.com/rbaliyan/flux/queue"
)

var errBoom = errors.New("boom")

func fastRetrier(store dlq.Store, maxRetries int) *Retrier {
	return NewRetrier(store,
		WithMaxRetries(maxRetries),
		WithDelays([]time.Duration{time.Millisecond, time.Millisecond, time.Millisecond, time.Millisecond}),
	)
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	r := fastRetrier(nil, 2)
	calls := 0
	err := r.Do(context.Background(), queue.NewEvent("x", nil), func(ctx context.Context, ev *queue.Event) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do = %v, want nil", err)
	}
	if calls != 1 {
		t.Errorf("handler called %d times, want 1", calls)
	}

	stats := r.Stats()
	if stats.TotalRetries != 0 || stats.SuccessfulRetries != 0 {
		t.Errorf("stats = %+v, want zero retries", stats)
	}
}

func TestDoRecoversAfterRetry(t *testing.T) {
	r := fastRetrier(nil, 3)
	calls := 0
	err := r.Do(context.Background(), queue.NewEvent("x", nil), func(ctx context.Context, ev *queue.Event) error {
		calls++
		if calls < 3 {
			return errBoom
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do = %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("handler called %d times, want 3", calls)
	}

	stats := r.Stats()
	if stats.TotalRetries != 2 {
		t.Errorf("TotalRetries = %d, want 2", stats.TotalRetries)
	}
	if stats.SuccessfulRetries != 1 {
		t.Errorf("SuccessfulRetries = %d, want 1", stats.SuccessfulRetries)
	}
	if stats.DeadLetterCount != 0 {
		t.Errorf("DeadLetterCount = %d, want 0", stats.DeadLetterCount)
	}
}

func TestDoExhaustionDeadLetters(t *testing.T) {
	ctx := context.Background()
	store := dlq.NewMemoryStore(10)
	r := fastRetrier(store, 2)

	calls := 0
	ev := queue.NewEvent("x", "payload")
	err := r.Do(ctx, ev, func(ctx context.Context, ev *queue.Event) error {
		calls++
		return errBoom
	})

	if calls != 3 {
		t.Errorf("handler called %d times, want 3 (maxRetries=2)", calls)
	}
	if !IsExhausted(err) {
		t.Fatalf("Do = %v, want ExhaustedError", err)
	}
	var exhausted *ExhaustedError
	errors.As(err, &exhausted)
	if exhausted.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", exhausted.Attempts)
	}
	if !errors.Is(err, errBoom) {
		t.Error("ExhaustedError should wrap the last handler error")
	}

	entries, _ := store.List(ctx)
	if len(entries) != 1 {
		t.Fatalf("dead-letter store holds %d entries, want 1", len(entries))
	}
	entry := entries[0]
	if entry.TotalAttempts != 3 {
		t.Errorf("TotalAttempts = %d, want 3", entry.TotalAttempts)
	}
	if entry.Event.ID != ev.ID {
		t.Errorf("dead-lettered event ID = %s, want %s", entry.Event.ID, ev.ID)
	}
	if len(entry.Attempts) != 3 {
		t.Errorf("attempt history length = %d, want 3", len(entry.Attempts))
	}
	if last := entry.Attempts[2]; !last.NextRetryAt.IsZero() {
		t.Error("final attempt should not schedule a retry")
	}

	stats := r.Stats()
	if stats.FailedRetries != 1 || stats.DeadLetterCount != 1 {
		t.Errorf("stats = %+v, want 1 failed / 1 dead-lettered", stats)
	}
}

func TestDoPanicIsFailure(t *testing.T) {
	store := dlq.NewMemoryStore(10)
	r := fastRetrier(store, 1)

	err := r.Do(context.Background(), queue.NewEvent("x", nil), func(ctx context.Context, ev *queue.Event) error {
		panic("handler exploded")
	})
	if !IsExhausted(err) {
		t.Fatalf("Do = %v, want ExhaustedError", err)
	}
	entries, _ := store.List(context.Background())
	if len(entries) != 1 {
		t.Fatalf("dead-letter store holds %d entries, want 1", len(entries))
	}
}

func TestBackoffFallbackGrowth(t *testing.T) {
	r := NewRetrier(nil, WithMaxRetries(5))

	for attempt := range 5 {
		base := time.Duration(1<<uint(attempt)) * time.Second
		lo := time.Duration(float64(base) * 0.75)
		if lo < 100*time.Millisecond {
			lo = 100 * time.Millisecond
		}
		hi := time.Duration(float64(base) * 1.25)

		for range 50 {
			d := r.Delay(attempt)
			if d < lo || d > hi {
				t.Fatalf("Delay(%d) = %v, want in [%v, %v]", attempt, d, lo, hi)
			}
		}
	}
}

func TestBackoffFallbackCap(t *testing.T) {
	r := NewRetrier(nil, WithMaxRetries(20))
	// 2^10 seconds would be ~17min, so the cap must kick in.
	if got := r.BaseDelay(10); got != 30*time.Second {
		t.Errorf("BaseDelay(10) = %v, want 30s cap", got)
	}
	if d := r.Delay(10); d > time.Duration(float64(30*time.Second)*1.25) {
		t.Errorf("Delay(10) = %v exceeds jittered cap", d)
	}
}

func TestBackoffScheduleOverride(t *testing.T) {
	r := NewRetrier(nil, WithDelays([]time.Duration{5 * time.Second}))
	if got := r.BaseDelay(0); got != 5*time.Second {
		t.Errorf("BaseDelay(0) = %v, want schedule entry 5s", got)
	}
	// Past the schedule, the exponential fallback applies.
	if got := r.BaseDelay(1); got != 2*time.Second {
		t.Errorf("BaseDelay(1) = %v, want fallback 2s", got)
	}
}

func TestBackoffFloor(t *testing.T) {
	r := NewRetrier(nil, WithDelays([]time.Duration{10 * time.Millisecond}))
	for range 50 {
		if d := r.Delay(0); d < 100*time.Millisecond {
			t.Fatalf("Delay(0) = %v, want >= 100ms floor", d)
		}
	}
}

func TestDoContextCancelDuringBackoff(t *testing.T) {
	store := dlq.NewMemoryStore(10)
	r := NewRetrier(store, WithMaxRetries(3), WithDelays([]time.Duration{time.Minute}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := r.Do(ctx, queue.NewEvent("x", nil), func(ctx context.Context, ev *queue.Event) error {
		return errBoom
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do = %v, want context.Canceled", err)
	}
	// A cancelled backoff is not exhaustion, nothing is quarantined.
	n, _ := store.Count(context.Background())
	if n != 0 {
		t.Errorf("dead-letter count = %d, want 0", n)
	}
}

func TestReprocessDrainsStore(t *testing.T) {
	ctx := context.Background()
	store := dlq.NewMemoryStore(10)
	r := fastRetrier(store, 1)

	// Quarantine 5 events with an always-failing handler.
	for i := range 5 {
		r.Do(ctx, queue.NewEvent(fmt.Sprintf("ev-%d", i), nil), func(ctx context.Context, ev *queue.Event) error {
			return errBoom
		})
	}
	if n, _ := store.Count(ctx); n != 5 {
		t.Fatalf("dead-letter count = %d, want 5", n)
	}

	// Now the handler succeeds.
	processed, failed, err := r.Reprocess(ctx, func(ctx context.Context, ev *queue.Event) error {
		if ev.RetryCount != 0 {
			t.Errorf("retry count not reset, got %d", ev.RetryCount)
		}
		return nil
	}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if processed != 5 || failed != 0 {
		t.Errorf("Reprocess = (%d, %d), want (5, 0)", processed, failed)
	}
	if n, _ := store.Count(ctx); n != 0 {
		t.Errorf("dead-letter count after reprocess = %d, want 0", n)
	}
}

func TestReprocessFailuresReturnToTail(t *testing.T) {
	ctx := context.Background()
	store := dlq.NewMemoryStore(10)
	r := fastRetrier(store, 0)

	r.Do(ctx, queue.NewEvent("keeps-failing", nil), func(ctx context.Context, ev *queue.Event) error {
		return errBoom
	})

	processed, failed, err := r.Reprocess(ctx, func(ctx context.Context, ev *queue.Event) error {
		return errBoom
	}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if processed != 0 || failed != 1 {
		t.Errorf("Reprocess = (%d, %d), want (0, 1)", processed, failed)
	}
	if n, _ := store.Count(ctx); n != 1 {
		t.Errorf("failed entry should be back in the store, count = %d", n)
	}
}

func TestStatsAverageDelayFromSchedule(t *testing.T) {
	r := NewRetrier(nil,
		WithMaxRetries(2),
		WithDelays([]time.Duration{time.Second, 3 * time.Second}),
	)
	if got := r.Stats().AverageRetryDelay; got != 2*time.Second {
		t.Errorf("AverageRetryDelay = %v, want 2s", got)
	}
}

func TestResetStats(t *testing.T) {
	r := fastRetrier(nil, 1)
	r.Do(context.Background(), queue.NewEvent("x", nil), func(ctx context.Context, ev *queue.Event) error {
		return errBoom
	})
	if r.Stats().FailedRetries == 0 {
		t.Fatal("expected stats to be populated")
	}
	r.ResetStats()
	s := r.Stats()
	if s.TotalRetries != 0 || s.FailedRetries != 0 || s.DeadLetterCount != 0 {
		t.Errorf("stats after reset = %+v, want zeroes", s)
	}
}
