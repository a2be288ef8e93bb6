// Package retry wraps a single event/handler invocation with bounded
// retries, exponential backoff with jitter, and dead-letter quarantine.
//
// A Retrier makes maxRetries+1 total attempts. Failed attempts back off
// either per a configured delay schedule (indexed by attempt) or the
// exponential fallback 1s * 2^attempt capped at 30s. Both paths apply
// ±25% uniform jitter and floor the result at 100ms to avoid
// synchronized retry storms.
//
// Per event-handler attempt:
//
//	Pending → Attempting → [Success: Done]
//	                      → [Failure, attempt<max: Backoff] → Attempting
//	                      → [Failure, attempt==max: DeadLettered]
//
// DeadLettered is terminal unless the entry is explicitly reprocessed
// via Reprocess, which re-enters the event at Pending.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rbaliyan/flux/dlq"
	"github.com/rbaliyan/flux/queue"
)

// Handler invokes one event. Returning a non-nil error marks the
// attempt failed and triggers backoff or dead-lettering.
type Handler func(ctx context.Context, ev *queue.Event) error

// Backoff constants for the fallback schedule.
const (
	// DefaultMaxRetries is the default retry bound (4 total attempts).
	DefaultMaxRetries = 3

	baseDelay    = time.Second
	maxDelay     = 30 * time.Second
	minDelay     = 100 * time.Millisecond
	jitterFactor = 0.25
)

// ExhaustedError is returned by Do once all attempts are used.
// The event has already been written to the dead-letter store when this
// error is returned.
type ExhaustedError struct {
	EventID  string
	Attempts int
	LastErr  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted for event %s after %d attempts: %v", e.EventID, e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error {
	return e.LastErr
}

// IsExhausted checks if an error indicates retry exhaustion.
func IsExhausted(err error) bool {
	var exhausted *ExhaustedError
	return errors.As(err, &exhausted)
}

// RetryableEvent is an event inside retry handling, carrying the attempt
// history. It exists only between the first failure and the terminal
// outcome (success or dead-letter placement).
type RetryableEvent struct {
	*queue.Event
	Attempts   []queue.Attempt
	MaxRetries int
	LastError  string
}

// Stats are aggregate retry counters.
//
// AverageRetryDelay is computed from the configured delay schedule, not
// from live measurements.
type Stats struct {
	TotalRetries      int64         `json:"total_retries"`
	SuccessfulRetries int64         `json:"successful_retries"`
	FailedRetries     int64         `json:"failed_retries"`
	DeadLetterCount   int64         `json:"dead_letter_count"`
	AverageRetryDelay time.Duration `json:"average_retry_delay"`
}

// Retrier executes handlers with bounded retries and owns the
// dead-letter store. Safe for concurrent use.
type Retrier struct {
	maxRetries int
	delays     []time.Duration
	store      dlq.Store
	logger     *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// Option configures a Retrier.
type Option func(*Retrier)

// WithMaxRetries sets the retry bound (total attempts = n+1).
// Negative values are ignored.
func WithMaxRetries(n int) Option {
	return func(r *Retrier) {
		if n >= 0 {
			r.maxRetries = n
		}
	}
}

// WithDelays sets an explicit delay schedule indexed by attempt number.
// Attempts beyond the schedule use the exponential fallback.
func WithDelays(delays []time.Duration) Option {
	return func(r *Retrier) {
		r.delays = delays
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Retrier) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRetrier creates a Retrier writing exhausted events to store.
// A nil store falls back to an in-memory store with the default bound.
func NewRetrier(store dlq.Store, opts ...Option) *Retrier {
	if store == nil {
		store = dlq.NewMemoryStore(dlq.DefaultCapacity)
	}
	r := &Retrier{
		maxRetries: DefaultMaxRetries,
		store:      store,
		logger:     slog.Default().With("component", "retry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// MaxRetries returns the configured retry bound.
func (r *Retrier) MaxRetries() int {
	return r.maxRetries
}

// Store returns the dead-letter store.
func (r *Retrier) Store() dlq.Store {
	return r.store
}

// BaseDelay returns the un-jittered delay for the given attempt: the
// schedule entry if one exists, else 1s * 2^attempt capped at 30s.
func (r *Retrier) BaseDelay(attempt int) time.Duration {
	if attempt >= 0 && attempt < len(r.delays) {
		return r.delays[attempt]
	}
	d := baseDelay << uint(attempt)
	if d <= 0 || d > maxDelay {
		d = maxDelay
	}
	return d
}

// Delay returns the backoff delay for the given attempt with ±25%
// uniform jitter applied, floored at 100ms.
func (r *Retrier) Delay(attempt int) time.Duration {
	d := Jitter(r.BaseDelay(attempt), jitterFactor)
	if d < minDelay {
		d = minDelay
	}
	return d
}

// Jitter perturbs a duration by a uniform random factor in
// [-factor, +factor] to avoid synchronized retry storms.
func Jitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 || factor > 1 {
		return d
	}
	j := (rand.Float64()*2 - 1) * factor
	return time.Duration(float64(d) * (1 + j))
}

// Do invokes handler for ev with bounded retries.
//
// On success it returns nil. Once all maxRetries+1 attempts fail, the
// event is appended to the dead-letter store and an *ExhaustedError is
// returned. A cancelled context aborts the backoff wait and returns the
// context error without dead-lettering.
func (r *Retrier) Do(ctx context.Context, ev *queue.Event, handler Handler) error {
	re := &RetryableEvent{
		Event:      ev,
		MaxRetries: r.maxRetries,
	}

	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		ev.RetryCount = attempt

		err := invoke(ctx, ev, handler)
		if err == nil {
			if attempt > 0 {
				r.mu.Lock()
				r.stats.SuccessfulRetries++
				r.mu.Unlock()
				r.logger.Debug("event recovered after retry",
					"event_id", ev.ID, "event", ev.Type, "attempt", attempt)
			}
			return nil
		}

		lastErr = err
		re.LastError = err.Error()
		record := queue.Attempt{
			Attempt:   attempt,
			Timestamp: time.Now(),
			Error:     err.Error(),
		}

		if attempt < r.maxRetries {
			delay := r.Delay(attempt)
			record.NextRetryAt = time.Now().Add(delay)
			re.Attempts = append(re.Attempts, record)

			r.mu.Lock()
			r.stats.TotalRetries++
			r.mu.Unlock()

			r.logger.Debug("handler failed, backing off",
				"event_id", ev.ID, "event", ev.Type,
				"attempt", attempt, "delay", delay, "error", err)

			if err := sleep(ctx, delay); err != nil {
				return err
			}
			continue
		}

		re.Attempts = append(re.Attempts, record)
	}

	return r.deadLetter(ctx, re, lastErr)
}

// deadLetter quarantines an exhausted event and reports the terminal error.
func (r *Retrier) deadLetter(ctx context.Context, re *RetryableEvent, lastErr error) error {
	attempts := re.MaxRetries + 1
	entry := &dlq.Entry{
		Event:         re.Event,
		Attempts:      re.Attempts,
		FinalError:    lastErr.Error(),
		Timestamp:     time.Now(),
		TotalAttempts: attempts,
	}

	if err := r.store.Append(ctx, entry); err != nil {
		r.logger.Error("failed to store dead-letter entry",
			"event_id", re.ID, "event", re.Type, "error", err)
	} else {
		r.mu.Lock()
		r.stats.DeadLetterCount++
		r.mu.Unlock()
	}

	r.mu.Lock()
	r.stats.FailedRetries++
	r.mu.Unlock()

	r.logger.Warn("event dead-lettered",
		"event_id", re.ID, "event", re.Type,
		"attempts", attempts, "error", lastErr)

	return &ExhaustedError{EventID: re.ID, Attempts: attempts, LastErr: lastErr}
}

// Reprocess pops up to maxEvents dead-letter entries, resets their retry
// metadata and runs them through Do again. Entries that exhaust their
// retries again are appended back at the tail of the store (treated as
// newly failed). Returns processed and failed counts.
func (r *Retrier) Reprocess(ctx context.Context, handler Handler, maxEvents int) (processed, failed int, err error) {
	entries, err := r.store.Pop(ctx, maxEvents)
	if err != nil {
		return 0, 0, fmt.Errorf("pop dead letters: %w", err)
	}

	for _, entry := range entries {
		ev := entry.Event
		ev.RetryCount = 0

		if doErr := r.Do(ctx, ev, handler); doErr != nil {
			if ctx.Err() != nil {
				return processed, failed, ctx.Err()
			}
			failed++
			continue
		}
		processed++
	}

	if len(entries) > 0 {
		r.logger.Info("reprocessed dead-letter entries",
			"processed", processed, "failed", failed)
	}
	return processed, failed, nil
}

// Stats returns a snapshot of the aggregate counters.
func (r *Retrier) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.AverageRetryDelay = r.averageConfiguredDelay()
	return s
}

// ResetStats zeroes the aggregate counters.
func (r *Retrier) ResetStats() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = Stats{}
}

// averageConfiguredDelay is the mean un-jittered delay across the retry
// schedule. Caller holds r.mu.
func (r *Retrier) averageConfiguredDelay() time.Duration {
	if r.maxRetries == 0 {
		return 0
	}
	var total time.Duration
	for attempt := range r.maxRetries {
		total += r.BaseDelay(attempt)
	}
	return total / time.Duration(r.maxRetries)
}

// invoke runs the handler with panic recovery so a panicking handler is
// a failed attempt, not a crashed dispatcher.
func invoke(ctx context.Context, ev *queue.Event, handler Handler) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return handler(ctx, ev)
}

// sleep waits for d or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
