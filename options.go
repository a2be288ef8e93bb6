package flux

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/rbaliyan/flux/dlq"
	"github.com/rbaliyan/flux/queue"
	"github.com/rbaliyan/flux/retry"
	"github.com/rbaliyan/flux/worker"
)

// Engine defaults.
var (
	// DefaultBatchSize is the number of events drained per loop tick.
	DefaultBatchSize = 5

	// DefaultProcessingInterval is how long the loop sleeps when the
	// queue is empty before checking again.
	DefaultProcessingInterval = 100 * time.Millisecond
)

// engineConfig engine configuration
type engineConfig struct {
	maxQueueSize    int
	batchSize       int
	interval        time.Duration
	maxRetries      int
	retryDelays     []time.Duration
	dlqStore        dlq.Store
	pool            *worker.Pool
	logger          *slog.Logger
	metricsEnabled  bool
	tracingEnabled  bool
	recoveryEnabled bool
	limiter         *rate.Limiter
	onError         func(*queue.Event, error)
}

func newEngineConfig(opts ...Option) *engineConfig {
	cfg := &engineConfig{
		maxQueueSize:    queue.DefaultMaxSize,
		batchSize:       DefaultBatchSize,
		interval:        DefaultProcessingInterval,
		maxRetries:      retry.DefaultMaxRetries,
		metricsEnabled:  true,
		tracingEnabled:  true,
		recoveryEnabled: true,
		logger:          slog.Default(),
		onError:         func(*queue.Event, error) {},
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Option configures an Engine.
type Option func(*engineConfig)

// WithMaxQueueSize bounds the priority queue. Emits beyond the bound
// are rejected with ErrQueueFull.
func WithMaxQueueSize(n int) Option {
	return func(c *engineConfig) {
		if n > 0 {
			c.maxQueueSize = n
		}
	}
}

// WithBatchSize sets how many events the loop drains per tick.
func WithBatchSize(n int) Option {
	return func(c *engineConfig) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithProcessingInterval sets the idle poll interval of the loop.
// Emits wake the loop immediately, so this only bounds the latency of
// events enqueued while a batch is being processed.
func WithProcessingInterval(d time.Duration) Option {
	return func(c *engineConfig) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithMaxRetries sets how many times a failed event is retried before
// it is dead-lettered. 0 disables retries.
func WithMaxRetries(n int) Option {
	return func(c *engineConfig) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithRetryDelays sets explicit per-attempt backoff delays. Attempts
// beyond the schedule fall back to exponential backoff.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(c *engineConfig) {
		c.retryDelays = delays
	}
}

// WithDLQStore sets the dead letter store. Defaults to a bounded
// in-memory store.
func WithDLQStore(store dlq.Store) Option {
	return func(c *engineConfig) {
		if store != nil {
			c.dlqStore = store
		}
	}
}

// WithWorkerPool runs handlers on the given pool instead of in the
// dispatcher's goroutines. The engine starts and stops the pool with
// its own lifecycle and registers every handler on it.
func WithWorkerPool(p *worker.Pool) Option {
	return func(c *engineConfig) {
		c.pool = p
	}
}

// WithWorkerCount is shorthand for WithWorkerPool with an in-process
// pool of n workers.
func WithWorkerCount(n int) Option {
	return func(c *engineConfig) {
		c.pool = worker.NewPool(n)
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *engineConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics toggles OpenTelemetry metrics. Internal counters are
// always kept; this only controls instrument emission.
func WithMetrics(enabled bool) Option {
	return func(c *engineConfig) {
		c.metricsEnabled = enabled
	}
}

// WithTracing toggles OpenTelemetry spans around emit and dispatch.
func WithTracing(enabled bool) Option {
	return func(c *engineConfig) {
		c.tracingEnabled = enabled
	}
}

// WithRecovery toggles panic recovery around handler invocations.
// Enabled by default; disable only in tests that want panics to
// propagate.
func WithRecovery(enabled bool) Option {
	return func(c *engineConfig) {
		c.recoveryEnabled = enabled
	}
}

// WithRateLimit throttles dispatch to eventsPerSecond with the given
// burst. Zero or negative values disable the limiter.
func WithRateLimit(eventsPerSecond float64, burst int) Option {
	return func(c *engineConfig) {
		if eventsPerSecond > 0 && burst > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(eventsPerSecond), burst)
		}
	}
}

// WithErrorHandler sets a callback invoked when an event exhausts its
// retries and is dead-lettered.
func WithErrorHandler(fn func(ev *queue.Event, err error)) Option {
	return func(c *engineConfig) {
		if fn != nil {
			c.onError = fn
		}
	}
}
