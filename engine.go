package flux

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/rbaliyan/flux/dlq"
	"github.com/rbaliyan/flux/queue"
	"github.com/rbaliyan/flux/retry"
	"github.com/rbaliyan/flux/worker"
)

// Handler processes one event. Returning a non-nil error marks the
// attempt failed and triggers the retry policy.
type Handler func(ctx context.Context, ev *queue.Event) error

// Span attribute keys
const (
	spanKeyEventID   = "flux.event.id"
	spanKeyEventType = "flux.event.type"
	spanKeyPriority  = "flux.event.priority"
	spanKeyEngine    = "flux.engine"
)

// Engine status
const (
	engineIdle int32 = iota
	engineRunning
	engineStopped
	engineClosed
)

// DefaultEngineName is used when New is given an empty name.
const DefaultEngineName = "flux"

// Engine is a buffered, priority-aware event processor.
//
// Emitted events land in a bounded priority queue. A single loop drains
// them in batches, highest priority first, and runs the handlers
// registered for each event's type. Failed events are retried with
// backoff and dead-lettered when retries are exhausted.
//
// With a worker pool configured, handlers run on pool workers behind a
// message-passing boundary instead of in the dispatcher's goroutines.
type Engine struct {
	id     string
	name   string
	status atomic.Int32

	queue    *queue.PriorityQueue
	retrier  *retry.Retrier
	dlqStore dlq.Store
	pool     *worker.Pool
	limiter  *rate.Limiter
	logger   *slog.Logger
	onError  func(*queue.Event, error)

	batchSize int
	interval  time.Duration

	metricsEnabled  bool
	tracingEnabled  bool
	recoveryEnabled bool

	handlers   map[string][]Handler
	handlersMu sync.RWMutex

	wake   chan struct{}
	stopCh chan struct{}
	runMu  sync.Mutex
	loopWG sync.WaitGroup

	poolStarted bool

	stats collector
}

// New creates an engine. The loop does not run until Start is called;
// Emit works before Start and events wait in the queue.
func New(name string, opts ...Option) (*Engine, error) {
	if name == "" {
		name = DefaultEngineName
	}

	cfg := newEngineConfig(opts...)

	store := cfg.dlqStore
	if store == nil {
		store = dlq.NewMemoryStore(dlq.DefaultCapacity)
	}

	logger := cfg.logger.With("component", "engine", "engine", name)

	e := &Engine{
		id:              queue.NewID(),
		name:            name,
		queue:           queue.NewPriorityQueue(cfg.maxQueueSize),
		dlqStore:        store,
		pool:            cfg.pool,
		limiter:         cfg.limiter,
		logger:          logger,
		onError:         cfg.onError,
		batchSize:       cfg.batchSize,
		interval:        cfg.interval,
		metricsEnabled:  cfg.metricsEnabled,
		tracingEnabled:  cfg.tracingEnabled,
		recoveryEnabled: cfg.recoveryEnabled,
		handlers:        make(map[string][]Handler),
		wake:            make(chan struct{}, 1),
	}

	e.retrier = retry.NewRetrier(store,
		retry.WithMaxRetries(cfg.maxRetries),
		retry.WithDelays(cfg.retryDelays),
		retry.WithLogger(logger))

	return e, nil
}

// ID returns the unique instance identifier.
func (e *Engine) ID() string { return e.id }

// Name returns the engine name.
func (e *Engine) Name() string { return e.name }

// Running reports whether the processing loop is active.
func (e *Engine) Running() bool { return e.status.Load() == engineRunning }

// EmitOption customizes a single emitted event.
type EmitOption func(*queue.Event)

// WithPriority sets the event priority. Defaults to PriorityNormal.
func WithPriority(p queue.Priority) EmitOption {
	return func(ev *queue.Event) {
		ev.Priority = p
	}
}

// WithCorrelationID tags the event with a correlation ID, overriding
// any correlation carried by the emit context.
func WithCorrelationID(id string) EmitOption {
	return func(ev *queue.Event) {
		ev.CorrelationID = id
	}
}

// Emit enqueues an event and returns its generated ID. Safe for
// concurrent use. Returns a QueueFullError when the queue is at
// capacity and ErrEngineClosed after Close.
func (e *Engine) Emit(ctx context.Context, eventType string, payload any, opts ...EmitOption) (string, error) {
	if e.status.Load() == engineClosed {
		return "", ErrEngineClosed
	}

	ev := queue.NewEvent(eventType, payload)
	for _, opt := range opts {
		opt(ev)
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = ContextCorrelation(ctx)
	}

	if e.tracingEnabled {
		tracer := otel.Tracer(e.name)
		var span trace.Span
		ctx, span = tracer.Start(ctx, fmt.Sprintf("%s.emit", eventType),
			trace.WithAttributes(
				attribute.String(spanKeyEventID, ev.ID),
				attribute.String(spanKeyEventType, eventType),
				attribute.String(spanKeyPriority, ev.Priority.String()),
				attribute.String(spanKeyEngine, e.name)),
			trace.WithSpanKind(trace.SpanKindProducer))
		defer span.End()
	}

	if !e.queue.Enqueue(ev) {
		if e.metricsEnabled {
			meter := otel.Meter(e.name)
			rejected, _ := meter.Int64Counter("engine.events.rejected",
				metric.WithDescription("Events rejected because the queue was full"))
			rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
		}
		e.logger.Warn("queue full, rejecting event",
			"event_type", eventType,
			"capacity", e.queue.Cap())
		return "", &QueueFullError{EventType: eventType, Capacity: e.queue.Cap()}
	}

	e.stats.total.Add(1)
	if e.metricsEnabled {
		meter := otel.Meter(e.name)
		emitted, _ := meter.Int64Counter("engine.events.emitted",
			metric.WithDescription("Events accepted into the queue"))
		emitted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event_type", eventType),
			attribute.String("priority", ev.Priority.String())))
	}

	// Nudge the loop without blocking if it is already awake.
	select {
	case e.wake <- struct{}{}:
	default:
	}

	return ev.ID, nil
}

// RegisterHandler binds a handler to an event type. Multiple handlers
// may share a type; each one runs for every event of that type. With a
// worker pool configured the handler is also installed on every worker.
func (e *Engine) RegisterHandler(eventType string, h Handler) error {
	if h == nil {
		return ErrNilHandler
	}
	if e.status.Load() == engineClosed {
		return ErrEngineClosed
	}

	e.handlersMu.Lock()
	e.handlers[eventType] = append(e.handlers[eventType], h)
	e.handlersMu.Unlock()

	if e.pool != nil {
		return e.pool.RegisterHandler(eventType, worker.Handler(h))
	}
	return nil
}

// On binds a typed handler to an event type. The payload is converted
// to T before the handler runs: a direct type assertion first, then a
// JSON round-trip for payloads that crossed a codec boundary. A payload
// that fits neither fails the event with ErrPayloadType.
func On[T any](e *Engine, eventType string, handler func(ctx context.Context, ev *queue.Event, data T) error) error {
	if handler == nil {
		return ErrNilHandler
	}
	return e.RegisterHandler(eventType, func(ctx context.Context, ev *queue.Event) error {
		data, err := payloadAs[T](ev.Payload)
		if err != nil {
			return err
		}
		return handler(ctx, ev, data)
	})
}

func payloadAs[T any](payload any) (T, error) {
	if v, ok := payload.(T); ok {
		return v, nil
	}
	var zero T
	raw, err := json.Marshal(payload)
	if err != nil {
		return zero, fmt.Errorf("%w: %v", ErrPayloadType, err)
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, fmt.Errorf("%w: cannot convert payload to %T", ErrPayloadType, zero)
	}
	return v, nil
}

func (e *Engine) handlersFor(eventType string) []Handler {
	e.handlersMu.RLock()
	defer e.handlersMu.RUnlock()
	return e.handlers[eventType]
}

// Start launches the processing loop. With a worker pool configured the
// pool is started first. Returns ErrEngineRunning if already started
// and ErrEngineClosed after Close.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	switch e.status.Load() {
	case engineClosed:
		return ErrEngineClosed
	case engineRunning:
		return ErrEngineRunning
	}

	if e.pool != nil && !e.poolStarted {
		if err := e.pool.Start(ctx); err != nil {
			return err
		}
		e.poolStarted = true
	}

	e.stopCh = make(chan struct{})
	e.status.Store(engineRunning)
	e.loopWG.Add(1)
	go e.run(context.WithoutCancel(ctx), e.stopCh)

	e.logger.Info("engine started",
		"queue_capacity", e.queue.Cap(),
		"batch_size", e.batchSize,
		"interval", e.interval,
		"worker_pool", e.pool != nil)
	return nil
}

// Stop halts the processing loop after the current batch. In-flight
// handlers are not cancelled and queued events stay queued; Start may
// be called again to resume.
func (e *Engine) Stop() {
	e.runMu.Lock()
	if e.status.CompareAndSwap(engineRunning, engineStopped) {
		close(e.stopCh)
	}
	e.runMu.Unlock()
	e.loopWG.Wait()
}

// Close stops the loop and shuts down the worker pool. The engine
// cannot be restarted.
func (e *Engine) Close(ctx context.Context) error {
	e.Stop()

	e.runMu.Lock()
	if e.status.Load() == engineClosed {
		e.runMu.Unlock()
		return nil
	}
	e.status.Store(engineClosed)
	shutdownPool := e.pool != nil && e.poolStarted
	e.runMu.Unlock()

	var err error
	if shutdownPool {
		err = e.pool.Shutdown(ctx)
	}
	e.logger.Info("engine closed")
	return err
}

// run is the processing loop: drain a batch, process it, sleep when
// idle. A panic while processing is logged and the loop resumes with
// the next batch.
func (e *Engine) run(ctx context.Context, stopCh chan struct{}) {
	defer e.loopWG.Done()

	// Cancels limiter waits on Stop. Handler contexts are derived from
	// ctx instead, so in-flight work is never cancelled by Stop.
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-stopCh
		cancel()
	}()

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		batch := e.queue.DequeueBatch(e.batchSize)
		if len(batch) == 0 {
			select {
			case <-stopCh:
				return
			case <-e.wake:
			case <-time.After(e.interval):
			}
			continue
		}

		if e.limiter != nil {
			if err := e.limiter.WaitN(waitCtx, len(batch)); err != nil {
				// Stopping; process the drained batch rather than lose it.
				e.processBatch(ctx, batch)
				return
			}
		}

		e.processBatch(ctx, batch)
	}
}

// processBatch runs every event of the batch concurrently and waits for
// all of them to settle.
func (e *Engine) processBatch(ctx context.Context, batch []*queue.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("processing loop recovered from panic", "panic", r)
		}
	}()

	start := time.Now()

	var wg sync.WaitGroup
	for _, ev := range batch {
		if len(e.handlersFor(ev.Type)) == 0 {
			e.drop(ctx, ev)
			continue
		}

		e.stats.inFlight.Add(1)
		wg.Add(1)
		go func(ev *queue.Event) {
			defer wg.Done()
			defer e.stats.inFlight.Add(-1)
			e.dispatch(ctx, ev)
		}(ev)
	}
	wg.Wait()

	e.stats.recordBatch(time.Since(start))
	if e.metricsEnabled {
		meter := otel.Meter(e.name)
		hist, _ := meter.Float64Histogram("engine.batch.duration",
			metric.WithDescription("Batch processing duration in seconds"),
			metric.WithUnit("s"))
		hist.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.Int("batch_size", len(batch))))
	}
}

// dispatch settles one event: run its handlers through the retry
// policy and record the terminal outcome.
func (e *Engine) dispatch(ctx context.Context, ev *queue.Event) {
	hctx := WithEventID(ctx, ev.ID)
	if ev.CorrelationID != "" {
		hctx = WithCorrelation(hctx, ev.CorrelationID)
	}

	if e.tracingEnabled {
		tracer := otel.Tracer(e.name)
		var span trace.Span
		hctx, span = tracer.Start(hctx, fmt.Sprintf("%s.process", ev.Type),
			trace.WithAttributes(
				attribute.String(spanKeyEventID, ev.ID),
				attribute.String(spanKeyEventType, ev.Type),
				attribute.String(spanKeyPriority, ev.Priority.String()),
				attribute.String(spanKeyEngine, e.name)),
			trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
	}

	var err error
	if e.pool != nil {
		err = e.retrier.Do(hctx, ev, e.pool.Process)
	} else {
		err = e.retrier.Do(hctx, ev, e.invokeAll)
	}

	if err != nil {
		e.stats.failed.Add(1)
		e.logger.Error("event failed permanently",
			"event_id", ev.ID,
			"event_type", ev.Type,
			"retries", ev.RetryCount,
			"error", err)
		if e.metricsEnabled {
			meter := otel.Meter(e.name)
			failed, _ := meter.Int64Counter("engine.events.failed",
				metric.WithDescription("Events that exhausted their retries"))
			failed.Add(hctx, 1, metric.WithAttributes(attribute.String("event_type", ev.Type)))
		}
		e.onError(ev, err)
		return
	}

	e.stats.processed.Add(1)
	if e.metricsEnabled {
		meter := otel.Meter(e.name)
		processed, _ := meter.Int64Counter("engine.events.processed",
			metric.WithDescription("Events processed successfully"))
		processed.Add(hctx, 1, metric.WithAttributes(attribute.String("event_type", ev.Type)))
	}
}

// invokeAll runs every handler registered for the event's type,
// concurrently when there is more than one, and joins their errors.
func (e *Engine) invokeAll(ctx context.Context, ev *queue.Event) error {
	handlers := e.handlersFor(ev.Type)
	if len(handlers) == 1 {
		return e.invoke(ctx, ev, handlers[0])
	}

	errs := make([]error, len(handlers))
	var wg sync.WaitGroup
	for i, h := range handlers {
		wg.Add(1)
		go func(i int, h Handler) {
			defer wg.Done()
			errs[i] = e.invoke(ctx, ev, h)
		}(i, h)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (e *Engine) invoke(ctx context.Context, ev *queue.Event, h Handler) (err error) {
	if e.recoveryEnabled {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
	}
	return h(ctx, ev)
}

// drop records an event with no registered handler. Dropped events are
// terminal: no retry, no dead-lettering.
func (e *Engine) drop(ctx context.Context, ev *queue.Event) {
	e.stats.dropped.Add(1)
	e.logger.Warn("no handler registered, dropping event",
		"event_id", ev.ID,
		"event_type", ev.Type)
	if e.metricsEnabled {
		meter := otel.Meter(e.name)
		dropped, _ := meter.Int64Counter("engine.events.dropped",
			metric.WithDescription("Events dropped because no handler was registered"))
		dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", ev.Type)))
	}
}

// WaitForCompletion blocks until every accepted event has settled: the
// queue is empty, nothing is in flight, and processed + failed +
// dropped equals the accepted total. Returns ErrDrainTimeout if events
// are still outstanding after the timeout.
func (e *Engine) WaitForCompletion(ctx context.Context, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()

	for {
		if e.settled() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			m := e.Metrics()
			return fmt.Errorf("%w: %d queued, %d in flight, %d settled of %d",
				ErrDrainTimeout, m.QueueSize, m.InFlight, m.Settled(), m.TotalEvents)
		case <-tick.C:
		}
	}
}

func (e *Engine) settled() bool {
	if !e.queue.IsEmpty() || e.stats.inFlight.Load() != 0 {
		return false
	}
	settled := e.stats.processed.Load() + e.stats.failed.Load() + e.stats.dropped.Load()
	return settled == e.stats.total.Load()
}

// Metrics returns a snapshot of engine counters.
func (e *Engine) Metrics() Metrics {
	size := e.queue.Len()
	capacity := e.queue.Cap()

	var utilization float64
	if capacity > 0 {
		utilization = float64(size) / float64(capacity)
	}

	deadLetters, _ := e.dlqStore.Count(context.Background())

	return Metrics{
		TotalEvents:           e.stats.total.Load(),
		ProcessedEvents:       e.stats.processed.Load(),
		FailedEvents:          e.stats.failed.Load(),
		DroppedEvents:         e.stats.dropped.Load(),
		QueueSize:             size,
		QueueCapacity:         capacity,
		QueueUtilization:      utilization,
		BatchesProcessed:      e.stats.batches.Load(),
		AverageProcessingTime: e.stats.averageBatchTime(),
		InFlight:              e.stats.inFlight.Load(),
		IsProcessing:          e.status.Load() == engineRunning,
		DeadLetters:           deadLetters,
	}
}

// ResetMetrics zeroes the engine and retry counters. Queue contents and
// dead letters are untouched.
func (e *Engine) ResetMetrics() {
	e.stats.reset()
	e.retrier.ResetStats()
}

// RetryStats returns a snapshot of retry policy counters.
func (e *Engine) RetryStats() retry.Stats {
	return e.retrier.Stats()
}

// DeadLetters returns the dead letter entries, oldest first.
func (e *Engine) DeadLetters(ctx context.Context) ([]*dlq.Entry, error) {
	return e.dlqStore.List(ctx)
}

// ReprocessDeadLetters replays up to maxEvents dead letters through the
// handler. Events that fail again re-enter the retry policy and are
// re-quarantined on exhaustion.
func (e *Engine) ReprocessDeadLetters(ctx context.Context, handler Handler, maxEvents int) (processed, failed int, err error) {
	if handler == nil {
		return 0, 0, ErrNilHandler
	}
	return e.retrier.Reprocess(ctx, retry.Handler(handler), maxEvents)
}
