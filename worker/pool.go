package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rbaliyan/flux/codec"
	"github.com/rbaliyan/flux/queue"
)

// Pool errors
var (
	ErrPoolClosed      = errors.New("worker pool is closed")
	ErrAlreadyStarted  = errors.New("worker pool already started")
	ErrNoWorkerHandler = errors.New("no handler registered on worker")
	ErrWorkerPanic     = errors.New("worker handler panicked")
)

// Handler processes one event on a worker.
type Handler func(ctx context.Context, ev *queue.Event) error

// DefaultWorkerCount is the worker count used when none is configured.
const DefaultWorkerCount = 4

// Pool status
const (
	statusIdle int32 = iota
	statusRunning
	statusDraining
	statusStopped
)

// Option configures a Pool.
type Option func(*Pool)

// WithTransport sets the mailbox transport. Defaults to the in-process
// channel transport.
func WithTransport(t Transport) Option {
	return func(p *Pool) {
		if t != nil {
			p.transport = t
		}
	}
}

// WithCodec sets the frame codec. Defaults to MessagePack.
func WithCodec(c codec.Codec) Option {
	return func(p *Pool) {
		if c != nil {
			p.codec = c
		}
	}
}

// WithLogger sets the pool logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l.With("component", "worker.pool")
		}
	}
}

// Pool dispatches events to a fixed set of workers over mailboxes and
// correlates acks back to the dispatching goroutine by event ID.
//
// Workers keep their own handler registries. RegisterHandler installs a
// handler on every worker, so any worker can process any registered
// event type; events are assigned round-robin.
type Pool struct {
	status    atomic.Int32
	transport Transport
	codec     codec.Codec
	logger    *slog.Logger

	workers []*poolWorker
	senders []Sender
	ackRecv Receiver

	next   atomic.Uint64
	active atomic.Int32

	mu        sync.Mutex
	pending   map[string]chan error
	pendingWG sync.WaitGroup

	workerWG sync.WaitGroup
	ackWG    sync.WaitGroup
	cancel   context.CancelFunc
}

// NewPool creates a pool with the given worker count.
// Counts <= 0 fall back to DefaultWorkerCount.
func NewPool(workerCount int, opts ...Option) *Pool {
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount
	}

	p := &Pool{
		transport: NewChannelTransport(DefaultMailboxBuffer),
		codec:     codec.MsgPack{},
		logger:    slog.Default().With("component", "worker.pool"),
		pending:   make(map[string]chan error),
	}

	for _, opt := range opts {
		opt(p)
	}

	p.workers = make([]*poolWorker, workerCount)
	for i := range p.workers {
		p.workers[i] = &poolWorker{
			id:       i,
			pool:     p,
			handlers: make(map[string][]Handler),
		}
	}
	return p
}

// Size returns the configured worker count.
func (p *Pool) Size() int { return len(p.workers) }

// ActiveWorkers returns the number of worker loops currently running.
func (p *Pool) ActiveWorkers() int { return int(p.active.Load()) }

// Pending returns the number of dispatched events awaiting an ack.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// RegisterHandler installs a handler for an event type on every worker.
// May be called before or after Start.
func (p *Pool) RegisterHandler(eventType string, h Handler) error {
	if h == nil {
		return errors.New("handler is required")
	}
	for _, w := range p.workers {
		w.mu.Lock()
		w.handlers[eventType] = append(w.handlers[eventType], h)
		w.mu.Unlock()
	}
	return nil
}

func mailboxName(workerID int) string {
	return fmt.Sprintf("worker.%d", workerID)
}

const ackMailbox = "acks"

// Start wires up the mailboxes and launches the worker loops.
func (p *Pool) Start(ctx context.Context) error {
	if !p.status.CompareAndSwap(statusIdle, statusRunning) {
		return ErrAlreadyStarted
	}

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel

	ackRecv, err := p.transport.Listen(ackMailbox)
	if err != nil {
		return err
	}
	p.ackRecv = ackRecv

	p.senders = make([]Sender, len(p.workers))
	for i, w := range p.workers {
		inbox, err := p.transport.Listen(mailboxName(i))
		if err != nil {
			return err
		}
		sender, err := p.transport.Dial(mailboxName(i))
		if err != nil {
			return err
		}
		ackOut, err := p.transport.Dial(ackMailbox)
		if err != nil {
			return err
		}

		w.inbox = inbox
		w.ackOut = ackOut
		p.senders[i] = sender

		p.workerWG.Add(1)
		go w.run(workerCtx)
	}

	p.ackWG.Add(1)
	go p.ackLoop()

	p.logger.Info("worker pool started", "workers", len(p.workers), "codec", p.codec.Name())
	return nil
}

// Process dispatches one event to the next worker round-robin and
// blocks until the worker acks it or the context expires. The returned
// error is the worker's reported failure, if any.
func (p *Pool) Process(ctx context.Context, ev *queue.Event) error {
	if p.status.Load() != statusRunning {
		return ErrPoolClosed
	}

	data, err := p.codec.Encode(codec.EventFrame(ev))
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	p.mu.Lock()
	p.pending[ev.ID] = done
	p.mu.Unlock()
	p.pendingWG.Add(1)

	idx := int(p.next.Add(1)-1) % len(p.senders)
	if err := p.senders[idx].Send(ctx, data); err != nil {
		p.forget(ev.ID)
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		p.forget(ev.ID)
		return ctx.Err()
	}
}

// forget drops a pending entry without signalling its waiter.
func (p *Pool) forget(eventID string) {
	p.mu.Lock()
	_, ok := p.pending[eventID]
	delete(p.pending, eventID)
	p.mu.Unlock()
	if ok {
		p.pendingWG.Done()
	}
}

// resolve delivers an ack outcome to the waiting dispatcher.
func (p *Pool) resolve(eventID string, err error) {
	p.mu.Lock()
	done, ok := p.pending[eventID]
	delete(p.pending, eventID)
	p.mu.Unlock()
	if !ok {
		// Late ack for a dispatch that timed out.
		p.logger.Debug("dropping unmatched ack", "event_id", eventID)
		return
	}
	done <- err
	p.pendingWG.Done()
}

func (p *Pool) ackLoop() {
	defer p.ackWG.Done()

	for data := range p.ackRecv.Receive() {
		f, err := p.codec.Decode(data)
		if err != nil {
			p.logger.Warn("discarding undecodable ack", "error", err)
			continue
		}
		switch f.Kind {
		case codec.KindProcessed:
			p.resolve(f.EventID, nil)
		case codec.KindError:
			p.resolve(f.EventID, fmt.Errorf("worker %d: %s", f.WorkerID, f.Error))
		default:
			p.logger.Warn("unexpected frame on ack mailbox", "kind", f.Kind)
		}
	}
}

// Shutdown drains the pool: it stops accepting new events, waits for
// every outstanding ack, then tears down the workers and mailboxes.
// In-flight handlers are not cancelled; if the context expires the
// teardown proceeds anyway and the context error is returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	if !p.status.CompareAndSwap(statusRunning, statusDraining) {
		if p.status.Load() == statusIdle {
			p.status.Store(statusStopped)
			return nil
		}
		return ErrPoolClosed
	}

	var errs []error

	drained := make(chan struct{})
	go func() {
		p.pendingWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	for _, w := range p.workers {
		if w.inbox != nil {
			w.inbox.Close(ctx)
		}
	}
	p.workerWG.Wait()

	if p.ackRecv != nil {
		p.ackRecv.Close(ctx)
	}
	p.ackWG.Wait()

	if p.cancel != nil {
		p.cancel()
	}
	if err := p.transport.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	p.status.Store(statusStopped)
	p.logger.Info("worker pool stopped")
	return errors.Join(errs...)
}

// poolWorker is one worker loop with its own handler registry.
type poolWorker struct {
	id     int
	pool   *Pool
	inbox  Receiver
	ackOut Sender

	mu       sync.RWMutex
	handlers map[string][]Handler
}

func (w *poolWorker) run(ctx context.Context) {
	defer w.pool.workerWG.Done()

	w.pool.active.Add(1)
	defer w.pool.active.Add(-1)

	logger := w.pool.logger.With("worker", w.id)
	logger.Debug("worker started")

	for data := range w.inbox.Receive() {
		f, err := w.pool.codec.Decode(data)
		if err != nil {
			logger.Warn("discarding undecodable frame", "error", err)
			continue
		}
		if f.Kind != codec.KindEvent || f.Event == nil {
			logger.Warn("unexpected frame on worker mailbox", "kind", f.Kind)
			continue
		}

		var ack *codec.Frame
		if err := w.process(ctx, f.Event); err != nil {
			logger.Warn("event failed",
				"event_id", f.Event.ID,
				"event_type", f.Event.Type,
				"error", err)
			ack = codec.ErrorFrame(f.Event.ID, w.id, err)
		} else {
			ack = codec.ProcessedFrame(f.Event.ID, w.id)
		}

		out, err := w.pool.codec.Encode(ack)
		if err != nil {
			logger.Error("dropping ack, encode failed", "event_id", f.Event.ID, "error", err)
			continue
		}
		if err := w.ackOut.Send(ctx, out); err != nil {
			logger.Error("dropping ack, send failed", "event_id", f.Event.ID, "error", err)
		}
	}

	logger.Debug("worker stopped")
}

// process runs every handler registered for the event's type. A panic
// in a handler is contained to this event and reported as its failure.
func (w *poolWorker) process(ctx context.Context, ev *queue.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrWorkerPanic, r)
		}
	}()

	w.mu.RLock()
	handlers := append([]Handler(nil), w.handlers[ev.Type]...)
	w.mu.RUnlock()

	if len(handlers) == 0 {
		return fmt.Errorf("%w: %s", ErrNoWorkerHandler, ev.Type)
	}

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
