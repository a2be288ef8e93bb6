// Package flux is a buffered, priority-aware event processing engine.
//
// Events are emitted into a bounded priority queue and drained in
// batches by a dispatcher loop: critical events first, FIFO within a
// priority. Handlers run concurrently per batch; failures are retried
// with exponential backoff and jitter, and events that exhaust their
// retries land in a bounded dead letter store for inspection or replay.
//
// Basic usage:
//
//	engine, err := flux.New("orders",
//	    flux.WithMaxQueueSize(5000),
//	    flux.WithBatchSize(10),
//	    flux.WithMaxRetries(5))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	flux.On(engine, "order.created", func(ctx context.Context, ev *queue.Event, order Order) error {
//	    return fulfill(ctx, order)
//	})
//
//	engine.Start(ctx)
//	defer engine.Close(ctx)
//
//	engine.Emit(ctx, "order.created", order, flux.WithPriority(queue.PriorityCritical))
//
// For crash isolation, handlers can run on a worker pool behind a
// message-passing boundary instead of in the dispatcher's goroutines:
//
//	engine, err := flux.New("orders", flux.WithWorkerCount(8))
//
// Workers exchange encoded frames over mailboxes (see the worker and
// codec packages), so a panicking handler takes down one event, not the
// engine.
package flux
