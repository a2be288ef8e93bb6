// Package ingress bridges external message sources into an engine.
//
// The Kafka bridge consumes topics through a consumer group and emits
// each record as an engine event. Offsets are only marked after the
// event is accepted into the queue, so a full queue pushes back on the
// consumer instead of losing records.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"github.com/rbaliyan/flux"
	"github.com/rbaliyan/flux/queue"
)

// Record headers recognized by the bridge.
const (
	HeaderEventType     = "event-type"
	HeaderPriority      = "priority"
	HeaderCorrelationID = "correlation-id"
)

// ErrBridgeClosed is returned by Start on a closed bridge.
var ErrBridgeClosed = errors.New("kafka bridge is closed")

// emitBackoff is the pause before re-emitting a record rejected by a
// full queue.
const emitBackoff = 100 * time.Millisecond

// Emitter is the engine surface the bridge needs. *flux.Engine
// satisfies it.
type Emitter interface {
	Emit(ctx context.Context, eventType string, payload any, opts ...flux.EmitOption) (string, error)
}

// Option configures a KafkaBridge.
type Option func(*KafkaBridge)

// WithLogger sets the bridge logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *KafkaBridge) {
		if l != nil {
			b.logger = l.With("component", "ingress.kafka")
		}
	}
}

// KafkaBridge consumes Kafka topics and emits each record as an event.
//
// The event type comes from the "event-type" header, falling back to
// the topic name. Priority and correlation ID are read from their
// headers when present. JSON record values become structured payloads;
// anything else is passed through as raw bytes.
type KafkaBridge struct {
	status   int32
	consumer sarama.ConsumerGroup
	engine   Emitter
	topics   []string
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewKafkaBridge creates a bridge from an existing consumer group.
func NewKafkaBridge(consumer sarama.ConsumerGroup, topics []string, engine Emitter, opts ...Option) (*KafkaBridge, error) {
	if consumer == nil {
		return nil, errors.New("consumer group is required")
	}
	if len(topics) == 0 {
		return nil, errors.New("at least one topic is required")
	}
	if engine == nil {
		return nil, errors.New("engine is required")
	}

	b := &KafkaBridge{
		status:   1,
		consumer: consumer,
		engine:   engine,
		topics:   topics,
		logger:   slog.Default().With("component", "ingress.kafka"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Start begins consuming in the background. Consume returns on every
// rebalance, so it runs in a loop until the bridge is closed.
func (b *KafkaBridge) Start(ctx context.Context) error {
	if atomic.LoadInt32(&b.status) != 1 {
		return ErrBridgeClosed
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		handler := &groupHandler{bridge: b}
		for {
			if err := b.consumer.Consume(runCtx, b.topics, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				b.logger.Error("consume error", "error", err)
			}
			if runCtx.Err() != nil {
				return
			}
		}
	}()

	b.logger.Info("kafka bridge started", "topics", b.topics)
	return nil
}

// Close stops consuming and waits for the consume loop to exit.
func (b *KafkaBridge) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&b.status, 1, 0) {
		return nil
	}
	if b.cancel != nil {
		b.cancel()
	}
	err := b.consumer.Close()
	b.wg.Wait()
	b.logger.Info("kafka bridge stopped")
	return err
}

// bridgeMessage converts one record into an emit. A full queue is
// retried with backoff until the context expires; any other emit
// failure is terminal for the record.
func (b *KafkaBridge) bridgeMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	eventType := msg.Topic
	priority := queue.PriorityNormal
	correlationID := ""

	for _, h := range msg.Headers {
		switch string(h.Key) {
		case HeaderEventType:
			eventType = string(h.Value)
		case HeaderPriority:
			priority = queue.ParsePriority(string(h.Value))
		case HeaderCorrelationID:
			correlationID = string(h.Value)
		}
	}

	var payload any
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		payload = msg.Value
	}

	opts := []flux.EmitOption{flux.WithPriority(priority)}
	if correlationID != "" {
		opts = append(opts, flux.WithCorrelationID(correlationID))
	}

	for {
		_, err := b.engine.Emit(ctx, eventType, payload, opts...)
		if err == nil {
			return nil
		}
		if !errors.Is(err, flux.ErrQueueFull) {
			return err
		}
		b.logger.Warn("queue full, backing off",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(emitBackoff):
		}
	}
}

// groupHandler implements sarama.ConsumerGroupHandler
type groupHandler struct {
	bridge *KafkaBridge
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.bridge.bridgeMessage(session.Context(), msg); err != nil {
				h.bridge.logger.Error("record not bridged",
					"topic", msg.Topic,
					"partition", msg.Partition,
					"offset", msg.Offset,
					"error", err)
				return err
			}
			session.MarkMessage(msg, "")
		}
	}
}

var _ sarama.ConsumerGroupHandler = (*groupHandler)(nil)
