package ingress

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/IBM/sarama"
	"github.com/google/go-cmp/cmp"

	"github.com/rbaliyan/flux"
	"github.com/rbaliyan/flux/queue"
)

type recordedEmit struct {
	eventType string
	payload   any
	event     *queue.Event
}

// stubEmitter records emits and can reject the first n with a full
// queue.
type stubEmitter struct {
	rejectFirst int
	calls       int
	failWith    error
	emits       []recordedEmit
}

func (s *stubEmitter) Emit(ctx context.Context, eventType string, payload any, opts ...flux.EmitOption) (string, error) {
	s.calls++
	if s.failWith != nil {
		return "", s.failWith
	}
	if s.calls <= s.rejectFirst {
		return "", &flux.QueueFullError{EventType: eventType, Capacity: 1}
	}
	ev := queue.NewEvent(eventType, payload)
	for _, opt := range opts {
		opt(ev)
	}
	s.emits = append(s.emits, recordedEmit{eventType: eventType, payload: payload, event: ev})
	return ev.ID, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func record(topic string, value []byte, headers map[string]string) *sarama.ConsumerMessage {
	msg := &sarama.ConsumerMessage{Topic: topic, Value: value}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, &sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	return msg
}

func testBridge(t *testing.T, emitter *stubEmitter) *KafkaBridge {
	t.Helper()
	return &KafkaBridge{status: 1, engine: emitter, logger: discardLogger()}
}

func TestBridgeMessageHeaders(t *testing.T) {
	emitter := &stubEmitter{}
	b := testBridge(t, emitter)

	msg := record("orders", []byte(`{"id":"o-1","total":42.5}`), map[string]string{
		HeaderEventType:     "order.created",
		HeaderPriority:      "critical",
		HeaderCorrelationID: "req-7",
	})

	if err := b.bridgeMessage(context.Background(), msg); err != nil {
		t.Fatalf("bridge: %v", err)
	}

	if len(emitter.emits) != 1 {
		t.Fatalf("emits = %d, want 1", len(emitter.emits))
	}
	got := emitter.emits[0]
	if got.eventType != "order.created" {
		t.Errorf("event type = %s, want order.created", got.eventType)
	}
	if got.event.Priority != queue.PriorityCritical {
		t.Errorf("priority = %v, want critical", got.event.Priority)
	}
	if got.event.CorrelationID != "req-7" {
		t.Errorf("correlation = %s, want req-7", got.event.CorrelationID)
	}

	want := map[string]any{"id": "o-1", "total": 42.5}
	if diff := cmp.Diff(want, got.payload); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestBridgeMessageDefaults(t *testing.T) {
	emitter := &stubEmitter{}
	b := testBridge(t, emitter)

	// No headers, non-JSON value: topic becomes the type, bytes pass
	// through untouched.
	msg := record("audit.log", []byte{0x01, 0x02}, nil)
	if err := b.bridgeMessage(context.Background(), msg); err != nil {
		t.Fatal(err)
	}

	got := emitter.emits[0]
	if got.eventType != "audit.log" {
		t.Errorf("event type = %s, want audit.log", got.eventType)
	}
	if got.event.Priority != queue.PriorityNormal {
		t.Errorf("priority = %v, want normal", got.event.Priority)
	}
	raw, ok := got.payload.([]byte)
	if !ok || len(raw) != 2 {
		t.Errorf("payload = %#v, want raw bytes", got.payload)
	}
}

func TestBridgeMessageBacksOffOnFullQueue(t *testing.T) {
	emitter := &stubEmitter{rejectFirst: 2}
	b := testBridge(t, emitter)

	msg := record("jobs", []byte(`{"n":1}`), nil)
	if err := b.bridgeMessage(context.Background(), msg); err != nil {
		t.Fatalf("bridge: %v", err)
	}

	if emitter.calls != 3 {
		t.Errorf("emit attempts = %d, want 3", emitter.calls)
	}
	if len(emitter.emits) != 1 {
		t.Errorf("emits = %d, want 1", len(emitter.emits))
	}
}

func TestBridgeMessageTerminalError(t *testing.T) {
	emitter := &stubEmitter{failWith: flux.ErrEngineClosed}
	b := testBridge(t, emitter)

	err := b.bridgeMessage(context.Background(), record("jobs", []byte("{}"), nil))
	if !errors.Is(err, flux.ErrEngineClosed) {
		t.Errorf("bridge = %v, want ErrEngineClosed", err)
	}
	if emitter.calls != 1 {
		t.Errorf("emit attempts = %d, want 1", emitter.calls)
	}
}

func TestNewKafkaBridgeValidation(t *testing.T) {
	if _, err := NewKafkaBridge(nil, []string{"t"}, &stubEmitter{}); err == nil {
		t.Error("expected error for nil consumer")
	}
}
