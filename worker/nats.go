package worker

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/nats-io/nats.go"
)

// ErrConnRequired is returned when a NATS transport is created without
// a connection.
var ErrConnRequired = errors.New("nats connection is required")

// NATSTransport moves mailbox frames through a NATS connection, one
// subject per mailbox. Workers attached to the same subjects can run in
// a different process from the dispatcher.
//
// Delivery is fire-and-forget (NATS core). Use it when workers are
// disposable and lost frames are acceptable; the dispatcher's retry
// policy re-dispatches events whose acks never arrive once the send
// context expires.
type NATSTransport struct {
	status int32
	conn   *nats.Conn
	prefix string
	buffer int
}

// NewNATSTransport creates a transport over an existing NATS
// connection. Mailbox names are mapped to subjects as "<prefix>.<name>".
func NewNATSTransport(conn *nats.Conn, prefix string) (*NATSTransport, error) {
	if conn == nil {
		return nil, ErrConnRequired
	}
	if prefix == "" {
		prefix = "flux.worker"
	}
	return &NATSTransport{
		status: 1,
		conn:   conn,
		prefix: prefix,
		buffer: DefaultMailboxBuffer,
	}, nil
}

func (t *NATSTransport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

func (t *NATSTransport) subject(name string) string {
	return t.prefix + "." + name
}

// Dial returns a sender that publishes frames to the mailbox subject.
func (t *NATSTransport) Dial(name string) (Sender, error) {
	if !t.isOpen() {
		return nil, ErrTransportClosed
	}
	return &natsSender{conn: t.conn, subject: t.subject(name)}, nil
}

// Listen subscribes to the mailbox subject and returns the receiving
// end.
func (t *NATSTransport) Listen(name string) (Receiver, error) {
	if !t.isOpen() {
		return nil, ErrTransportClosed
	}

	r := &natsReceiver{
		ch:       make(chan []byte, t.buffer),
		closedCh: make(chan struct{}),
	}

	sub, err := t.conn.Subscribe(t.subject(name), r.handleMessage)
	if err != nil {
		return nil, err
	}
	r.sub = sub
	return r, nil
}

// Close shuts down the transport. The NATS connection itself belongs to
// the caller and stays open.
func (t *NATSTransport) Close(ctx context.Context) error {
	atomic.CompareAndSwapInt32(&t.status, 1, 0)
	return nil
}

type natsSender struct {
	conn    *nats.Conn
	subject string
}

func (s *natsSender) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.conn.Publish(s.subject, data)
}

func (s *natsSender) Close(ctx context.Context) error { return nil }

type natsReceiver struct {
	sub      *nats.Subscription
	ch       chan []byte
	closedCh chan struct{}
	closed   int32
}

func (r *natsReceiver) handleMessage(msg *nats.Msg) {
	select {
	case <-r.closedCh:
	case r.ch <- msg.Data:
	}
}

func (r *natsReceiver) Receive() <-chan []byte {
	return r.ch
}

func (r *natsReceiver) Close(ctx context.Context) error {
	if atomic.CompareAndSwapInt32(&r.closed, 0, 1) {
		close(r.closedCh)
		if r.sub != nil {
			r.sub.Unsubscribe()
		}
		close(r.ch)
	}
	return nil
}

// Compile-time checks
var _ Transport = (*NATSTransport)(nil)
var _ Sender = (*natsSender)(nil)
var _ Receiver = (*natsReceiver)(nil)
