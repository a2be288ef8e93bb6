// Package worker provides the isolated-execution worker pool.
//
// A Pool runs a fixed set of workers that receive events one at a time
// over mailboxes and report completion or failure back to the
// dispatcher. No shared mutable state crosses the boundary: every event
// and every ack travels as an encoded frame (see the codec package),
// and acks are correlated with dispatched events by event ID.
//
// Mailboxes are directional endpoints created by a Transport. The
// channel transport keeps everything in-process; the NATS transport
// moves frames through a broker so workers can live in other processes.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Transport errors
var (
	ErrMailboxClosed   = errors.New("mailbox closed")
	ErrTransportClosed = errors.New("transport closed")
)

// Sender is the sending end of a mailbox.
type Sender interface {
	// Send delivers one encoded frame. Blocks if the mailbox is full
	// until the frame is accepted, the context is cancelled, or the
	// mailbox closes.
	Send(ctx context.Context, data []byte) error

	// Close releases the sending end.
	Close(ctx context.Context) error
}

// Receiver is the receiving end of a mailbox.
type Receiver interface {
	// Receive returns the channel of inbound frames. The channel is
	// closed when the mailbox closes.
	Receive() <-chan []byte

	// Close tears down the mailbox and closes the receive channel.
	Close(ctx context.Context) error
}

// Transport creates named mailboxes connecting the dispatcher with its
// workers.
type Transport interface {
	// Dial returns the sending end of the named mailbox.
	Dial(name string) (Sender, error)

	// Listen returns the receiving end of the named mailbox.
	Listen(name string) (Receiver, error)

	// Close shuts down the transport and all mailboxes.
	Close(ctx context.Context) error
}

// DefaultMailboxBuffer is the frame buffer per mailbox.
const DefaultMailboxBuffer = 64

// channelMailbox is an in-process mailbox backed by a Go channel.
// Dial and Listen on the same name return the same mailbox.
type channelMailbox struct {
	ch       chan []byte
	closedCh chan struct{}
	closed   int32
}

func newChannelMailbox(buffer int) *channelMailbox {
	if buffer <= 0 {
		buffer = DefaultMailboxBuffer
	}
	return &channelMailbox{
		ch:       make(chan []byte, buffer),
		closedCh: make(chan struct{}),
	}
}

func (m *channelMailbox) Send(ctx context.Context, data []byte) error {
	select {
	case <-m.closedCh:
		return ErrMailboxClosed
	case <-ctx.Done():
		return ctx.Err()
	case m.ch <- data:
		return nil
	}
}

func (m *channelMailbox) Receive() <-chan []byte {
	return m.ch
}

func (m *channelMailbox) Close(ctx context.Context) error {
	if atomic.CompareAndSwapInt32(&m.closed, 0, 1) {
		close(m.closedCh)
		close(m.ch)
	}
	return nil
}

// ChannelTransport is the in-process Transport. It keeps a registry of
// named mailboxes; both endpoints of a name share one mailbox.
type ChannelTransport struct {
	status    int32
	mailboxes sync.Map // map[string]*channelMailbox
	buffer    int
}

// NewChannelTransport creates an in-process transport.
// Buffer sizes <= 0 fall back to DefaultMailboxBuffer.
func NewChannelTransport(buffer int) *ChannelTransport {
	return &ChannelTransport{status: 1, buffer: buffer}
}

func (t *ChannelTransport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

func (t *ChannelTransport) mailbox(name string) (*channelMailbox, error) {
	if !t.isOpen() {
		return nil, ErrTransportClosed
	}
	mb, _ := t.mailboxes.LoadOrStore(name, newChannelMailbox(t.buffer))
	return mb.(*channelMailbox), nil
}

// Dial returns the sending end of the named mailbox.
func (t *ChannelTransport) Dial(name string) (Sender, error) {
	return t.mailbox(name)
}

// Listen returns the receiving end of the named mailbox.
func (t *ChannelTransport) Listen(name string) (Receiver, error) {
	return t.mailbox(name)
}

// Close shuts down all mailboxes.
func (t *ChannelTransport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil
	}
	t.mailboxes.Range(func(key, value any) bool {
		value.(*channelMailbox).Close(ctx)
		return true
	})
	return nil
}

// Compile-time checks
var _ Transport = (*ChannelTransport)(nil)
var _ Sender = (*channelMailbox)(nil)
var _ Receiver = (*channelMailbox)(nil)
