package graph

import (
	"context"
	"errors"
	"sync"
)

// MessageKind identifies a cross-thread control message.
type MessageKind int

const (
	// MessageGetLatency asks the source for its current total latency.
	MessageGetLatency MessageKind = iota
	// MessageUnloadModule is posted by the I/O loop when it hits an
	// unrecoverable failure and needs the host to tear the module down.
	MessageUnloadModule
	// MessageShutdown is the single-use teardown token; it is always
	// the last message the host sends.
	MessageShutdown
)

// String returns the message kind name.
func (k MessageKind) String() string {
	switch k {
	case MessageGetLatency:
		return "get-latency"
	case MessageUnloadModule:
		return "unload-module"
	case MessageShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Message is one control message travelling across the channel pair.
type Message struct {
	Kind MessageKind
	Err  error

	done chan struct{}
}

// Ack acknowledges a synchronously-sent message, unblocking the sender.
// Acking an async message is a no-op.
func (m Message) Ack() {
	if m.done != nil {
		select {
		case <-m.done:
		default:
			close(m.done)
		}
	}
}

// ErrQueueClosed is returned for operations on a closed queue.
var ErrQueueClosed = errors.New("message queue closed")

// ErrQueueFull is returned when an async post would block.
var ErrQueueFull = errors.New("message queue full")

// Queue is a bounded, ordered, thread-safe directed message channel.
// Delivery order matches send order.
type Queue struct {
	mtx    sync.Mutex
	ch     chan Message
	closed bool
}

// NewQueue creates a queue with the given capacity.
func NewQueue(size int) *Queue {
	return &Queue{ch: make(chan Message, size)}
}

// Post enqueues a message without blocking.
func (q *Queue) Post(kind MessageKind, err error) error {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- Message{Kind: kind, Err: err}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Send enqueues a message and blocks until the receiver acks it or the
// context is cancelled. Send must not race with Close: the queue's
// owner finishes (or abandons via ctx) all synchronous sends before
// closing, the way an ordered teardown sends its shutdown token last.
func (q *Queue) Send(ctx context.Context, kind MessageKind) error {
	m := Message{Kind: kind, done: make(chan struct{})}

	q.mtx.Lock()
	if q.closed {
		q.mtx.Unlock()
		return ErrQueueClosed
	}
	ch := q.ch
	q.mtx.Unlock()

	select {
	case ch <- m:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Chan exposes the receive side for select integration. Only the
// queue's single consumer may read from it.
func (q *Queue) Chan() <-chan Message {
	return q.ch
}

// TryReceive dequeues the next message without blocking.
func (q *Queue) TryReceive() (Message, bool) {
	select {
	case m, ok := <-q.ch:
		if !ok {
			return Message{}, false
		}
		return m, true
	default:
		return Message{}, false
	}
}

// WaitFor blocks until a message of the given kind arrives. Messages of
// other kinds received in the meantime are acked and discarded. Returns
// ErrQueueClosed if the queue closes first.
func (q *Queue) WaitFor(kind MessageKind) error {
	for m := range q.ch {
		m.Ack()
		if m.Kind == kind {
			return nil
		}
	}
	return ErrQueueClosed
}

// Close shuts the queue down. Messages already enqueued are still
// receivable; blocked synchronous senders are not interrupted. The
// caller must ensure no Send is in flight (see Send).
func (q *Queue) Close() {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// ChannelPair is the bidirectional control channel between the host
// thread and the module's I/O loop. In carries host->I/O messages
// (shutdown); Out carries I/O->host messages (unload requests).
type ChannelPair struct {
	In  *Queue
	Out *Queue
}

// NewChannelPair creates both directed queues with the same capacity.
func NewChannelPair(size int) *ChannelPair {
	return &ChannelPair{In: NewQueue(size), Out: NewQueue(size)}
}

// ServeHost installs the host-facing receive point: a goroutine that
// delivers each outbound message to handler and acks it afterwards.
// The goroutine exits when the outbound queue is closed. Close does
// not wait for it; the handler itself may close the pair.
func (p *ChannelPair) ServeHost(handler func(Message)) {
	go func() {
		for m := range p.Out.ch {
			handler(m)
			m.Ack()
		}
	}()
}

// Close closes both queues. Messages already enqueued remain
// receivable by the serve goroutine before it exits.
func (p *ChannelPair) Close() {
	p.In.Close()
	p.Out.Close()
}
