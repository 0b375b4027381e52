// Package postoffice provides the server's in-process typed channel
// registry. Each message type has one mailbox: any component may post to
// it, exactly one component consumes it.
package postoffice

import (
	"context"
	"errors"
	"reflect"
	"sync"
)

// ErrClosed is returned when receiving from a closed mailbox.
var ErrClosed = errors.New("mailbox is closed")

// Mailbox is an unbounded multi-producer single-consumer queue. Posting
// never blocks, so producers holding database transactions cannot
// deadlock against a slow consumer.
type Mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	notify chan struct{}
}

func newMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{notify: make(chan struct{}, 1)}
}

// Post appends a message to the mailbox. Posting to a closed mailbox is
// a no-op.
func (m *Mailbox[T]) Post(msg T) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.items = append(m.items, msg)
	m.mu.Unlock()
	m.wake()
}

// TryRecv returns the next message without blocking.
func (m *Mailbox[T]) TryRecv() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var zero T
	if len(m.items) == 0 {
		return zero, false
	}
	msg := m.items[0]
	m.items = m.items[1:]
	return msg, true
}

// Recv blocks until a message arrives, the mailbox is closed, or the
// context is cancelled.
func (m *Mailbox[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			msg := m.items[0]
			m.items = m.items[1:]
			m.mu.Unlock()
			return msg, nil
		}
		closed := m.closed
		m.mu.Unlock()

		if closed {
			return zero, ErrClosed
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-m.notify:
		}
	}
}

// Notify returns a channel that wakes when a message may be available.
// It is used to select over a mailbox together with timers; after waking,
// call TryRecv to drain.
func (m *Mailbox[T]) Notify() <-chan struct{} {
	return m.notify
}

// Len returns the number of queued messages.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close marks the mailbox closed. Queued messages are still delivered.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wake()
}

func (m *Mailbox[T]) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// PostOffice is the registry of mailboxes, keyed by message type.
type PostOffice struct {
	mu    sync.Mutex
	boxes map[reflect.Type]any
}

// New creates an empty post office.
func New() *PostOffice {
	return &PostOffice{boxes: make(map[reflect.Type]any)}
}

// Mail returns the mailbox for message type T, creating it on first use.
func Mail[T any](po *PostOffice) *Mailbox[T] {
	po.mu.Lock()
	defer po.mu.Unlock()

	key := reflect.TypeOf((*T)(nil)).Elem()
	if box, ok := po.boxes[key]; ok {
		return box.(*Mailbox[T])
	}
	box := newMailbox[T]()
	po.boxes[key] = box
	return box
}
