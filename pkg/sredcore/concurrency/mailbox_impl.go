package concurrency

import (
	"context"
	"sync"
	"sync/atomic"
)

type boundedMailbox struct {
	ch       chan interface{}
	mu       sync.Mutex
	closed   int32
	capacity int
}

// NewBoundedMailbox creates a Mailbox with the given capacity (defaults
// to 100 when capacity < 1).
func NewBoundedMailbox(capacity int) Mailbox {
	if capacity < 1 {
		capacity = 100
	}
	return &boundedMailbox{
		ch:       make(chan interface{}, capacity),
		capacity: capacity,
	}
}

func (m *boundedMailbox) Send(msg interface{}) error {
	if atomic.LoadInt32(&m.closed) == 1 {
		return ErrMailboxClosed
	}
	select {
	case m.ch <- msg:
		return nil
	default:
		return ErrMailboxFull
	}
}

func (m *boundedMailbox) Receive(ctx context.Context) (interface{}, error) {
	select {
	case msg, ok := <-m.ch:
		if !ok {
			return nil, ErrMailboxClosed
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *boundedMailbox) TryReceive() (interface{}, error) {
	select {
	case msg, ok := <-m.ch:
		if !ok {
			return nil, ErrMailboxClosed
		}
		return msg, nil
	default:
		return nil, ErrMailboxEmpty
	}
}

func (m *boundedMailbox) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !atomic.CompareAndSwapInt32(&m.closed, 0, 1) {
		return nil
	}
	close(m.ch)
	return nil
}

func (m *boundedMailbox) Capacity() int { return m.capacity }
func (m *boundedMailbox) Size() int     { return len(m.ch) }
func (m *boundedMailbox) IsClosed() bool {
	return atomic.LoadInt32(&m.closed) == 1
}
