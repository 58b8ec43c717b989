package bus

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrBusClosed is returned when publishing to a closed MessageBus.
var ErrBusClosed = errors.New("message bus closed")

// MessageBus carries formatted protocol messages from the per-account
// sessions to the frontend connection writer. Sessions publish, the server's
// writer pump consumes. The buffer absorbs bursts while no frontend is
// connected.
type MessageBus struct {
	messages chan Message
	done     chan struct{}
	closed   atomic.Bool
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		messages: make(chan Message, 100),
		done:     make(chan struct{}),
	}
}

func (mb *MessageBus) Publish(ctx context.Context, msg Message) error {
	if mb.closed.Load() {
		return ErrBusClosed
	}
	select {
	case mb.messages <- msg:
		return nil
	case <-mb.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (mb *MessageBus) Consume(ctx context.Context) (Message, bool) {
	select {
	case msg, ok := <-mb.messages:
		return msg, ok
	case <-mb.done:
		return Message{}, false
	case <-ctx.Done():
		return Message{}, false
	}
}

func (mb *MessageBus) Close() {
	if mb.closed.CompareAndSwap(false, true) {
		close(mb.done)
	}
}
