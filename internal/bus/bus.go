// Package bus carries event envelopes between server processes. Every
// process, including the publisher, receives every envelope.
package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/zsprackett/agent-relay/internal/events"
)

// ErrBusUnavailable wraps transport failures on publish or subscribe.
var ErrBusUnavailable = errors.New("bus unavailable")

// Handler is called once per received envelope, sequentially in arrival
// order.
type Handler func(ctx context.Context, env *events.Envelope)

type Bus interface {
	Publish(ctx context.Context, env *events.Envelope) error
	// Subscribe blocks, calling h for each envelope, until ctx is done or
	// the bus is closed. ready, if non-nil, is called once when the
	// subscription is in place and no envelope published after it can be
	// missed.
	Subscribe(ctx context.Context, h Handler, ready func()) error
	Close() error
}

// LocalBus delivers envelopes to subscribers in the same process. Publish
// runs handlers synchronously on the caller's goroutine.
type LocalBus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler
	closed   bool
	done     chan struct{}
}

func NewLocalBus() *LocalBus {
	return &LocalBus{
		handlers: make(map[int]Handler),
		done:     make(chan struct{}),
	}
}

func (b *LocalBus) Publish(ctx context.Context, env *events.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusUnavailable
	}
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, env)
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, h Handler, ready func()) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusUnavailable
	}
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	b.mu.Unlock()
	if ready != nil {
		ready()
	}

	defer func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
	case <-b.done:
	}
	return nil
}

// Subscribers reports the number of active subscriptions.
func (b *LocalBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}
