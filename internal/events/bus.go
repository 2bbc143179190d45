// Package events provides a small fan-out observer used to publish
// connection and message events to independent subscribers.
package events

import (
	"fmt"
	"log/slog"
	"sync"
)

// Bus delivers each published value to every subscriber in subscription
// order. Each handler runs inside its own recover so a panicking
// subscriber is logged and skipped without affecting the others.
type Bus[T any] struct {
	name   string
	logger *slog.Logger

	mu       sync.Mutex
	nextID   uint64
	handlers []subscription[T]
}

type subscription[T any] struct {
	id uint64
	fn func(T)
}

// NewBus creates a bus. name is attached to diagnostics.
func NewBus[T any](name string, logger *slog.Logger) *Bus[T] {
	return &Bus[T]{name: name, logger: logger}
}

// Subscribe registers fn and returns a function that removes it. The
// returned function is idempotent.
func (b *Bus[T]) Subscribe(fn func(T)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers = append(b.handlers, subscription[T]{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, h := range b.handlers {
		if h.id == id {
			b.handlers = append(b.handlers[:i:i], b.handlers[i+1:]...)
			return
		}
	}
}

// Publish calls every current subscriber with v. Subscribers added or
// removed during delivery take effect on the next Publish.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	snapshot := make([]subscription[T], len(b.handlers))
	copy(snapshot, b.handlers)
	b.mu.Unlock()

	for _, h := range snapshot {
		b.deliver(h, v)
	}
}

func (b *Bus[T]) deliver(h subscription[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				slog.String("bus", b.name),
				slog.Uint64("subscriber", h.id),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()

	h.fn(v)
}

// Len returns the number of active subscribers.
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.handlers)
}
