// Package bus provides an in-process typed event broadcaster.
//
// A Bus fans one producer's events out to any number of handler subscribers
// and channel consumers. Emit is synchronous for handler subscribers and
// non-blocking for the producer with respect to channel consumers: each
// consumer owns an unbounded queue drained by its own goroutine, so a slow
// consumer grows memory rather than stalling the producer.
package bus

import (
	"log/slog"
	"sync"
)

// Bus broadcasts events of type T to subscribers in registration order.
// All methods are safe for concurrent use, but events are expected to come
// from a single producer: the total order observed by every subscriber is
// the order of Emit calls.
type Bus[T any] struct {
	mu        sync.Mutex
	handlers  []*handler[T]
	consumers []*consumer[T]
	nextID    int
	completed bool
	logger    *slog.Logger
}

type handler[T any] struct {
	id   int
	fn   func(T)
	once bool
}

// consumer is a channel subscriber with an unbounded queue. The pump
// goroutine moves queued events into the channel and closes it once the bus
// has completed and the queue is drained.
type consumer[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []T
	done   bool
	ch     chan T
	closed bool
}

// New creates an empty bus. A nil logger falls back to slog.Default.
func New[T any](logger *slog.Logger) *Bus[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus[T]{logger: logger}
}

// Subscribe registers a handler for every future event and returns a cancel
// function. Cancellation is synchronous: after it returns, the handler
// receives no further events.
func (b *Bus[T]) Subscribe(fn func(T)) func() {
	return b.add(fn, false)
}

// Once registers a handler that fires for at most one event.
func (b *Bus[T]) Once(fn func(T)) func() {
	return b.add(fn, true)
}

func (b *Bus[T]) add(fn func(T), once bool) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := &handler[T]{id: b.nextID, fn: fn, once: once}
	b.nextID++
	b.handlers = append(b.handlers, h)
	return func() { b.remove(h.id) }
}

func (b *Bus[T]) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, h := range b.handlers {
		if h.id == id {
			b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
			return
		}
	}
}

// Emit delivers the event to every current subscriber in registration order.
// A panicking handler is logged and does not affect other handlers or the
// producer. Emitting after Complete is a no-op.
func (b *Bus[T]) Emit(event T) {
	b.mu.Lock()
	if b.completed {
		b.mu.Unlock()
		return
	}
	handlers := make([]*handler[T], len(b.handlers))
	copy(handlers, b.handlers)
	for _, h := range handlers {
		if h.once {
			b.removeLocked(h.id)
		}
	}
	consumers := make([]*consumer[T], len(b.consumers))
	copy(consumers, b.consumers)
	b.mu.Unlock()

	for _, h := range handlers {
		b.dispatch(h.fn, event)
	}
	for _, c := range consumers {
		c.push(event)
	}
}

func (b *Bus[T]) removeLocked(id int) {
	for i, h := range b.handlers {
		if h.id == id {
			b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
			return
		}
	}
}

func (b *Bus[T]) dispatch(fn func(T), event T) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "panic", r)
		}
	}()
	fn(event)
}

// Complete marks the bus finished. Idempotent. Channel consumers terminate
// once their queues drain; consumers started afterwards terminate
// immediately.
func (b *Bus[T]) Complete() {
	b.mu.Lock()
	if b.completed {
		b.mu.Unlock()
		return
	}
	b.completed = true
	consumers := b.consumers
	b.consumers = nil
	b.handlers = nil
	b.mu.Unlock()

	for _, c := range consumers {
		c.finish()
	}
}

// Completed reports whether Complete has been called.
func (b *Bus[T]) Completed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.completed
}

// Events returns a channel yielding every event emitted after the call, in
// emit order. The channel closes after Complete once all queued events have
// been delivered. If the bus is already complete, the returned channel is
// closed immediately.
func (b *Bus[T]) Events() <-chan T {
	c := &consumer[T]{ch: make(chan T)}
	c.cond = sync.NewCond(&c.mu)

	b.mu.Lock()
	if b.completed {
		b.mu.Unlock()
		close(c.ch)
		return c.ch
	}
	b.consumers = append(b.consumers, c)
	b.mu.Unlock()

	go c.pump()
	return c.ch
}

func (c *consumer[T]) push(event T) {
	c.mu.Lock()
	c.queue = append(c.queue, event)
	c.mu.Unlock()
	c.cond.Signal()
}

func (c *consumer[T]) finish() {
	c.mu.Lock()
	c.done = true
	c.mu.Unlock()
	c.cond.Signal()
}

func (c *consumer[T]) pump() {
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.done {
			c.cond.Wait()
		}
		if len(c.queue) == 0 && c.done {
			c.mu.Unlock()
			close(c.ch)
			return
		}
		event := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()
		c.ch <- event
	}
}
