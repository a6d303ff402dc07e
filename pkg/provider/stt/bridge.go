package stt

import (
	"log/slog"
	"sync"
)

// DefaultBridgeCapacity bounds the number of vendor messages held while the
// dispatcher is busy or not yet running.
const DefaultBridgeCapacity = 100

// Bridge hands messages produced on a vendor goroutine to a single consumer
// goroutine. Messages pushed before the consumer calls [Bridge.MarkReady] are
// held and replayed in their original order once it does. When the queue is
// full new messages are dropped.
//
// Push is safe to call from any goroutine. Notify and Drain must only be used
// by the one consumer.
type Bridge[T any] struct {
	mu      sync.Mutex
	queue   []T
	limit   int
	ready   bool
	dropped int
	notify  chan struct{}
}

// NewBridge creates a Bridge holding at most capacity undelivered messages.
// A non-positive capacity selects [DefaultBridgeCapacity].
func NewBridge[T any](capacity int) *Bridge[T] {
	if capacity <= 0 {
		capacity = DefaultBridgeCapacity
	}
	return &Bridge[T]{
		limit:  capacity,
		notify: make(chan struct{}, 1),
	}
}

// Push enqueues v. It reports false when the queue is full and v was dropped.
func (b *Bridge[T]) Push(v T) bool {
	b.mu.Lock()
	if len(b.queue) >= b.limit {
		b.dropped++
		n := b.dropped
		b.mu.Unlock()
		slog.Warn("stt bridge full, dropping event", "capacity", b.limit, "dropped_total", n)
		return false
	}
	b.queue = append(b.queue, v)
	ready := b.ready
	b.mu.Unlock()

	if ready {
		b.signal()
	}
	return true
}

// MarkReady records that the consumer is running. Anything queued so far
// becomes available to the next [Bridge.Drain].
func (b *Bridge[T]) MarkReady() {
	b.mu.Lock()
	b.ready = true
	b.mu.Unlock()
	b.signal()
}

// Notify returns a channel that receives a value whenever Drain may return
// new messages.
func (b *Bridge[T]) Notify() <-chan struct{} { return b.notify }

// Drain removes and returns every queued message in push order. Before
// MarkReady it returns nil and leaves the queue intact.
func (b *Bridge[T]) Drain() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.ready || len(b.queue) == 0 {
		return nil
	}
	out := b.queue
	b.queue = nil
	return out
}

// Dropped returns the number of messages dropped because the queue was full.
func (b *Bridge[T]) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *Bridge[T]) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}
