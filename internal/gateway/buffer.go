package gateway

import (
	"sync"
	"time"

	"github.com/MrWong99/medvoice/internal/dialogue"
	"github.com/MrWong99/medvoice/pkg/audio"
)

// DefaultPendingCapacity bounds the caller audio held while the recognizer
// connects. At 20 ms per frame it is about ten seconds.
const DefaultPendingCapacity = 500

// pendingBuffer holds caller frames received before the transport is ready.
// It is not safe for concurrent use; the session guards it together with the
// ready flag.
type pendingBuffer struct {
	frames   [][]byte
	capacity int
	dropped  int
}

func newPendingBuffer(capacity int) *pendingBuffer {
	if capacity <= 0 {
		capacity = DefaultPendingCapacity
	}
	return &pendingBuffer{capacity: capacity}
}

// add appends frame and reports whether it was kept. Frames arriving while
// the buffer is full are dropped.
func (b *pendingBuffer) add(frame []byte) bool {
	if len(b.frames) >= b.capacity {
		b.dropped++
		return false
	}
	b.frames = append(b.frames, frame)
	return true
}

// take returns the buffered frames in arrival order and empties the buffer.
func (b *pendingBuffer) take() [][]byte {
	frames := b.frames
	b.frames = nil
	return frames
}

func (b *pendingBuffer) len() int { return len(b.frames) }

// outboundQueue is the FIFO of μ-law chunks waiting for the sender loop. It
// is safe for concurrent use.
type outboundQueue struct {
	mu     sync.Mutex
	chunks [][]byte
	notify chan struct{}
}

var _ dialogue.AudioSink = (*outboundQueue)(nil)

func newOutboundQueue() *outboundQueue {
	return &outboundQueue{notify: make(chan struct{}, 1)}
}

// Enqueue appends chunk. Empty chunks are ignored.
func (q *outboundQueue) Enqueue(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	q.mu.Lock()
	q.chunks = append(q.chunks, chunk)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop removes the oldest chunk.
func (q *outboundQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.chunks) == 0 {
		return nil, false
	}
	c := q.chunks[0]
	q.chunks[0] = nil
	q.chunks = q.chunks[1:]
	return c, true
}

// clear discards every queued chunk and returns how many were dropped.
func (q *outboundQueue) clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.chunks)
	q.chunks = nil
	return n
}

func (q *outboundQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.chunks)
}

// playtime is how long the queued audio takes to play.
func (q *outboundQueue) playtime() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	var d time.Duration
	for _, c := range q.chunks {
		d += audio.Duration(c)
	}
	return d
}

// ready is signalled after Enqueue.
func (q *outboundQueue) ready() <-chan struct{} { return q.notify }
