// Package queue buffers ingested events between the API or Kafka and the
// pipeline workers.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"arc-sentinel/internal/schema"
)

var (
	// ErrQueueFull is returned when attempting to push to a full queue.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueEmpty is returned when attempting to pop from an empty queue.
	ErrQueueEmpty = errors.New("queue is empty")
	// ErrQueueClosed is returned when attempting to use a closed queue.
	ErrQueueClosed = errors.New("queue is closed")
)

// DefaultSize is used when a non-positive capacity is requested.
const DefaultSize = 10000

// RingBuffer is a bounded FIFO of events. Push never blocks; Next blocks until
// an event arrives, the context ends or the queue is closed and drained.
type RingBuffer struct {
	mu     sync.Mutex
	buffer []*schema.Event
	head   int
	count  int
	closed bool

	// ready holds one token while events may be waiting.
	ready chan struct{}
	done  chan struct{}

	pushed  atomic.Uint64
	popped  atomic.Uint64
	dropped atomic.Uint64
}

// NewRingBuffer creates a RingBuffer with the given capacity.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = DefaultSize
	}
	return &RingBuffer{
		buffer: make([]*schema.Event, size),
		ready:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push appends an event. It returns ErrQueueFull at capacity.
func (rb *RingBuffer) Push(event *schema.Event) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return ErrQueueClosed
	}
	if rb.count == len(rb.buffer) {
		rb.dropped.Add(1)
		return ErrQueueFull
	}

	rb.buffer[(rb.head+rb.count)%len(rb.buffer)] = event
	rb.count++
	rb.pushed.Add(1)
	rb.signal()
	return nil
}

// Pop removes the oldest event. It returns ErrQueueEmpty when nothing is
// buffered, or ErrQueueClosed once the queue is closed and drained.
func (rb *RingBuffer) Pop() (*schema.Event, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count == 0 {
		if rb.closed {
			return nil, ErrQueueClosed
		}
		return nil, ErrQueueEmpty
	}

	event := rb.buffer[rb.head]
	rb.buffer[rb.head] = nil
	rb.head = (rb.head + 1) % len(rb.buffer)
	rb.count--
	rb.popped.Add(1)
	if rb.count > 0 {
		rb.signal()
	}
	return event, nil
}

// Next waits for and removes the oldest event.
func (rb *RingBuffer) Next(ctx context.Context) (*schema.Event, error) {
	for {
		event, err := rb.Pop()
		if !errors.Is(err, ErrQueueEmpty) {
			return event, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-rb.ready:
		case <-rb.done:
		}
	}
}

// signal must be called with mu held.
func (rb *RingBuffer) signal() {
	select {
	case rb.ready <- struct{}{}:
	default:
	}
}

// Len returns the number of buffered events.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Cap returns the capacity.
func (rb *RingBuffer) Cap() int {
	return len(rb.buffer)
}

// Close rejects further pushes. Buffered events can still be drained.
func (rb *RingBuffer) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if !rb.closed {
		rb.closed = true
		close(rb.done)
	}
}

// Metrics returns queue statistics.
func (rb *RingBuffer) Metrics() QueueMetrics {
	return QueueMetrics{
		Pushed:   rb.pushed.Load(),
		Popped:   rb.popped.Load(),
		Dropped:  rb.dropped.Load(),
		Depth:    rb.Len(),
		Capacity: rb.Cap(),
	}
}

// QueueMetrics holds statistics about queue operations.
type QueueMetrics struct {
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Dropped  uint64 `json:"dropped"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}

func (m *QueueMetrics) add(o QueueMetrics) {
	m.Pushed += o.Pushed
	m.Popped += o.Popped
	m.Dropped += o.Dropped
	m.Depth += o.Depth
	m.Capacity += o.Capacity
}
