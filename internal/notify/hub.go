package notify

import (
	"context"
	"sync"
	"sync/atomic"
)

// Hub is a Sink that fans messages out to live subscribers such as
// server-sent event streams. Slow subscribers lose messages rather than
// blocking delivery.
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]chan Message
	next    int
	buffer  int
	dropped atomic.Uint64
}

// NewHub creates a hub with per-subscriber buffers of the given size.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{subs: make(map[int]chan Message), buffer: buffer}
}

func (h *Hub) Name() string { return "hub" }

// Send delivers m to every subscriber without blocking.
func (h *Hub) Send(_ context.Context, m Message) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- m:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a subscriber. The returned cancel function unregisters
// it and closes the channel.
func (h *Hub) Subscribe() (<-chan Message, func()) {
	ch := make(chan Message, h.buffer)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Dropped returns the number of messages lost to full subscriber buffers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
