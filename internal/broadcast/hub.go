package broadcast

import (
	"context"
	"sync"
)

// DefaultSubscriberBuffer is the per-subscriber queue length.
const DefaultSubscriberBuffer = 64

// Hub fans events out to subscribers. Each subscriber has a bounded queue;
// Publish never blocks. When a queue is full, log events are dropped for
// that subscriber. Ended events are always delivered: the oldest queued
// event is discarded to make room.
type Hub struct {
	mu     sync.Mutex
	subs   map[uint64]chan Event
	nextID uint64
	buffer int
	onDrop func()
}

// NewHub returns a hub with the given per-subscriber buffer. onDrop, if not
// nil, is called once per dropped event.
func NewHub(buffer int, onDrop func()) *Hub {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Hub{
		subs:   make(map[uint64]chan Event),
		buffer: buffer,
		onDrop: onDrop,
	}
}

// Subscribe registers a subscriber that receives every event published from
// now on. The channel is closed when ctx is done or the returned cancel
// func is called, whichever happens first.
func (h *Hub) Subscribe(ctx context.Context) (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = ch
	h.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			h.mu.Lock()
			delete(h.subs, id)
			close(ch)
			h.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()

	return ch, cancel
}

// Publish delivers e to every current subscriber without blocking.
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs {
		select {
		case ch <- e:
			continue
		default:
		}

		if e.Type != EventEnded {
			h.dropped()
			continue
		}
		// Only Publish sends, under h.mu, so one receive frees a slot.
		select {
		case <-ch:
			h.dropped()
		default:
		}
		select {
		case ch <- e:
		default:
			h.dropped()
		}
	}
}

// Len returns the number of live subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) dropped() {
	if h.onDrop != nil {
		h.onDrop()
	}
}
