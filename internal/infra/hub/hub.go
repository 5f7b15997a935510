// Package hub is an in-process publish/subscribe fan-out implementing
// domain.Broadcaster. A realtime transport (websocket layer) would attach
// here as a subscriber.
package hub

import (
	"log/slog"
	"sync"
)

// Event pairs a topic with its payload as delivered to subscribers.
type Event struct {
	Topic   string
	Payload any
}

type subscriber struct {
	ch chan Event
}

// Hub fans published events out to all current subscribers. Publish never
// blocks: a subscriber that cannot keep up loses events, matching the
// fire-and-forget broadcast contract.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	logger *slog.Logger
}

// New creates an empty hub.
func New(logger *slog.Logger) *Hub {
	return &Hub{
		subs:   make(map[int]*subscriber),
		logger: logger.With("component", "event-hub"),
	}
}

// Subscribe registers a listener with the given buffer size and returns the
// event channel plus an unsubscribe function. Unsubscribe closes the
// channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &subscriber{ch: make(chan Event, buffer)}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if s, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// Publish implements domain.Broadcaster.
func (h *Hub) Publish(topic string, event any) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		select {
		case sub.ch <- Event{Topic: topic, Payload: event}:
		default:
			// Slow subscriber, drop.
		}
	}
}
