package feed

import (
	"sync"
)

const defaultBuffer = 64

// Subscription receives the events of one chat. Events is closed when the
// subscription ends; Err then reports why (nil after Close).
type Subscription struct {
	ChatID string

	hub    *Hub
	events chan Event
	err    error
	ended  bool
}

func (s *Subscription) Events() <-chan Event {
	return s.events
}

func (s *Subscription) Err() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.err
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.end(s, nil)
}

// Hub fans events out to subscriptions keyed by chat id. It is shared by every
// broker implementation; brokers only differ in how events reach Dispatch.
type Hub struct {
	mu        sync.Mutex
	subs      map[string]map[*Subscription]struct{}
	buffer    int
	available bool
	closed    bool
}

func NewHub(buffer int, available bool) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		subs:      make(map[string]map[*Subscription]struct{}),
		buffer:    buffer,
		available: available,
	}
}

func (h *Hub) Subscribe(chatID string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	if !h.available {
		return nil, ErrUnavailable
	}
	sub := &Subscription{ChatID: chatID, hub: h, events: make(chan Event, h.buffer)}
	set, ok := h.subs[chatID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[chatID] = set
	}
	set[sub] = struct{}{}
	return sub, nil
}

// Dispatch delivers ev to every subscription of its chat without blocking.
// A subscription whose buffer is full is ended with ErrSlowConsumer.
func (h *Hub) Dispatch(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[ev.ChatID] {
		select {
		case sub.events <- ev:
		default:
			h.endLocked(sub, ErrSlowConsumer)
		}
	}
}

// SetAvailable marks the pump connected or not. Going unavailable ends every
// live subscription with cause.
func (h *Hub) SetAvailable(available bool, cause error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.available = available
	if !available {
		h.failAllLocked(cause)
	}
}

// Close ends every subscription with ErrClosed and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.failAllLocked(ErrClosed)
}

func (h *Hub) Count(chatID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[chatID])
}

func (h *Hub) failAllLocked(cause error) {
	if cause == nil {
		cause = ErrUnavailable
	}
	for _, set := range h.subs {
		for sub := range set {
			h.endLocked(sub, cause)
		}
	}
}

func (h *Hub) end(sub *Subscription, cause error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.endLocked(sub, cause)
}

func (h *Hub) endLocked(sub *Subscription, cause error) {
	if sub.ended {
		return
	}
	sub.ended = true
	sub.err = cause
	close(sub.events)
	if set, ok := h.subs[sub.ChatID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.ChatID)
		}
	}
}

func (h *Hub) Available() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.available && !h.closed
}
