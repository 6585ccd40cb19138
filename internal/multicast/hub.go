// Package multicast fans decoded notification events out to in-process
// subscribers: the console printer, WebSocket clients, and anything
// embedding the endpoint.
package multicast

import (
	"sync"

	"revnotify/internal/metrics"
	"revnotify/internal/wire"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// Hub delivers events to subscribers through per-subscriber buffered
// channels.  Deliver never blocks: a subscriber whose queue is full
// loses the event and the drop is counted.
type Hub struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	nextID  uint64
	buffer  int
	metrics *metrics.Collector
	closed  bool
}

type subscriber struct {
	ch      chan *wire.Event
	methods map[string]bool // nil accepts every method
}

// New returns a Hub.  buffer <= 0 selects [DefaultBuffer]; m may be nil.
func New(buffer int, m *metrics.Collector) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:    make(map[uint64]*subscriber),
		buffer:  buffer,
		metrics: m,
	}
}

// Option configures a subscription.
type Option func(*subscriber)

// WithMethods restricts a subscription to the named methods.  Passing
// no names leaves it unfiltered.
func WithMethods(methods ...string) Option {
	return func(s *subscriber) {
		if len(methods) == 0 {
			return
		}
		s.methods = make(map[string]bool, len(methods))
		for _, m := range methods {
			s.methods[m] = true
		}
	}
}

// Deliver publishes ev to every matching subscriber.
func (h *Hub) Deliver(ev *wire.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, s := range h.subs {
		if s.methods != nil && !s.methods[ev.Method] {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			h.metrics.EventDropped()
		}
	}
}

// Subscribe registers a listener and returns its channel plus a cancel
// function.  The channel is closed by cancel or by [Hub.Close].
// Subscribers share event values and must treat them as read-only.
func (h *Hub) Subscribe(opts ...Option) (<-chan *wire.Event, func()) {
	s := &subscriber{ch: make(chan *wire.Event, h.buffer)}
	for _, opt := range opts {
		opt(s)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(s.ch)
		return s.ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = s

	cancel := func() {
		h.mu.Lock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub.ch)
		}
		h.mu.Unlock()
	}
	return s.ch, cancel
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close ends every subscription.  Later Deliver calls are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		delete(h.subs, id)
		close(s.ch)
	}
}
