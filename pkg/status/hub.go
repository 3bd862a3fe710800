// Package status publishes connection events and periodic throughput
// summaries to logs and to live WebSocket subscribers.
package status

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Event kinds.
const (
	KindConnect    = "connect"
	KindDisconnect = "disconnect"
	KindTimeout    = "timeout"
	KindError      = "error"
	KindSummary    = "summary"
	KindInfo       = "info"
)

// DefaultHistory is how many recent events a Hub keeps.
const DefaultHistory = 64

// Event is one status line.
type Event struct {
	Time    time.Time      `json:"time"`
	Kind    string         `json:"kind"`
	Peer    string         `json:"peer,omitempty"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

type subscriber struct {
	ch      chan Event
	dropped atomic.Uint64
}

// Hub fans events out to subscribers. A subscriber that falls behind loses
// events rather than slowing the publisher.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	history []Event
	limit   int
	closed  bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub creates a Hub that also logs every event through logger.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger.With("component", "status"),
		subs:   make(map[*subscriber]struct{}),
		limit:  DefaultHistory,
	}
}

// Publish stamps ev if needed, logs it and delivers it to every subscriber.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	h.log(ev)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.history = append(h.history, ev)
	if len(h.history) > h.limit {
		h.history = append(h.history[:0], h.history[len(h.history)-h.limit:]...)
	}
	for s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
			h.dropped.Add(1)
		}
	}
	h.mu.Unlock()
	h.published.Add(1)
}

// Publishf is shorthand for publishing a message without fields.
func (h *Hub) Publishf(kind, peer, msg string) {
	h.Publish(Event{Kind: kind, Peer: peer, Message: msg})
}

// Subscribe registers a subscriber with a buffer of the given size. The
// returned function unsubscribes and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	_, ch, cancel := h.subscribe(buffer)
	return ch, cancel
}

// subscribe registers a subscriber and returns the history it has not seen.
func (h *Hub) subscribe(buffer int) ([]Event, <-chan Event, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	s := &subscriber{ch: make(chan Event, buffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(s.ch)
		return nil, s.ch, func() {}
	}
	h.subs[s] = struct{}{}
	history := append([]Event(nil), h.history...)
	h.mu.Unlock()

	var once sync.Once
	return history, s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if _, ok := h.subs[s]; ok {
				delete(h.subs, s)
				close(s.ch)
			}
			h.mu.Unlock()
		})
	}
}

// Recent returns up to n of the newest events, oldest first.
func (h *Hub) Recent(n int) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if n <= 0 || n > len(h.history) {
		n = len(h.history)
	}
	out := make([]Event, n)
	copy(out, h.history[len(h.history)-n:])
	return out
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns the number of events lost to slow subscribers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close closes every subscriber channel. Later events are only logged.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		close(s.ch)
		delete(h.subs, s)
	}
}

func (h *Hub) log(ev Event) {
	level := slog.LevelInfo
	switch ev.Kind {
	case KindError, KindTimeout:
		level = slog.LevelWarn
	case KindSummary:
		level = slog.LevelDebug
	}
	attrs := make([]any, 0, 4+2*len(ev.Fields))
	attrs = append(attrs, "kind", ev.Kind)
	if ev.Peer != "" {
		attrs = append(attrs, "peer", ev.Peer)
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, k, v)
	}
	h.logger.Log(context.Background(), level, ev.Message, attrs...)
}
