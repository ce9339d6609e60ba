// Package event carries gateway state-change notifications between
// components without coupling them to each other.
package event

import (
	"sync"
	"time"
)

// Type identifies what happened.
type Type string

const (
	BreakerOpened       Type = "breaker_opened"
	BreakerClosed       Type = "breaker_closed"
	BreakerHalfOpen     Type = "breaker_half_open"
	EndpointMarked      Type = "endpoint_marked"
	ServiceRegistered   Type = "service_registered"
	ServiceUnregistered Type = "service_unregistered"
)

// Event is a single gateway state change.
type Event struct {
	Type     Type      `json:"type"`
	Service  string    `json:"service"`
	Endpoint string    `json:"endpoint,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	Healthy  bool      `json:"healthy"`
	Time     time.Time `json:"time"`
}

// Bus fans events out to subscribers and keeps a bounded history for
// inspection. Delivery is best effort: a subscriber that falls behind loses
// events rather than stalling the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	history     []Event
	maxHistory  int
	closed      bool
}

// DefaultHistory is the number of events retained when NewBus is given a
// non-positive size.
const DefaultHistory = 256

// NewBus creates a bus retaining up to maxHistory events.
func NewBus(maxHistory int) *Bus {
	if maxHistory <= 0 {
		maxHistory = DefaultHistory
	}
	return &Bus{
		subscribers: make(map[chan Event]struct{}),
		maxHistory:  maxHistory,
	}
}

// Subscribe registers a listener. The returned channel is closed by
// Unsubscribe or when the bus shuts down.
func (b *Bus) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes ch and closes it.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
}

// Publish records e in the history and offers it to every subscriber
// without blocking.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if len(b.history) >= b.maxHistory {
		b.history = b.history[1:]
	}
	b.history = append(b.history, e)
	for ch := range b.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
}

// Recent returns up to limit events, oldest first. A non-positive limit
// returns the whole retained history.
func (b *Bus) Recent(limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Event, n)
	copy(out, b.history[len(b.history)-n:])
	return out
}

// Close stops delivery and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subscribers {
		delete(b.subscribers, ch)
		close(ch)
	}
}
