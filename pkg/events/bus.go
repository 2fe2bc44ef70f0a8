// Package events provides the typed progress event bus.
//
// Publishing never blocks: each subscriber owns a bounded buffer and the
// oldest event is dropped when it fills, so one slow consumer cannot stall
// the research loop or other subscribers.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

const subscriberBufferSize = 100

// Event is one progress notification.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// Subscription is a finite-capacity stream of events.
type Subscription struct {
	mu     sync.Mutex
	ch     chan Event
	kinds  map[Type]struct{} // nil = all kinds
	closed bool
}

// Events returns the receive side of the stream. The channel is closed when
// the bus closes or the subscription is cancelled.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// deliver enqueues the event, dropping the oldest buffered event when full.
// Returns true when an old event had to be dropped.
func (s *Subscription) deliver(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	if s.kinds != nil {
		if _, ok := s.kinds[e.Type]; !ok {
			return false
		}
	}

	dropped := false
	for {
		select {
		case s.ch <- e:
			return dropped
		default:
		}
		select {
		case <-s.ch:
			dropped = true
		default:
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Bus fans events out to subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	closed  bool
	dropped atomic.Int64
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Publish delivers the event to all matching subscribers without blocking.
// A zero timestamp is stamped with the current time.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for sub := range b.subs {
		if sub.deliver(e) {
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns a stream limited to the given kinds; with no kinds, the
// stream receives everything.
func (b *Bus) Subscribe(kinds ...Type) *Subscription {
	sub := &Subscription{ch: make(chan Event, subscriberBufferSize)}
	if len(kinds) > 0 {
		sub.kinds = make(map[Type]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}

	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe cancels a subscription and closes its stream.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
	sub.close()
}

// Close shuts the bus down and closes every subscriber stream. Buffered
// events remain readable until each stream is drained.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = map[*Subscription]struct{}{}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// BackpressureDropped reports how many events were discarded because a
// subscriber buffer was full.
func (b *Bus) BackpressureDropped() int64 {
	return b.dropped.Load()
}
