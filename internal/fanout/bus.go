// Package fanout provides per-session publish/subscribe delivery of capture
// events to any number of observers.
package fanout

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one published session event. Payload is opaque to the bus.
type Event struct {
	SessionID string
	Kind      string
	Payload   interface{}
	At        time.Time
}

// Subscription is one observer's view of a session's event stream.
// Events arrive in publish order. A late subscriber sees no history.
type Subscription struct {
	ch      chan Event
	dropped atomic.Int64
}

// Events returns the subscription's delivery channel. It is closed when the
// subscription is cancelled or the session's delivery ends.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many events were evicted because this subscriber
// fell behind.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Bus fans out session events to subscribers. Publishing never blocks on a
// slow subscriber: each subscription has a bounded queue and overflowing it
// evicts the oldest pending event.
type Bus struct {
	mu        sync.RWMutex
	sessions  map[string]map[*Subscription]struct{}
	queueSize int
}

// NewBus creates a Bus whose subscribers each buffer up to queueSize events.
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Bus{
		sessions:  make(map[string]map[*Subscription]struct{}),
		queueSize: queueSize,
	}
}

// Subscribe registers a new observer for the session's future events.
func (b *Bus) Subscribe(sessionID string) *Subscription {
	sub := &Subscription{ch: make(chan Event, b.queueSize)}

	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.sessions[sessionID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.sessions[sessionID] = subs
	}
	subs[sub] = struct{}{}
	return sub
}

// Unsubscribe cancels a subscription and closes its channel.
func (b *Bus) Unsubscribe(sessionID string, sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.sessions[sessionID]
	if !ok {
		return
	}
	if _, exists := subs[sub]; !exists {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.sessions, sessionID)
	}
	close(sub.ch)
}

// Publish queues the event for every current subscriber of the session and
// returns once queued, not once delivered. A full subscriber queue evicts
// its oldest event to make room.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.sessions[event.SessionID] {
		select {
		case sub.ch <- event:
			continue
		default:
		}

		// Queue full: evict oldest, then retry once.
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
		default:
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
			slog.Warn("Fan-out subscriber queue saturated, event dropped",
				"session_id", event.SessionID, "kind", event.Kind)
		}
	}
}

// CloseSession ends delivery for a session, closing every subscriber's
// channel. Called once the session reaches its terminal state.
func (b *Bus) CloseSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.sessions[sessionID] {
		close(sub.ch)
	}
	delete(b.sessions, sessionID)
}

// SubscriberCount returns how many observers a session currently has.
func (b *Bus) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions[sessionID])
}
