package eventbus

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultInboxCapacity bounds each subscriber's backlog
const DefaultInboxCapacity = 1000

// Subscriber receives every event published after it subscribed, in publish
// order. The bus is the sole owner of the inbox; when the subscriber cannot
// keep up the oldest queued events are dropped for this subscriber only.
type Subscriber struct {
	ID          string
	ConnectedAt time.Time
	inbox       chan *Event
	dropped     atomic.Uint64
}

// Events returns the receive side of the subscriber's inbox.
// The channel is closed when the subscriber is removed from the bus.
func (s *Subscriber) Events() <-chan *Event {
	return s.inbox
}

// Bus fans violation events out to all currently connected subscribers.
// Publishing never blocks and a slow subscriber never affects the others.
type Bus struct {
	mu       sync.RWMutex
	subs     map[string]*Subscriber
	capacity int
	closed   bool
}

// NewBus creates an event bus whose subscribers buffer up to capacity events.
// capacity <= 0 selects DefaultInboxCapacity.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultInboxCapacity
	}
	return &Bus{
		subs:     make(map[string]*Subscriber),
		capacity: capacity,
	}
}

// Subscribe registers a new subscriber. Its inbox starts empty: a new
// subscriber sees only events published after it joined.
func (b *Bus) Subscribe() *Subscriber {
	sub := &Subscriber{
		ID:          uuid.NewString(),
		ConnectedAt: time.Now(),
		inbox:       make(chan *Event, b.capacity),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(sub.inbox)
		return sub
	}

	b.subs[sub.ID] = sub
	log.Printf("[EventBus] Subscriber %s connected (total: %d)", sub.ID, len(b.subs))
	return sub
}

// Unsubscribe removes a subscriber and discards its inbox
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, exists := b.subs[id]
	if !exists {
		return
	}
	delete(b.subs, id)
	close(sub.inbox)
	log.Printf("[EventBus] Subscriber %s disconnected (remaining: %d)", id, len(b.subs))
}

// Publish appends the event to every live subscriber's inbox. If an inbox is
// full the oldest queued event for that subscriber is dropped to make room;
// the publisher is never blocked.
func (b *Bus) Publish(event *Event) {
	if event == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs {
		select {
		case sub.inbox <- event:
			continue
		default:
		}

		// Inbox full: evict the oldest event, then retry once. If a draining
		// consumer races us and frees space, the second send still succeeds.
		select {
		case <-sub.inbox:
			sub.dropped.Add(1)
		default:
		}
		select {
		case sub.inbox <- event:
		default:
			sub.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns the number of events dropped for a subscriber due to
// backlog overflow. Used as a degradation signal, not a failure.
func (b *Bus) Dropped(id string) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if sub, exists := b.subs[id]; exists {
		return sub.dropped.Load()
	}
	return 0
}

// Close removes all subscribers and closes their inboxes.
// Further Publish and Subscribe calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for id, sub := range b.subs {
		close(sub.inbox)
		delete(b.subs, id)
	}
}
