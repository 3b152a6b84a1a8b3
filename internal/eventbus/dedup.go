package eventbus

import "sync"

// Dedup is a bounded set of already-seen event IDs. Delivery is at-most-once
// per subscriber, but a consumer that reconnects (or that mirrors events into
// a store) can still encounter the same event twice; such consumers run every
// incoming ID through Seen and discard repeats. Only the most recent capacity
// IDs are remembered.
type Dedup struct {
	mu       sync.Mutex
	capacity int
	seen     map[string]struct{}
	order    []string
	next     int
}

// NewDedup creates a dedup window remembering up to capacity event IDs
func NewDedup(capacity int) *Dedup {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Dedup{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
		order:    make([]string, capacity),
	}
}

// Seen records the ID and reports whether it was already present.
// When the window is full the oldest remembered ID is forgotten.
func (d *Dedup) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true
	}

	if evicted := d.order[d.next]; evicted != "" {
		delete(d.seen, evicted)
	}
	d.order[d.next] = id
	d.next = (d.next + 1) % d.capacity
	d.seen[id] = struct{}{}
	return false
}
