package database

import (
	"log"

	"vigil/internal/eventbus"
)

// Recorder persists violation events from the bus. It runs as a regular
// subscriber with its own inbox, so a slow disk write never blocks
// publishers, and a dedup window guards against accidental redelivery.
type Recorder struct {
	db    *Database
	bus   *eventbus.Bus
	dedup *eventbus.Dedup
	sub   *eventbus.Subscriber
	done  chan struct{}
}

// NewRecorder creates a recorder on the violation bus
func NewRecorder(db *Database, bus *eventbus.Bus) *Recorder {
	return &Recorder{
		db:    db,
		bus:   bus,
		dedup: eventbus.NewDedup(0),
		done:  make(chan struct{}),
	}
}

// Start subscribes and begins draining events in the background
func (r *Recorder) Start() {
	r.sub = r.bus.Subscribe()
	go r.run()
	log.Printf("[Recorder] Started as subscriber %s", r.sub.ID)
}

// Stop detaches from the bus and waits for the drain loop to finish
func (r *Recorder) Stop() {
	if r.sub == nil {
		return
	}
	r.bus.Unsubscribe(r.sub.ID)
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)

	for ev := range r.sub.Events() {
		if r.dedup.Seen(ev.ID) {
			continue
		}
		if err := r.db.SaveViolation(recordFromEvent(ev)); err != nil {
			log.Printf("[Recorder] Failed to save violation %s: %v", ev.ID, err)
		}
	}
}
