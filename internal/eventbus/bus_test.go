package eventbus

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func testEvent(i int) *Event {
	return NewEvent("C1", KindUnknownFace, fmt.Sprintf("ev-%d", i), 0.9, "")
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	s1 := bus.Subscribe()
	s2 := bus.Subscribe()

	ev := testEvent(1)
	bus.Publish(ev)

	for _, sub := range []*Subscriber{s1, s2} {
		select {
		case got := <-sub.Events():
			if got.ID != ev.ID {
				t.Errorf("expected event %s, got %s", ev.ID, got.ID)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s did not receive event", sub.ID)
		}
	}
}

func TestNewSubscriberSeesNoHistory(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	bus.Publish(testEvent(1))
	bus.Publish(testEvent(2))

	sub := bus.Subscribe()

	select {
	case ev := <-sub.Events():
		t.Fatalf("new subscriber received pre-subscription event %s", ev.Identity)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestOverflowKeepsNewestInOrder publishes 5 events into a capacity-3 inbox
// with no draining reader: the subscriber must end up with exactly the 3
// most recent events, in publish order.
func TestOverflowKeepsNewestInOrder(t *testing.T) {
	bus := NewBus(3)
	defer bus.Close()

	sub := bus.Subscribe()

	for i := 1; i <= 5; i++ {
		bus.Publish(testEvent(i))
	}

	want := []string{"ev-3", "ev-4", "ev-5"}
	for _, identity := range want {
		select {
		case got := <-sub.Events():
			if got.Identity != identity {
				t.Errorf("expected %s, got %s", identity, got.Identity)
			}
		default:
			t.Fatalf("inbox exhausted before receiving %s", identity)
		}
	}

	select {
	case got := <-sub.Events():
		t.Errorf("unexpected extra event %s", got.Identity)
	default:
	}

	if dropped := bus.Dropped(sub.ID); dropped != 2 {
		t.Errorf("expected 2 dropped events, got %d", dropped)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	bus.Subscribe() // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(testEvent(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full inbox")
	}
}

// TestDeliveryIsOrderedSubsequence drains a subscriber concurrently with a
// burst of publishes. Whatever arrives must be an order-preserving
// subsequence of the publish order with no duplicates.
func TestDeliveryIsOrderedSubsequence(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	sub := bus.Subscribe()

	const published = 200
	var received []*Event
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range sub.Events() {
			received = append(received, ev)
		}
	}()

	for i := 0; i < published; i++ {
		bus.Publish(testEvent(i))
	}
	time.Sleep(50 * time.Millisecond)
	bus.Unsubscribe(sub.ID)
	wg.Wait()

	lastIdx := -1
	seen := make(map[string]bool)
	for _, ev := range received {
		if seen[ev.ID] {
			t.Fatalf("event %s delivered twice", ev.ID)
		}
		seen[ev.ID] = true

		var idx int
		fmt.Sscanf(ev.Identity, "ev-%d", &idx)
		if idx <= lastIdx {
			t.Fatalf("out-of-order delivery: ev-%d after ev-%d", idx, lastIdx)
		}
		lastIdx = idx
	}
}

func TestUnsubscribeClosesInbox(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	sub := bus.Subscribe()
	bus.Unsubscribe(sub.ID)

	if _, open := <-sub.Events(); open {
		t.Error("expected inbox to be closed after Unsubscribe")
	}
	if count := bus.SubscriberCount(); count != 0 {
		t.Errorf("expected 0 subscribers, got %d", count)
	}
}

func TestDedupWindow(t *testing.T) {
	d := NewDedup(3)

	if d.Seen("a") {
		t.Error("first occurrence of a reported as seen")
	}
	if !d.Seen("a") {
		t.Error("repeat of a not reported as seen")
	}

	d.Seen("b")
	d.Seen("c")
	d.Seen("d") // evicts a

	if d.Seen("a") {
		t.Error("evicted id a should no longer be remembered")
	}
	if !d.Seen("d") {
		t.Error("recent id d should still be remembered")
	}
}
