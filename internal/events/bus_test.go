package events

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) waitLen(t *testing.T, n int) []Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, have %d", n, len(r.snapshot()))
	return nil
}

func TestPublishDeliversInOrder(t *testing.T) {
	bus := NewBus(64)
	defer bus.Close()

	rec := &recorder{}
	bus.Subscribe(EventTargetLifecycle, rec.record)

	for i := 0; i < 10; i++ {
		bus.Publish(Event{
			Type: EventTargetLifecycle,
			Data: map[string]interface{}{"seq": i},
		})
	}

	got := rec.waitLen(t, 10)
	for i, e := range got {
		if e.Data["seq"] != i {
			t.Fatalf("event %d delivered out of order: %v", i, e.Data["seq"])
		}
		if e.Timestamp.IsZero() {
			t.Fatal("publish must stamp events")
		}
	}
}

func TestSubscribeFiltersByType(t *testing.T) {
	bus := NewBus(64)
	defer bus.Close()

	lifecycle := &recorder{}
	everything := &recorder{}
	bus.Subscribe(EventTargetLifecycle, lifecycle.record)
	bus.SubscribeAll(everything.record)

	bus.PublishTargetLifecycle("t1", "NEWUSDT", "pending", "ready", "promoted")
	bus.PublishRiskThresholdExceeded("volatility_index", 95, 90)
	bus.PublishCircuitStateChange("place_order", "closed", "open", "failure threshold")

	all := everything.waitLen(t, 3)
	if len(all) != 3 {
		t.Fatalf("expected 3 events on the catch-all, got %d", len(all))
	}

	typed := lifecycle.snapshot()
	if len(typed) != 1 {
		t.Fatalf("typed subscriber should see 1 event, got %d", len(typed))
	}
	if typed[0].Data["new_status"] != "ready" || typed[0].Data["reason"] != "promoted" {
		t.Fatalf("unexpected lifecycle payload %v", typed[0].Data)
	}
}

func TestFullQueueDropsOldest(t *testing.T) {
	bus := NewBus(2)
	defer bus.Close()

	release := make(chan struct{})
	rec := &recorder{}
	var once sync.Once
	bus.SubscribeAll(func(e Event) {
		// Stall the dispatcher on the first event so the queue backs up.
		once.Do(func() { <-release })
		rec.record(e)
	})

	publish := func(seq int) {
		bus.Publish(Event{Type: EventSafetyAlert, Data: map[string]interface{}{"seq": seq}})
	}

	// More events than the dispatcher slot plus the queue can hold, so the
	// overflow policy must engage regardless of dispatcher timing.
	publish(0)
	publish(1)
	publish(2)
	publish(3)

	if bus.Dropped() == 0 {
		t.Fatal("expected at least one dropped event")
	}
	close(release)

	got := rec.waitLen(t, 2)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		got = rec.snapshot()
		if len(got) > 0 && got[len(got)-1].Data["seq"] == 3 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if last := got[len(got)-1]; last.Data["seq"] != 3 {
		t.Fatalf("newest event must survive the overflow, last was %v", last.Data["seq"])
	}
}

func TestCloseDrainsQueue(t *testing.T) {
	bus := NewBus(64)

	rec := &recorder{}
	bus.SubscribeAll(rec.record)
	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: EventTargetCreated, Data: map[string]interface{}{"seq": i}})
	}

	bus.Close()
	if got := len(rec.snapshot()); got != 5 {
		t.Fatalf("close must drain queued events, delivered %d of 5", got)
	}
}

func TestConcurrentPublishersAllDelivered(t *testing.T) {
	bus := NewBus(1024)
	defer bus.Close()

	rec := &recorder{}
	bus.Subscribe(EventPatternsDetected, rec.record)

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				bus.Publish(Event{
					Type: EventPatternsDetected,
					Data: map[string]interface{}{"id": fmt.Sprintf("%d-%d", p, i)},
				})
			}
		}(p)
	}
	wg.Wait()

	got := rec.waitLen(t, 160)
	seen := make(map[interface{}]bool, len(got))
	for _, e := range got {
		seen[e.Data["id"]] = true
	}
	if len(seen) != 160 {
		t.Fatalf("expected 160 distinct events, got %d", len(seen))
	}
}
