// Package events provides typed cross-component signaling over a bounded queue.
// A single dispatch goroutine delivers events in publish order, so subscribers
// observe risk escalations and lifecycle transitions in the order they happened.
package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventTargetCreated         EventType = "TARGET_CREATED"
	EventTargetLifecycle       EventType = "TARGET_LIFECYCLE"
	EventRiskThresholdExceeded EventType = "RISK_THRESHOLD_EXCEEDED"
	EventRiskRecovered         EventType = "RISK_RECOVERED"
	EventSafetyAlert           EventType = "SAFETY_ALERT"
	EventSafetyAction          EventType = "SAFETY_ACTION"
	EventEmergencyHalt         EventType = "EMERGENCY_HALT"
	EventHaltLifted            EventType = "HALT_LIFTED"
	EventCircuitStateChange    EventType = "CIRCUIT_STATE_CHANGE"
	EventPatternsDetected      EventType = "PATTERNS_DETECTED"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Bus manages event publishing and subscriptions. Publish enqueues onto a
// bounded queue; when the queue is full the oldest event is dropped rather
// than blocking a publisher that may hold trading-path locks.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber

	queue   chan Event
	done    chan struct{}
	wg      sync.WaitGroup
	dropped int64
}

// NewBus creates a bus with the given queue capacity (default 256).
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 256
	}
	b := &Bus{
		subscribers: make(map[EventType][]Subscriber),
		queue:       make(chan Event, capacity),
		done:        make(chan struct{}),
	}
	b.wg.Add(1)
	go b.dispatch()
	return b
}

// Subscribe registers a subscriber for a specific event type
func (b *Bus) Subscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], sub)
}

// SubscribeAll registers a subscriber for all events
func (b *Bus) SubscribeAll(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, sub)
}

// Publish enqueues an event for ordered delivery.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case b.queue <- event:
	default:
		// Queue full: drop the oldest event to make room.
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		select {
		case <-b.queue:
		default:
		}
		select {
		case b.queue <- event:
		default:
		}
	}
}

// Dropped returns how many events were discarded due to a full queue.
func (b *Bus) Dropped() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Close stops the dispatch loop after draining queued events.
func (b *Bus) Close() {
	close(b.done)
	b.wg.Wait()
}

func (b *Bus) dispatch() {
	defer b.wg.Done()
	for {
		select {
		case event := <-b.queue:
			b.deliver(event)
		case <-b.done:
			// Drain remaining events before exit.
			for {
				select {
				case event := <-b.queue:
					b.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(event Event) {
	b.mu.RLock()
	subs := b.subscribers[event.Type]
	all := b.allSubs
	b.mu.RUnlock()

	for _, sub := range subs {
		sub(event)
	}
	for _, sub := range all {
		sub(event)
	}
}

// PublishTargetLifecycle publishes a target status transition
func (b *Bus) PublishTargetLifecycle(targetID, symbol, oldStatus, newStatus, reason string) {
	b.Publish(Event{
		Type: EventTargetLifecycle,
		Data: map[string]interface{}{
			"target_id":  targetID,
			"symbol":     symbol,
			"old_status": oldStatus,
			"new_status": newStatus,
			"reason":     reason,
		},
	})
}

// PublishRiskThresholdExceeded publishes a risk emergency signal
func (b *Bus) PublishRiskThresholdExceeded(metric string, value, threshold float64) {
	b.Publish(Event{
		Type: EventRiskThresholdExceeded,
		Data: map[string]interface{}{
			"metric":    metric,
			"value":     value,
			"threshold": threshold,
		},
	})
}

// PublishCircuitStateChange publishes a breaker transition
func (b *Bus) PublishCircuitStateChange(callClass, oldState, newState, reason string) {
	b.Publish(Event{
		Type: EventCircuitStateChange,
		Data: map[string]interface{}{
			"call_class": callClass,
			"old_state":  oldState,
			"new_state":  newState,
			"reason":     reason,
		},
	})
}
