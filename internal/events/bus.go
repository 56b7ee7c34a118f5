// Package events fans dashboard read-model changes out to in-process
// subscribers such as the browser websocket hub.
package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the dashboard
type EventType string

const (
	EventQuoteUpdate       EventType = "QUOTE_UPDATE"
	EventQuoteFlash        EventType = "QUOTE_FLASH"
	EventQuoteFlashExpired EventType = "QUOTE_FLASH_EXPIRED"
	EventNotification      EventType = "NOTIFICATION"
	EventChannelStatus     EventType = "CHANNEL_STATUS"
	EventSnapshotRefreshed EventType = "SNAPSHOT_REFRESHED"
	EventSessionChanged    EventType = "SESSION_CHANGED"
)

// Event represents a dashboard event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events. Subscribers run on the
// publisher's goroutine, in publish order, and must not block.
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	nextID      uint64
	subscribers map[EventType]map[uint64]Subscriber
	allSubs     map[uint64]Subscriber // Subscribers to all events
	order       []uint64
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType]map[uint64]Subscriber),
		allSubs:     make(map[uint64]Subscriber),
	}
}

// Subscribe registers a subscriber for a specific event type and returns a
// function that removes it
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	id := eb.add()
	if eb.subscribers[eventType] == nil {
		eb.subscribers[eventType] = make(map[uint64]Subscriber)
	}
	eb.subscribers[eventType][id] = subscriber
	return func() { eb.remove(id) }
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	id := eb.add()
	eb.allSubs[id] = subscriber
	return func() { eb.remove(id) }
}

func (eb *EventBus) add() uint64 {
	eb.nextID++
	eb.order = append(eb.order, eb.nextID)
	return eb.nextID
}

func (eb *EventBus) remove(id uint64) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	delete(eb.allSubs, id)
	for _, subs := range eb.subscribers {
		delete(subs, id)
	}
	for i, v := range eb.order {
		if v == id {
			eb.order = append(eb.order[:i], eb.order[i+1:]...)
			break
		}
	}
}

// SubscriberCount returns the number of registered subscribers
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.order)
}

// Publish sends an event to all subscribers in registration order
func (eb *EventBus) Publish(event Event) {
	// Set timestamp if not provided
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.RLock()
	targets := make([]Subscriber, 0, len(eb.order))
	typed := eb.subscribers[event.Type]
	for _, id := range eb.order {
		if sub, ok := typed[id]; ok {
			targets = append(targets, sub)
		} else if sub, ok := eb.allSubs[id]; ok {
			targets = append(targets, sub)
		}
	}
	eb.mu.RUnlock()

	for _, sub := range targets {
		sub(event)
	}
}
