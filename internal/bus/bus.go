// Package bus provides the typed one-way event channel from the core to
// the front-end.
package bus

import (
	"log"
	"sync"
)

// Topic names every event stream the core publishes.
type Topic string

const (
	TopicSessionUpdated   Topic = "session-updated"
	TopicHookEvent        Topic = "hook-event"
	TopicHookNotification Topic = "hook-notification"
	TopicTrayStateChanged Topic = "tray-state-changed"
	TopicAutoActionState  Topic = "auto-action-state"
	TopicQueueStatus      Topic = "queue-status"
)

// Event is one published message.
type Event struct {
	Topic   Topic
	Payload interface{}
}

// subscriberBuffer bounds each subscriber channel. A slow subscriber drops
// events rather than stalling publishers.
const subscriberBuffer = 64

// Bus fans events out to subscribers. Publishing never blocks.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a listener for all topics. The returned cancel
// function closes the channel and removes the subscription.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ch, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber. Delivery is best-effort:
// a full subscriber buffer drops the event for that subscriber.
func (b *Bus) Publish(topic Topic, payload interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- Event{Topic: topic, Payload: payload}:
		default:
			log.Printf("bus: subscriber %d full, dropping %s", id, topic)
		}
	}
}
