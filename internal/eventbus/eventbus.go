// Package eventbus implements the in-process topic broadcaster of
// spec.md §4.10: producers publish after their write is durable,
// subscribers get a bounded queue and are dropped rather than ever
// blocking a producer. SSE framing lives in server.go.
package eventbus

import (
	"sync"
	"time"
)

// Topic names subscribers filter on.
const (
	TopicWAFEvent   = "waf_event"
	TopicBanCreated = "ban_created"
	TopicBanRemoved = "ban_removed"
	TopicBanUpdated = "ban_updated"
	TopicProxyEvent = "proxy_event"
)

// Event is one broadcast frame.
type Event struct {
	Topic     string
	Payload   interface{}
	Timestamp time.Time
}

const subscriberQueueSize = 64

type subscriber struct {
	id     int64
	topics map[string]bool // empty = all topics
	ch     chan Event
}

// Bus is a topic-based fan-out broadcaster. No durability, no replay.
type Bus struct {
	mu       sync.RWMutex
	subs     map[int64]*subscriber
	nextID   int64
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[int64]*subscriber)}
}

// Subscribe registers a new subscriber. An empty topics set receives
// every topic. The returned unsubscribe func must be called when the
// caller stops reading, to free the channel.
func (b *Bus) Subscribe(topics ...string) (<-chan Event, func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	filter := make(map[string]bool, len(topics))
	for _, t := range topics {
		filter[t] = true
	}
	sub := &subscriber{id: id, topics: filter, ch: make(chan Event, subscriberQueueSize)}
	b.subs[id] = sub
	b.mu.Unlock()

	return sub.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing.ch)
		}
	}
}

// Publish fans event out to every matching subscriber without ever
// blocking the producer. A subscriber whose queue is full is removed
// and its channel closed (fail-slow), per spec.md §4.10.
func (b *Bus) Publish(topic string, payload interface{}) {
	ev := Event{Topic: topic, Payload: payload, Timestamp: time.Now()}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		if len(sub.topics) > 0 && !sub.topics[topic] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			delete(b.subs, id)
			close(sub.ch)
		}
	}
}

// SubscriberCount reports the current number of live subscribers, for
// diagnostics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
