// Package bus provides the in-process publish/subscribe event router.
//
// Topics are hierarchical, category:eventType:sessionID, with one wildcard
// topic per category (category:any) that receives every event of that
// category regardless of session or type. Delivery is synchronous and
// best-effort: subscribers registered at publish time get the event, late
// subscribers miss it.
package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Category groups events by the entity they concern.
type Category string

const (
	CategoryMessage Category = "message"
	CategorySession Category = "session"
	CategoryContact Category = "contact"
)

// Event is the unit routed through the bus. Events are ephemeral; they are
// not persisted.
type Event struct {
	Category  Category
	Type      string
	SessionID string
	Payload   any
	Timestamp time.Time
}

// Topic returns the full hierarchical topic for the event.
func (e Event) Topic() string {
	return Topic(e.Category, e.Type, e.SessionID)
}

// Topic builds a category:eventType:sessionID topic string.
func Topic(category Category, eventType, sessionID string) string {
	return fmt.Sprintf("%s:%s:%s", category, eventType, sessionID)
}

// WildcardTopic builds the category:any topic that matches every event of
// the category.
func WildcardTopic(category Category) string {
	return string(category) + ":any"
}

// Handler processes one event. Handlers run synchronously inside Publish;
// a slow handler delays every subscriber behind it.
type Handler func(Event)

// Subscription identifies one registered handler so it can be removed.
type Subscription struct {
	topic string
	id    uint64
}

// Topic returns the topic the subscription is registered on.
func (s *Subscription) Topic() string {
	return s.topic
}

// Bus routes events to subscribers. The zero value is not usable; create
// one with New and inject it where needed instead of relying on a global.
type Bus struct {
	log *slog.Logger

	mu     sync.RWMutex
	subs   map[string]map[uint64]Handler
	nextID uint64
	closed bool
}

// New creates an event bus.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		log:  log.With("component", "bus"),
		subs: make(map[string]map[uint64]Handler),
	}
}

// Subscribe registers a handler on an exact topic or a category:any
// wildcard. It returns a Subscription for later removal; subscribing on a
// closed bus returns nil.
func (b *Bus) Subscribe(topic string, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.nextID++
	id := b.nextID
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]Handler)
	}
	b.subs[topic][id] = h

	return &Subscription{topic: topic, id: id}
}

// Unsubscribe removes a subscription. Removing a nil or already-removed
// subscription is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	handlers, ok := b.subs[sub.topic]
	if !ok {
		return
	}
	delete(handlers, sub.id)
	if len(handlers) == 0 {
		delete(b.subs, sub.topic)
	}
}

// Publish delivers the event to all subscribers of its exact topic and of
// its category wildcard. Fire-and-forget: no queuing, no delivery guarantee
// beyond "delivered to whatever subscribers are registered now".
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	handlers := make([]Handler, 0, 4)
	for _, h := range b.subs[evt.Topic()] {
		handlers = append(handlers, h)
	}
	for _, h := range b.subs[WildcardTopic(evt.Category)] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	b.log.Debug("event published", "topic", evt.Topic(), "subscribers", len(handlers))

	for _, h := range handlers {
		h(evt)
	}
}

// SubscriberCount returns the number of handlers registered on a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close unregisters all subscribers and rejects further subscriptions.
// Publish on a closed bus is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string]map[uint64]Handler)
}
