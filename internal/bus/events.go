// Package bus fans out credential and generation events to subscribers.
//
// A Bus is an ordinary value owned by whoever wires the application together;
// there is no package-level registry.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/roelfdiedericks/docgen/internal/logging"
)

// Event represents a notification broadcast to subscribers (pub/sub pattern)
type Event struct {
	Topic     string    // "credential.cooldown", "generation.failover", etc.
	Data      any       // Optional payload data
	Timestamp time.Time // When the event was published
	Source    string    // Origin: "pool", "orchestrator", "cli"
}

// EventHandler processes an event (no return value - fire and forget)
type EventHandler func(Event)

// SubscriptionID uniquely identifies an event subscription
type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	pattern string
	handler EventHandler
}

// Bus delivers events asynchronously. Use Wait before exiting a short-lived
// process so in-flight handlers can finish.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	wg     sync.WaitGroup
	now    func() time.Time
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{now: time.Now}
}

// Subscribe registers a handler. pattern is an exact topic, a prefix ending
// in ".*" ("credential.*"), or "*" for everything.
func (b *Bus) Subscribe(pattern string, handler EventHandler) SubscriptionID {
	id := SubscriptionID(atomic.AddUint64(&b.nextID, 1))

	b.mu.Lock()
	b.subs = append(b.subs, subscription{id: id, pattern: pattern, handler: handler})
	b.mu.Unlock()

	L_debug("bus: event subscribed", "pattern", pattern, "subscriptionID", id)
	return id
}

// Unsubscribe removes a subscription by its ID.
// Returns true if the subscription was found and removed.
func (b *Bus) Unsubscribe(id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Publish broadcasts an event to every matching subscriber.
// Handlers are called asynchronously in separate goroutines.
func (b *Bus) Publish(topic string, data any, source string) {
	event := Event{
		Topic:     topic,
		Data:      data,
		Timestamp: b.now(),
		Source:    source,
	}

	b.mu.RLock()
	var matched []subscription
	for _, s := range b.subs {
		if matches(s.pattern, topic) {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	if len(matched) == 0 {
		L_trace("bus: event published (no subscribers)", "topic", topic)
		return
	}

	L_debug("bus: event published", "topic", topic, "subscribers", len(matched), "source", source)

	for _, sub := range matched {
		b.wg.Add(1)
		go func(s subscription) {
			defer b.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					L_error("bus: event handler panic", "topic", topic, "subscriptionID", s.id, "panic", r)
				}
			}()
			s.handler(event)
		}(sub)
	}
}

// Wait blocks until every handler started so far has returned.
func (b *Bus) Wait() {
	b.wg.Wait()
}

// Count returns the number of subscriptions that would receive topic.
func (b *Bus) Count(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, s := range b.subs {
		if matches(s.pattern, topic) {
			n++
		}
	}
	return n
}

func matches(pattern, topic string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(topic, strings.TrimSuffix(pattern, "*"))
	default:
		return pattern == topic
	}
}
