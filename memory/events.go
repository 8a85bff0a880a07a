package memory

import (
	"sync"
	"time"
)

// EventType identifies what happened inside the manager.
type EventType string

const (
	EventItemStored    EventType = "item_stored"
	EventItemEvicted   EventType = "item_evicted"
	EventItemPruned    EventType = "item_pruned"
	EventSummarized    EventType = "summarized"
	EventWindowTrimmed EventType = "window_trimmed"
)

// Event is a notification about a manager state change.
type Event struct {
	Type   EventType
	Time   time.Time
	ItemID string
	Data   map[string]string
}

// Bus delivers manager events to subscribers. Subscribing returns an
// unsubscribe handle; there is no ad hoc callback list to manage.
type Bus struct {
	mu   sync.Mutex
	next int
	subs map[int]func(Event)
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(Event))}
}

// Subscribe registers a handler and returns its unsubscribe handle.
// Handlers are invoked synchronously, outside the manager's state lock.
func (b *Bus) Subscribe(handler func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// publish delivers an event to every current subscriber.
func (b *Bus) publish(e Event) {
	b.mu.Lock()
	handlers := make([]func(Event), 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(e)
	}
}
