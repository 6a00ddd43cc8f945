// Package bus is the in-process publish/subscribe layer that fans inbound
// channel events out to the stores and feeds.
package bus

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Handler receives the raw payload of a published event.
type Handler func(payload json.RawMessage)

type subscription struct {
	id int
	fn Handler
}

type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string][]subscription
}

func New() *Bus {
	return &Bus{subs: make(map[string][]subscription)}
}

// Subscribe registers handler for event and returns a capability that
// removes exactly that handler. Callers must invoke it when their lifetime
// ends so remounting does not accumulate stale handlers.
func (b *Bus) Subscribe(event string, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[event] = append(b.subs[event], subscription{id: id, fn: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[event]
		for i, sub := range list {
			if sub.id == id {
				b.subs[event] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(b.subs[event]) == 0 {
			delete(b.subs, event)
		}
	}
}

// Publish delivers payload to all current subscribers of event, in
// subscription order. A panicking handler does not prevent delivery to the
// handlers after it.
func (b *Bus) Publish(event string, payload json.RawMessage) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[event]))
	for _, sub := range b.subs[event] {
		handlers = append(handlers, sub.fn)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("event handler panicked", "event", event, "panic", r)
				}
			}()
			fn(payload)
		}()
	}
}

// SubscriberCount reports how many handlers are registered for event.
func (b *Bus) SubscriberCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[event])
}
