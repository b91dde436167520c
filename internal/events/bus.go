// Package events implements the kernel's in-process typed event bus.
//
// Delivery is synchronous on the emitting goroutine: subscribers must not
// block. A panicking handler is recovered and logged without aborting
// delivery to the remaining handlers.
package events

import (
	"log/slog"
	"sync"
)

// Wildcard is the channel that receives every emitted event.
const Wildcard = "*"

// M is an event payload.
type M = map[string]any

// Event is one emitted occurrence. Wildcard subscribers see the full
// event; the wire form is {event: type, data}.
type Event struct {
	Type string
	Data M
}

// Handler receives events. Handlers run on the emitter's goroutine.
type Handler func(Event)

type subscription struct {
	id      int
	handler Handler
}

// Bus is a typed publish/subscribe hub with a wildcard channel.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]subscription)}
}

// On registers a handler for an event type (or Wildcard). The returned
// function unsubscribes and is idempotent.
func (b *Bus) On(eventType string, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[eventType] = append(b.subs[eventType], subscription{id: id, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[eventType]
			for i, s := range list {
				if s.id == id {
					b.subs[eventType] = append(list[:i], list[i+1:]...)
					break
				}
			}
		})
	}
}

// Emit delivers the event to all exact-type subscribers, then to all
// wildcard subscribers, in registration order within each group.
func (b *Bus) Emit(eventType string, data M) {
	evt := Event{Type: eventType, Data: data}

	b.mu.RLock()
	exact := append([]subscription(nil), b.subs[eventType]...)
	wild := append([]subscription(nil), b.subs[Wildcard]...)
	b.mu.RUnlock()

	for _, s := range exact {
		invoke(s.handler, evt)
	}
	for _, s := range wild {
		invoke(s.handler, evt)
	}
}

// SubscriberCount reports how many handlers are registered for a type.
func (b *Bus) SubscriberCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[eventType])
}

func invoke(h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panic", "event", evt.Type, "panic", r)
		}
	}()
	h(evt)
}
