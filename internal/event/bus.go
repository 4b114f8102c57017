// Package event
package event

import (
	"sync"

	"guildstats/internal/logger"
)

type Handler func(event any)

type subscription struct {
	id      uint64
	handler Handler
}

type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string][]subscription
	log      logger.Logger
}

func New(log logger.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]subscription),
		log:      log,
	}
}

// Subscribe registers handler for eventName. The returned func removes it and
// is safe to call more than once.
func (b *Bus) Subscribe(eventName string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[eventName] = append(b.handlers[eventName], subscription{id: id, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(eventName, id) })
	}
}

func (b *Bus) unsubscribe(eventName string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[eventName]
	for i, s := range subs {
		if s.id == id {
			b.handlers[eventName] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}

	if len(b.handlers[eventName]) == 0 {
		delete(b.handlers, eventName)
	}
}

// Publish runs every handler for eventName on the caller's goroutine.
// A panicking handler is logged and does not stop the others.
func (b *Bus) Publish(eventName string, event any) {
	b.mu.RLock()
	subs := b.handlers[eventName]
	b.mu.RUnlock()

	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.Warn("event handler panic", "event", eventName, "panic", r)
				}
			}()
			s.handler(event)
		}()
	}
}

func (b *Bus) Count(eventName string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.handlers[eventName])
}
