package bus

import (
	"sync"

	"predflow/models"
)

// Handler consumes one event. Handlers run synchronously on the publisher's
// goroutine so every subscriber observes the same arrival order.
type Handler func(ev models.Event)

// Bus is a synchronous fan-out of normalized events. Subscribers registered
// at startup receive every event published afterwards, in publish order.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

func New() *Bus {
	return &Bus{}
}

// Subscribe registers a handler. Intended for wiring at startup; handlers
// cannot be removed.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish delivers ev to every subscriber before returning.
func (b *Bus) Publish(ev models.Event) {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}
