package events

import (
	"log"
	"sync"
)

type Handler func(payload any)

// Bus is a named-event subscriber list. Handlers run synchronously in
// subscription order; a panicking handler is isolated so the rest still run.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]Handler
}

func NewBus() *Bus {
	return &Bus{
		subs: make(map[string][]Handler),
	}
}

func (b *Bus) Subscribe(event string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[event] = append(b.subs[event], h)
}

func (b *Bus) Publish(event string, payload any) {
	b.mu.RLock()
	handlers := b.subs[event]
	b.mu.RUnlock()

	for _, h := range handlers {
		invoke(event, h, payload)
	}
}

func invoke(event string, h Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Events] Handler for %q panicked: %v\n", event, r)
		}
	}()
	h(payload)
}
