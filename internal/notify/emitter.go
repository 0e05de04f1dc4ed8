// Package notify fans out client notifications to registered observers.
package notify

import "sync"

// Emitter provides thread-safe event emission with handler registration.
// The zero value is ready to use.
type Emitter[E any] struct {
	mu       sync.RWMutex
	handlers map[uint64]func(E)
	order    []uint64
	next     uint64
}

// OnEvent registers a handler and returns a function that removes it.
// Handlers are called synchronously, in registration order, on the emitting
// goroutine.
func (e *Emitter[E]) OnEvent(handler func(E)) (cancel func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handlers == nil {
		e.handlers = make(map[uint64]func(E))
	}
	id := e.next
	e.next++
	e.handlers[id] = handler
	e.order = append(e.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			delete(e.handlers, id)
			for i, oid := range e.order {
				if oid == id {
					e.order = append(e.order[:i], e.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Emit sends an event to all registered handlers. Handlers registered or
// removed during emission take effect from the next Emit.
// Must not be called with lock held.
func (e *Emitter[E]) Emit(event E) {
	e.mu.RLock()
	handlers := make([]func(E), 0, len(e.order))
	for _, id := range e.order {
		handlers = append(handlers, e.handlers[id])
	}
	e.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// Len returns the number of registered handlers.
func (e *Emitter[E]) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.order)
}
