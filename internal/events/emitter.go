package events

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Listener is a callback invoked for each matching event. Listeners
// run synchronously on the emitting goroutine; they must not block.
type Listener func(Event)

type registration struct {
	id int
	fn Listener
}

// Emitter manages event subscriptions and dispatching.
type Emitter struct {
	mu           sync.RWMutex
	nextID       int
	listeners    map[string][]registration
	allListeners []registration
}

// NewEmitter creates a new event emitter.
func NewEmitter() *Emitter {
	return &Emitter{
		listeners: make(map[string][]registration),
	}
}

// On subscribes to a specific event type. Returns an unsubscribe
// function.
func (e *Emitter) On(eventName string, fn Listener) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners[eventName] = append(e.listeners[eventName], registration{id: id, fn: fn})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		regs := e.listeners[eventName]
		for i, r := range regs {
			if r.id == id {
				e.listeners[eventName] = append(regs[:i], regs[i+1:]...)
				break
			}
		}
	}
}

// OnAny subscribes to all events. Returns an unsubscribe function.
func (e *Emitter) OnAny(fn Listener) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.allListeners = append(e.allListeners, registration{id: id, fn: fn})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, r := range e.allListeners {
			if r.id == id {
				e.allListeners = append(e.allListeners[:i], e.allListeners[i+1:]...)
				break
			}
		}
	}
}

// Emit dispatches an event to all matching listeners.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	// Copy registrations so no lock is held during callbacks.
	specific := make([]registration, len(e.listeners[ev.EventName()]))
	copy(specific, e.listeners[ev.EventName()])
	all := make([]registration, len(e.allListeners))
	copy(all, e.allListeners)
	e.mu.RUnlock()

	log.Trace().
		Str("event", ev.EventName()).
		Int("listeners", len(specific)+len(all)).
		Msg("Dispatching event")

	for _, r := range specific {
		r.fn(ev)
	}
	for _, r := range all {
		r.fn(ev)
	}
}
