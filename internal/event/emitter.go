// Package event provides a typed observer registry.
//
// Listeners are held in registration order and invoked synchronously by Emit.
// A listener that panics is recovered and logged; the remaining listeners
// still run.
package event

import (
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/exp/slices"
)

// Handle identifies a registered listener.
type Handle uint64

type entry[K comparable, V any] struct {
	handle Handle
	key    K
	all    bool
	once   bool
	fn     func(V)
}

// Emitter dispatches values of type V to listeners keyed by K.
type Emitter[K comparable, V any] struct {
	logger *slog.Logger

	mu      sync.Mutex
	next    Handle
	entries []*entry[K, V]
}

// NewEmitter creates an empty emitter. A nil logger uses slog.Default().
func NewEmitter[K comparable, V any](logger *slog.Logger) *Emitter[K, V] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter[K, V]{logger: logger}
}

// On registers fn for events tagged key.
func (e *Emitter[K, V]) On(key K, fn func(V)) Handle {
	return e.add(&entry[K, V]{key: key, fn: fn})
}

// Once registers fn for the next event tagged key only.
func (e *Emitter[K, V]) Once(key K, fn func(V)) Handle {
	return e.add(&entry[K, V]{key: key, fn: fn, once: true})
}

// OnAll registers fn for every event.
func (e *Emitter[K, V]) OnAll(fn func(V)) Handle {
	return e.add(&entry[K, V]{all: true, fn: fn})
}

// Off removes the listener registered under h. Unknown handles are ignored.
func (e *Emitter[K, V]) Off(h Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remove(h)
}

// OffAll removes every listener.
func (e *Emitter[K, V]) OffAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = nil
}

// Len returns the number of registered listeners.
func (e *Emitter[K, V]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}

// Emit invokes the listeners for key, and the catch-all listeners, in
// registration order.
func (e *Emitter[K, V]) Emit(key K, v V) {
	e.mu.Lock()
	entries := e.entries
	var fire []*entry[K, V]
	for _, en := range entries {
		if en.all || en.key == key {
			fire = append(fire, en)
			if en.once {
				e.remove(en.handle)
			}
		}
	}
	e.mu.Unlock()

	for _, en := range fire {
		e.call(en, key, v)
	}
}

func (e *Emitter[K, V]) call(en *entry[K, V], key K, v V) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("listener panicked",
				"event", fmt.Sprint(key),
				"handle", en.handle,
				"panic", r,
			)
		}
	}()
	en.fn(v)
}

func (e *Emitter[K, V]) add(en *entry[K, V]) Handle {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.next++
	en.handle = e.next
	// Copy on write so an in-flight Emit keeps its snapshot.
	next := slices.Clone(e.entries)
	e.entries = append(next, en)
	return en.handle
}

// remove must be called with mu held.
func (e *Emitter[K, V]) remove(h Handle) {
	i := slices.IndexFunc(e.entries, func(en *entry[K, V]) bool { return en.handle == h })
	if i < 0 {
		return
	}
	next := slices.Clone(e.entries)
	e.entries = slices.Delete(next, i, i+1)
}
