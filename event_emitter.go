package sharedws

import (
	"sync"
)

type EventType uint8

const (
	EventStateChange EventType = iota + 1
	EventMessage
	EventPayload
)

type callback[T any] func(T)

type listener[V any] struct {
	fn callback[V]
}

// EventEmitterCallback maps events (of type K) to listeners receiving values of type V.
// Listeners are removed by identity through the func returned from On, so the same callback may be
// registered more than once and each registration is removed independently.
type EventEmitterCallback[K comparable, V any] struct {
	listeners map[K][]*listener[V]
	lock      sync.RWMutex
	onPanic   func(event K, recovered any)
}

// NewEventEmitter creates a new EventEmitterCallback and returns a pointer to it.
func NewEventEmitter[K comparable, V any]() *EventEmitterCallback[K, V] {
	return &EventEmitterCallback[K, V]{
		listeners: make(map[K][]*listener[V]),
	}
}

// OnPanic installs a hook called when a listener panics. The panic is swallowed either way.
func (e *EventEmitterCallback[K, V]) OnPanic(fn func(event K, recovered any)) {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.onPanic = fn
}

// On registers a new listener for the given event and returns a func that removes exactly that
// registration. Calling the returned func more than once is a no-op.
func (e *EventEmitterCallback[K, V]) On(event K, fn callback[V]) func() {
	l := &listener[V]{fn: fn}

	e.lock.Lock()
	e.listeners[event] = append(e.listeners[event], l)
	e.lock.Unlock()

	return func() { e.remove(event, l) }
}

func (e *EventEmitterCallback[K, V]) remove(event K, l *listener[V]) {
	e.lock.Lock()
	defer e.lock.Unlock()

	ls := e.listeners[event]
	for i, candidate := range ls {
		if candidate == l {
			next := make([]*listener[V], 0, len(ls)-1)
			next = append(next, ls[:i]...)
			next = append(next, ls[i+1:]...)
			e.listeners[event] = next
			return
		}
	}
}

// Emit calls every listener registered for event at the time of the call, synchronously and in
// registration order. Listeners run without the emitter lock held, so they may register or remove
// listeners. A panicking listener does not prevent delivery to the others.
func (e *EventEmitterCallback[K, V]) Emit(event K, data V) {
	e.lock.RLock()
	listeners := e.listeners[event]
	onPanic := e.onPanic
	e.lock.RUnlock()

	for _, l := range listeners {
		e.call(event, l, data, onPanic)
	}
}

func (e *EventEmitterCallback[K, V]) call(event K, l *listener[V], data V, onPanic func(K, any)) {
	defer func() {
		if r := recover(); r != nil && onPanic != nil {
			onPanic(event, r)
		}
	}()

	l.fn(data)
}

// Count returns the number of listeners registered for event.
func (e *EventEmitterCallback[K, V]) Count(event K) int {
	e.lock.RLock()
	defer e.lock.RUnlock()

	return len(e.listeners[event])
}

// Close removes all listeners to prevent memory leaks.
func (e *EventEmitterCallback[K, V]) Close() {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.listeners = make(map[K][]*listener[V])
}
