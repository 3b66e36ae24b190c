package events

import (
	"sync"
)

type callbackEntry[T any] struct {
	id       uint64
	callback func(T)
}

// CallbackEvent provides synchronous pub/sub with type-safe callbacks.
// Listeners are invoked on the notifying goroutine in the order they were
// registered; a slow listener delays every listener after it and the caller.
// T is the type of the argument passed to callback functions
type CallbackEvent[T any] struct {
	mu                    sync.RWMutex
	listeners             []callbackEntry[T]
	nextID                uint64
	sendLastEventOnListen bool
	lastEvent             *T
	hasNotified           bool
}

// NewCallbackEvent creates a new CallbackEvent instance
// sendLastEventOnListen: if true, the CallbackEvent will remember the last Notify parameter
// and call new listeners immediately with that value if Notify has been called at least once
func NewCallbackEvent[T any](sendLastEventOnListen bool) *CallbackEvent[T] {
	return &CallbackEvent[T]{
		sendLastEventOnListen: sendLastEventOnListen,
	}
}

// Listen registers a callback function to be called when Notify is invoked
// Returns a deregistration function that can be called to remove the listener
// If sendLastEventOnListen is true and Notify has been called at least once,
// the callback will be called immediately with the last event value
func (e *CallbackEvent[T]) Listen(callback func(T)) func() {
	if callback == nil {
		panic("callback cannot be nil")
	}

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners = append(e.listeners, callbackEntry[T]{id: id, callback: callback})
	shouldSendLastEvent := e.sendLastEventOnListen && e.hasNotified && e.lastEvent != nil
	var lastEventCopy T
	if shouldSendLastEvent {
		lastEventCopy = *e.lastEvent
	}
	e.mu.Unlock()

	// outside the lock so the callback may call back into the event
	if shouldSendLastEvent {
		callback(lastEventCopy)
	}

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, entry := range e.listeners {
			if entry.id == id {
				e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
				return
			}
		}
	}
}

// Notify calls all registered listener callbacks with the provided value, in
// registration order. This operation is thread-safe
func (e *CallbackEvent[T]) Notify(value T) {
	e.mu.Lock()
	if e.sendLastEventOnListen {
		if e.lastEvent == nil {
			e.lastEvent = new(T)
		}
		*e.lastEvent = value
		e.hasNotified = true
	}

	listenersCopy := make([]callbackEntry[T], len(e.listeners))
	copy(listenersCopy, e.listeners)
	e.mu.Unlock()

	// Call all callbacks outside the lock to avoid deadlock
	for _, entry := range listenersCopy {
		entry.callback(value)
	}
}

// ListenerCount returns the current number of registered listeners
// This is useful for testing and debugging
func (e *CallbackEvent[T]) ListenerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners)
}
