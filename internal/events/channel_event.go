package events

import (
	"sync"
)

// ChannelEvent fans values out to listener channels without blocking the
// publisher. When a listener's buffer is full the oldest buffered value is
// dropped in favour of the new one, so a slow reader always ends up with the
// most recent value.
type ChannelEvent[T any] struct {
	mu                    sync.RWMutex
	channels              map[uint64]chan T
	nextID                uint64
	sendLastEventOnListen bool
	lastEvent             *T
	dropped               uint64
}

// NewChannelEvent creates a new ChannelEvent instance
// sendLastEventOnListen: if true, the last notified value is delivered to a
// channel as soon as it is registered
func NewChannelEvent[T any](sendLastEventOnListen bool) *ChannelEvent[T] {
	return &ChannelEvent[T]{
		channels:              make(map[uint64]chan T),
		sendLastEventOnListen: sendLastEventOnListen,
	}
}

// Listen registers a buffered channel to receive values when Notify is invoked.
// The channel must have a capacity of at least one. Returns a deregistration
// function.
func (e *ChannelEvent[T]) Listen(ch chan T) func() {
	if ch == nil {
		panic("channel cannot be nil")
	}
	if cap(ch) == 0 {
		panic("channel must be buffered")
	}

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.channels[id] = ch
	if e.sendLastEventOnListen && e.lastEvent != nil {
		e.offer(ch, *e.lastEvent)
	}
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.channels, id)
		e.mu.Unlock()
	}
}

// Notify delivers value to every registered channel, replacing the oldest
// buffered value of any channel that is full.
func (e *ChannelEvent[T]) Notify(value T) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sendLastEventOnListen {
		v := value
		e.lastEvent = &v
	}
	for _, ch := range e.channels {
		e.offer(ch, value)
	}
}

// offer must be called with mu held
func (e *ChannelEvent[T]) offer(ch chan T, value T) {
	for {
		select {
		case ch <- value:
			return
		default:
		}
		select {
		case <-ch:
			e.dropped++
		default:
		}
	}
}

// ListenerCount returns the current number of registered listeners
func (e *ChannelEvent[T]) ListenerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.channels)
}

// Dropped returns how many stale values were discarded to make room
func (e *ChannelEvent[T]) Dropped() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dropped
}
