package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCallbackEvent(t *testing.T) {
	event := NewCallbackEvent[string](false)
	require.NotNil(t, event)
	assert.Equal(t, 0, event.ListenerCount())
	assert.False(t, event.sendLastEventOnListen)

	event2 := NewCallbackEvent[int](true)
	require.NotNil(t, event2)
	assert.True(t, event2.sendLastEventOnListen)
}

func TestCallbackEvent_DeliversInRegistrationOrder(t *testing.T) {
	event := NewCallbackEvent[int](false)

	var order []string
	for _, name := range []string{"first", "second", "third"} {
		event.Listen(func(v int) {
			order = append(order, name)
		})
	}

	event.Notify(1)
	assert.Equal(t, []string{"first", "second", "third"}, order)

	order = nil
	event.Notify(2)
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestCallbackEvent_UnregisterKeepsOrderOfOthers(t *testing.T) {
	event := NewCallbackEvent[int](false)

	var order []string
	event.Listen(func(int) { order = append(order, "a") })
	unregisterB := event.Listen(func(int) { order = append(order, "b") })
	event.Listen(func(int) { order = append(order, "c") })

	unregisterB()
	assert.Equal(t, 2, event.ListenerCount())

	event.Notify(0)
	assert.Equal(t, []string{"a", "c"}, order)

	event.Listen(func(int) { order = append(order, "d") })
	order = nil
	event.Notify(0)
	assert.Equal(t, []string{"a", "c", "d"}, order)
}

func TestCallbackEvent_SynchronousDelivery(t *testing.T) {
	event := NewCallbackEvent[string](false)

	received := ""
	event.Listen(func(v string) { received = v })

	event.Notify("hr")
	// no waiting: the listener ran before Notify returned
	assert.Equal(t, "hr", received)
}

func TestCallbackEvent_SendLastEventOnListen(t *testing.T) {
	event := NewCallbackEvent[string](true)

	var early []string
	event.Listen(func(v string) { early = append(early, v) })
	assert.Empty(t, early)

	event.Notify("first-event")
	assert.Equal(t, []string{"first-event"}, early)

	var late []string
	event.Listen(func(v string) { late = append(late, v) })
	assert.Equal(t, []string{"first-event"}, late)

	event.Notify("second-event")
	assert.Equal(t, []string{"first-event", "second-event"}, early)
	assert.Equal(t, []string{"first-event", "second-event"}, late)
}

func TestCallbackEvent_NoReplayWhenDisabled(t *testing.T) {
	event := NewCallbackEvent[string](false)
	event.Notify("first-event")

	var received []string
	event.Listen(func(v string) { received = append(received, v) })
	assert.Empty(t, received)

	event.Notify("second-event")
	assert.Equal(t, []string{"second-event"}, received)
}

func TestCallbackEvent_ConcurrentAccess(t *testing.T) {
	event := NewCallbackEvent[int](false)

	var wg sync.WaitGroup
	var mu sync.Mutex
	count := 0

	wg.Add(10)
	for i := 0; i < 10; i++ {
		go func() {
			defer wg.Done()
			event.Listen(func(int) {
				mu.Lock()
				count++
				mu.Unlock()
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, event.ListenerCount())

	wg.Add(5)
	for i := 0; i < 5; i++ {
		go func(value int) {
			defer wg.Done()
			event.Notify(value)
		}(i)
	}
	wg.Wait()

	mu.Lock()
	assert.Equal(t, 50, count)
	mu.Unlock()
}

func TestCallbackEvent_Listen_NilCallback(t *testing.T) {
	event := NewCallbackEvent[string](false)

	assert.Panics(t, func() {
		event.Listen(nil)
	})
}

func TestCallbackEvent_UnregisterDuringNotify(t *testing.T) {
	event := NewCallbackEvent[string](false)

	var received []string
	var unregister func()
	unregister = event.Listen(func(value string) {
		received = append(received, value)
		if value == "unregister" {
			unregister()
		}
	})

	event.Notify("test1")
	event.Notify("unregister")
	event.Notify("test2")

	assert.Equal(t, []string{"test1", "unregister"}, received)
	assert.Equal(t, 0, event.ListenerCount())
}

func TestCallbackEvent_MultipleUnregisterCalls(t *testing.T) {
	event := NewCallbackEvent[string](false)

	unregister := event.Listen(func(string) {})
	other := event.Listen(func(string) {})
	assert.Equal(t, 2, event.ListenerCount())

	unregister()
	unregister()
	assert.Equal(t, 1, event.ListenerCount())

	other()
	assert.Equal(t, 0, event.ListenerCount())
}
