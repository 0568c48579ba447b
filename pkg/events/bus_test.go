package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	bus.Publish(Event{Type: EventRunCompleted, RunID: "run-1", SessionID: "session-1"})

	select {
	case e := <-ch:
		assert.Equal(t, EventRunCompleted, e.Type)
		assert.Equal(t, "run-1", e.RunID)
		assert.False(t, e.Timestamp.IsZero(), "timestamp is filled on publish")
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch1, u1 := bus.Subscribe()
	defer u1()
	ch2, u2 := bus.Subscribe()
	defer u2()

	bus.Publish(Event{Type: EventTaskStarted, RunID: "run-1"})
	assert.Len(t, ch1, 1)
	assert.Len(t, ch2, 1)
}

func TestBus_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	_, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	// Overflow the buffer; Publish must drop instead of blocking.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			bus.Publish(Event{Type: EventTaskEnded, RunID: "run-1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, unsubscribe := bus.Subscribe()
	unsubscribe()

	_, open := <-ch
	assert.False(t, open, "channel closes on unsubscribe")

	// Publishing after unsubscribe is a no-op for that subscriber.
	bus.Publish(Event{Type: EventRunFailed, RunID: "run-1"})

	// Unsubscribing twice must not panic.
	unsubscribe()
}

func TestBus_Close(t *testing.T) {
	bus := NewBus()
	ch, _ := bus.Subscribe()

	bus.Close()
	_, open := <-ch
	assert.False(t, open)

	// Publish and Close after Close are no-ops.
	bus.Publish(Event{Type: EventRunCompleted})
	bus.Close()

	// Subscribing to a closed bus yields a closed channel.
	late, _ := bus.Subscribe()
	_, open = <-late
	require.False(t, open)
}
