package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Publish(&Event{Type: EventTaskCompleted, ID: "t1"})

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case ev := <-sub:
			assert.Equal(t, EventTaskCompleted, ev.Type)
			assert.Equal(t, "t1", ev.ID)
			assert.False(t, ev.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	slow := b.Subscribe() // never drained
	fast := b.Subscribe()

	// Overflow the slow subscriber's buffer; the fast one must still get
	// the last event.
	for i := 0; i < 60; i++ {
		b.Publish(&Event{Type: EventEntityUpdated})
		// Drain fast so its buffer never fills.
		select {
		case <-fast:
		case <-time.After(time.Second):
			t.Fatal("fast subscriber starved")
		}
	}
	_ = slow
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)
	_, open := <-sub
	assert.False(t, open)
	assert.Equal(t, 0, b.SubscriberCount())

	// Double unsubscribe must not panic.
	require.NotPanics(t, func() { b.Unsubscribe(sub) })
}

func TestStopIsIdempotent(t *testing.T) {
	b := NewBroker()
	b.Start()
	require.NotPanics(t, func() {
		b.Stop()
		b.Stop()
	})
}
