package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus(10)
	all, unsubAll := bus.Subscribe()
	defer unsubAll()
	usage, unsubUsage := bus.Subscribe(UsageSnapshot)
	defer unsubUsage()

	bus.Publish(TaskStatus, map[string]string{"task_id": "t1"})
	bus.Publish(UsageSnapshot, "snap")

	assert.Equal(t, TaskStatus, receive(t, all).Type)
	assert.Equal(t, UsageSnapshot, receive(t, all).Type)

	ev := receive(t, usage)
	assert.Equal(t, UsageSnapshot, ev.Type)
	assert.Equal(t, "snap", ev.Data)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	bus := NewBus(1)
	_, unsub := bus.Subscribe()
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			bus.Publish(TaskEvent, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked")
	}
	assert.Equal(t, uint64(4), bus.Dropped())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(1)
	ch, unsub := bus.Subscribe()
	unsub()
	unsub()

	_, ok := <-ch
	assert.False(t, ok)
	bus.Publish(TaskStatus, nil)
}
