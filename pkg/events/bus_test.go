package events

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversInOrder(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe()

	for i := 0; i < 10; i++ {
		bus.Publish(Event{Type: WorkerProgress, Data: i})
	}

	for i := 0; i < 10; i++ {
		e := <-sub.Events()
		assert.Equal(t, i, e.Data)
		assert.False(t, e.Timestamp.IsZero())
	}
}

func TestSubscribeFiltersKinds(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(WorkerStarted, WorkerCompleted)

	bus.Publish(Event{Type: LLMChunk})
	bus.Publish(Event{Type: WorkerStarted})
	bus.Publish(Event{Type: CostUpdated})
	bus.Publish(Event{Type: WorkerCompleted})
	bus.Close()

	var got []Type
	for e := range sub.Events() {
		got = append(got, e.Type)
	}
	assert.Equal(t, []Type{WorkerStarted, WorkerCompleted}, got)
}

func TestPublishDropsOldestWhenFull(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe()

	total := subscriberBufferSize + 25
	for i := 0; i < total; i++ {
		bus.Publish(Event{Type: LLMChunk, Data: i})
	}

	assert.Equal(t, int64(25), bus.BackpressureDropped())

	// The surviving window is the most recent subscriberBufferSize events.
	first := <-sub.Events()
	assert.Equal(t, 25, first.Data)

	count := 1
	for len(sub.Events()) > 0 {
		<-sub.Events()
		count++
	}
	assert.Equal(t, subscriberBufferSize, count)
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	slow := bus.Subscribe()
	fast := bus.Subscribe()

	// Never read from slow; publishing must still complete.
	for i := 0; i < subscriberBufferSize*3; i++ {
		bus.Publish(Event{Type: WorkerProgress, Data: i})
	}

	_ = slow
	require.Equal(t, subscriberBufferSize, len(fast.Events()))
}

func TestCloseDrainsStreams(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: ToolCall, Data: fmt.Sprintf("call-%d", i)})
	}
	bus.Close()

	var got int
	for range sub.Events() {
		got++
	}
	assert.Equal(t, 5, got)

	// Publishing and subscribing after close are no-ops.
	bus.Publish(Event{Type: ToolResult})
	late := bus.Subscribe()
	_, open := <-late.Events()
	assert.False(t, open)
}

func TestUnsubscribeClosesStream(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe()
	bus.Unsubscribe(sub)

	bus.Publish(Event{Type: WorkerProgress})
	_, open := <-sub.Events()
	assert.False(t, open)
}
