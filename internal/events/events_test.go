package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishDeliversToSubscriber(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	bus.Publish(Event{Kind: KindTaskTransition, Payload: TaskTransitionPayload{TaskID: "t1"}})

	select {
	case ev := <-sub.Events():
		assert.Equal(t, KindTaskTransition, ev.Kind)
		payload, ok := ev.Payload.(TaskTransitionPayload)
		require.True(t, ok)
		assert.Equal(t, "t1", payload.TaskID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_DropsWhenBufferFull(t *testing.T) {
	bus := &Bus{subscribers: make(map[int]*subscriber), bufferSize: 1}
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	bus.Publish(Event{Kind: KindTimeout})
	bus.Publish(Event{Kind: KindStagnation}) // buffer full: subscriber dropped

	ev := <-sub.Events()
	assert.Equal(t, KindTimeout, ev.Kind)

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok, "expected no second event, the full subscriber should have been dropped")
	case <-time.After(50 * time.Millisecond):
		t.Fatal("expected the full subscriber's channel to be closed")
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	sub.Unsubscribe()

	bus.Publish(Event{Kind: KindTaskTransition})

	_, ok := <-sub.Events()
	assert.False(t, ok)
}

func TestBus_MultipleSubscribersEachReceive(t *testing.T) {
	bus := NewBus()
	sub1 := bus.Subscribe()
	sub2 := bus.Subscribe()
	defer sub1.Unsubscribe()
	defer sub2.Unsubscribe()

	bus.Publish(Event{Kind: KindAutomationProcessed})

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case ev := <-sub.Events():
			assert.Equal(t, KindAutomationProcessed, ev.Kind)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}
