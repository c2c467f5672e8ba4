package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/mesh-go/pkg/wire"
)

func receiveOne(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestSubscribeByType(t *testing.T) {
	bus := NewBus(10)
	msgs := bus.Subscribe(TypeMessageReceived)
	auths := bus.Subscribe(TypeAuthSuccess)

	bus.Publish(New(TypeMessageReceived, "pipeline", nil))
	bus.Publish(New(TypeAuthSuccess, "conn", map[string]interface{}{"wallet": "0xabc"}))

	got := receiveOne(t, msgs)
	assert.Equal(t, TypeMessageReceived, got.Type)
	assert.Equal(t, "pipeline", got.Source)

	got = receiveOne(t, auths)
	assert.Equal(t, TypeAuthSuccess, got.Type)
	assert.Equal(t, "0xabc", got.Data["wallet"])

	select {
	case e := <-msgs:
		t.Fatalf("message subscriber received foreign event %v", e.Type)
	default:
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := NewBus(10)
	all := bus.Subscribe()

	bus.Publish(New(TypeConnReady, "conn", nil))
	bus.Publish(New(TypeRoomJoined, "pipeline", nil))

	assert.Equal(t, TypeConnReady, receiveOne(t, all).Type)
	assert.Equal(t, TypeRoomJoined, receiveOne(t, all).Type)
}

func TestSlowSubscriberDropsWithoutBlocking(t *testing.T) {
	bus := NewBus(1)
	ch := bus.Subscribe(TypeMessageReceived)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			bus.Publish(New(TypeMessageReceived, "pipeline", nil))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	assert.Equal(t, uint64(4), bus.Dropped())
	receiveOne(t, ch)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(10)
	ch := bus.Subscribe(TypeMessageReceived, TypeMessageSent)
	require.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(ch)
	assert.Equal(t, 0, bus.SubscriberCount())

	_, open := <-ch
	assert.False(t, open, "unsubscribed channel should be closed")

	bus.Publish(New(TypeMessageSent, "pipeline", nil))
}

func TestCloseShutsDownAllSubscribers(t *testing.T) {
	bus := NewBus(10)
	a := bus.Subscribe(TypeError)
	b := bus.Subscribe()

	bus.Close()

	_, open := <-a
	assert.False(t, open)
	_, open = <-b
	assert.False(t, open)

	bus.Publish(New(TypeError, "x", nil))
	ch := bus.Subscribe(TypeError)
	_, open = <-ch
	assert.False(t, open, "subscribing after close should hand back a closed channel")

	bus.Close()
}

func TestEventWithFrameIsCopied(t *testing.T) {
	f := &wire.Frame{Kind: wire.KindMessage, Content: "orig", Data: map[string]interface{}{"k": "v"}}
	e := New(TypeMessageReceived, "pipeline", nil).WithFrame(f)

	f.Content = "mutated"
	f.Data["k"] = "mutated"

	assert.Equal(t, "orig", e.Frame.Content)
	assert.Equal(t, "v", e.Frame.Data["k"])
	assert.NotEmpty(t, e.ID)
	assert.WithinDuration(t, time.Now().UTC(), e.Time, 5*time.Second)
}
