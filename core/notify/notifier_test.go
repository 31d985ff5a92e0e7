package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubFanOut(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := hub.Subscribe(ctx)
	second := hub.Subscribe(ctx)
	require.Equal(t, 2, hub.SubscriberCount())

	hub.Publish(Event{ConversationID: "conv1", Kind: EventMessageNew})

	for _, ch := range []<-chan Event{first, second} {
		select {
		case evt := <-ch:
			assert.Equal(t, "conv1", evt.ConversationID)
			assert.Equal(t, EventMessageNew, evt.Kind)
			assert.False(t, evt.At.IsZero(), "publish stamps the event time")
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestHubDropsWhenSubscriberSaturated(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := hub.Subscribe(ctx)
	for i := 0; i < subscriberBuffer+10; i++ {
		hub.Publish(Event{ConversationID: "conv1", Kind: EventFlowAdvanced})
	}

	received := 0
	for {
		select {
		case <-ch:
			received++
		default:
			assert.Equal(t, subscriberBuffer, received, "overflow events are dropped, not queued")
			return
		}
	}
}

func TestHubUnsubscribesOnContextCancel(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())

	ch := hub.Subscribe(ctx)
	cancel()

	require.Eventually(t, func() bool {
		return hub.SubscriberCount() == 0
	}, time.Second, 10*time.Millisecond)

	// Channel is closed once detached.
	require.Eventually(t, func() bool {
		select {
		case _, open := <-ch:
			return !open
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	// Publishing after detach must not panic.
	hub.Publish(Event{ConversationID: "conv1", Kind: EventModeChanged})
}
