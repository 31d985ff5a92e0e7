// Package notify is the real-time push layer: a small in-process hub that
// fans engine-originated events out to subscribers (SSE clients, agent
// dashboards). Delivery is fire-and-forget; a slow subscriber drops events
// rather than backpressuring the engine.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/m3rciful/salesbot/core/logger"
)

// EventKind names the event stream topics.
type EventKind string

const (
	EventMessageNew          EventKind = "message:new"
	EventConversationUpdated EventKind = "conversation:updated"
	EventModeChanged         EventKind = "conversation:mode_changed"
	EventFlowAdvanced        EventKind = "flow:advanced"
)

// Event is one broadcast item. Payload is event-kind specific and must be
// JSON-serializable.
type Event struct {
	ConversationID string    `json:"conversationId"`
	Kind           EventKind `json:"kind"`
	Payload        any       `json:"payload,omitempty"`
	At             time.Time `json:"at"`
}

// Publisher is the write side of the hub.
type Publisher interface {
	Publish(evt Event)
}

const subscriberBuffer = 64

type subscriber struct {
	id string
	ch chan Event
}

// Hub is a broadcast fan-out with per-subscriber buffering.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]*subscriber
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]*subscriber)}
}

// Subscribe registers a listener. The returned channel is closed when the
// context is cancelled; the caller must drain it until then.
func (h *Hub) Subscribe(ctx context.Context) <-chan Event {
	sub := &subscriber{
		id: uuid.NewString(),
		ch: make(chan Event, subscriberBuffer),
	}
	h.mu.Lock()
	h.subs[sub.id] = sub
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, sub.id)
		h.mu.Unlock()
		close(sub.ch)
	}()

	return sub.ch
}

// Publish delivers evt to every subscriber without blocking. Events to a
// full subscriber buffer are dropped.
func (h *Hub) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		select {
		case sub.ch <- evt:
		default:
			logger.Warn(context.Background(), "notify", "event.dropped",
				slog.String("subscriber", sub.id),
				slog.String("kind", string(evt.Kind)),
				slog.String("conversation_id", evt.ConversationID),
			)
		}
	}
}

// SubscriberCount reports the number of attached listeners.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
