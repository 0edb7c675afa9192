// ABOUTME: In-memory fan-out of published events to passive observers
// ABOUTME: Observers subscribe per conversation or to every conversation at once

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/studio-chat/internal/delivery"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber
	subscriberBufferSize = 64

	// AllConversations subscribes to events of every conversation
	AllConversations = "*"
)

// EventBroadcaster provides in-memory pub/sub for events the delivery router
// has published. Unlike sessions, observers get no backfill and no ordering
// guarantees beyond channel order; a full channel drops the event.
type EventBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan delivery.Event // key -> subID -> ch
	logger      *slog.Logger
}

// NewEventBroadcaster creates a broadcaster. Pass nil logger for default.
func NewEventBroadcaster(logger *slog.Logger) *EventBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBroadcaster{
		subscribers: make(map[string]map[string]chan delivery.Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for events on a conversation id, or on
// AllConversations. The subscription is removed when ctx is cancelled.
func (b *EventBroadcaster) Subscribe(ctx context.Context, key string) (<-chan delivery.Event, string) {
	subID := uuid.NewString()
	ch := make(chan delivery.Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[key]; !ok {
		b.subscribers[key] = make(map[string]chan delivery.Event)
	}
	b.subscribers[key][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "key", key, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(key, subID)
	}()

	return ch, subID
}

// Publish offers ev to subscribers of its conversation and of
// AllConversations. Never blocks.
func (b *EventBroadcaster) Publish(ev delivery.Event) {
	// the read lock is held across sends so Unsubscribe cannot close a
	// channel mid-send
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, key := range []string{ev.ConversationID, AllConversations} {
		for _, ch := range b.subscribers[key] {
			select {
			case ch <- ev:
			default:
				b.logger.Debug("dropped event for slow subscriber",
					"key", key,
					"kind", ev.Kind,
					"conversation_id", ev.ConversationID)
			}
		}
	}
}

// Unsubscribe removes a subscription and closes its channel
func (b *EventBroadcaster) Unsubscribe(key, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[key]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, key)
	}

	b.logger.Debug("subscriber removed", "key", key, "sub_id", subID)
}

// Close closes all subscriber channels
func (b *EventBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, key)
	}

	b.logger.Debug("broadcaster closed")
}
