// ABOUTME: In-memory fan-out of transcript events to thread subscribers
// ABOUTME: Non-blocking publish; slow subscribers drop events

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/coven-threads/internal/store"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// EventType names a transcript change.
type EventType string

const (
	EventMessageAdded    EventType = "message_added"
	EventMessageReplaced EventType = "message_replaced"
	EventMessagesCleared EventType = "messages_cleared"
	EventTyping          EventType = "typing"
)

// Event is one transcript change.
type Event struct {
	Type       EventType      `json:"type"`
	ThreadID   string         `json:"thread_id"`
	Message    *store.Message `json:"message,omitempty"`
	ReplacedID string         `json:"replaced_id,omitempty"`
	Typing     bool           `json:"typing,omitempty"`
}

// EventBroadcaster provides in-memory pub/sub for transcript events keyed
// by thread id.
type EventBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // threadID -> subID -> ch
	logger      *slog.Logger
}

// NewEventBroadcaster creates a broadcaster. Pass nil logger for default.
func NewEventBroadcaster(logger *slog.Logger) *EventBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBroadcaster{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers for events on threadID. The subscription is removed
// when ctx is cancelled.
func (b *EventBroadcaster) Subscribe(ctx context.Context, threadID string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[threadID]; !ok {
		b.subscribers[threadID] = make(map[string]chan *Event)
	}
	b.subscribers[threadID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "thread_id", threadID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(threadID, subID)
	}()

	return ch, subID
}

// Publish delivers event to every subscriber of its thread without
// blocking.
func (b *EventBroadcaster) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for subID, ch := range b.subscribers[event.ThreadID] {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"thread_id", event.ThreadID,
				"sub_id", subID,
				"type", event.Type)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *EventBroadcaster) Unsubscribe(threadID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[threadID]
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
		delete(b.subscribers, threadID)
	}

	b.logger.Debug("subscriber removed", "thread_id", threadID, "sub_id", subID)
}

// SubscriberCount returns the number of subscribers for threadID.
func (b *EventBroadcaster) SubscriberCount(threadID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[threadID])
}

// Close closes every subscriber channel.
func (b *EventBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for threadID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, threadID)
	}
	b.logger.Debug("broadcaster closed")
}
