// ABOUTME: Tests for the transcript EventBroadcaster
// ABOUTME: Covers fan-out, isolation between threads, slow subscribers and cleanup

package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcaster_FanOut(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(t.Context(), "thread-1")
	ch2, _ := b.Subscribe(t.Context(), "thread-1")
	other, _ := b.Subscribe(t.Context(), "thread-2")

	b.Publish(&Event{Type: EventTyping, ThreadID: "thread-1", Typing: true})

	for _, ch := range []<-chan *Event{ch1, ch2} {
		select {
		case e := <-ch:
			assert.Equal(t, EventTyping, e.Type)
			assert.True(t, e.Typing)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	select {
	case e := <-other:
		t.Fatalf("unexpected event on other thread: %+v", e)
	default:
	}
}

func TestBroadcaster_SlowSubscriberDropsEvents(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "thread-1")
	for range subscriberBufferSize + 10 {
		b.Publish(&Event{Type: EventTyping, ThreadID: "thread-1"})
	}
	assert.Len(t, ch, subscriberBufferSize)
}

func TestBroadcaster_UnsubscribeOnContextCancel(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "thread-1")
	require.Equal(t, 1, b.SubscriberCount("thread-1"))

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	assert.Zero(t, b.SubscriberCount("thread-1"))
}

func TestBroadcaster_CloseClosesChannels(t *testing.T) {
	b := NewEventBroadcaster(nil)
	ch, _ := b.Subscribe(t.Context(), "thread-1")

	b.Close()
	_, ok := <-ch
	assert.False(t, ok)

	// Publishing after close is a no-op.
	b.Publish(&Event{Type: EventTyping, ThreadID: "thread-1"})
}
