// ABOUTME: Tests for the conversation Service send protocol
// ABOUTME: Verifies ordering, placeholder settlement, failure fallback and events

package conversation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-threads/internal/agent"
	"github.com/2389/coven-threads/internal/kv"
	"github.com/2389/coven-threads/internal/store"
)

// mockReplier implements agent.Replier for testing.
type mockReplier struct {
	chunks []string
	text   string
	err    error
	during func()

	lastReq agent.ReplyRequest
}

func (m *mockReplier) Reply(ctx context.Context, req agent.ReplyRequest, p agent.Progress) (string, error) {
	m.lastReq = req
	acc := ""
	for _, c := range m.chunks {
		acc += c
		if p.OnText != nil {
			p.OnText(acc)
		}
	}
	if m.during != nil {
		m.during()
	}
	if m.err != nil {
		return "", m.err
	}
	if m.text != "" {
		return m.text, nil
	}
	return acc, nil
}

// failingKV fails every call.
type failingKV struct{}

func (failingKV) Get(context.Context, string) ([]byte, error) { return nil, errors.New("offline") }
func (failingKV) Set(context.Context, string, []byte) error   { return errors.New("offline") }
func (failingKV) Close() error                                { return nil }

var _ kv.Store = failingKV{}

func testThread() store.Thread {
	return store.Thread{ID: "thread-1", Title: "New chat", AgentID: "agent-1", SessionID: "session-1"}
}

func testAgent() store.Agent {
	return store.Agent{ID: "agent-1", Name: "Agent One", Category: "General"}
}

func newTestService(t *testing.T, replier agent.Replier) (*Service, store.Backend) {
	t.Helper()
	backend := store.NewMemoryBackend()
	svc := New(backend, replier, nil, nil)
	n := 0
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Millisecond)
	}
	return svc, backend
}

func storedMessages(t *testing.T, backend store.Backend, threadID string) []store.Message {
	t.Helper()
	res := store.From(backend, store.TableMessages).Eq("thread_id", threadID).Select(context.Background())
	require.NoError(t, res.Error())
	msgs, err := store.DecodeRows[store.Message](res.Rows)
	require.NoError(t, err)
	return msgs
}

func TestService_Send_RecordsUserThenReply(t *testing.T) {
	replier := &mockReplier{chunks: []string{"Hello, ", "world"}}
	svc, backend := newTestService(t, replier)

	res, err := svc.Send(context.Background(), SendRequest{Thread: testThread(), Agent: testAgent(), Text: "Hi there"})
	require.NoError(t, err)
	assert.False(t, res.Failed)
	assert.Equal(t, "Hi there", res.UserMessage.Content)
	assert.Equal(t, "Hello, world", res.Reply.Content)

	stored := storedMessages(t, backend, "thread-1")
	require.Len(t, stored, 2)
	assert.Equal(t, store.RoleUser, stored[0].Role)
	assert.Equal(t, store.RoleAgent, stored[1].Role)
	assert.Equal(t, "Hello, world", stored[1].Content)

	snap := svc.Snapshot("thread-1")
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, res.UserMessage.ID, snap.Messages[0].ID)
	assert.Equal(t, res.Reply.ID, snap.Messages[1].ID)
	assert.Equal(t, stored[1].ID, snap.Messages[1].ID)
	assert.False(t, snap.Typing)

	assert.Equal(t, "Hi there", replier.lastReq.Prompt)
	assert.Equal(t, "session-1", replier.lastReq.SessionID)
}

func TestService_Send_PlaceholderVisibleWhileReplying(t *testing.T) {
	replier := &mockReplier{chunks: []string{"par", "tial"}}
	svc, _ := newTestService(t, replier)

	var during Snapshot
	replier.during = func() { during = svc.Snapshot("thread-1") }

	res, err := svc.Send(context.Background(), SendRequest{Thread: testThread(), Agent: testAgent(), Text: "hi"})
	require.NoError(t, err)

	assert.True(t, during.Typing)
	require.Len(t, during.Messages, 2)
	placeholder := during.Messages[1]
	assert.Equal(t, "partial", placeholder.Content)
	assert.Equal(t, store.RoleAgent, placeholder.Role)

	for _, m := range svc.Snapshot("thread-1").Messages {
		assert.NotEqual(t, placeholder.ID, m.ID)
	}
	assert.Equal(t, "partial", res.Reply.Content)
}

func TestService_Send_PlaceholderShowsThinkingBeforeChunks(t *testing.T) {
	replier := &mockReplier{text: "done"}
	svc, _ := newTestService(t, replier)

	var during Snapshot
	replier.during = func() { during = svc.Snapshot("thread-1") }

	_, err := svc.Send(context.Background(), SendRequest{Thread: testThread(), Agent: testAgent(), Text: "hi"})
	require.NoError(t, err)
	require.Len(t, during.Messages, 2)
	assert.Equal(t, PlaceholderContent, during.Messages[1].Content)
}

func TestService_Send_FailureBecomesErrorMessage(t *testing.T) {
	replier := &mockReplier{err: errors.New("websocket closed unexpectedly")}
	svc, backend := newTestService(t, replier)

	res, err := svc.Send(context.Background(), SendRequest{Thread: testThread(), Agent: testAgent(), Text: "hi"})
	require.NoError(t, err)
	assert.True(t, res.Failed)
	assert.EqualError(t, res.Err, "websocket closed unexpectedly")
	assert.Equal(t, "Error: websocket closed unexpectedly", res.Reply.Content)

	snap := svc.Snapshot("thread-1")
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "Error: websocket closed unexpectedly", snap.Messages[1].Content)
	assert.False(t, snap.Typing)

	stored := storedMessages(t, backend, "thread-1")
	require.Len(t, stored, 1)
	assert.Equal(t, store.RoleUser, stored[0].Role)
}

func TestService_Send_InvalidIsNoOp(t *testing.T) {
	svc, backend := newTestService(t, &mockReplier{text: "x"})
	ctx := context.Background()

	tests := []SendRequest{
		{Thread: testThread(), Agent: testAgent(), Text: "   "},
		{Thread: store.Thread{}, Agent: testAgent(), Text: "hi"},
		{Thread: testThread(), Agent: store.Agent{}, Text: "hi"},
	}
	for i, req := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			_, err := svc.Send(ctx, req)
			assert.ErrorIs(t, err, ErrInvalidMessage)
		})
	}
	assert.Empty(t, storedMessages(t, backend, "thread-1"))
	assert.Empty(t, svc.Snapshot("thread-1").Messages)
}

func TestService_Send_StoreFailureUsesLocalCopies(t *testing.T) {
	backend := store.NewEmulator(failingKV{}, nil)
	svc := New(backend, &mockReplier{text: "reply"}, nil, nil)

	res, err := svc.Send(context.Background(), SendRequest{Thread: testThread(), Agent: testAgent(), Text: "hi"})
	require.NoError(t, err)
	assert.False(t, res.Failed)
	assert.NotEmpty(t, res.UserMessage.ID)
	assert.NotEmpty(t, res.Reply.ID)

	snap := svc.Snapshot("thread-1")
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "hi", snap.Messages[0].Content)
	assert.Equal(t, "reply", snap.Messages[1].Content)
}

func TestService_Send_PublishesEvents(t *testing.T) {
	svc, _ := newTestService(t, &mockReplier{chunks: []string{"a", "b"}})
	events, _ := svc.Broadcaster().Subscribe(t.Context(), "thread-1")

	_, err := svc.Send(context.Background(), SendRequest{Thread: testThread(), Agent: testAgent(), Text: "hi"})
	require.NoError(t, err)

	var types []EventType
	for len(types) < 7 {
		select {
		case e := <-events:
			types = append(types, e.Type)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %v", types)
		}
	}
	assert.Equal(t, []EventType{
		EventMessageAdded,    // user
		EventTyping,          // on
		EventMessageAdded,    // placeholder
		EventMessageReplaced, // "a"
		EventMessageReplaced, // "ab"
		EventMessageReplaced, // final
		EventTyping,          // off
	}, types)
}

func TestService_LoadOrdersByCreatedAt(t *testing.T) {
	svc, backend := newTestService(t, &mockReplier{})
	ctx := context.Background()
	store.From(backend, store.TableMessages).Insert(ctx,
		store.Row{"id": "2", "thread_id": "thread-1", "content": "second", "created_at": "2025-01-01T00:00:02.000Z"},
		store.Row{"id": "1", "thread_id": "thread-1", "content": "first", "created_at": "2025-01-01T00:00:01.000Z"},
		store.Row{"id": "x", "thread_id": "other", "content": "elsewhere", "created_at": "2025-01-01T00:00:00.000Z"},
	)

	msgs := svc.Load(ctx, "thread-1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "second", msgs[1].Content)
	assert.False(t, svc.Snapshot("thread-1").Loading)
}

func TestService_ClearKeepsThread(t *testing.T) {
	svc, backend := newTestService(t, &mockReplier{text: "ok"})
	ctx := context.Background()
	threads := NewThreads(backend, svc, "agent-1", nil)

	th, err := threads.Create(ctx, "", "")
	require.NoError(t, err)
	_, err = svc.Send(ctx, SendRequest{Thread: th, Agent: testAgent(), Text: "hi"})
	require.NoError(t, err)

	require.NoError(t, svc.Clear(ctx, th.ID))
	assert.Empty(t, storedMessages(t, backend, th.ID))
	assert.Empty(t, svc.Snapshot(th.ID).Messages)

	_, err = threads.Get(ctx, th.ID)
	assert.NoError(t, err)
}

func TestService_CannedAgentEndToEnd(t *testing.T) {
	backend := store.NewMemoryBackend()
	reg := agent.NewRegistry(backend, []agent.Definition{
		{Agent: store.Agent{ID: "comptency-ai", Name: "Comptency AI"}, Strategy: agent.StrategyCanned, Reply: "I can help."},
	}, nil)
	require.NoError(t, reg.Load(context.Background(), true))
	router := agent.NewRouter(reg, agent.NewCannedReplier(agent.Replies{}, nil), nil)
	svc := New(backend, router, nil, nil)

	a, ok := reg.Get("comptency-ai")
	require.True(t, ok)
	res, err := svc.Send(context.Background(), SendRequest{
		Thread: store.Thread{ID: "t", AgentID: a.ID, SessionID: "s"},
		Agent:  a,
		Text:   "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "I can help.", res.Reply.Content)
}

func TestService_TranscriptsEvictLeastRecentlyUsed(t *testing.T) {
	svc, _ := newTestService(t, &mockReplier{text: "ok"})
	svc.maxKept = 2
	ctx := context.Background()

	svc.Load(ctx, "t1")
	svc.Load(ctx, "t2")
	svc.Snapshot("t1")
	svc.Load(ctx, "t3")

	svc.mu.Lock()
	defer svc.mu.Unlock()
	assert.Len(t, svc.transcripts, 2)
	assert.Contains(t, svc.transcripts, "t1")
	assert.Contains(t, svc.transcripts, "t3")
	assert.NotContains(t, svc.transcripts, "t2")
}

func TestService_TranscriptInFlightIsNotEvicted(t *testing.T) {
	svc, _ := newTestService(t, nil)
	svc.maxKept = 1
	ctx := context.Background()
	th := testThread()

	var typing bool
	svc.replier = &mockReplier{text: "done", during: func() {
		svc.Snapshot("other-1")
		svc.Snapshot("other-2")
		typing = svc.Snapshot(th.ID).Typing
	}}

	res, err := svc.Send(ctx, SendRequest{Thread: th, Agent: testAgent(), Text: "hi"})
	require.NoError(t, err)
	assert.False(t, res.Failed)
	assert.True(t, typing)

	msgs := svc.Snapshot(th.ID).Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "done", msgs[1].Content)
}

func TestService_ForgetDropsTranscript(t *testing.T) {
	svc, _ := newTestService(t, &mockReplier{text: "ok"})
	svc.Load(context.Background(), "t1")
	svc.Forget("t1")

	svc.mu.Lock()
	defer svc.mu.Unlock()
	assert.Empty(t, svc.transcripts)
	assert.Equal(t, 0, svc.recent.Len())
}
