// ABOUTME: Tests for the streaming client against scripted WebSocket servers
// ABOUTME: Covers chunk assembly, ignored frames, early close and cancellation

package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedAgent accepts one request and writes frames in order. When
// hold is set it keeps the connection open afterwards until the client
// goes away; otherwise it closes normally.
type scriptedAgent struct {
	frames []string
	hold   bool
	stall  time.Duration // ignore the client for this long after the frames

	mu       sync.Mutex
	requests []map[string]any
}

func (a *scriptedAgent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()
	ctx := r.Context()

	var req map[string]any
	if err := wsjson.Read(ctx, conn, &req); err != nil {
		return
	}
	a.mu.Lock()
	a.requests = append(a.requests, req)
	a.mu.Unlock()

	for _, f := range a.frames {
		if err := conn.Write(ctx, websocket.MessageText, []byte(f)); err != nil {
			return
		}
	}
	if a.stall > 0 {
		time.Sleep(a.stall)
		return
	}
	if a.hold {
		conn.Read(ctx)
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func (a *scriptedAgent) lastRequest() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.requests) == 0 {
		return nil
	}
	return a.requests[len(a.requests)-1]
}

func startAgent(t *testing.T, a *scriptedAgent) *Client {
	t.Helper()
	srv := httptest.NewServer(a)
	t.Cleanup(srv.Close)
	return New("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
}

func TestStream_AssemblesChunks(t *testing.T) {
	agent := &scriptedAgent{frames: []string{
		`{"type":"status","status":"processing"}`,
		`{"type":"chunk","content":"Hello, "}`,
		`{"type":"chunk","content":"world"}`,
		`{"type":"complete"}`,
	}, hold: true}
	client := startAgent(t, agent)

	var states []State
	var chunks, texts []string
	thinking := 0
	text, err := client.Stream(context.Background(), Request{Prompt: "hi", SessionID: "s1"}, Callbacks{
		OnThinking: func() { thinking++ },
		OnChunk: func(chunk, full string) {
			chunks = append(chunks, chunk)
			texts = append(texts, full)
		},
		OnState: func(s State) { states = append(states, s) },
	})

	require.NoError(t, err)
	assert.Equal(t, "Hello, world", text)
	assert.Equal(t, 1, thinking)
	assert.Equal(t, []string{"Hello, ", "world"}, chunks)
	assert.Equal(t, []string{"Hello, ", "Hello, world"}, texts)
	assert.Equal(t, []State{StateConnecting, StateAwaiting, StateStreaming, StateCompleted}, states)
}

func TestStream_SendsRequestFrame(t *testing.T) {
	agent := &scriptedAgent{frames: []string{`{"type":"complete"}`}, hold: true}
	client := startAgent(t, agent)

	_, err := client.Stream(context.Background(), Request{Prompt: "ping", SessionID: "abc"}, Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"prompt": "ping", "session_id": "abc"}, agent.lastRequest())

	_, err = client.Stream(context.Background(), Request{Prompt: "no session"}, Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"prompt": "no session"}, agent.lastRequest())
}

func TestStream_CompleteWithoutChunksIsEmpty(t *testing.T) {
	client := startAgent(t, &scriptedAgent{frames: []string{`{"type":"complete"}`}, hold: true})

	var states []State
	text, err := client.Stream(context.Background(), Request{Prompt: "x"}, Callbacks{
		OnState: func(s State) { states = append(states, s) },
	})
	require.NoError(t, err)
	assert.Equal(t, "", text)
	assert.Equal(t, []State{StateConnecting, StateAwaiting, StateCompleted}, states)
}

func TestStream_IgnoresUnknownAndMalformedFrames(t *testing.T) {
	client := startAgent(t, &scriptedAgent{frames: []string{
		`not json at all`,
		`{"type":"raw_event_summary","data":{}}`,
		`{"type":"chunk","content":""}`,
		`{"type":"chunk","content":42}`,
		`{"type":"chunk"}`,
		`{"type":"status","status":"idle"}`,
		`{"type":"error","message":"bad"}`,
		`{"type":"chunk","content":"ok"}`,
		`{"type":"complete"}`,
	}, hold: true})

	thinking := 0
	text, err := client.Stream(context.Background(), Request{Prompt: "x"}, Callbacks{
		OnThinking: func() { thinking++ },
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Zero(t, thinking)
}

func TestStream_FramesAfterCompleteAreIgnored(t *testing.T) {
	client := startAgent(t, &scriptedAgent{frames: []string{
		`{"type":"chunk","content":"done"}`,
		`{"type":"complete"}`,
		`{"type":"chunk","content":" extra"}`,
		`{"type":"complete"}`,
	}, hold: true})

	var chunks []string
	text, err := client.Stream(context.Background(), Request{Prompt: "x"}, Callbacks{
		OnChunk: func(chunk, _ string) { chunks = append(chunks, chunk) },
	})
	require.NoError(t, err)
	assert.Equal(t, "done", text)
	assert.Equal(t, []string{"done"}, chunks)
}

func TestStream_CloseBeforeCompleteFails(t *testing.T) {
	client := startAgent(t, &scriptedAgent{frames: []string{
		`{"type":"chunk","content":"partial"}`,
	}})

	var states []State
	text, err := client.Stream(context.Background(), Request{Prompt: "x"}, Callbacks{
		OnState: func(s State) { states = append(states, s) },
	})
	assert.ErrorIs(t, err, ErrClosedUnexpectedly)
	assert.Empty(t, text)
	require.NotEmpty(t, states)
	assert.Equal(t, StateFailed, states[len(states)-1])
}

func TestStream_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	_, err := New(url, nil).Stream(context.Background(), Request{Prompt: "x"}, Callbacks{})
	assert.ErrorIs(t, err, ErrTransport)
}

func TestStream_CancellationSettlesPromptly(t *testing.T) {
	client := startAgent(t, &scriptedAgent{frames: []string{
		`{"type":"status","status":"processing"}`,
	}, hold: true})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Stream(ctx, Request{Prompt: "x"}, Callbacks{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestNew_DefaultURL(t *testing.T) {
	assert.Equal(t, DefaultURL, New("", nil).URL())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateAwaiting.Terminal())
}

func TestStream_CompleteSettlesWithoutWaitingForClose(t *testing.T) {
	agent := &scriptedAgent{
		frames: []string{`{"type":"chunk","content":"done"}`, `{"type":"complete"}`},
		stall:  3 * time.Second,
	}
	client := startAgent(t, agent)

	start := time.Now()
	text, err := client.Stream(context.Background(), Request{Prompt: "hi"}, Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, "done", text)
	assert.Less(t, time.Since(start), time.Second)
}
