// ABOUTME: HTTP API handlers for agents, threads, messages and exports
// ABOUTME: Sends answer JSON or stream transcript events as SSE

package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/2389/coven-threads/internal/agent"
	"github.com/2389/coven-threads/internal/conversation"
	"github.com/2389/coven-threads/internal/dedupe"
	"github.com/2389/coven-threads/internal/store"
	"github.com/2389/coven-threads/internal/transcript"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// CreateAgentRequest is the JSON body for POST /api/agents.
type CreateAgentRequest struct {
	ID           string `json:"id,omitempty"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	Category     string `json:"category"`
	AccentColor  string `json:"accent_color"`
	Avatar       string `json:"avatar"`
	SystemPrompt string `json:"system_prompt"`
	Status       string `json:"status,omitempty"`
}

// CreateThreadRequest is the JSON body for POST /api/threads.
type CreateThreadRequest struct {
	Title   string `json:"title"`
	AgentID string `json:"agent_id"`
}

// UpdateThreadRequest is the JSON body for PATCH /api/threads/{id}.
// Nil fields are left unchanged.
type UpdateThreadRequest struct {
	Title   *string `json:"title,omitempty"`
	AgentID *string `json:"agent_id,omitempty"`
}

// SendMessageRequest is the JSON body for POST /api/threads/{id}/messages.
type SendMessageRequest struct {
	Content string `json:"content"`
}

// SendMessageResponse reports how a send settled.
type SendMessageResponse struct {
	UserMessage store.Message `json:"user_message"`
	Reply       store.Message `json:"reply"`
	Failed      bool          `json:"failed"`
	Error       string        `json:"error,omitempty"`
}

// ThreadMessagesResponse is the JSON response for GET /api/threads/{id}/messages.
type ThreadMessagesResponse struct {
	ThreadID string          `json:"thread_id"`
	Messages []store.Message `json:"messages"`
}

func newSendMessageResponse(res *conversation.SendResult) SendMessageResponse {
	resp := SendMessageResponse{
		UserMessage: res.UserMessage,
		Reply:       res.Reply,
		Failed:      res.Failed,
	}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	return resp
}

// handleListAgents handles GET /api/agents.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, g.registry.List())
}

// handleCreateAgent handles POST /api/agents.
func (g *Gateway) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req CreateAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		g.sendJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	created, err := g.registry.Create(r.Context(), store.Agent{
		ID:           req.ID,
		Name:         req.Name,
		Description:  req.Description,
		Category:     req.Category,
		AccentColor:  req.AccentColor,
		Avatar:       req.Avatar,
		SystemPrompt: req.SystemPrompt,
		Status:       req.Status,
	})
	if errors.Is(err, agent.ErrAgentExists) {
		g.sendJSONError(w, http.StatusConflict, "agent already exists")
		return
	}
	if err != nil {
		g.logger.Error("failed to create agent", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusCreated, created)
}

// handleDeleteAgent handles DELETE /api/agents/{agentID}.
func (g *Gateway) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	err := g.registry.Delete(r.Context(), chi.URLParam(r, "agentID"))
	if errors.Is(err, agent.ErrAgentNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to delete agent", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListThreads handles GET /api/threads.
func (g *Gateway) handleListThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := g.threads.List(r.Context())
	if err != nil {
		g.logger.Error("failed to list threads", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, threads)
}

// handleCreateThread handles POST /api/threads. An empty body creates a
// "New chat" thread with the default agent.
func (g *Gateway) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var req CreateThreadRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.AgentID != "" {
		if _, ok := g.registry.Get(req.AgentID); !ok {
			g.sendJSONError(w, http.StatusBadRequest, "unknown agent_id")
			return
		}
	}

	th, err := g.threads.Create(r.Context(), req.Title, req.AgentID)
	if err != nil {
		g.logger.Error("failed to create thread", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusCreated, th)
}

// handleGetThread handles GET /api/threads/{threadID}.
func (g *Gateway) handleGetThread(w http.ResponseWriter, r *http.Request) {
	th, ok := g.lookupThread(w, r)
	if !ok {
		return
	}
	g.sendJSON(w, http.StatusOK, th)
}

// handleUpdateThread handles PATCH /api/threads/{threadID}.
func (g *Gateway) handleUpdateThread(w http.ResponseWriter, r *http.Request) {
	var req UpdateThreadRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Title == nil && req.AgentID == nil {
		g.sendJSONError(w, http.StatusBadRequest, "title or agent_id is required")
		return
	}
	if req.Title != nil && strings.TrimSpace(*req.Title) == "" {
		g.sendJSONError(w, http.StatusBadRequest, "title must not be blank")
		return
	}
	if req.AgentID != nil {
		if _, ok := g.registry.Get(*req.AgentID); !ok {
			g.sendJSONError(w, http.StatusBadRequest, "unknown agent_id")
			return
		}
	}

	th, ok := g.lookupThread(w, r)
	if !ok {
		return
	}

	var err error
	if req.Title != nil {
		th, err = g.threads.Rename(r.Context(), th.ID, *req.Title)
	}
	if err == nil && req.AgentID != nil {
		th, err = g.threads.SetAgent(r.Context(), th.ID, *req.AgentID)
	}
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "thread not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to update thread", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, th)
}

// handleDeleteThread handles DELETE /api/threads/{threadID}.
func (g *Gateway) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	th, ok := g.lookupThread(w, r)
	if !ok {
		return
	}
	if err := g.threads.Delete(r.Context(), th.ID); err != nil {
		g.logger.Error("failed to delete thread", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleThreadMessages handles GET /api/threads/{threadID}/messages.
func (g *Gateway) handleThreadMessages(w http.ResponseWriter, r *http.Request) {
	th, ok := g.lookupThread(w, r)
	if !ok {
		return
	}
	g.sendJSON(w, http.StatusOK, ThreadMessagesResponse{
		ThreadID: th.ID,
		Messages: g.conversation.Load(r.Context(), th.ID),
	})
}

// handleClearMessages handles DELETE /api/threads/{threadID}/messages.
func (g *Gateway) handleClearMessages(w http.ResponseWriter, r *http.Request) {
	th, ok := g.lookupThread(w, r)
	if !ok {
		return
	}
	if err := g.conversation.Clear(r.Context(), th.ID); err != nil {
		g.logger.Error("failed to clear thread", "thread_id", th.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSendMessage handles POST /api/threads/{threadID}/messages.
//
// Responsibilities:
//  1. Validate the body before touching any state
//  2. Resolve the thread and the agent it talks to
//  3. Deduplicate by Idempotency-Key, scoped to the thread
//  4. Run the send, answering JSON or streaming events as SSE
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		g.sendJSONError(w, http.StatusBadRequest, "content is required")
		return
	}

	th, ok := g.lookupThread(w, r)
	if !ok {
		return
	}
	a, found := g.registry.Get(th.AgentID)
	if !found {
		g.sendJSONError(w, http.StatusUnprocessableEntity, "thread agent not found")
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if key != "" {
		key = th.ID + ":" + key
		cached, state := g.idempotency.Claim(key)
		switch state {
		case dedupe.StateDone:
			w.Header().Set("Idempotent-Replayed", "true")
			g.sendJSON(w, http.StatusOK, newSendMessageResponse(cached))
			return
		case dedupe.StatePending:
			g.sendJSONError(w, http.StatusConflict, "a send with this Idempotency-Key is in progress")
			return
		}
	}

	sendReq := conversation.SendRequest{Thread: th, Agent: a, Text: req.Content}
	if wantsEventStream(r) {
		g.streamSend(w, r, sendReq, key)
		return
	}

	res, err := g.conversation.Send(r.Context(), sendReq)
	if err != nil {
		g.abandonKey(key)
		if errors.Is(err, conversation.ErrInvalidMessage) {
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		g.logger.Error("send failed", "thread_id", th.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.completeKey(key, res)
	g.sendJSON(w, http.StatusOK, newSendMessageResponse(res))
}

// streamSend runs a send while forwarding the thread's transcript events
// as SSE. The final event is "done" with the SendMessageResponse.
func (g *Gateway) streamSend(w http.ResponseWriter, r *http.Request, req conversation.SendRequest, key string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.abandonKey(key)
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	broadcaster := g.conversation.Broadcaster()
	events, subID := broadcaster.Subscribe(r.Context(), req.Thread.ID)
	defer broadcaster.Unsubscribe(req.Thread.ID, subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	type outcome struct {
		res *conversation.SendResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := g.conversation.Send(r.Context(), req)
		done <- outcome{res, err}
	}()

	for {
		select {
		case e, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			g.writeSSEEvent(w, string(e.Type), e)
			flusher.Flush()

		case out := <-done:
			// Events are published synchronously by Send, so whatever
			// belongs to this send is already buffered.
			g.drainEvents(w, events)
			if out.err != nil {
				g.abandonKey(key)
				g.writeSSEEvent(w, "error", map[string]string{"error": out.err.Error()})
			} else {
				g.completeKey(key, out.res)
				g.writeSSEEvent(w, "done", newSendMessageResponse(out.res))
			}
			flusher.Flush()
			return
		}
	}
}

func (g *Gateway) drainEvents(w http.ResponseWriter, events <-chan *conversation.Event) {
	if events == nil {
		return
	}
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			g.writeSSEEvent(w, string(e.Type), e)
		default:
			return
		}
	}
}

func (g *Gateway) completeKey(key string, res *conversation.SendResult) {
	if key != "" {
		g.idempotency.Complete(key, res)
	}
}

func (g *Gateway) abandonKey(key string) {
	if key != "" {
		g.idempotency.Abandon(key)
	}
}

// handleExport handles GET /api/threads/{threadID}/export?format=markdown|html.
func (g *Gateway) handleExport(w http.ResponseWriter, r *http.Request) {
	format, err := transcript.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	th, ok := g.lookupThread(w, r)
	if !ok {
		return
	}
	msgs, err := g.conversation.History(r.Context(), th.ID)
	if err != nil {
		g.logger.Error("failed to load messages for export", "thread_id", th.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	a, _ := g.registry.Get(th.AgentID)

	var buf bytes.Buffer
	if err := (transcript.Export{Thread: th, Agent: a, Messages: msgs}).Write(&buf, format); err != nil {
		g.logger.Error("failed to render export", "thread_id", th.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	ext := "md"
	if format == transcript.FormatHTML {
		ext = "html"
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "thread-"+th.ID+"."+ext))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// lookupThread resolves {threadID}, writing 404 or 500 when it cannot.
func (g *Gateway) lookupThread(w http.ResponseWriter, r *http.Request) (store.Thread, bool) {
	th, err := g.threads.Get(r.Context(), chi.URLParam(r, "threadID"))
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "thread not found")
		return store.Thread{}, false
	}
	if err != nil {
		g.logger.Error("failed to get thread", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return store.Thread{}, false
	}
	return th, true
}

func wantsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Warn("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
