// ABOUTME: Fake agent handlers: WebSocket chunk stream, JSON invocation and liveness ping
// ABOUTME: Replies echo the prompt with some markdown so exports have something to render

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type agent struct {
	delay time.Duration
}

// prompt is the client frame; "question" is accepted as an alias.
type prompt struct {
	Prompt    string `json:"prompt"`
	Question  string `json:"question"`
	SessionID string `json:"session_id"`
}

func (p prompt) text() string {
	if p.Prompt != "" {
		return p.Prompt
	}
	return p.Question
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "bullet") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n\n> This is a blockquote.\n"
	}
	return fmt.Sprintf("Echo: **%s**\n\nI received your message and am responding with some *formatted* text.", input)
}

// chunks splits s into word-sized pieces that concatenate back to s.
func chunks(s string) []string {
	var out []string
	start := 0
	for i := 1; i < len(s); i++ {
		if s[i] == ' ' || s[i] == '\n' {
			out = append(out, s[start:i])
			start = i
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func (a *agent) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		log.Printf("accept error: %v", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if err := a.serveFrame(ctx, conn, data); err != nil {
			log.Printf("write error: %v", err)
			return
		}
	}
}

// serveFrame answers one prompt frame: processing status, chunks, complete.
func (a *agent) serveFrame(ctx context.Context, conn *websocket.Conn, data []byte) error {
	var p prompt
	if err := json.Unmarshal(data, &p); err != nil {
		return wsjson.Write(ctx, conn, map[string]string{"type": "error", "message": "Invalid JSON received"})
	}
	text := p.text()
	if text == "" {
		return wsjson.Write(ctx, conn, map[string]string{"type": "error", "message": "No prompt provided"})
	}
	log.Printf("received prompt [session %s]: %s", p.SessionID, text)

	if err := wsjson.Write(ctx, conn, map[string]string{"type": "status", "status": "processing", "prompt": text}); err != nil {
		return err
	}

	parts := chunks(echoReply(text))
	for i, c := range parts {
		if a.delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.delay):
			}
		}
		if err := wsjson.Write(ctx, conn, map[string]any{"type": "chunk", "content": c, "chunk_number": i + 1}); err != nil {
			return err
		}
	}
	return wsjson.Write(ctx, conn, map[string]any{"type": "complete", "total_chunks": len(parts)})
}

type invocationResponse struct {
	Result struct {
		Role    string `json:"role"`
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	} `json:"result"`
}

func (a *agent) handleInvocation(w http.ResponseWriter, r *http.Request) {
	var p prompt
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.text() == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "No prompt or question provided"})
		return
	}

	var resp invocationResponse
	resp.Result.Role = "assistant"
	resp.Result.Content = append(resp.Result.Content, struct {
		Text string `json:"text"`
	}{Text: echoReply(p.text())})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (a *agent) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"Healthy"}`))
}
