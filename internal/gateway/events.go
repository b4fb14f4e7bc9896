// ABOUTME: WebSocket feed of a thread's transcript events
// ABOUTME: Sends a snapshot frame first, then every broadcast event as JSON

package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/2389/coven-threads/internal/store"
)

// eventWriteTimeout bounds a single frame write to a subscriber.
const eventWriteTimeout = 5 * time.Second

// SnapshotFrame is the first frame on an events socket.
type SnapshotFrame struct {
	Type     string          `json:"type"` // always "snapshot"
	ThreadID string          `json:"thread_id"`
	Messages []store.Message `json:"messages"`
	Typing   bool            `json:"typing"`
}

// handleThreadEvents handles GET /api/threads/{threadID}/events.
func (g *Gateway) handleThreadEvents(w http.ResponseWriter, r *http.Request) {
	th, ok := g.lookupThread(w, r)
	if !ok {
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket accept failed", "thread_id", th.ID, "error", err)
		return
	}
	defer conn.CloseNow()

	// Clients only listen; CloseRead cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())

	broadcaster := g.conversation.Broadcaster()
	events, subID := broadcaster.Subscribe(ctx, th.ID)
	defer broadcaster.Unsubscribe(th.ID, subID)

	snap := g.conversation.Snapshot(th.ID)
	if len(snap.Messages) == 0 && !snap.Typing {
		snap.Messages = g.conversation.Load(ctx, th.ID)
	}
	if err := writeFrame(ctx, conn, SnapshotFrame{
		Type:     "snapshot",
		ThreadID: th.ID,
		Messages: snap.Messages,
		Typing:   snap.Typing,
	}); err != nil {
		g.logger.Debug("snapshot write failed", "thread_id", th.ID, "error", err)
		return
	}

	g.logger.Debug("events subscriber connected", "thread_id", th.ID, "sub_id", subID)
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case e, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := writeFrame(ctx, conn, e); err != nil {
				g.logger.Debug("event write failed", "thread_id", th.ID, "error", err)
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}
