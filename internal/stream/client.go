// ABOUTME: WebSocket streaming client that assembles chunk frames into one reply
// ABOUTME: Explicit exchange state machine with a single settlement guard

package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// DefaultURL is where a locally running agent listens.
const DefaultURL = "ws://localhost:8082/ws"

var (
	// ErrTransport wraps dial, write and read failures.
	ErrTransport = errors.New("websocket error")
	// ErrClosedUnexpectedly is returned when the connection ends before a
	// complete frame arrives.
	ErrClosedUnexpectedly = errors.New("websocket closed unexpectedly")
)

// State is the phase of one exchange.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAwaiting
	StateStreaming
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaiting:
		return "awaiting"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Request is the single frame sent after connecting.
type Request struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id,omitempty"`
}

// Callbacks observe an exchange. All fields are optional.
type Callbacks struct {
	// OnThinking fires for each processing heartbeat.
	OnThinking func()
	// OnChunk receives each chunk and the text accumulated so far.
	OnChunk func(chunk, text string)
	// OnState receives every state transition.
	OnState func(State)
}

// Client opens streaming exchanges against one endpoint.
type Client struct {
	url        string
	httpClient *http.Client
	readLimit  int64
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the client used for the opening handshake.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithReadLimit caps the size of a single incoming frame.
func WithReadLimit(n int64) Option {
	return func(c *Client) { c.readLimit = n }
}

// New creates a client for url. An empty url means DefaultURL.
func New(url string, logger *slog.Logger, opts ...Option) *Client {
	if url == "" {
		url = DefaultURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		url:       url,
		readLimit: 1 << 20,
		logger:    logger.With("component", "stream", "url", url),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URL returns the endpoint this client dials.
func (c *Client) URL() string { return c.url }

// frame is the union of every server frame shape.
type frame struct {
	Type    string          `json:"type"`
	Status  string          `json:"status"`
	Content json.RawMessage `json:"content"`
	Message string          `json:"message"`
}

// exchange holds the state of one request.
type exchange struct {
	state   State
	text    strings.Builder
	settled bool
	cb      Callbacks
}

func (x *exchange) transition(s State) {
	if x.settled || x.state == s {
		return
	}
	x.state = s
	if x.cb.OnState != nil {
		x.cb.OnState(s)
	}
}

// settle records the outcome once; later calls are no-ops.
func (x *exchange) settle(err error) (string, error) {
	if x.settled {
		return "", errors.New("exchange already settled")
	}
	if err != nil {
		x.transition(StateFailed)
	} else {
		x.transition(StateCompleted)
	}
	x.settled = true
	if err != nil {
		return "", err
	}
	return x.text.String(), nil
}

// Stream runs one exchange and returns the assembled reply text. It blocks
// until a complete frame arrives, the connection fails, or ctx is done.
func (c *Client) Stream(ctx context.Context, req Request, cb Callbacks) (string, error) {
	x := &exchange{state: StateIdle, cb: cb}

	x.transition(StateConnecting)
	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{HTTPClient: c.httpClient})
	if err != nil {
		if ctx.Err() != nil {
			return x.settle(ctx.Err())
		}
		c.logger.Warn("dial failed", "error", err)
		return x.settle(fmt.Errorf("%w: dial: %v", ErrTransport, err))
	}
	closing := false
	defer func() {
		if !closing {
			conn.CloseNow()
		}
	}()
	conn.SetReadLimit(c.readLimit)

	x.transition(StateAwaiting)
	if err := wsjson.Write(ctx, conn, req); err != nil {
		if ctx.Err() != nil {
			return x.settle(ctx.Err())
		}
		return x.settle(fmt.Errorf("%w: sending request: %v", ErrTransport, err))
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return x.settle(c.readError(ctx, err))
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Debug("ignoring malformed frame", "error", err)
			continue
		}

		switch f.Type {
		case "status":
			if f.Status == "processing" && cb.OnThinking != nil {
				cb.OnThinking()
			}
		case "chunk":
			var chunk string
			if err := json.Unmarshal(f.Content, &chunk); err != nil || chunk == "" {
				continue
			}
			x.text.WriteString(chunk)
			x.transition(StateStreaming)
			if cb.OnChunk != nil {
				cb.OnChunk(chunk, x.text.String())
			}
		case "complete":
			// The close handshake can take seconds with a slow peer; the
			// reply is already whole.
			closing = true
			go conn.Close(websocket.StatusNormalClosure, "")
			return x.settle(nil)
		case "error":
			c.logger.Warn("agent reported error frame", "message", f.Message)
		default:
			c.logger.Debug("ignoring frame", "type", f.Type)
		}
	}
}

func (c *Client) readError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if websocket.CloseStatus(err) != -1 || errors.Is(err, io.EOF) {
		return ErrClosedUnexpectedly
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}
