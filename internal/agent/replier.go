// ABOUTME: Reply strategies: streaming exchange, blocking invocation, canned text
// ABOUTME: All satisfy Replier so the conversation layer never branches on them

package agent

import (
	"context"
	"math/rand/v2"
	"sync"

	"github.com/2389/coven-threads/internal/invoke"
	"github.com/2389/coven-threads/internal/store"
	"github.com/2389/coven-threads/internal/stream"
)

// ReplyRequest is one prompt addressed to an agent.
type ReplyRequest struct {
	Agent     store.Agent
	Prompt    string
	SessionID string
}

// Progress observes a reply while it is produced. Fields are optional.
type Progress struct {
	OnThinking func()
	// OnText receives the text accumulated so far.
	OnText func(text string)
}

// Replier produces the final reply text for a prompt.
type Replier interface {
	Reply(ctx context.Context, req ReplyRequest, p Progress) (string, error)
}

// StreamReplier replies through a streaming exchange.
type StreamReplier struct {
	client *stream.Client
}

func NewStreamReplier(client *stream.Client) *StreamReplier {
	return &StreamReplier{client: client}
}

func (s *StreamReplier) Reply(ctx context.Context, req ReplyRequest, p Progress) (string, error) {
	return s.client.Stream(ctx, stream.Request{Prompt: req.Prompt, SessionID: req.SessionID}, stream.Callbacks{
		OnThinking: p.OnThinking,
		OnChunk: func(_, text string) {
			if p.OnText != nil {
				p.OnText(text)
			}
		},
	})
}

// InvokeReplier replies through a blocking HTTP invocation.
type InvokeReplier struct {
	client *invoke.Client
}

func NewInvokeReplier(client *invoke.Client) *InvokeReplier {
	return &InvokeReplier{client: client}
}

func (i *InvokeReplier) Reply(ctx context.Context, req ReplyRequest, p Progress) (string, error) {
	if p.OnThinking != nil {
		p.OnThinking()
	}
	return i.client.Invoke(ctx, invoke.Request{Prompt: req.Prompt, SessionID: req.SessionID})
}

// DefaultReply is used when no other canned reply applies.
const DefaultReply = "How can I help you today?"

// Replies is the canned reply table.
type Replies struct {
	Default    []string
	Categories map[string][]string
	Agents     map[string][]string
}

// CannedReplier answers from a static table.
type CannedReplier struct {
	replies Replies

	mu   sync.Mutex
	pick func(n int) int
}

// NewCannedReplier creates a replier over replies. A nil pick uses
// math/rand.
func NewCannedReplier(replies Replies, pick func(n int) int) *CannedReplier {
	if pick == nil {
		pick = rand.IntN
	}
	return &CannedReplier{replies: replies, pick: pick}
}

// candidates returns the most specific non-empty reply list.
func (c *CannedReplier) candidates(a store.Agent) []string {
	if r := c.replies.Agents[a.ID]; len(r) > 0 {
		return r
	}
	if r := c.replies.Categories[a.Category]; len(r) > 0 {
		return r
	}
	if len(c.replies.Default) > 0 {
		return c.replies.Default
	}
	return []string{DefaultReply}
}

// SetAgentReply pins the reply for one agent.
func (c *CannedReplier) SetAgentReply(agentID, reply string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.replies.Agents == nil {
		c.replies.Agents = make(map[string][]string)
	}
	c.replies.Agents[agentID] = []string{reply}
}

func (c *CannedReplier) Reply(ctx context.Context, req ReplyRequest, _ Progress) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	options := c.candidates(req.Agent)
	if len(options) == 1 {
		return options[0], nil
	}
	i := c.pick(len(options))
	if i < 0 || i >= len(options) {
		i = 0
	}
	return options[i], nil
}
