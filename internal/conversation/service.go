// ABOUTME: Conversation Service runs the send protocol for one thread at a time
// ABOUTME: Record the user message first, show a placeholder, then settle the reply

package conversation

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-threads/internal/agent"
	"github.com/2389/coven-threads/internal/store"
)

// PlaceholderContent is shown while an agent reply is pending.
const PlaceholderContent = "Thinking…"

// defaultTranscriptLimit caps how many thread transcripts stay in memory.
const defaultTranscriptLimit = 256

// saveTimeout bounds reply persistence after the request context is gone.
const saveTimeout = 5 * time.Second

// ErrInvalidMessage is returned for blank text or a missing thread or agent.
var ErrInvalidMessage = errors.New("message text, thread and agent are required")

// Service is the conversation session manager.
type Service struct {
	backend     store.Backend
	replier     agent.Replier
	broadcaster *EventBroadcaster
	logger      *slog.Logger

	now   func() time.Time
	newID func() string

	mu          sync.Mutex
	transcripts map[string]*list.Element // values are *transcript
	recent      *list.List               // front is most recently used
	maxKept     int
}

// New creates a Service. A nil broadcaster gets a private one.
func New(backend store.Backend, replier agent.Replier, broadcaster *EventBroadcaster, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if broadcaster == nil {
		broadcaster = NewEventBroadcaster(logger)
	}
	return &Service{
		backend:     backend,
		replier:     replier,
		broadcaster: broadcaster,
		logger:      logger.With("component", "conversation"),
		now:         time.Now,
		newID:       func() string { return uuid.New().String() },
		transcripts: make(map[string]*list.Element),
		recent:      list.New(),
		maxKept:     defaultTranscriptLimit,
	}
}

// Broadcaster returns the event broadcaster.
func (s *Service) Broadcaster() *EventBroadcaster { return s.broadcaster }

func (s *Service) transcript(threadID string) *transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcriptLocked(threadID)
}

func (s *Service) transcriptLocked(threadID string) *transcript {
	if e, ok := s.transcripts[threadID]; ok {
		s.recent.MoveToFront(e)
		return e.Value.(*transcript)
	}
	t := &transcript{threadID: threadID}
	s.transcripts[threadID] = s.recent.PushFront(t)
	s.evictLocked()
	return t
}

// pin returns the transcript of threadID and keeps it resident until unpin.
func (s *Service) pin(threadID string) *transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.transcriptLocked(threadID)
	t.pins++
	return t
}

func (s *Service) unpin(t *transcript) {
	s.mu.Lock()
	t.pins--
	s.mu.Unlock()
}

// evictLocked drops least recently used transcripts over the limit. Pinned
// transcripts are kept. Caller holds s.mu.
func (s *Service) evictLocked() {
	e := s.recent.Back()
	for s.recent.Len() > s.maxKept && e != nil && e != s.recent.Front() {
		prev := e.Prev()
		t := e.Value.(*transcript)
		if t.pins == 0 {
			s.recent.Remove(e)
			delete(s.transcripts, t.threadID)
		}
		e = prev
	}
}

// Snapshot returns the visible state of a thread.
func (s *Service) Snapshot(threadID string) Snapshot {
	return s.transcript(threadID).snapshot()
}

// Forget drops the in-memory transcript of a thread.
func (s *Service) Forget(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.transcripts[threadID]; ok {
		s.recent.Remove(e)
		delete(s.transcripts, threadID)
	}
}

// SendRequest is one user message addressed to a thread's agent.
type SendRequest struct {
	Thread store.Thread
	Agent  store.Agent
	Text   string
}

// SendResult reports how a send settled.
type SendResult struct {
	UserMessage store.Message `json:"user_message"`
	Reply       store.Message `json:"reply"`
	Failed      bool          `json:"failed"`
	Err         error         `json:"-"`
}

// Send runs the send protocol. Reply failures do not return an error; they
// settle as an "Error: ..." message and are reported in SendResult.Err.
func (s *Service) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if strings.TrimSpace(req.Text) == "" || req.Thread.ID == "" || req.Agent.ID == "" {
		return nil, ErrInvalidMessage
	}
	threadID := req.Thread.ID
	t := s.pin(threadID)
	defer s.unpin(t)

	// 1. Record the user message first.
	userMsg := s.persist(ctx, store.Message{
		ThreadID: threadID,
		AgentID:  req.Agent.ID,
		Content:  req.Text,
		Role:     store.RoleUser,
	})
	t.append(userMsg)
	s.publish(&Event{Type: EventMessageAdded, ThreadID: threadID, Message: &userMsg})

	// 2. Typing and placeholder.
	t.setTyping(true)
	s.publish(&Event{Type: EventTyping, ThreadID: threadID, Typing: true})
	defer func() {
		t.setTyping(false)
		s.publish(&Event{Type: EventTyping, ThreadID: threadID, Typing: false})
	}()

	placeholder := store.Message{
		ID:        "pending-" + s.newID(),
		ThreadID:  threadID,
		AgentID:   req.Agent.ID,
		Content:   PlaceholderContent,
		Role:      store.RoleAgent,
		CreatedAt: store.FormatTime(s.now()),
	}
	t.append(placeholder)
	s.publish(&Event{Type: EventMessageAdded, ThreadID: threadID, Message: &placeholder})

	// 3. Resolve the reply.
	text, err := s.replier.Reply(ctx, agent.ReplyRequest{
		Agent:     req.Agent,
		Prompt:    req.Text,
		SessionID: req.Thread.SessionID,
	}, agent.Progress{
		OnText: func(text string) {
			partial := placeholder
			partial.Content = text
			if t.update(placeholder.ID, partial) {
				s.publish(&Event{Type: EventMessageReplaced, ThreadID: threadID, Message: &partial, ReplacedID: placeholder.ID})
			}
		},
	})

	result := &SendResult{UserMessage: userMsg}
	var final store.Message
	if err != nil {
		// 5. Failure settles as a local, unpersisted error message.
		s.logger.Warn("agent reply failed",
			"thread_id", threadID,
			"agent_id", req.Agent.ID,
			"error", err)
		final = store.Message{
			ID:        s.newID(),
			ThreadID:  threadID,
			AgentID:   req.Agent.ID,
			Content:   "Error: " + err.Error(),
			Role:      store.RoleAgent,
			CreatedAt: store.FormatTime(s.now()),
		}
		result.Failed = true
		result.Err = err
	} else {
		// 4. Persist the reply even if the caller has gone away.
		saveCtx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		final = s.persist(saveCtx, store.Message{
			ThreadID: threadID,
			AgentID:  req.Agent.ID,
			Content:  text,
			Role:     store.RoleAgent,
		})
		cancel()
	}

	t.settle(placeholder.ID, final)
	s.publish(&Event{Type: EventMessageReplaced, ThreadID: threadID, Message: &final, ReplacedID: placeholder.ID})
	result.Reply = final

	s.logger.Debug("send settled",
		"thread_id", threadID,
		"agent_id", req.Agent.ID,
		"failed", result.Failed)
	return result, nil
}

// persist inserts a message and returns the stored row, or a locally
// synthesized copy when the store returns nothing.
func (s *Service) persist(ctx context.Context, m store.Message) store.Message {
	row, err := store.RowOf(m)
	if err == nil {
		res := store.From(s.backend, store.TableMessages).Insert(ctx, row).Single()
		if res.Row != nil {
			var stored store.Message
			if err = res.Row.Decode(&stored); err == nil {
				return stored
			}
		} else if res.Err != nil {
			err = res.Err
		}
	}
	s.logger.Warn("message not persisted, using local copy",
		"thread_id", m.ThreadID,
		"role", m.Role,
		"error", err)

	m.ID = s.newID()
	m.CreatedAt = store.FormatTime(s.now())
	return m
}

// History reads a thread's stored messages, oldest first, without touching
// the visible transcript.
func (s *Service) History(ctx context.Context, threadID string) ([]store.Message, error) {
	res := store.From(s.backend, store.TableMessages).
		Eq("thread_id", threadID).
		Order("created_at", true).
		Select(ctx)
	if res.Err != nil {
		return nil, fmt.Errorf("loading messages: %w", res.Err)
	}
	msgs, err := store.DecodeRows[store.Message](res.Rows)
	if err != nil {
		return nil, fmt.Errorf("decoding messages: %w", err)
	}
	return msgs, nil
}

// Load replaces the visible transcript with the thread's stored messages,
// oldest first. Read failures yield an empty transcript.
func (s *Service) Load(ctx context.Context, threadID string) []store.Message {
	t := s.pin(threadID)
	defer s.unpin(t)
	t.setLoading(true)
	defer t.setLoading(false)

	msgs, err := s.History(ctx, threadID)
	if err != nil {
		s.logger.Warn("loading transcript failed", "thread_id", threadID, "error", err)
		msgs = []store.Message{}
	}

	t.reset(msgs)
	return t.snapshot().Messages
}

// Clear deletes every message of a thread and empties its transcript. The
// thread itself is kept.
func (s *Service) Clear(ctx context.Context, threadID string) error {
	if threadID == "" {
		return ErrInvalidMessage
	}
	if err := store.From(s.backend, store.TableMessages).Eq("thread_id", threadID).Delete(ctx).Error(); err != nil {
		return fmt.Errorf("clearing messages: %w", err)
	}
	s.transcript(threadID).reset([]store.Message{})
	s.publish(&Event{Type: EventMessagesCleared, ThreadID: threadID})
	s.logger.Info("thread cleared", "thread_id", threadID)
	return nil
}

func (s *Service) publish(e *Event) {
	s.broadcaster.Publish(e)
}
