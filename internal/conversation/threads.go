// ABOUTME: Thread lifecycle: create, list, rename, switch agent and cascade delete
// ABOUTME: Reads normalize missing titles and agents to their defaults

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-threads/internal/store"
)

// DefaultThreadTitle is the title of a freshly created thread.
const DefaultThreadTitle = "New chat"

// ErrInvalidTitle is returned when renaming to a blank title.
var ErrInvalidTitle = errors.New("thread title is required")

// Threads manages thread rows.
type Threads struct {
	backend      store.Backend
	conv         *Service
	defaultAgent string
	logger       *slog.Logger

	now func() time.Time
}

// NewThreads creates a thread manager. conv may be nil when no transcripts
// need to be kept in sync.
func NewThreads(backend store.Backend, conv *Service, defaultAgent string, logger *slog.Logger) *Threads {
	if logger == nil {
		logger = slog.Default()
	}
	return &Threads{
		backend:      backend,
		conv:         conv,
		defaultAgent: defaultAgent,
		logger:       logger.With("component", "threads"),
		now:          time.Now,
	}
}

func (t *Threads) normalize(th store.Thread) store.Thread {
	if th.Title == "" {
		th.Title = DefaultThreadTitle
	}
	if th.AgentID == "" {
		th.AgentID = t.defaultAgent
	}
	if th.UpdatedAt == "" {
		th.UpdatedAt = th.CreatedAt
	}
	return th
}

// Create inserts a new thread. Blank title and agent take their defaults.
func (t *Threads) Create(ctx context.Context, title, agentID string) (store.Thread, error) {
	now := store.FormatTime(t.now())
	th := t.normalize(store.Thread{
		ID:        uuid.New().String(),
		Title:     strings.TrimSpace(title),
		AgentID:   agentID,
		SessionID: uuid.New().String(),
		CreatedAt: now,
		UpdatedAt: now,
	})

	row, err := store.RowOf(th)
	if err != nil {
		return store.Thread{}, err
	}
	res := store.From(t.backend, store.TableThreads).Insert(ctx, row).Single()
	if res.Err != nil {
		return store.Thread{}, fmt.Errorf("creating thread: %w", res.Err)
	}
	if res.Row != nil {
		if err := res.Row.Decode(&th); err != nil {
			return store.Thread{}, err
		}
	}

	t.logger.Info("thread created", "thread_id", th.ID, "agent_id", th.AgentID)
	return t.normalize(th), nil
}

// List returns every thread, newest first.
func (t *Threads) List(ctx context.Context) ([]store.Thread, error) {
	res := store.From(t.backend, store.TableThreads).Order("created_at", false).Select(ctx)
	if res.Err != nil {
		return nil, fmt.Errorf("listing threads: %w", res.Err)
	}
	threads, err := store.DecodeRows[store.Thread](res.Rows)
	if err != nil {
		return nil, err
	}
	for i := range threads {
		threads[i] = t.normalize(threads[i])
	}
	return threads, nil
}

// Get returns one thread or store.ErrNotFound.
func (t *Threads) Get(ctx context.Context, id string) (store.Thread, error) {
	res := store.From(t.backend, store.TableThreads).Eq("id", id).Select(ctx).Single()
	switch res.Outcome() {
	case store.OutcomeError:
		return store.Thread{}, fmt.Errorf("getting thread: %w", res.Err)
	case store.OutcomeNull:
		return store.Thread{}, store.ErrNotFound
	}
	var th store.Thread
	if err := res.Row.Decode(&th); err != nil {
		return store.Thread{}, err
	}
	return t.normalize(th), nil
}

func (t *Threads) update(ctx context.Context, id string, values store.Row) (store.Thread, error) {
	values["updated_at"] = store.FormatTime(t.now())
	res := store.From(t.backend, store.TableThreads).Eq("id", id).Update(ctx, values).Single()
	switch res.Outcome() {
	case store.OutcomeError:
		return store.Thread{}, fmt.Errorf("updating thread: %w", res.Err)
	case store.OutcomeNull:
		return store.Thread{}, store.ErrNotFound
	}
	var th store.Thread
	if err := res.Row.Decode(&th); err != nil {
		return store.Thread{}, err
	}
	return t.normalize(th), nil
}

// Rename changes a thread's title.
func (t *Threads) Rename(ctx context.Context, id, title string) (store.Thread, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return store.Thread{}, ErrInvalidTitle
	}
	return t.update(ctx, id, store.Row{"title": title})
}

// SetAgent switches the agent a thread talks to. Messages are untouched.
func (t *Threads) SetAgent(ctx context.Context, id, agentID string) (store.Thread, error) {
	if agentID == "" {
		return store.Thread{}, errors.New("agent id is required")
	}
	return t.update(ctx, id, store.Row{"agent_id": agentID})
}

// Delete removes a thread's messages and then the thread row.
func (t *Threads) Delete(ctx context.Context, id string) error {
	if err := store.From(t.backend, store.TableMessages).Eq("thread_id", id).Delete(ctx).Error(); err != nil {
		return fmt.Errorf("deleting thread messages: %w", err)
	}
	if err := store.From(t.backend, store.TableThreads).Eq("id", id).Delete(ctx).Error(); err != nil {
		return fmt.Errorf("deleting thread: %w", err)
	}
	if t.conv != nil {
		t.conv.Forget(id)
	}
	t.logger.Info("thread deleted", "thread_id", id)
	return nil
}
