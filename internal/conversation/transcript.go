// ABOUTME: Per-thread visible transcript state: messages, typing and loading flags
// ABOUTME: Snapshots are copies so callers never share the backing slice

package conversation

import (
	"slices"
	"sync"

	"github.com/2389/coven-threads/internal/store"
)

// Snapshot is a point-in-time copy of a transcript.
type Snapshot struct {
	ThreadID string          `json:"thread_id"`
	Messages []store.Message `json:"messages"`
	Typing   bool            `json:"typing"`
	Loading  bool            `json:"loading"`
}

type transcript struct {
	mu       sync.Mutex
	threadID string
	messages []store.Message
	typing   bool
	loading  bool

	pins int // guarded by Service.mu
}

func (t *transcript) snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		ThreadID: t.threadID,
		Messages: slices.Clone(t.messages),
		Typing:   t.typing,
		Loading:  t.loading,
	}
}

func (t *transcript) append(m store.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append(t.messages, m)
}

// update swaps the message with id in place. It reports false when the
// id is not present.
func (t *transcript) update(id string, m store.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := slices.IndexFunc(t.messages, func(x store.Message) bool { return x.ID == id })
	if i < 0 {
		return false
	}
	t.messages[i] = m
	return true
}

// settle removes the message with id and appends final.
func (t *transcript) settle(id string, final store.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = slices.DeleteFunc(t.messages, func(x store.Message) bool { return x.ID == id })
	t.messages = append(t.messages, final)
}

func (t *transcript) reset(msgs []store.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = msgs
}

func (t *transcript) setTyping(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.typing = v
}

func (t *transcript) setLoading(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loading = v
}
