// ABOUTME: Thread-safe TTL cache mapping idempotency keys to send results
// ABOUTME: Oldest entries are evicted first once the size limit is reached

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// State is what a key is known to be doing.
type State int

const (
	// StateNew means the caller claimed the key and must Complete or Abandon it.
	StateNew State = iota
	// StatePending means another caller holds the key.
	StatePending
	// StateDone means a result is stored for the key.
	StateDone
)

type entry[V any] struct {
	timestamp time.Time
	element   *list.Element
	done      bool
	value     V
}

// Cache tracks idempotency keys with a TTL and a maximum size. The linked
// list keeps keys in insertion order for O(1) eviction.
type Cache[V any] struct {
	mu      sync.Mutex
	seen    map[string]*entry[V]
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts its background cleanup.
func New[V any](ttl time.Duration, maxSize int) *Cache[V] {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache[V]{
		seen:    make(map[string]*entry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Claim atomically looks up key and claims it when unknown or expired.
// The stored value is returned only with StateDone.
func (c *Cache[V]) Claim(key string) (V, State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	if e, ok := c.seen[key]; ok && c.now().Sub(e.timestamp) < c.ttl {
		if e.done {
			return e.value, StateDone
		}
		return zero, StatePending
	}

	c.removeLocked(key)
	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}
	c.seen[key] = &entry[V]{timestamp: c.now(), element: c.order.PushBack(key)}
	return zero, StateNew
}

// Complete stores the result for a claimed key.
func (c *Cache[V]) Complete(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.seen[key]; ok {
		e.done = true
		e.value = value
		e.timestamp = c.now()
		c.order.MoveToBack(e.element)
	}
}

// Abandon releases a claimed key so a retry can run.
func (c *Cache[V]) Abandon(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
}

// Len returns the number of tracked keys.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache[V]) removeLocked(key string) {
	if e, ok := c.seen[key]; ok {
		c.order.Remove(e.element)
		delete(c.seen, key)
	}
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache[V]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

func (c *Cache[V]) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries.
func (c *Cache[V]) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, e := range c.seen {
		if now.Sub(e.timestamp) > c.ttl {
			c.order.Remove(e.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background cleanup. It is safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
