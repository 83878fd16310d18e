// ABOUTME: Thread-safe TTL cache of chat responses keyed by Idempotency-Key
// ABOUTME: Repeated requests replay the stored response instead of running a second turn

package idempotency

import (
	"container/list"
	"sync"
	"time"
)

// State is the outcome of Begin.
type State int

const (
	// StateNew means the caller reserved the key and must Complete or Abandon it.
	StateNew State = iota
	// StateInFlight means another request with the same key is still running.
	StateInFlight
	// StateDone means a stored response is available for replay.
	StateDone
)

// Response is a stored HTTP response.
type Response struct {
	Status int
	Body   []byte
}

type cacheEntry struct {
	timestamp time.Time
	element   *list.Element
	done      bool
	response  Response
}

// Cache is a size-limited TTL cache. Eviction is oldest first and O(1).
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   *list.List // keys in insertion order, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts its background cleanup.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		entries: make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Key scopes a client-supplied key to the user who sent it.
func Key(userID, idempotencyKey string) string {
	return userID + "\x00" + idempotencyKey
}

// Begin atomically looks up key and reserves it when absent or expired.
func (c *Cache) Begin(key string) (Response, State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok && time.Since(entry.timestamp) < c.ttl {
		if entry.done {
			return entry.response, StateDone
		}
		return Response{}, StateInFlight
	}

	c.putLocked(key, &cacheEntry{})
	return Response{}, StateNew
}

// Complete stores the response for a reserved key.
func (c *Cache) Complete(key string, resp Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, &cacheEntry{done: true, response: resp})
}

// Abandon releases a reservation so the key can be retried.
func (c *Cache) Abandon(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || entry.done {
		return
	}
	c.order.Remove(entry.element)
	delete(c.entries, key)
}

// putLocked inserts or replaces key. Must be called with mu held.
func (c *Cache) putLocked(key string, entry *cacheEntry) {
	entry.timestamp = time.Now()

	if old, exists := c.entries[key]; exists {
		entry.element = old.element
		c.order.MoveToBack(entry.element)
		c.entries[key] = entry
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	entry.element = c.order.PushBack(key)
	c.entries[key] = entry
}

func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

func (c *Cache) cleanup() {
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

func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.entries {
		if now.Sub(entry.timestamp) > c.ttl {
			c.order.Remove(entry.element)
			delete(c.entries, key)
		}
	}
}

// Len reports the number of cached keys, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the background cleanup. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
