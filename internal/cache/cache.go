// ABOUTME: TTL cache used by channel resolvers and the heartbeat poller.
// ABOUTME: Entries expire lazily on read; size is bounded with oldest-first eviction.

package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// DefaultTTL is applied when Set is called with a non-positive ttl.
const DefaultTTL = 5 * time.Minute

// Cache stores string values with a per-entry TTL. Implementations are
// safe for concurrent use. Failures of a remote backend degrade to misses.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
	Delete(ctx context.Context, key string)
	Clear(ctx context.Context)
}

// entry stores the value, expiry and list element for a cached key.
type entry struct {
	value     string
	expiresAt time.Time
	element   *list.Element
}

// Memory is an in-process Cache. It never sweeps in the background: an
// expired entry is dropped the next time it is read or evicted for room.
// Uses a doubly-linked list to maintain insertion order for O(1) eviction.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // keys in insertion order (oldest at front)
	maxSize int
	now     func() time.Time
}

// NewMemory creates a cache holding at most maxSize entries (0 = unbounded).
func NewMemory(maxSize int) *Memory {
	return &Memory{
		entries: make(map[string]*entry),
		order:   list.New(),
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Get returns the value for key if present and not expired.
func (c *Memory) Get(_ context.Context, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if !c.now().Before(e.expiresAt) {
		c.removeLocked(key, e)
		return "", false
	}
	return e.value, true
}

// Set stores value under key for ttl.
func (c *Memory) Set(_ context.Context, key, value string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, ttl)
}

// setLocked is the internal set implementation. Must be called with mu held.
func (c *Memory) setLocked(key, value string, ttl time.Duration) {
	expiresAt := c.now().Add(ttl)

	// If key already exists, update in place and move to back
	if e, exists := c.entries[key]; exists {
		e.value = value
		e.expiresAt = expiresAt
		c.order.MoveToBack(e.element)
		return
	}

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.entries[key] = &entry{
		value:     value,
		expiresAt: expiresAt,
		element:   elem,
	}
}

// CheckAndMark atomically reports whether key is live and marks it if not.
// Returns true if the key was already present (duplicate).
func (c *Memory) CheckAndMark(key string, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok && c.now().Before(e.expiresAt) {
		return true
	}
	c.setLocked(key, "1", ttl)
	return false
}

// Delete removes key if present.
func (c *Memory) Delete(_ context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		c.removeLocked(key, e)
	}
}

// Clear drops every entry.
func (c *Memory) Clear(_ context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*entry)
	c.order.Init()
}

// Len returns the number of stored entries, including expired ones not yet read.
func (c *Memory) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Memory) removeLocked(key string, e *entry) {
	c.order.Remove(e.element)
	delete(c.entries, key)
}

// evictOldest removes the oldest entry from the cache.
// Must be called with mu held. O(1) operation using linked list.
func (c *Memory) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}
