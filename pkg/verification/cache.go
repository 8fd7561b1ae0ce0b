package verification

import (
	"sync"
	"time"
)

// LocalCache is a fixed-capacity, per-process record of recent
// verifications, consulted only when the shared store cannot answer.
//
// Entries live in a ring: once full, each insert overwrites the oldest
// slot. Expired entries are dropped when read. Nothing runs in the
// background. The cache is best-effort; other instances never see it.
type LocalCache struct {
	mu      sync.Mutex
	entries []cacheEntry
	index   map[string]int
	next    int
	now     func() time.Time
}

type cacheEntry struct {
	key       string
	expiresAt time.Time
	used      bool
}

// NewLocalCache creates a cache holding at most capacity identities. A
// capacity of zero disables it.
func NewLocalCache(capacity int, now func() time.Time) *LocalCache {
	if capacity < 0 {
		capacity = 0
	}
	if now == nil {
		now = time.Now
	}
	return &LocalCache{
		entries: make([]cacheEntry, capacity),
		index:   make(map[string]int, capacity),
		now:     now,
	}
}

// Put records key until expiresAt.
func (c *LocalCache) Put(key string, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) == 0 {
		return
	}

	if i, ok := c.index[key]; ok {
		c.entries[i].expiresAt = expiresAt
		return
	}

	slot := c.next
	if old := c.entries[slot]; old.used {
		delete(c.index, old.key)
	}
	c.entries[slot] = cacheEntry{key: key, expiresAt: expiresAt, used: true}
	c.index[key] = slot
	c.next = (slot + 1) % len(c.entries)
}

// Contains reports whether key holds an unexpired entry.
func (c *LocalCache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, ok := c.index[key]
	if !ok {
		return false
	}
	if !c.now().Before(c.entries[i].expiresAt) {
		c.removeAt(i)
		return false
	}
	return true
}

// Delete drops key.
func (c *LocalCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i, ok := c.index[key]; ok {
		c.removeAt(i)
	}
}

// Len returns the number of occupied slots, expired ones included.
func (c *LocalCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

// Cap returns the capacity.
func (c *LocalCache) Cap() int {
	return len(c.entries)
}

func (c *LocalCache) removeAt(i int) {
	delete(c.index, c.entries[i].key)
	c.entries[i] = cacheEntry{}
}
