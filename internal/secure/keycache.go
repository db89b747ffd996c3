package secure

import (
	"sync"
	"time"
)

// KeyCache holds key material in protected buffers with a bounded TTL.
// Expired entries are purged lazily on access and eagerly by Sweep.
// Close destroys every cached buffer; the cache is unusable afterwards.
type KeyCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*cacheEntry
	closed  bool
}

type cacheEntry struct {
	buf       *Buffer
	expiresAt time.Time
}

// NewKeyCache creates a key cache with the given entry TTL.
func NewKeyCache(ttl time.Duration) *KeyCache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &KeyCache{
		ttl:     ttl,
		entries: make(map[string]*cacheEntry),
	}
}

// Put stores key material under id, replacing (and destroying) any
// previous entry. The input slice is copied; the caller should zero it.
func (c *KeyCache) Put(id string, material []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if old, ok := c.entries[id]; ok {
		old.buf.Destroy()
	}
	c.entries[id] = &cacheEntry{
		buf:       NewBuffer(material),
		expiresAt: time.Now().Add(c.ttl),
	}
}

// Get returns the protected buffer for id, or nil if absent or expired.
func (c *KeyCache) Get(id string) *Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	if !ok {
		return nil
	}
	if time.Now().After(entry.expiresAt) {
		entry.buf.Destroy()
		delete(c.entries, id)
		return nil
	}
	return entry.buf
}

// Delete destroys and removes a single entry.
func (c *KeyCache) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[id]; ok {
		entry.buf.Destroy()
		delete(c.entries, id)
	}
}

// Sweep destroys all expired entries and returns how many were removed.
func (c *KeyCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	removed := 0
	for id, entry := range c.entries {
		if now.After(entry.expiresAt) {
			entry.buf.Destroy()
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of live entries.
func (c *KeyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close destroys every entry. Key material must not outlive the component
// that owns it.
func (c *KeyCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for id, entry := range c.entries {
		entry.buf.Destroy()
		delete(c.entries, id)
	}
	c.closed = true
}
