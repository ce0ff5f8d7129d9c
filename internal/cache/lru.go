// Package cache provides a byte-budgeted LRU used to keep hot snapshot
// blobs in memory in front of slow object storage.
package cache

import (
	"container/list"
	"sync"
)

// LRU is a thread-safe least-recently-used cache with a byte budget.
// Entries are evicted oldest-first once the budget is exceeded.
type LRU struct {
	mu       sync.Mutex
	capacity int64
	used     int64
	order    *list.List
	entries  map[string]*list.Element
}

type lruEntry struct {
	key  string
	data []byte
}

// NewLRU creates a cache holding up to capacity bytes.
func NewLRU(capacity int64) *LRU {
	return &LRU{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// Get returns the cached bytes for key and marks the entry recently used.
func (c *LRU) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*lruEntry).data, true
}

// Set stores data under key, evicting old entries as needed.
// Values larger than the whole budget are not cached.
func (c *LRU) Set(key string, data []byte) {
	size := int64(len(data))
	if size > c.capacity {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*lruEntry)
		c.used += size - int64(len(entry.data))
		entry.data = data
		c.order.MoveToFront(el)
	} else {
		el := c.order.PushFront(&lruEntry{key: key, data: data})
		c.entries[key] = el
		c.used += size
	}

	for c.used > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeElement(oldest)
	}
}

// Delete removes the entry for key, if present.
func (c *LRU) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.removeElement(el)
	}
}

// Len returns the number of cached entries.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Used returns the current number of cached bytes.
func (c *LRU) Used() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

func (c *LRU) removeElement(el *list.Element) {
	entry := el.Value.(*lruEntry)
	c.order.Remove(el)
	delete(c.entries, entry.key)
	c.used -= int64(len(entry.data))
}
