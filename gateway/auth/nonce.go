package auth

import (
	"container/list"
	"sync"
	"time"
)

// nonceCache is a TTL-bounded LRU set of observed nonce keys. The oldest
// entry sits at the front of the order list.
type nonceCache struct {
	ttl time.Duration
	cap int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type nonceEntry struct {
	key        string
	observedAt time.Time
}

func newNonceCache(ttl time.Duration, capacity int) *nonceCache {
	return &nonceCache{
		ttl:     ttl,
		cap:     capacity,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Contains reports whether the key was observed within the TTL window.
func (c *nonceCache) Contains(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expire(now)
	_, ok := c.entries[key]
	return ok
}

// Add records an observation, evicting expired and overflow entries.
func (c *nonceCache) Add(key string, observedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expire(observedAt)
	if elem, ok := c.entries[key]; ok {
		elem.Value = nonceEntry{key: key, observedAt: observedAt}
		c.order.MoveToBack(elem)
		return
	}
	for c.order.Len() >= c.cap {
		c.dropOldest()
	}
	c.entries[key] = c.order.PushBack(nonceEntry{key: key, observedAt: observedAt})
}

func (c *nonceCache) expire(now time.Time) {
	cutoff := now.Add(-c.ttl)
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(nonceEntry)
		if !entry.observedAt.Before(cutoff) {
			return
		}
		c.order.Remove(front)
		delete(c.entries, entry.key)
	}
}

func (c *nonceCache) dropOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	entry := front.Value.(nonceEntry)
	c.order.Remove(front)
	delete(c.entries, entry.key)
}
