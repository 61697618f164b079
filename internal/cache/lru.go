package cache

import (
	"strings"
	"sync"
	"time"
)

// entry is a node of the recency ring. The sentinel's next is the most
// recently used entry and its prev the least.
type entry[T any] struct {
	key        string
	value      T
	expires    time.Time
	prev, next *entry[T]
}

// LRUCache holds at most capacity values, each for ttl after it was stored.
// Reads refresh recency but not expiry.
type LRUCache[T any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	index    map[string]*entry[T]
	ring     entry[T]
	now      func() time.Time
	stats    Stats
}

// Stats counts cache traffic since creation. Size is the live entry count.
type Stats struct {
	Size      int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

func NewLRUCache[T any](capacity int, ttl time.Duration) *LRUCache[T] {
	c := &LRUCache[T]{
		capacity: max(capacity, 1),
		ttl:      ttl,
		index:    make(map[string]*entry[T], capacity),
		now:      time.Now,
	}
	c.ring.next = &c.ring
	c.ring.prev = &c.ring
	return c
}

func (c *LRUCache[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.index[key]
	if ok && c.now().Before(e.expires) {
		c.unlink(e)
		c.pushFront(e)
		c.stats.Hits++
		return e.value, true
	}
	if ok {
		c.drop(e)
	}
	c.stats.Misses++
	var zero T
	return zero, false
}

// Set stores value under key, evicting the least recently used entry when
// the cache is full.
func (c *LRUCache[T]) Set(key string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(c.ttl)
	if e, ok := c.index[key]; ok {
		e.value, e.expires = value, expires
		c.unlink(e)
		c.pushFront(e)
		return
	}
	e := &entry[T]{key: key, value: value, expires: expires}
	c.index[key] = e
	c.pushFront(e)
	if len(c.index) > c.capacity {
		c.drop(c.ring.prev)
		c.stats.Evictions++
	}
}

func (c *LRUCache[T]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.index[key]; ok {
		c.drop(e)
	}
}

// DeletePrefix drops every key under prefix and reports how many went.
func (c *LRUCache[T]) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, e := range c.index {
		if strings.HasPrefix(key, prefix) {
			c.drop(e)
			n++
		}
	}
	return n
}

// CleanExpired drops expired entries and reports how many went.
func (c *LRUCache[T]) CleanExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for e := c.ring.next; e != &c.ring; {
		next := e.next
		if !now.Before(e.expires) {
			c.drop(e)
			n++
		}
		e = next
	}
	return n
}

func (c *LRUCache[T]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

func (c *LRUCache[T]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = len(c.index)
	return s
}

func (c *LRUCache[T]) pushFront(e *entry[T]) {
	e.prev = &c.ring
	e.next = c.ring.next
	c.ring.next.prev = e
	c.ring.next = e
}

func (c *LRUCache[T]) unlink(e *entry[T]) {
	e.prev.next = e.next
	e.next.prev = e.prev
	e.prev, e.next = nil, nil
}

func (c *LRUCache[T]) drop(e *entry[T]) {
	c.unlink(e)
	delete(c.index, e.key)
}
