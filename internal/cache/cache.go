// Package cache provides a bounded in-memory cache with LRU and TTL eviction.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Cache maps keys to values stamped with their insertion time. Entries are
// evicted least-recently-used first once capacity is exceeded, and, when a
// TTL is set, treated as absent once older than the TTL.
type Cache[K comparable, V any] struct {
	capacity int           // 0 = unbounded
	ttl      time.Duration // 0 = no expiry
	now      func() time.Time
	items    map[K]*list.Element
	lru      *list.List
	mu       sync.Mutex
}

type entry[K comparable, V any] struct {
	key      K
	value    V
	storedAt time.Time
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock sets the time source used to stamp and expire entries.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// NewLRU returns a cache holding at most capacity entries, without expiry.
func NewLRU[K comparable, V any](capacity int, opts ...Option) *Cache[K, V] {
	return newCache[K, V](capacity, 0, opts...)
}

// NewTTL returns a cache whose entries expire ttl after insertion. Expired
// entries are dropped lazily on lookup. capacity bounds the entry count
// (0 = unbounded).
func NewTTL[K comparable, V any](ttl time.Duration, capacity int, opts ...Option) *Cache[K, V] {
	return newCache[K, V](capacity, ttl, opts...)
}

func newCache[K comparable, V any](capacity int, ttl time.Duration, opts ...Option) *Cache[K, V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if capacity < 0 {
		capacity = 0
	}
	return &Cache[K, V]{
		capacity: capacity,
		ttl:      ttl,
		now:      o.now,
		items:    make(map[K]*list.Element),
		lru:      list.New(),
	}
}

// Get returns the value for key if present and not expired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	elem, ok := c.items[key]
	if !ok {
		return zero, false
	}
	ent := elem.Value.(*entry[K, V])
	if c.expired(ent) {
		c.removeElement(elem)
		return zero, false
	}
	c.lru.MoveToFront(elem)
	return ent.value, true
}

// Set stores value for key, replacing any previous entry and resetting its
// timestamp. The least recently used entry is evicted when over capacity.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if elem, ok := c.items[key]; ok {
		ent := elem.Value.(*entry[K, V])
		ent.value = value
		ent.storedAt = now
		c.lru.MoveToFront(elem)
		return
	}

	elem := c.lru.PushFront(&entry[K, V]{key: key, value: value, storedAt: now})
	c.items[key] = elem

	if c.capacity > 0 && c.lru.Len() > c.capacity {
		if oldest := c.lru.Back(); oldest != nil {
			c.removeElement(oldest)
		}
	}
}

// Delete removes key if present.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
}

// Clear removes all entries.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]*list.Element)
	c.lru.Init()
}

// Len returns the number of stored entries, including expired entries that
// have not been looked up since they expired.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Purge drops every expired entry and returns how many were removed.
func (c *Cache[K, V]) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ttl <= 0 {
		return 0
	}
	removed := 0
	for elem := c.lru.Back(); elem != nil; {
		prev := elem.Prev()
		if c.expired(elem.Value.(*entry[K, V])) {
			c.removeElement(elem)
			removed++
		}
		elem = prev
	}
	return removed
}

func (c *Cache[K, V]) expired(ent *entry[K, V]) bool {
	return c.ttl > 0 && c.now().Sub(ent.storedAt) >= c.ttl
}

func (c *Cache[K, V]) removeElement(elem *list.Element) {
	c.lru.Remove(elem)
	delete(c.items, elem.Value.(*entry[K, V]).key)
}
