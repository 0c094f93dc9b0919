// ABOUTME: Thread-safe TTL cache with size-bounded, insertion-order eviction.
// ABOUTME: Also offers non-evicting inserts for callers whose entries must not be dropped early.

package ttlcache

import (
	"container/list"
	"errors"
	"sync"
	"time"
)

// ErrFull is returned by the non-evicting inserts when every slot holds an
// unexpired entry.
var ErrFull = errors.New("ttlcache: full")

// entry stores a value, its expiry, and its position in the eviction order.
type entry[V any] struct {
	value     V
	expiresAt time.Time
	element   *list.Element
}

// Cache is a thread-safe key/value cache with per-entry expiry. When the cache
// reaches maxSize, Set evicts the oldest inserted key in O(1). GetOrSet and
// TrySet never evict a live entry and fail with ErrFull instead.
type Cache[V any] struct {
	mu      sync.Mutex
	items   map[string]*entry[V]
	order   *list.List // keys in insertion order, oldest at front
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool

	// minExpiry is a lower bound on every stored expiry. While now is before
	// it no entry can have expired, so a full cache skips the sweep.
	minExpiry time.Time
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	now      func() time.Time
	interval time.Duration
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithCleanupInterval sets how often expired entries are swept.
func WithCleanupInterval(d time.Duration) Option {
	return func(o *options) { o.interval = d }
}

// New creates a cache holding at most maxSize entries. A background goroutine
// periodically removes expired entries until Close is called.
func New[V any](maxSize int, opts ...Option) *Cache[V] {
	o := options{now: time.Now, interval: time.Minute}
	for _, opt := range opts {
		opt(&o)
	}
	if maxSize <= 0 {
		maxSize = 10000
	}

	c := &Cache[V]{
		items:   make(map[string]*entry[V]),
		order:   list.New(),
		maxSize: maxSize,
		now:     o.now,
		done:    make(chan struct{}),
	}
	go c.cleanup(o.interval)
	return c
}

// Get returns the value for key if present and unexpired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok || !c.now().Before(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key for ttl, replacing any existing entry.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, ttl)
}

// GetOrSet atomically returns the existing unexpired value for key, or stores
// value when there is none. loaded reports whether an existing value was found.
// Doing both under one lock closes the check-then-set race between callers.
// A new key is only stored if there is room after expired entries are swept;
// otherwise GetOrSet returns ErrFull and stores nothing.
func (c *Cache[V]) GetOrSet(key string, value V, ttl time.Duration) (actual V, loaded bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if ok && c.now().Before(e.expiresAt) {
		return e.value, true, nil
	}
	if !ok && !c.roomLocked() {
		var zero V
		return zero, false, ErrFull
	}
	c.setLocked(key, value, ttl)
	return value, false, nil
}

// TrySet stores value under key like Set, but returns ErrFull rather than
// evicting a live entry when key is new and the cache is full.
func (c *Cache[V]) TrySet(key string, value V, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[key]; !ok && !c.roomLocked() {
		return ErrFull
	}
	c.setLocked(key, value, ttl)
	return nil
}

// Delete removes key if present.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		c.order.Remove(e.element)
		delete(c.items, key)
	}
}

// Len returns the number of stored entries, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// setLocked must be called with mu held.
func (c *Cache[V]) setLocked(key string, value V, ttl time.Duration) {
	expiresAt := c.now().Add(ttl)
	if c.minExpiry.IsZero() || expiresAt.Before(c.minExpiry) {
		c.minExpiry = expiresAt
	}

	if e, exists := c.items[key]; exists {
		e.value = value
		e.expiresAt = expiresAt
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.items) >= c.maxSize {
		c.evictOldest()
	}

	c.items[key] = &entry[V]{
		value:     value,
		expiresAt: expiresAt,
		element:   c.order.PushBack(key),
	}
}

// roomLocked reports whether a new key fits, sweeping expired entries first
// when the cache is full. Must be called with mu held.
func (c *Cache[V]) roomLocked() bool {
	if len(c.items) < c.maxSize {
		return true
	}
	if c.now().Before(c.minExpiry) {
		return false
	}
	c.removeExpiredLocked()
	return len(c.items) < c.maxSize
}

// evictOldest must be called with mu held.
func (c *Cache[V]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.items, key)
}

func (c *Cache[V]) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

// removeExpired drops every entry whose expiry has passed.
func (c *Cache[V]) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeExpiredLocked()
}

func (c *Cache[V]) removeExpiredLocked() {
	now := c.now()
	c.minExpiry = time.Time{}
	for key, e := range c.items {
		if !now.Before(e.expiresAt) {
			c.order.Remove(e.element)
			delete(c.items, key)
			continue
		}
		if c.minExpiry.IsZero() || e.expiresAt.Before(c.minExpiry) {
			c.minExpiry = e.expiresAt
		}
	}
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
