package tracking

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	errspkg "github.com/drblury/queueflow/internal/runtime/errors"
	"github.com/drblury/queueflow/transport"
)

// DefaultTTL bounds how long a promise is kept whether or not it settled.
const DefaultTTL = 5 * time.Minute

// CacheOptions configures a Cache.
type CacheOptions struct {
	// TTL defaults to DefaultTTL.
	TTL time.Duration
	// MaxEntries bounds the cache size; 0 means unbounded.
	MaxEntries int
}

// Cache maps tracking keys to promises. Entries are evicted TTL after they
// were created; an evicted promise that never settled fails with
// ErrTrackingExpired so no waiter blocks forever.
type Cache struct {
	mu  sync.Mutex
	lru *expirable.LRU[cacheKey, *Promise]
}

// NewCache creates a cache.
func NewCache(opts CacheOptions) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxEntries < 0 {
		opts.MaxEntries = 0
	}
	onEvict := func(_ cacheKey, p *Promise) {
		p.Fail(errspkg.ErrTrackingExpired)
	}
	return &Cache{lru: expirable.NewLRU[cacheKey, *Promise](opts.MaxEntries, onEvict, opts.TTL)}
}

// GetOrCreate returns the promise for key, creating it when absent. An entry
// past its TTL that the sweeper has not removed yet is replaced, failing its
// waiters first.
func (c *Cache) GetOrCreate(key Key) *Promise {
	ck := key.normalize()

	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.lru.Get(ck); ok {
		return p
	}
	// Add on an existing key skips the eviction callback.
	c.lru.Remove(ck)
	p := NewPromise()
	c.lru.Add(ck, p)
	return p
}

// Resolve settles the promise for key with class. It reports false when the
// promise had already settled.
func (c *Cache) Resolve(key Key, class transport.AckClass) bool {
	return c.GetOrCreate(key).Resolve(class)
}

// Fail settles the promise for key with err.
func (c *Cache) Fail(key Key, err error) bool {
	return c.GetOrCreate(key).Fail(err)
}

// Peek returns the live promise for key without creating one.
func (c *Cache) Peek(key Key) (*Promise, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Get(key.normalize())
}

// Forget drops key, failing its promise if it never settled.
func (c *Cache) Forget(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key.normalize())
}

// Len returns the number of cached entries, expired ones included until swept.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Purge drops every entry, failing all unsettled promises.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}
