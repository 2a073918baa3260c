// Package handles caches open queue handles so routers and dispatchers do not
// reopen a destination for every message. Handles idle past the timeout or
// pushed out by the size bound are closed once nobody is using them.
package handles

import (
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/multierr"

	errspkg "github.com/drblury/queueflow/internal/runtime/errors"
	"github.com/drblury/queueflow/internal/runtime/logging"
	"github.com/drblury/queueflow/internal/runtime/metrics"
	"github.com/drblury/queueflow/transport"
)

const (
	// DefaultSize is the default number of cached handles.
	DefaultSize = 128
	// DefaultIdleTimeout is how long a handle stays cached after it was opened.
	DefaultIdleTimeout = 5 * time.Minute
)

// Options configures a Cache.
type Options struct {
	Size        int
	IdleTimeout time.Duration
	Logger      logging.ServiceLogger
	Metrics     *metrics.Collector
}

type key struct {
	name string
	mode transport.AccessMode
}

type entry struct {
	mu      sync.Mutex
	q       transport.Queue
	refs    int
	evicted bool
}

// Cache hands out leased queue handles keyed by format name and access mode.
type Cache struct {
	tr      transport.Transport
	logger  logging.ServiceLogger
	metrics *metrics.Collector

	mu     sync.Mutex
	lru    *expirable.LRU[key, *entry]
	closed bool

	errMu     sync.Mutex
	closeErrs error
}

// New creates a handle cache over tr.
func New(tr transport.Transport, opts Options) *Cache {
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	c := &Cache{
		tr:      tr,
		logger:  logging.OrNop(opts.Logger),
		metrics: opts.Metrics,
	}
	// onEvict runs under the LRU lock, possibly on the sweeper goroutine, so
	// it must not take c.mu.
	c.lru = expirable.NewLRU[key, *entry](opts.Size, c.evict, opts.IdleTimeout)
	return c
}

func (c *Cache) evict(k key, e *entry) {
	c.metrics.RecordHandleEviction()
	c.logger.Debug("Evicting queue handle", logging.LogFields{"queue": k.name, "mode": k.mode.String()})

	e.mu.Lock()
	e.evicted = true
	idle := e.refs == 0
	e.mu.Unlock()
	if idle {
		c.closeHandle(e.q)
	}
}

func (c *Cache) closeHandle(q transport.Queue) {
	if err := q.Close(); err != nil {
		c.errMu.Lock()
		c.closeErrs = multierr.Append(c.closeErrs, err)
		c.errMu.Unlock()
	}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// acquire returns a leased entry for name, opening the handle when needed.
func (c *Cache) acquire(name string, mode transport.AccessMode) (*entry, error) {
	k := key{name: normalize(name), mode: mode}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errspkg.ErrHandleCacheClosed
	}

	if e, ok := c.lru.Get(k); ok {
		e.mu.Lock()
		if !e.evicted {
			e.refs++
			e.mu.Unlock()
			return e, nil
		}
		e.mu.Unlock()
	}

	q, err := c.tr.Open(name, mode, transport.ShareAll)
	if err != nil {
		return nil, err
	}
	e := &entry{q: q, refs: 1}
	// Add on an existing key skips the eviction callback.
	c.lru.Remove(k)
	c.lru.Add(k, e)
	return e, nil
}

func (c *Cache) release(e *entry) {
	e.mu.Lock()
	e.refs--
	closeNow := e.refs == 0 && e.evicted
	e.mu.Unlock()
	if closeNow {
		c.closeHandle(e.q)
	}
}

// Use runs fn with the cached handle for name, opening it on a miss. The
// handle stays open until fn returns even if it is evicted meanwhile; fn must
// not keep it afterwards.
func (c *Cache) Use(name string, mode transport.AccessMode, fn func(transport.Queue) error) error {
	e, err := c.acquire(name, mode)
	if err != nil {
		return err
	}
	defer c.release(e)
	return fn(e.q)
}

// Len returns the number of cached handles.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Close closes every cached handle and rejects further use. It returns the
// errors of every handle close the cache performed.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.lru.Purge()
	c.mu.Unlock()

	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.closeErrs
}
