package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/modelgate/modelgate/internal/domain/scan"
	"github.com/modelgate/modelgate/pkg/safego"
)

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Size      int    `json:"size"`
}

// Store is the scan-verdict cache contract served to the admin surface.
// It extends scan.Cache with management operations.
type Store interface {
	scan.Cache
	Invalidate(key string)
	Clear()
	Stats() Stats
}

// entry is one cached (or in-flight) report. While inflight, done is open and
// waiters block on it; the computing goroutine publishes report/err and closes
// done exactly once. Failed computes are removed from the map so the next
// caller retries; the entry pointer stays valid for waiters to read the error.
type entry struct {
	report    scan.Report
	err       error
	expiresAt time.Time
	inflight  bool
	done      chan struct{}
	elem      *list.Element // position in the LRU list, nil while inflight
}

// MemoryCache is the in-process Store: content-addressed memoization with
// TTL expiry, an LRU entry cap, and single-flight computes. The mutex guards
// only the map and LRU list; computes run outside the lock.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front = most recently used; values are keys
	ttl     time.Duration
	maxSize int
	logger  *zap.Logger

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// NewMemoryCache creates a memory cache and starts its background sweeper.
// The sweeper stops when ctx is cancelled.
func NewMemoryCache(ctx context.Context, ttl time.Duration, maxSize int, logger *zap.Logger) *MemoryCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxSize <= 0 {
		maxSize = 10000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &MemoryCache{
		entries: make(map[string]*entry),
		lru:     list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		logger:  logger.With(zap.String("component", "scan-cache")),
	}
	sweep := ttl / 2
	if sweep < time.Second {
		sweep = time.Second
	}
	safego.Loop(ctx, c.logger, "scan-cache-sweeper", sweep, c.sweep)
	return c
}

// GetOrCompute returns the cached report for key, or runs compute and stores
// the result. Concurrent callers for the same key share a single compute
// (single-flight). Compute failures are not cached: waiters receive the same
// error and the next caller retries.
func (c *MemoryCache) GetOrCompute(ctx context.Context, key string, compute func(ctx context.Context) (scan.Report, error)) (scan.Report, bool, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if e.inflight {
			c.mu.Unlock()
			select {
			case <-e.done:
				if e.err != nil {
					return scan.Report{}, false, e.err
				}
				c.hits.Add(1)
				return e.report, true, nil
			case <-ctx.Done():
				return scan.Report{}, false, ctx.Err()
			}
		}
		if time.Now().Before(e.expiresAt) {
			c.lru.MoveToFront(e.elem)
			c.mu.Unlock()
			c.hits.Add(1)
			return e.report, true, nil
		}
		// Expired: lazy-evict and fall through to recompute.
		c.removeLocked(key, e)
	}

	e := &entry{inflight: true, done: make(chan struct{})}
	c.entries[key] = e
	c.mu.Unlock()
	c.misses.Add(1)

	report, err := compute(ctx)

	c.mu.Lock()
	if err != nil {
		delete(c.entries, key)
		e.err = err
		close(e.done)
		c.mu.Unlock()
		return scan.Report{}, false, err
	}
	e.report = report
	e.expiresAt = time.Now().Add(c.ttl)
	e.inflight = false
	e.elem = c.lru.PushFront(key)
	if c.lru.Len() > c.maxSize {
		c.evictLRULocked()
	}
	close(e.done)
	c.mu.Unlock()
	return report, false, nil
}

// Invalidate drops a single settled entry. In-flight computes are untouched.
func (c *MemoryCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && !e.inflight {
		c.removeLocked(key, e)
	}
}

// Clear drops all settled entries. In-flight computes keep running and will
// re-insert themselves on publish.
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if !e.inflight {
			c.removeLocked(key, e)
		}
	}
}

// Stats returns current counters. Size counts settled entries only.
func (c *MemoryCache) Stats() Stats {
	c.mu.Lock()
	size := c.lru.Len()
	c.mu.Unlock()
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      size,
	}
}

// sweep removes expired settled entries. Runs periodically off the hot path.
func (c *MemoryCache) sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if !e.inflight && now.After(e.expiresAt) {
			c.removeLocked(key, e)
		}
	}
}

// removeLocked evicts one settled entry. Caller holds the mutex.
func (c *MemoryCache) removeLocked(key string, e *entry) {
	delete(c.entries, key)
	if e.elem != nil {
		c.lru.Remove(e.elem)
	}
	c.evictions.Add(1)
}

// evictLRULocked drops the least-recently-used entry. Caller holds the mutex.
func (c *MemoryCache) evictLRULocked() {
	back := c.lru.Back()
	if back == nil {
		return
	}
	key := back.Value.(string)
	if e, ok := c.entries[key]; ok {
		c.removeLocked(key, e)
	}
}
