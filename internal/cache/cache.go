// Package cache provides a short-TTL, size-bounded response cache for reads.
package cache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hearthlink/hearthlink/internal/constants"
)

// Config configures a Cache. Zero values take the package defaults.
type Config struct {
	TTL     time.Duration
	MaxSize int

	// TouchOnAccess moves an entry to the newest position on every hit, so
	// eviction approximates LRU instead of insertion order. The stored-at
	// time is not refreshed.
	TouchOnAccess bool

	Now func() time.Time
}

// Entry is a cached value and the time it was stored.
type Entry struct {
	Key      string
	Value    any
	StoredAt time.Time
}

func (e *Entry) expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.StoredAt) > ttl
}

// Stats are cumulative counters since creation or the last Clear.
type Stats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Evictions   int64   `json:"evictions"`
	Expirations int64   `json:"expirations"`
	Size        int     `json:"size"`
	HitRatio    float64 `json:"hitRatio"`
}

// Cache is safe for concurrent use.
type Cache struct {
	cfg Config

	mu    sync.Mutex
	items map[string]*list.Element // value is *Entry
	order *list.List               // front is oldest

	hits, misses, evictions, expirations int64

	loads singleflight.Group
}

// New creates an empty cache.
func New(cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = constants.CacheTTL
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = constants.CacheMaxSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cache{
		cfg:   cfg,
		items: make(map[string]*list.Element),
		order: list.New(),
	}
}

// TTL returns the configured entry lifetime.
func (c *Cache) TTL() time.Duration { return c.cfg.TTL }

// Get returns the value for key if present and not expired.
func (c *Cache) Get(key string) (any, bool) {
	e, ok := c.lookup(key)
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// Lookup is Get with the entry metadata.
func (c *Cache) Lookup(key string) (Entry, bool) {
	return c.lookup(key)
}

// lookup returns a copy of the entry so callers never read shared state unlocked.
func (c *Cache) lookup(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return Entry{}, false
	}
	e := el.Value.(*Entry)
	if e.expired(c.cfg.Now(), c.cfg.TTL) {
		c.removeLocked(el)
		c.expirations++
		c.misses++
		return Entry{}, false
	}
	if c.cfg.TouchOnAccess {
		c.order.MoveToBack(el)
	}
	c.hits++
	return *e, true
}

// Set stores value under key at the newest position, evicting the oldest
// entries while the cache is over capacity.
func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.Now()
	if el, ok := c.items[key]; ok {
		e := el.Value.(*Entry)
		e.Value = value
		e.StoredAt = now
		c.order.MoveToBack(el)
		return
	}

	c.items[key] = c.order.PushBack(&Entry{Key: key, Value: value, StoredAt: now})
	for c.order.Len() > c.cfg.MaxSize {
		c.removeLocked(c.order.Front())
		c.evictions++
	}
}

// GetOrSet returns the cached value for key, or calls factory once and
// caches its result. Concurrent callers for the same missing key share one
// factory call, which is detached from the first caller's cancellation; each
// caller stops waiting when its own ctx is done. Errors are returned to every
// waiter and not cached.
func (c *Cache) GetOrSet(ctx context.Context, key string, factory func(ctx context.Context) (any, error)) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	ch := c.loads.DoChan(key, func() (any, error) {
		// Another loader may have filled the key while this one queued.
		if v, ok := c.Peek(key); ok {
			return v, nil
		}
		v, err := factory(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.Set(key, v)
		return v, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

// Peek reads without touching counters or order.
func (c *Cache) Peek(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*Entry)
	if e.expired(c.cfg.Now(), c.cfg.TTL) {
		return nil, false
	}
	return e.Value, true
}

// Delete removes key. Reports whether it was present.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if ok {
		c.removeLocked(el)
	}
	return ok
}

// DeletePrefix removes every key starting with prefix and returns the count.
func (c *Cache) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, el := range c.items {
		if strings.HasPrefix(key, prefix) {
			c.removeLocked(el)
			n++
		}
	}
	return n
}

// Purge drops expired entries and returns how many were removed.
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.cfg.Now()
	n := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if el.Value.(*Entry).expired(now, c.cfg.TTL) {
			c.removeLocked(el)
			c.expirations++
			n++
		}
		el = next
	}
	return n
}

// Clear removes all entries and resets the counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.hits, c.misses, c.evictions, c.expirations = 0, 0, 0, 0
}

// Len returns the number of stored entries, including expired ones not yet evicted.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
		Size:        c.order.Len(),
		HitRatio:    ratio(c.hits, c.misses),
	}
}

// HitRatio returns hits / (hits + misses), or 0 before any lookup.
func (c *Cache) HitRatio() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ratio(c.hits, c.misses)
}

func ratio(hits, misses int64) float64 {
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

func (c *Cache) removeLocked(el *list.Element) {
	c.order.Remove(el)
	delete(c.items, el.Value.(*Entry).Key)
}

// GetAs returns the cached value for key asserted to T.
// A present value of another type is reported as a miss.
func GetAs[T any](c *Cache, key string) (T, bool) {
	var zero T
	v, ok := c.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}
