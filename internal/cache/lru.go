// Package cache provides the byte caches that sit in front of rule documents.
package cache

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var errTenantRequired = errors.New("cache: tenantID is required")

const defaultLocalSize = 10000

// LRUCache is a bounded in-process cache with per-entry expiry.
// It is the Community tier cache and the first tier of TwoPhaseCache.
type LRUCache struct {
	mu      sync.Mutex
	maxSize int
	items   map[entryKey]*list.Element
	order   *list.List
	now     func() time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

type entryKey struct {
	tenant string
	key    string
}

type lruEntry struct {
	id        entryKey
	value     []byte
	expiresAt time.Time
}

// NewLRUCache creates a cache holding at most maxSize entries.
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = defaultLocalSize
	}
	return &LRUCache{
		maxSize: maxSize,
		items:   make(map[entryKey]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

func (c *LRUCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, errTenantRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[entryKey{tenantID, key}]
	if !ok {
		c.misses.Add(1)
		return nil, nil
	}
	e := elem.Value.(*lruEntry)
	if !c.now().Before(e.expiresAt) {
		c.unlink(elem)
		c.misses.Add(1)
		return nil, nil
	}

	c.order.MoveToFront(elem)
	c.hits.Add(1)
	return e.value, nil
}

// Set stores value until ttl elapses. A non-positive ttl deletes the entry.
func (c *LRUCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return errTenantRequired
	}
	id := entryKey{tenantID, key}

	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl <= 0 {
		if elem, ok := c.items[id]; ok {
			c.unlink(elem)
		}
		return nil
	}
	expiresAt := c.now().Add(ttl)

	if elem, ok := c.items[id]; ok {
		e := elem.Value.(*lruEntry)
		e.value, e.expiresAt = value, expiresAt
		c.order.MoveToFront(elem)
		return nil
	}

	c.items[id] = c.order.PushFront(&lruEntry{id: id, value: value, expiresAt: expiresAt})
	for c.order.Len() > c.maxSize {
		c.unlink(c.order.Back())
		c.evictions.Add(1)
	}
	return nil
}

func (c *LRUCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return errTenantRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[entryKey{tenantID, key}]; ok {
		c.unlink(elem)
	}
	return nil
}

// Purge drops every entry of the tenant.
func (c *LRUCache) Purge(ctx context.Context, tenantID string) (int, error) {
	if tenantID == "" {
		return 0, errTenantRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for id, elem := range c.items {
		if id.tenant == tenantID {
			c.unlink(elem)
			n++
		}
	}
	return n, nil
}

func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close empties the cache.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.items)
	c.order.Init()
	return nil
}

// Stats returns cache statistics.
func (c *LRUCache) Stats() Stats {
	c.mu.Lock()
	size := c.order.Len()
	c.mu.Unlock()
	return Stats{
		Size:      size,
		Capacity:  c.maxSize,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

// unlink removes elem; c.mu must be held.
func (c *LRUCache) unlink(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*lruEntry).id)
}
