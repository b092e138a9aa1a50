// Package datacache memoizes expensive resources shared between builds.
//
// A Key describes how to allocate a resource and how to release it. Equal
// keys share one resource. Resources stay cached until they are invalidated or
// the cache is cleared, at which point their release action runs.
package datacache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jward/kiln/internal/keylock"
	"github.com/jward/kiln/internal/metrics"
	"github.com/jward/kiln/internal/teardown"
)

// Key pairs the construction of a resource with its release. Implementations
// must be comparable; equal keys share a resource.
type Key interface {
	Allocate(ctx context.Context) (any, error)
	Release(resource any) error
}

type entry struct {
	key      Key
	resource any
}

// Cache stores allocated resources by key.
type Cache struct {
	locks   *keylock.Map[Key]
	mu      sync.RWMutex
	entries map[Key]*entry
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates an empty Cache.
func New(logger *slog.Logger, m *metrics.Metrics) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		locks:   keylock.New[Key](),
		entries: make(map[Key]*entry),
		logger:  logger,
		metrics: m,
	}
}

// Get returns the resource for key, allocating it on first use. Allocation
// failures are returned but not cached.
func (c *Cache) Get(ctx context.Context, key Key) (any, error) {
	if err := keylock.Check(key); err != nil {
		return nil, fmt.Errorf("datacache: %w", err)
	}
	if e, ok := c.lookup(key); ok {
		c.metrics.DataCacheLookup(true)
		return e.resource, nil
	}

	unlock := c.locks.Lock(key)
	defer unlock()

	if e, ok := c.lookup(key); ok {
		c.metrics.DataCacheLookup(true)
		return e.resource, nil
	}
	c.metrics.DataCacheLookup(false)

	resource, err := key.Allocate(ctx)
	if err != nil {
		return nil, fmt.Errorf("datacache: allocating %v: %w", key, err)
	}
	c.mu.Lock()
	c.entries[key] = &entry{key: key, resource: resource}
	c.mu.Unlock()
	c.logger.Debug("Cached data allocated.", "key", key)
	return resource, nil
}

// InvalidateIf removes every entry whose key matches pred and releases its
// resource. All matching resources are released even if some fail.
func (c *Cache) InvalidateIf(pred func(Key) bool) error {
	c.mu.RLock()
	var keys []Key
	for k := range c.entries {
		if pred(k) {
			keys = append(keys, k)
		}
	}
	c.mu.RUnlock()
	return c.release(keys)
}

// Clear releases every cached resource.
func (c *Cache) Clear() error {
	return c.InvalidateIf(func(Key) bool { return true })
}

// Close releases every cached resource.
func (c *Cache) Close() error {
	return c.Clear()
}

// Len reports how many resources are cached.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) lookup(key Key) (*entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e, ok
}

func (c *Cache) release(keys []Key) error {
	var errs teardown.Collector
	released := 0
	for _, k := range keys {
		unlock := c.locks.Lock(k)
		c.mu.Lock()
		e, ok := c.entries[k]
		delete(c.entries, k)
		c.mu.Unlock()
		if ok {
			released++
			if err := e.key.Release(e.resource); err != nil {
				c.logger.Error("Releasing cached data failed.", "key", k, "error", err)
				errs.Add(fmt.Errorf("datacache: releasing %v: %w", k, err))
			}
		}
		unlock()
	}
	c.metrics.DataReleased(released)
	return errs.Err()
}
