// Package property memoizes environment property computations.
//
// A property is any comparable value; its identity in the cache is Go
// equality on that value. Each property is computed at most once until it is
// invalidated, across all concurrent callers. Callers for the same property
// serialise on a per-property mutex while callers for unrelated properties
// proceed independently. Failures are memoized like values: every caller
// observes the same *ComputeError until the property is invalidated.
// Computations do not observe the caller's cancellation.
package property

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jward/kiln/internal/keylock"
	"github.com/jward/kiln/internal/metrics"
)

// ComputeError wraps a failed property computation. The same *ComputeError is
// returned to every caller until the property is invalidated.
type ComputeError struct {
	Property any
	Err      error
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("property %v: computation failed: %v", e.Property, e.Err)
}

func (e *ComputeError) Unwrap() error {
	return e.Err
}

// ComputeFunc computes the current value of a property.
type ComputeFunc func(ctx context.Context) (any, error)

type result struct {
	value any
	err   *ComputeError
}

// Cache holds memoized results keyed by property.
type Cache struct {
	locks   *keylock.Map[any]
	results sync.Map // property -> *result
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates an empty Cache.
func New(logger *slog.Logger, m *metrics.Metrics) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		locks:   keylock.New[any](),
		logger:  logger,
		metrics: m,
	}
}

// Get returns the memoized result for key, computing it with compute if no
// result is stored. key must be comparable.
func (c *Cache) Get(ctx context.Context, key any, compute ComputeFunc) (any, error) {
	if err := keylock.Check(key); err != nil {
		return nil, fmt.Errorf("property: %w", err)
	}
	if r, ok := c.lookup(key); ok {
		return r.unpack()
	}

	unlock := c.locks.Lock(key)
	defer unlock()

	if r, ok := c.lookup(key); ok {
		return r.unpack()
	}

	r := c.compute(ctx, key, compute)
	c.results.Store(key, r)
	return r.unpack()
}

// Cached reports whether a result, value or failure, is memoized for key.
func (c *Cache) Cached(key any) bool {
	if keylock.Check(key) != nil {
		return false
	}
	_, ok := c.lookup(key)
	return ok
}

// Invalidate removes the results of exactly the given properties and returns
// how many were present.
func (c *Cache) Invalidate(keys ...any) int {
	n := 0
	for _, key := range keys {
		if keylock.Check(key) != nil {
			continue
		}
		unlock := c.locks.Lock(key)
		if _, loaded := c.results.LoadAndDelete(key); loaded {
			n++
		}
		unlock()
	}
	c.metrics.PropertiesInvalidated(n)
	return n
}

// InvalidateIf removes the results of every property matching pred.
func (c *Cache) InvalidateIf(pred func(key any) bool) int {
	var keys []any
	c.results.Range(func(k, _ any) bool {
		if pred(k) {
			keys = append(keys, k)
		}
		return true
	})
	return c.Invalidate(keys...)
}

// Len reports how many results are memoized.
func (c *Cache) Len() int {
	n := 0
	c.results.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (c *Cache) lookup(key any) (*result, bool) {
	v, ok := c.results.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*result), true
}

func (c *Cache) compute(ctx context.Context, key any, compute ComputeFunc) (r *result) {
	defer func() {
		if p := recover(); p != nil {
			r = &result{err: &ComputeError{Property: key, Err: fmt.Errorf("panic: %v", p)}}
		}
		c.metrics.PropertyComputed(r.err != nil)
		if r.err != nil {
			c.logger.Debug("Environment property computation failed.", "property", key, "error", r.err.Err)
		}
	}()

	c.logger.Debug("Computing environment property.", "property", key)
	value, err := compute(context.WithoutCancel(ctx))
	if err != nil {
		return &result{err: &ComputeError{Property: key, Err: err}}
	}
	return &result{value: value}
}

func (r *result) unpack() (any, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.value, nil
}
