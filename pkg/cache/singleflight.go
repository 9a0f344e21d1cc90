// Package cache provides a keyed TTL cache that coalesces concurrent
// refreshes of the same key into one upstream call.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/elonfeng/ccuradar/internal/clock"
	"github.com/elonfeng/ccuradar/internal/logger"
	"github.com/elonfeng/ccuradar/internal/metrics"
)

// Loader fetches a fresh value from upstream.
type Loader[V any] func(ctx context.Context) (V, error)

type entry[V any] struct {
	value     V
	fetchedAt time.Time
}

// SingleFlight is a process-local TTL cache. A read of a fresh entry is
// served from memory. The first read after expiry refreshes it, and reads
// arriving during that refresh wait for its result. A failed refresh falls
// back to the previous value when one exists.
type SingleFlight[K comparable, V any] struct {
	name  string
	clock clock.Clock

	mu      sync.RWMutex
	entries map[K]*entry[V]
	group   singleflight.Group
}

// New creates an empty cache. name labels its metrics and logs.
func New[K comparable, V any](name string) *SingleFlight[K, V] {
	return &SingleFlight[K, V]{
		name:    name,
		clock:   clock.New(),
		entries: make(map[K]*entry[V]),
	}
}

// WithClock replaces the clock used for expiry.
func (c *SingleFlight[K, V]) WithClock(clk clock.Clock) *SingleFlight[K, V] {
	c.clock = clk
	return c
}

// Get returns the value for key, calling loader at most once per refresh
// regardless of how many callers are waiting. The loader runs detached
// from the caller's cancellation so one impatient caller cannot fail the
// others; it should bound its own duration.
func (c *SingleFlight[K, V]) Get(ctx context.Context, key K, loader Loader[V], ttl time.Duration) (V, error) {
	if v, ok := c.fresh(key, ttl); ok {
		return v, nil
	}

	flightKey := fmt.Sprint(key)
	resultI, err, _ := c.group.Do(flightKey, func() (any, error) {
		// Double-check inside the flight: a refresh may have landed
		// between the miss above and acquiring the flight.
		if v, ok := c.fresh(key, ttl); ok {
			return v, nil
		}

		v, err := loader(context.WithoutCancel(ctx))
		if err != nil {
			prev, ok := c.previous(key)
			if !ok {
				metrics.CacheLoads.WithLabelValues(c.name, "error").Inc()
				return nil, err
			}
			metrics.CacheLoads.WithLabelValues(c.name, "stale").Inc()
			logger.WarnCtx(ctx, "cache refresh failed, serving stale value",
				zap.String("cache", c.name), zap.String("key", flightKey), zap.Error(err))
			return prev, nil
		}

		c.mu.Lock()
		c.entries[key] = &entry[V]{value: v, fetchedAt: c.clock.Now()}
		c.mu.Unlock()
		metrics.CacheLoads.WithLabelValues(c.name, "ok").Inc()
		return v, nil
	})

	var zero V
	if err != nil {
		return zero, fmt.Errorf("%s cache load %s: %w", c.name, flightKey, err)
	}
	v, ok := resultI.(V)
	if !ok {
		return zero, fmt.Errorf("%s cache: unexpected type %T", c.name, resultI)
	}
	return v, nil
}

// Invalidate drops key so the next Get refreshes it.
func (c *SingleFlight[K, V]) Invalidate(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Peek returns the cached value regardless of age.
func (c *SingleFlight[K, V]) Peek(key K) (V, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, time.Time{}, false
	}
	return e.value, e.fetchedAt, true
}

func (c *SingleFlight[K, V]) fresh(key K, ttl time.Duration) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || c.clock.Since(e.fetchedAt) >= ttl {
		var zero V
		return zero, false
	}
	return e.value, true
}

func (c *SingleFlight[K, V]) previous(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	return e.value, true
}
