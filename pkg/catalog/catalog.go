// Package catalog owns item identity and metadata. It fronts the items
// table with an in-memory read-through cache that is warmed at startup
// and mutated only through Upsert and Ensure.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/elonfeng/ccuradar/internal/clock"
	"github.com/elonfeng/ccuradar/internal/logger"
	"github.com/elonfeng/ccuradar/internal/store"
	"github.com/elonfeng/ccuradar/pkg/source"
)

// DefaultTTL is how long a cached entry is served before it is re-read
// from the store.
const DefaultTTL = 24 * time.Hour

// MetadataSource fetches item metadata from upstream.
type MetadataSource interface {
	FetchMetadata(ctx context.Context, itemID int64) (*source.Metadata, error)
}

type cached struct {
	item      store.Item
	loadedAt  time.Time
	persisted bool
}

// Catalog is the item catalog. It is safe for concurrent use.
type Catalog struct {
	store store.Store
	meta  MetadataSource
	clock clock.Clock
	ttl   time.Duration

	mu    sync.RWMutex
	items map[int64]*cached
}

// New creates an empty catalog. Call Warm before serving reads.
func New(st store.Store, meta MetadataSource, clk clock.Clock) *Catalog {
	if clk == nil {
		clk = clock.New()
	}
	return &Catalog{
		store: st,
		meta:  meta,
		clock: clk,
		ttl:   DefaultTTL,
		items: make(map[int64]*cached),
	}
}

// Warm loads every stored item into memory and returns how many were
// loaded.
func (c *Catalog) Warm(ctx context.Context) (int, error) {
	items, err := c.store.ListItems(ctx)
	if err != nil {
		return 0, fmt.Errorf("warm catalog: %w", err)
	}

	now := c.clock.Now()
	c.mu.Lock()
	for _, item := range items {
		c.items[item.ID] = &cached{item: item, loadedAt: now, persisted: true}
	}
	c.mu.Unlock()

	logger.Info("catalog warmed", zap.Int("items", len(items)))
	return len(items), nil
}

// Has reports whether the item is known to durable storage.
func (c *Catalog) Has(id int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.items[id]
	return ok && e.persisted
}

// Len returns the number of persisted items in memory.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, e := range c.items {
		if e.persisted {
			n++
		}
	}
	return n
}

// Get returns an item, reading through to the store when the cached copy
// is missing or older than the TTL. An item absent from the store falls
// back to upstream metadata, which is cached but not persisted.
func (c *Catalog) Get(ctx context.Context, id int64) (*store.Item, error) {
	c.mu.RLock()
	e, ok := c.items[id]
	if ok && c.clock.Since(e.loadedAt) < c.ttl {
		item := e.item
		c.mu.RUnlock()
		return &item, nil
	}
	c.mu.RUnlock()

	item, err := c.store.GetItem(ctx, id)
	switch {
	case err == nil:
		c.put(*item, true)
		return item, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	if c.meta == nil {
		return nil, store.ErrNotFound
	}
	meta, err := c.meta.FetchMetadata(ctx, id)
	if err != nil {
		logger.Debug("catalog metadata fallback failed", zap.Int64("item_id", id), zap.Error(err))
		return nil, store.ErrNotFound
	}
	fallback := store.Item{
		ID:            id,
		Name:          meta.Name,
		Image:         meta.Image,
		ReleaseDate:   meta.ReleaseDate,
		LastFetchedAt: c.clock.Now(),
	}
	c.put(fallback, false)
	return &fallback, nil
}

// Upsert persists item and refreshes its cached copy. A nil image or
// release date keeps the stored value.
func (c *Catalog) Upsert(ctx context.Context, item *store.Item) error {
	if item.LastFetchedAt.IsZero() {
		item.LastFetchedAt = c.clock.Now()
	}
	if err := c.store.UpsertItem(ctx, item); err != nil {
		return err
	}

	merged := *item
	c.mu.RLock()
	if prev, ok := c.items[item.ID]; ok {
		if merged.Image == nil {
			merged.Image = prev.item.Image
		}
		if merged.ReleaseDate == nil {
			merged.ReleaseDate = prev.item.ReleaseDate
		}
	}
	c.mu.RUnlock()

	c.put(merged, true)
	return nil
}

// Ensure makes sure the item exists in durable storage. Unknown items get
// their metadata fetched, falling back to a placeholder name and no image
// when upstream fails. created reports whether the item was new.
func (c *Catalog) Ensure(ctx context.Context, id int64) (item *store.Item, created bool, err error) {
	if c.Has(id) {
		item, err := c.Get(ctx, id)
		return item, false, err
	}

	item = &store.Item{ID: id, Name: source.PlaceholderName(id)}
	if c.meta != nil {
		meta, err := c.meta.FetchMetadata(ctx, id)
		if err != nil {
			logger.Warn("metadata unavailable, using placeholder",
				zap.Int64("item_id", id), zap.Error(err))
		} else {
			item.Name = meta.Name
			item.Image = meta.Image
			item.ReleaseDate = meta.ReleaseDate
		}
	}

	if err := c.Upsert(ctx, item); err != nil {
		return nil, false, err
	}
	return item, true, nil
}

// Names returns the cached names of ids. Unknown ids are omitted.
func (c *Catalog) Names(ids []int64) map[int64]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make(map[int64]string, len(ids))
	for _, id := range ids {
		if e, ok := c.items[id]; ok {
			names[id] = e.item.Name
		}
	}
	return names
}

func (c *Catalog) put(item store.Item, persisted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.items[item.ID]; ok && prev.persisted {
		persisted = true
	}
	c.items[item.ID] = &cached{item: item, loadedAt: c.clock.Now(), persisted: persisted}
}
