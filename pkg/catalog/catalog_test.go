package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elonfeng/ccuradar/internal/clock"
	"github.com/elonfeng/ccuradar/internal/store"
	"github.com/elonfeng/ccuradar/pkg/source"
)

type fakeMeta struct {
	mu    sync.Mutex
	data  map[int64]*source.Metadata
	calls map[int64]int
}

func newFakeMeta() *fakeMeta {
	return &fakeMeta{data: map[int64]*source.Metadata{}, calls: map[int64]int{}}
}

func (f *fakeMeta) FetchMetadata(_ context.Context, id int64) (*source.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[id]++
	m, ok := f.data[id]
	if !ok {
		return nil, source.ErrNotAvailable
	}
	return m, nil
}

func strPtr(s string) *string { return &s }

func newTestCatalog(t *testing.T) (*Catalog, *store.SQLiteStore, *fakeMeta, *clock.Fixed) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clk := &clock.Fixed{T: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
	meta := newFakeMeta()
	return New(st, meta, clk), st, meta, clk
}

func TestWarmAndHas(t *testing.T) {
	c, st, _, _ := newTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertItem(ctx, &store.Item{ID: 730, Name: "Counter-Strike 2"}))
	require.NoError(t, st.UpsertItem(ctx, &store.Item{ID: 570, Name: "Dota 2"}))

	assert.False(t, c.Has(730))
	n, err := c.Warm(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, c.Has(730))
	assert.True(t, c.Has(570))
	assert.False(t, c.Has(1))
	assert.Equal(t, map[int64]string{730: "Counter-Strike 2"}, c.Names([]int64{730, 1}))
}

func TestEnsureFetchesMetadataOnce(t *testing.T) {
	c, st, meta, _ := newTestCatalog(t)
	ctx := context.Background()
	meta.data[730] = &source.Metadata{Name: "Counter-Strike 2", Image: strPtr("cs2.jpg"), ReleaseDate: strPtr("2012-08-21")}

	item, created, err := c.Ensure(ctx, 730)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "Counter-Strike 2", item.Name)

	_, created, err = c.Ensure(ctx, 730)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 1, meta.calls[730])

	stored, err := st.GetItem(ctx, 730)
	require.NoError(t, err)
	require.NotNil(t, stored.ReleaseDate)
	assert.Equal(t, "2012-08-21", *stored.ReleaseDate)
}

func TestEnsureFallsBackToPlaceholder(t *testing.T) {
	c, st, _, _ := newTestCatalog(t)
	ctx := context.Background()

	item, created, err := c.Ensure(ctx, 42)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "App 42", item.Name)
	assert.Nil(t, item.Image)

	stored, err := st.GetItem(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "App 42", stored.Name)
	assert.True(t, c.Has(42))
}

func TestUpsertKeepsCachedImage(t *testing.T) {
	c, _, _, _ := newTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.Upsert(ctx, &store.Item{ID: 1, Name: "Old", Image: strPtr("a.jpg")}))
	require.NoError(t, c.Upsert(ctx, &store.Item{ID: 1, Name: "New"}))

	item, err := c.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "New", item.Name)
	require.NotNil(t, item.Image)
	assert.Equal(t, "a.jpg", *item.Image)
}

func TestGetReadsThroughAfterTTL(t *testing.T) {
	c, st, _, clk := newTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.Upsert(ctx, &store.Item{ID: 1, Name: "Cached"}))
	// a writer outside the catalog renames the item
	require.NoError(t, st.UpsertItem(ctx, &store.Item{ID: 1, Name: "Renamed"}))

	item, err := c.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Cached", item.Name)

	clk.Set(clk.T.Add(DefaultTTL))
	item, err = c.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", item.Name)
}

func TestGetFallsBackToMetadataWithoutPersisting(t *testing.T) {
	c, st, meta, _ := newTestCatalog(t)
	ctx := context.Background()
	meta.data[99] = &source.Metadata{Name: "Unlisted"}

	item, err := c.Get(ctx, 99)
	require.NoError(t, err)
	assert.Equal(t, "Unlisted", item.Name)
	assert.False(t, c.Has(99))

	_, err = st.GetItem(ctx, 99)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = c.Get(ctx, 100)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}
