package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elonfeng/ccuradar/internal/clock"
)

func newFixed() *clock.Fixed {
	return &clock.Fixed{T: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
}

func TestGetCoalescesConcurrentLoads(t *testing.T) {
	c := New[string, []int]("test").WithClock(newFixed())

	var calls atomic.Int32
	release := make(chan struct{})
	loader := func(ctx context.Context) ([]int, error) {
		calls.Add(1)
		<-release
		return []int{1, 2, 3}, nil
	}

	const n = 50
	var wg sync.WaitGroup
	results := make([][]int, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Get(context.Background(), "upcoming", loader, time.Hour)
		}(i)
	}

	// let the callers pile up behind the first load
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, []int{1, 2, 3}, results[i])
	}
}

func TestGetServesFreshValueWithoutLoading(t *testing.T) {
	clk := newFixed()
	c := New[string, int]("test").WithClock(clk)

	var calls int
	loader := func(ctx context.Context) (int, error) {
		calls++
		return calls, nil
	}

	v, err := c.Get(context.Background(), "k", loader, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	clk.Set(clk.T.Add(59 * time.Minute))
	v, err = c.Get(context.Background(), "k", loader, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	clk.Set(clk.T.Add(time.Minute))
	v, err = c.Get(context.Background(), "k", loader, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.Equal(t, 2, calls)
}

func TestGetFallsBackToStaleValue(t *testing.T) {
	clk := newFixed()
	c := New[string, string]("test").WithClock(clk)
	ctx := context.Background()

	_, err := c.Get(ctx, "k", func(context.Context) (string, error) { return "v1", nil }, time.Minute)
	require.NoError(t, err)

	clk.Set(clk.T.Add(2 * time.Minute))
	v, err := c.Get(ctx, "k", func(context.Context) (string, error) {
		return "", errors.New("upstream down")
	}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	// the stale value keeps its original fetch time, so the next read
	// retries the upstream
	_, fetchedAt, ok := c.Peek("k")
	require.True(t, ok)
	assert.Equal(t, newFixed().T, fetchedAt)
}

func TestGetPropagatesErrorWithoutPreviousValue(t *testing.T) {
	c := New[int, string]("test").WithClock(newFixed())
	upstream := errors.New("upstream down")

	_, err := c.Get(context.Background(), 7, func(context.Context) (string, error) {
		return "", upstream
	}, time.Minute)
	assert.ErrorIs(t, err, upstream)

	_, _, ok := c.Peek(7)
	assert.False(t, ok)
}

func TestGetLoaderIgnoresCallerCancellation(t *testing.T) {
	c := New[string, int]("test").WithClock(newFixed())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v, err := c.Get(ctx, "k", func(ctx context.Context) (int, error) {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 42, nil
	}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestInvalidate(t *testing.T) {
	c := New[string, int]("test").WithClock(newFixed())
	ctx := context.Background()
	var calls int
	loader := func(context.Context) (int, error) {
		calls++
		return calls, nil
	}

	_, err := c.Get(ctx, "k", loader, time.Hour)
	require.NoError(t, err)
	c.Invalidate("k")
	v, err := c.Get(ctx, "k", loader, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}
