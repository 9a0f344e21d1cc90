package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddValidatesSpecs(t *testing.T) {
	s := New(time.UTC)

	require.NoError(t, s.Add("live", "0 * * * *", func(context.Context) error { return nil }))
	require.NoError(t, s.Add("news", "CRON_TZ=America/New_York 0 9 * * *", func(context.Context) error { return nil }))
	require.NoError(t, s.Add("off", "", func(context.Context) error { return nil }))

	assert.Error(t, s.Add("bad", "every hour", func(context.Context) error { return nil }))
	assert.Error(t, s.Add("live", "30 * * * *", func(context.Context) error { return nil }))

	entries := s.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "live", entries[0].Name)
	assert.Equal(t, "news", entries[1].Name)
}

func TestRunNowSkipsWhileRunning(t *testing.T) {
	s := New(time.UTC)
	var runs atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})

	require.NoError(t, s.Add("slow", "@hourly", func(context.Context) error {
		runs.Add(1)
		close(started)
		<-release
		return nil
	}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, s.RunNow("slow"))
	}()
	<-started

	// overlapping run returns immediately without calling the job
	require.NoError(t, s.RunNow("slow"))
	assert.Equal(t, int32(1), runs.Load())

	close(release)
	<-done
	assert.Error(t, s.RunNow("missing"))
}

func TestFailingAndPanickingJobsDoNotEscape(t *testing.T) {
	s := New(time.UTC)
	require.NoError(t, s.Add("fails", "@hourly", func(context.Context) error { return errors.New("boom") }))
	require.NoError(t, s.Add("panics", "@hourly", func(context.Context) error { panic("boom") }))

	assert.NotPanics(t, func() {
		require.NoError(t, s.RunNow("fails"))
		require.NoError(t, s.RunNow("panics"))
	})
}

func TestScheduledJobsFireAndStop(t *testing.T) {
	s := New(time.UTC)
	fired := make(chan struct{}, 1)
	var sawCtx atomic.Bool

	require.NoError(t, s.Add("tick", "@every 1s", func(ctx context.Context) error {
		sawCtx.Store(ctx.Err() == nil)
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	}))

	s.Start()
	assert.False(t, s.Entries()[0].Next.IsZero())

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not fire")
	}
	assert.True(t, sawCtx.Load())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
	assert.Error(t, s.ctx.Err())
}
