package record

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elonfeng/ccuradar/internal/clock"
	"github.com/elonfeng/ccuradar/internal/store"
)

type captureNotifier struct {
	got [][]store.RecordEvent
}

func (c *captureNotifier) NotifyRecords(_ context.Context, events []store.RecordEvent) error {
	c.got = append(c.got, events)
	return nil
}

func setup(t *testing.T) (*store.SQLiteStore, *clock.Fixed) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "record.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st, &clock.Fixed{T: time.Date(2026, 10, 19, 15, 0, 0, 0, time.UTC)}
}

func TestDetectorRecordsOncePerDay(t *testing.T) {
	st, clk := setup(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertItem(ctx, &store.Item{ID: 1, Name: "Alpha"}))
	require.NoError(t, st.UpsertDailyPeaks(ctx, []store.DailyPeak{
		{ItemID: 1, PeakDate: "2026-10-14", PeakCCU: 1000},
		{ItemID: 1, PeakDate: "2026-09-30", PeakCCU: 5000},
	}))

	_, err := st.CommitCycle(ctx, clk.Now(), []store.CycleEntry{{Rank: 1, ItemID: 1, CCU: 1200}})
	require.NoError(t, err)

	notifier := &captureNotifier{}
	d := NewDetector(st, clk, []int{7, 30}, notifier)

	events, err := d.Run(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 7, events[0].WindowDays)
	assert.Equal(t, int64(1200), events[0].CCU)
	assert.Equal(t, "2026-10-19", events[0].RecordDate)
	require.Len(t, notifier.got, 1)

	// exceeded again later the same day
	clk.Set(clk.T.Add(time.Hour))
	_, err = st.CommitCycle(ctx, clk.Now(), []store.CycleEntry{{Rank: 1, ItemID: 1, CCU: 1500}})
	require.NoError(t, err)

	events, err = d.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Len(t, notifier.got, 1)

	stored, err := st.ListRecordEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, int64(1200), stored[0].CCU)
}

func TestDetectorExcludesToday(t *testing.T) {
	st, clk := setup(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertDailyPeak(ctx, 1, "2026-10-18", 100))

	// the commit writes today's peak of 300, which must not count as the
	// prior maximum
	_, err := st.CommitCycle(ctx, clk.Now(), []store.CycleEntry{{Rank: 1, ItemID: 1, CCU: 300}})
	require.NoError(t, err)

	events, err := NewDetector(st, clk, []int{7}, nil).Run(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(300), events[0].CCU)
}

func TestDetectorSkipsItemsWithoutHistory(t *testing.T) {
	st, clk := setup(t)
	ctx := context.Background()

	_, err := st.CommitCycle(ctx, clk.Now(), []store.CycleEntry{{Rank: 1, ItemID: 9, CCU: 50000}})
	require.NoError(t, err)

	events, err := NewDetector(st, clk, nil, nil).Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestDetectorRequiresStrictlyGreater(t *testing.T) {
	st, clk := setup(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertDailyPeak(ctx, 1, "2026-10-17", 700))
	_, err := st.CommitCycle(ctx, clk.Now(), []store.CycleEntry{{Rank: 1, ItemID: 1, CCU: 700}})
	require.NoError(t, err)

	events, err := NewDetector(st, clk, []int{7}, nil).Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)
}
