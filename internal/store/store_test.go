package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func strPtr(s string) *string { return &s }

func TestUpsertItemKeepsImageWhenIncomingNull(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertItem(ctx, &Item{ID: 730, Name: "Counter-Strike 2", Image: strPtr("cs2.jpg"), ReleaseDate: strPtr("2012-08-21")}))
	require.NoError(t, s.UpsertItem(ctx, &Item{ID: 730, Name: "CS2"}))

	item, err := s.GetItem(ctx, 730)
	require.NoError(t, err)
	assert.Equal(t, "CS2", item.Name)
	require.NotNil(t, item.Image)
	assert.Equal(t, "cs2.jpg", *item.Image)
	require.NotNil(t, item.ReleaseDate)
	assert.Equal(t, "2012-08-21", *item.ReleaseDate)

	_, err = s.GetItem(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDailyPeakMaxWins(t *testing.T) {
	orders := [][]int64{
		{50, 120, 30},
		{50, 30, 120},
		{120, 50, 30},
		{120, 30, 50},
		{30, 50, 120},
		{30, 120, 50},
	}

	for _, order := range orders {
		s := newTestStore(t)
		ctx := context.Background()
		for _, v := range order {
			require.NoError(t, s.UpsertDailyPeak(ctx, 1, "2026-10-19", v))
		}
		peak, err := s.GetDailyPeak(ctx, 1, "2026-10-19")
		require.NoError(t, err)
		assert.Equal(t, int64(120), peak, "order %v", order)
	}
}

func TestUpsertDailyPeaksBatchNeverLowers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertDailyPeak(ctx, 1, "2026-10-01", 900))
	require.NoError(t, s.UpsertDailyPeaks(ctx, []DailyPeak{
		{ItemID: 1, PeakDate: "2026-10-01", PeakCCU: 100},
		{ItemID: 1, PeakDate: "2026-10-02", PeakCCU: 200},
	}))

	peaks, err := s.ListDailyPeaks(ctx, 1, "2026-01-01")
	require.NoError(t, err)
	require.Len(t, peaks, 2)
	assert.Equal(t, int64(900), peaks[0].PeakCCU)
	assert.Equal(t, int64(200), peaks[1].PeakCCU)
}

func TestRecomputeDailyPeaks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.AddSnapshot(ctx, 1, 300, day.Add(1*time.Hour)))
	require.NoError(t, s.AddSnapshot(ctx, 1, 800, day.Add(5*time.Hour)))
	require.NoError(t, s.AddSnapshot(ctx, 1, 500, day.Add(9*time.Hour)))
	require.NoError(t, s.AddSnapshot(ctx, 2, 40, day.Add(2*time.Hour)))
	// previous day snapshot must not leak into the aggregate
	require.NoError(t, s.AddSnapshot(ctx, 1, 5000, day.Add(-time.Hour)))
	require.NoError(t, s.UpsertDailyPeak(ctx, 2, "2026-10-19", 75))

	n, err := s.RecomputeDailyPeaks(ctx, "2026-10-19")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	peak, err := s.GetDailyPeak(ctx, 1, "2026-10-19")
	require.NoError(t, err)
	assert.Equal(t, int64(800), peak)

	peak, err = s.GetDailyPeak(ctx, 2, "2026-10-19")
	require.NoError(t, err)
	assert.Equal(t, int64(75), peak, "recompute must not lower an existing peak")

	// idempotent
	_, err = s.RecomputeDailyPeaks(ctx, "2026-10-19")
	require.NoError(t, err)
	peak, err = s.GetDailyPeak(ctx, 1, "2026-10-19")
	require.NoError(t, err)
	assert.Equal(t, int64(800), peak)
}

func TestCommitCycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.UpsertItem(ctx, &Item{ID: 10, Name: "Alpha"}))
	require.NoError(t, s.UpsertItem(ctx, &Item{ID: 20, Name: "Beta"}))
	require.NoError(t, s.AddSnapshot(ctx, 10, 900, now.Add(-3*time.Hour)))

	first, err := s.CommitCycle(ctx, now, []CycleEntry{
		{Rank: 1, ItemID: 10, CCU: 620},
		{Rank: 2, ItemID: 20, CCU: 100},
	})
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, int64(900), first[0].Peak24h)
	assert.Nil(t, first[0].PrevCCU)

	second, err := s.CommitCycle(ctx, now.Add(time.Hour), []CycleEntry{
		{Rank: 1, ItemID: 20, CCU: 700},
		{Rank: 2, ItemID: 10, CCU: 650},
	})
	require.NoError(t, err)
	require.NotNil(t, second[0].PrevCCU)
	assert.Equal(t, int64(100), *second[0].PrevCCU)

	ranking, err := s.GetRanking(ctx)
	require.NoError(t, err)
	require.Len(t, ranking, 2)
	assert.Equal(t, "Beta", ranking[0].Name)
	assert.Equal(t, int64(700), ranking[0].CurrentCCU)
	assert.Equal(t, int64(700), ranking[0].Peak24h)
	assert.Equal(t, int64(650), ranking[1].CurrentCCU)
	require.NotNil(t, ranking[1].PrevCCU)
	assert.Equal(t, int64(620), *ranking[1].PrevCCU)

	peak, err := s.GetDailyPeak(ctx, 10, "2026-10-19")
	require.NoError(t, err)
	assert.Equal(t, int64(650), peak)

	snaps, err := s.GetSnapshots(ctx, 10, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Len(t, snaps, 2)
}

func TestCommitCycleRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

	_, err := s.CommitCycle(ctx, now, []CycleEntry{{Rank: 1, ItemID: 10, CCU: 500}})
	require.NoError(t, err)

	// duplicate item ids violate the ranking primary key mid-transaction
	_, err = s.CommitCycle(ctx, now.Add(time.Hour), []CycleEntry{
		{Rank: 1, ItemID: 30, CCU: 9000},
		{Rank: 2, ItemID: 30, CCU: 8000},
	})
	require.Error(t, err)

	ranking, err := s.GetRanking(ctx)
	require.NoError(t, err)
	require.Len(t, ranking, 1)
	assert.Equal(t, int64(10), ranking[0].ItemID)
	assert.Equal(t, int64(500), ranking[0].CurrentCCU)

	_, err = s.GetDailyPeak(ctx, 30, "2026-10-19")
	assert.ErrorIs(t, err, ErrNotFound)
	snaps, err := s.GetSnapshots(ctx, 30, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestRankingReadsAreAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)

	cycle := func(n int, ccu int64) []CycleEntry {
		entries := make([]CycleEntry, n)
		for i := range entries {
			entries[i] = CycleEntry{Rank: i + 1, ItemID: int64(i + 1), CCU: ccu}
		}
		return entries
	}

	// even counts commit 20 rows, odd counts 10
	sizeFor := func(ccu int64) int {
		if ccu%2 == 0 {
			return 20
		}
		return 10
	}

	_, err := s.CommitCycle(ctx, base, cycle(20, 0))
	require.NoError(t, err)

	done := make(chan struct{})
	var wg sync.WaitGroup
	var mixed []string
	var mu sync.Mutex

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				ranking, err := s.GetRanking(ctx)
				if err != nil {
					continue
				}
				if len(ranking) == 0 {
					mu.Lock()
					mixed = append(mixed, "empty ranking observed")
					mu.Unlock()
					continue
				}
				first := ranking[0]
				for _, e := range ranking {
					if !e.UpdatedAt.Equal(first.UpdatedAt) || e.CurrentCCU != first.CurrentCCU {
						mu.Lock()
						mixed = append(mixed, "rows from two cycles")
						mu.Unlock()
						break
					}
				}
				if len(ranking) != sizeFor(first.CurrentCCU) {
					mu.Lock()
					mixed = append(mixed, "partial rank list")
					mu.Unlock()
				}
			}
		}()
	}

	for i := int64(1); i <= 20; i++ {
		_, err := s.CommitCycle(ctx, base.Add(time.Duration(i)*time.Hour), cycle(sizeFor(i), i))
		require.NoError(t, err)
	}
	close(done)
	wg.Wait()

	assert.Empty(t, mixed)
}

func TestRecordEventDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

	inserted, err := s.AddRecordEvent(ctx, &RecordEvent{ItemID: 1, WindowDays: 7, CCU: 1000, RecordDate: "2026-10-19", RecordedAt: at})
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.AddRecordEvent(ctx, &RecordEvent{ItemID: 1, WindowDays: 7, CCU: 1200, RecordDate: "2026-10-19", RecordedAt: at.Add(time.Hour)})
	require.NoError(t, err)
	assert.False(t, inserted)

	inserted, err = s.AddRecordEvent(ctx, &RecordEvent{ItemID: 1, WindowDays: 30, CCU: 1200, RecordDate: "2026-10-19", RecordedAt: at})
	require.NoError(t, err)
	assert.True(t, inserted)

	has, err := s.HasRecordEvent(ctx, 1, 7, "2026-10-19")
	require.NoError(t, err)
	assert.True(t, has)

	events, err := s.ListRecordEvents(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestInsertArticleDedupByURL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

	a := &NewsArticle{ItemID: 1, Title: "Record weekend", URL: "https://news.test/a", SourceName: "PC Gamer", ScrapedAt: now}
	inserted, err := s.InsertArticle(ctx, a)
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := &NewsArticle{ItemID: 2, Title: "Other title", URL: "https://news.test/a", SourceName: "IGN", ScrapedAt: now}
	inserted, err = s.InsertArticle(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	articles, err := s.ListArticles(ctx, 10)
	require.NoError(t, err)
	require.Len(t, articles, 1)
	assert.Equal(t, "Record weekend", articles[0].Title)

	old := &NewsArticle{ItemID: 1, Title: "Old", URL: "https://news.test/old", SourceName: "IGN", ScrapedAt: now.AddDate(0, 0, -40)}
	_, err = s.InsertArticle(ctx, old)
	require.NoError(t, err)

	pruned, err := s.PruneArticles(ctx, now.AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)
}

func TestPruneSnapshotsKeepsPeaks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 19, 1, 0, 0, 0, time.UTC)

	require.NoError(t, s.AddSnapshot(ctx, 1, 10, now.AddDate(0, 0, -31)))
	require.NoError(t, s.AddSnapshot(ctx, 1, 20, now.AddDate(0, 0, -1)))
	require.NoError(t, s.UpsertDailyPeak(ctx, 1, "2026-09-18", 10))

	n, err := s.PruneSnapshots(ctx, now.AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	peak, err := s.GetDailyPeak(ctx, 1, "2026-09-18")
	require.NoError(t, err)
	assert.Equal(t, int64(10), peak)
}

func TestAverageLeaderboardExcludesYoungItems(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertItem(ctx, &Item{ID: 1, Name: "Veteran", ReleaseDate: strPtr("2015-01-01")}))
	require.NoError(t, s.UpsertItem(ctx, &Item{ID: 2, Name: "Newcomer", ReleaseDate: strPtr("2026-10-15")}))
	require.NoError(t, s.UpsertItem(ctx, &Item{ID: 3, Name: "Unknown"}))

	require.NoError(t, s.UpsertDailyPeaks(ctx, []DailyPeak{
		{ItemID: 1, PeakDate: "2026-10-13", PeakCCU: 100},
		{ItemID: 1, PeakDate: "2026-10-18", PeakCCU: 300},
		{ItemID: 2, PeakDate: "2026-10-16", PeakCCU: 10000},
		{ItemID: 3, PeakDate: "2026-10-17", PeakCCU: 150},
	}))

	rows, err := s.AverageLeaderboard(ctx, "2026-10-12", "2026-10-19", 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Veteran", rows[0].Name)
	assert.Equal(t, int64(200), rows[0].CCU)
	assert.Equal(t, 1, rows[0].Rank)
	assert.Equal(t, "Unknown", rows[1].Name)
	assert.Equal(t, 2, rows[1].Rank)
}

func TestMaxDailyPeakRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.MaxDailyPeak(ctx, 1, "2026-10-12", "2026-10-19")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.UpsertDailyPeaks(ctx, []DailyPeak{
		{ItemID: 1, PeakDate: "2026-10-12", PeakCCU: 400},
		{ItemID: 1, PeakDate: "2026-10-18", PeakCCU: 500},
		{ItemID: 1, PeakDate: "2026-10-19", PeakCCU: 9000},
	}))

	peak, ok, err := s.MaxDailyPeak(ctx, 1, "2026-10-12", "2026-10-19")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(500), peak)

	all, ok, err := s.AllTimePeak(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(9000), all)
}

func TestListItemsOutsideRanking(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []int64{1, 2, 3} {
		require.NoError(t, s.UpsertItem(ctx, &Item{ID: id, Name: "item"}))
	}
	_, err := s.CommitCycle(ctx, time.Now(), []CycleEntry{{Rank: 1, ItemID: 2, CCU: 5}})
	require.NoError(t, err)

	items, err := s.ListItemsOutsideRanking(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, int64(1), items[0].ID)
	assert.Equal(t, int64(3), items[1].ID)
}
