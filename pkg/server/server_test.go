package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elonfeng/ccuradar/internal/clock"
	"github.com/elonfeng/ccuradar/internal/store"
	"github.com/elonfeng/ccuradar/pkg/catalog"
	"github.com/elonfeng/ccuradar/pkg/source"
)

var now = time.Date(2026, 10, 19, 13, 0, 0, 0, time.UTC)

type fakeUpcoming struct {
	calls atomic.Int32
	items []source.UpcomingItem
	err   error
}

func (f *fakeUpcoming) FetchUpcomingRankedList(context.Context) ([]source.UpcomingItem, error) {
	f.calls.Add(1)
	return f.items, f.err
}

type noMeta struct{}

func (noMeta) FetchMetadata(context.Context, int64) (*source.Metadata, error) {
	return nil, source.ErrNotAvailable
}

func newTestServer(t *testing.T, upcoming source.UpcomingSource) (*httptest.Server, *store.SQLiteStore) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	clk := &clock.Fixed{T: now}
	cat := catalog.New(st, noMeta{}, clk)
	require.NoError(t, cat.Upsert(ctx, &store.Item{ID: 730, Name: "Counter-Strike 2"}))
	require.NoError(t, cat.Upsert(ctx, &store.Item{ID: 570, Name: "Dota 2"}))

	_, err = st.CommitCycle(ctx, now.Add(-time.Hour), []store.CycleEntry{
		{Rank: 1, ItemID: 730, CCU: 1000},
		{Rank: 2, ItemID: 570, CCU: 800},
	})
	require.NoError(t, err)
	_, err = st.CommitCycle(ctx, now, []store.CycleEntry{
		{Rank: 1, ItemID: 730, CCU: 1500},
		{Rank: 2, ItemID: 570, CCU: 600},
	})
	require.NoError(t, err)
	require.NoError(t, st.UpsertDailyPeak(ctx, 730, "2026-10-15", 2000))

	srv := New(st, cat, upcoming, clk, Options{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, st
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	var body map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/health", &body))
	assert.Equal(t, "ok", body["status"])
}

func TestLiveIncludesTrend(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	var body struct {
		Data []struct {
			Rank  int    `json:"rank"`
			ID    int64  `json:"item_id"`
			CCU   int64  `json:"ccu"`
			Name  string `json:"name"`
			Trend string `json:"trend"`
		} `json:"data"`
		Count int `json:"count"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/live", &body))
	require.Equal(t, 2, body.Count)
	assert.Equal(t, int64(730), body.Data[0].ID)
	assert.Equal(t, "Counter-Strike 2", body.Data[0].Name)
	assert.Equal(t, "up", body.Data[0].Trend)
	assert.Equal(t, "down", body.Data[1].Trend)
}

func TestLeaderboardViews(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	tests := []struct {
		view   string
		status int
		count  int
	}{
		{"", http.StatusOK, 2},
		{"today", http.StatusOK, 2},
		{"7d", http.StatusOK, 2},
		{"2d", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.view, func(t *testing.T) {
			var body struct {
				Count int `json:"count"`
			}
			assert.Equal(t, tt.status, getJSON(t, ts.URL+"/api/leaderboard?view="+tt.view, &body))
			assert.Equal(t, tt.count, body.Count)
		})
	}
}

func TestMovers(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	var body struct {
		Gainers []struct {
			ID  int64   `json:"item_id"`
			Pct float64 `json:"pct_change"`
		} `json:"gainers"`
		Losers []struct {
			ID int64 `json:"item_id"`
		} `json:"losers"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/movers", &body))
	require.Len(t, body.Gainers, 1)
	assert.Equal(t, 50.0, body.Gainers[0].Pct)
	require.Len(t, body.Losers, 1)
	assert.Equal(t, int64(570), body.Losers[0].ID)
}

func TestHistory(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	var body struct {
		Range       string            `json:"range"`
		Data        []json.RawMessage `json:"data"`
		AllTimePeak *int64            `json:"all_time_peak"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/history/730", &body))
	assert.Equal(t, "day", body.Range)
	assert.Len(t, body.Data, 2)
	require.NotNil(t, body.AllTimePeak)
	assert.Equal(t, int64(2000), *body.AllTimePeak)

	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/history/730?range=week", &body))
	assert.Len(t, body.Data, 2)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/api/history/730?range=year", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/api/history/abc", nil))
}

func TestItemDetail(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	var body map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/items/730", &body))
	assert.Equal(t, "Counter-Strike 2", body["name"])
	assert.Equal(t, float64(1500), body["current_ccu"])
	assert.Equal(t, float64(1), body["rank"])

	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/items/999", nil))
}

func TestNewsLimitIsClamped(t *testing.T) {
	ts, st := newTestServer(t, nil)
	ctx := context.Background()
	for _, u := range []string{"https://a.example/1", "https://a.example/2"} {
		_, err := st.InsertArticle(ctx, &store.NewsArticle{ItemID: 730, Title: "t", URL: u, SourceName: "A", ScrapedAt: now})
		require.NoError(t, err)
	}

	var body struct {
		Count int `json:"count"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/news?limit=0", &body))
	assert.Equal(t, 1, body.Count)
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/news?limit=500", &body))
	assert.Equal(t, 2, body.Count)
}

func TestUpcomingIsCached(t *testing.T) {
	up := &fakeUpcoming{items: []source.UpcomingItem{{Rank: 1, ItemID: 1, Name: "Soon"}}}
	ts, _ := newTestServer(t, up)

	for i := 0; i < 3; i++ {
		var body struct {
			Count int `json:"count"`
		}
		require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/upcoming", &body))
		assert.Equal(t, 1, body.Count)
	}
	assert.Equal(t, int32(1), up.calls.Load())
}

func TestUpcomingUnavailable(t *testing.T) {
	ts, _ := newTestServer(t, &fakeUpcoming{err: errors.New("down")})
	assert.Equal(t, http.StatusBadGateway, getJSON(t, ts.URL+"/api/upcoming", nil))

	ts, _ = newTestServer(t, nil)
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, ts.URL+"/api/upcoming", nil))
}
