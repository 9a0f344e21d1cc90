package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/elonfeng/ccuradar/internal/clock"
	"github.com/elonfeng/ccuradar/internal/logger"
	"github.com/elonfeng/ccuradar/internal/store"
	"github.com/elonfeng/ccuradar/pkg/cache"
	"github.com/elonfeng/ccuradar/pkg/catalog"
	"github.com/elonfeng/ccuradar/pkg/source"
	"github.com/elonfeng/ccuradar/pkg/trend"
)

const (
	leaderboardLimit = 100
	recordsLimit     = 50
	defaultNewsLimit = 50
	maxNewsLimit     = 100

	upcomingKey = "upcoming"
)

var leaderboardDays = map[string]int{
	"7d":   7,
	"30d":  30,
	"90d":  90,
	"180d": 180,
	"365d": 365,
}

// Options configures a Server.
type Options struct {
	Port        int
	UpcomingTTL time.Duration
}

// Server provides the read-only HTTP API over the ranking, history,
// records and news.
type Server struct {
	store    store.Store
	catalog  *catalog.Catalog
	upcoming source.UpcomingSource
	clock    clock.Clock

	upcomingCache *cache.SingleFlight[string, []source.UpcomingItem]
	upcomingTTL   time.Duration

	httpServer *http.Server
}

// New creates a new HTTP server. upcoming may be nil, in which case
// /api/upcoming reports 503.
func New(st store.Store, cat *catalog.Catalog, upcoming source.UpcomingSource, clk clock.Clock, opts Options) *Server {
	if opts.Port == 0 {
		opts.Port = 8080
	}
	if opts.UpcomingTTL <= 0 {
		opts.UpcomingTTL = 24 * time.Hour
	}
	if clk == nil {
		clk = clock.New()
	}
	s := &Server{
		store:         st,
		catalog:       cat,
		upcoming:      upcoming,
		clock:         clk,
		upcomingCache: cache.New[string, []source.UpcomingItem](upcomingKey).WithClock(clk),
		upcomingTTL:   opts.UpcomingTTL,
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/live", s.handleLive)
	mux.HandleFunc("GET /api/leaderboard", s.handleLeaderboard)
	mux.HandleFunc("GET /api/movers", s.handleMovers)
	mux.HandleFunc("GET /api/records", s.handleRecords)
	mux.HandleFunc("GET /api/history/{id}", s.handleHistory)
	mux.HandleFunc("GET /api/items/{id}", s.handleItem)
	mux.HandleFunc("GET /api/news", s.handleNews)
	mux.HandleFunc("GET /api/upcoming", s.handleUpcoming)
	return mux
}

// ListenAndServe starts the HTTP server. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) ListenAndServe() error {
	logger.Info("ccuradar server listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	ranking, err := s.store.GetRanking(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	entries := trend.Annotate(ranking)
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  entries,
		"count": len(entries),
	})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	view := r.URL.Query().Get("view")
	if view == "" {
		view = "live"
	}

	ctx := r.Context()
	now := s.clock.Now()
	var (
		data any
		n    int
		err  error
	)
	switch view {
	case "live":
		var ranking []store.RankingEntry
		ranking, err = s.store.GetRanking(ctx)
		if len(ranking) > leaderboardLimit {
			ranking = ranking[:leaderboardLimit]
		}
		data, n = nonNil(ranking), len(ranking)
	case "today":
		var rows []store.AverageRow
		rows, err = s.store.TodayLeaderboard(ctx, clock.Day(now), leaderboardLimit)
		data, n = nonNil(rows), len(rows)
	default:
		days, ok := leaderboardDays[view]
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "view must be one of: live, today, 7d, 30d, 90d, 180d, 365d",
			})
			return
		}
		var rows []store.AverageRow
		rows, err = s.store.AverageLeaderboard(ctx, clock.DaysBefore(now, days), clock.Day(now), leaderboardLimit)
		data, n = nonNil(rows), len(rows)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"view":  view,
		"data":  data,
		"count": n,
	})
}

func (s *Server) handleMovers(w http.ResponseWriter, r *http.Request) {
	ranking, err := s.store.GetRanking(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, trend.ComputeMovers(ranking, trend.DefaultMoversLimit))
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.ListRecordEvents(r.Context(), recordsLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  nonNil(events),
		"count": len(events),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	rng := r.URL.Query().Get("range")
	if rng == "" {
		rng = "day"
	}

	ctx := r.Context()
	now := s.clock.Now()
	var (
		data any
		err  error
	)
	switch rng {
	case "day":
		var snaps []store.Snapshot
		snaps, err = s.store.GetSnapshots(ctx, id, now.Add(-24*time.Hour))
		data = nonNil(snaps)
	case "week":
		var peaks []store.DailyPeak
		peaks, err = s.store.ListDailyPeaks(ctx, id, clock.DaysBefore(now, 6))
		data = nonNil(peaks)
	case "month":
		var peaks []store.DailyPeak
		peaks, err = s.store.ListDailyPeaks(ctx, id, clock.DaysBefore(now, 30))
		data = nonNil(peaks)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "range must be day, week, or month"})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	var allTime *int64
	peak, found, err := s.store.AllTimePeak(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if found {
		allTime = &peak
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"item_id":       id,
		"range":         rng,
		"data":          data,
		"all_time_peak": allTime,
	})
}

func (s *Server) handleItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	item, err := s.catalog.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "item not found"})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := map[string]any{
		"id":              item.ID,
		"name":            item.Name,
		"image":           item.Image,
		"release_date":    item.ReleaseDate,
		"last_fetched_at": item.LastFetchedAt,
		"current_ccu":     nil,
		"peak_24h":        nil,
		"rank":            nil,
	}
	entry, err := s.store.GetRankingEntry(ctx, id)
	switch {
	case err == nil:
		resp["current_ccu"] = entry.CurrentCCU
		resp["peak_24h"] = entry.Peak24h
		resp["rank"] = entry.Rank
	case !errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNews(w http.ResponseWriter, r *http.Request) {
	limit := defaultNewsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = min(max(n, 1), maxNewsLimit)
		}
	}

	articles, err := s.store.ListArticles(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  nonNil(articles),
		"count": len(articles),
	})
}

func (s *Server) handleUpcoming(w http.ResponseWriter, r *http.Request) {
	if s.upcoming == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "upcoming list not configured"})
		return
	}

	items, err := s.upcomingCache.Get(r.Context(), upcomingKey, s.upcoming.FetchUpcomingRankedList, s.upcomingTTL)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}

	resp := map[string]any{
		"data":  nonNil(items),
		"count": len(items),
	}
	if _, fetchedAt, ok := s.upcomingCache.Peek(upcomingKey); ok {
		resp["fetched_at"] = fetchedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid item id"})
		return 0, false
	}
	return id, true
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeError(w http.ResponseWriter, status int, err error) {
	logger.Warn("api request failed", zap.Int("status", status), zap.Error(err))
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
