package source

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/elonfeng/ccuradar/internal/logger"
)

var appHrefRe = regexp.MustCompile(`^/app/(\d+)/?$`)

// SteamChartsOptions configures the SteamCharts client.
type SteamChartsOptions struct {
	BaseURL   string
	UserAgent string
	PageDelay time.Duration
	Timeout   time.Duration
}

// SteamCharts reads long-range player history from steamcharts.com.
type SteamCharts struct {
	baseURL string
	fetch   *fetcher
	pages   *rate.Limiter
}

// NewSteamCharts creates a SteamCharts client. Top-page scrapes are paced
// at one per PageDelay.
func NewSteamCharts(opts SteamChartsOptions) *SteamCharts {
	limit := rate.Inf
	if opts.PageDelay > 0 {
		limit = rate.Every(opts.PageDelay)
	}
	return &SteamCharts{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		fetch:   newFetcher(opts.Timeout, opts.UserAgent),
		pages:   rate.NewLimiter(limit, 1),
	}
}

// FetchHistoricalSeries returns every [timestamp_ms, count] reading in the
// app's chart data. Null counts are dropped.
func (c *SteamCharts) FetchHistoricalSeries(ctx context.Context, itemID int64) ([]HistoryPoint, error) {
	u := fmt.Sprintf("%s/app/%d/chart-data.json", c.baseURL, itemID)

	var raw [][]*float64
	if err := c.fetch.getJSON(ctx, u, &raw); err != nil {
		return nil, fmt.Errorf("history %d: %w: %w", itemID, ErrNotAvailable, err)
	}

	points := make([]HistoryPoint, 0, len(raw))
	for _, row := range raw {
		if len(row) < 2 || row[0] == nil || row[1] == nil {
			continue
		}
		points = append(points, HistoryPoint{
			Timestamp: time.UnixMilli(int64(*row[0])).UTC(),
			Count:     int64(*row[1] + 0.5),
		})
	}
	return points, nil
}

// TopAppIDs scrapes app ids from the top pages 1..pages in page order,
// without duplicates. A failed page is logged and skipped.
func (c *SteamCharts) TopAppIDs(ctx context.Context, pages int) ([]int64, error) {
	seen := make(map[int64]struct{})
	var ids []int64

	for p := 1; p <= pages; p++ {
		if err := c.pages.Wait(ctx); err != nil {
			return ids, err
		}

		u := c.baseURL + "/top"
		if p > 1 {
			u = fmt.Sprintf("%s/top/p%d", c.baseURL, p)
		}

		found, err := c.scrapePage(ctx, u)
		if err != nil {
			logger.Warn("steamcharts top page failed", zap.Int("page", p), zap.Error(err))
			continue
		}
		for _, id := range found {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
		logger.Info("steamcharts top page scraped", zap.Int("page", p), zap.Int("unique_ids", len(ids)))
	}

	return ids, nil
}

func (c *SteamCharts) scrapePage(ctx context.Context, u string) ([]int64, error) {
	body, err := c.fetch.get(ctx, u)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", u, err)
	}

	var ids []int64
	doc.Find(`a[href^="/app/"]`).Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		m := appHrefRe.FindStringSubmatch(href)
		if m == nil {
			return
		}
		if id, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			ids = append(ids, id)
		}
	})
	return ids, nil
}
