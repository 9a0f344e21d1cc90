// Package backfill imports long-range daily peaks from SteamCharts for
// items the pipeline has not been collecting long enough to cover.
package backfill

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/elonfeng/ccuradar/internal/clock"
	"github.com/elonfeng/ccuradar/internal/logger"
	"github.com/elonfeng/ccuradar/internal/metrics"
	"github.com/elonfeng/ccuradar/internal/store"
	"github.com/elonfeng/ccuradar/pkg/catalog"
	"github.com/elonfeng/ccuradar/pkg/source"
)

const (
	jobName      = "backfill"
	datesJobName = "backfill_dates"
)

// Options configures an Importer.
type Options struct {
	// Days bounds the lookback window.
	Days int
	// ItemDelay paces history fetches in multi-item runs.
	ItemDelay time.Duration
	// MetadataDelay paces metadata fetches in bulk discovery and release
	// date backfill.
	MetadataDelay time.Duration
}

// BulkResult counts the outcome of a multi-item import.
type BulkResult struct {
	Items    int `json:"items"`
	Imported int `json:"imported"`
	Failed   int `json:"failed"`
	Rows     int `json:"rows"`
}

// DatesResult counts the outcome of a release date backfill.
type DatesResult struct {
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Importer writes historical daily peaks with the max-wins rule, so runs
// can be repeated and never lower a stored value.
type Importer struct {
	store   store.Store
	history source.HistorySource
	catalog *catalog.Catalog
	meta    catalog.MetadataSource
	clock   clock.Clock
	days    int

	itemLimiter *rate.Limiter
	metaLimiter *rate.Limiter
}

// NewImporter creates an importer.
func NewImporter(st store.Store, history source.HistorySource, cat *catalog.Catalog, meta catalog.MetadataSource, clk clock.Clock, opts Options) *Importer {
	if opts.Days <= 0 {
		opts.Days = 365
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Importer{
		store:       st,
		history:     history,
		catalog:     cat,
		meta:        meta,
		clock:       clk,
		days:        opts.Days,
		itemLimiter: pacer(opts.ItemDelay),
		metaLimiter: pacer(opts.MetadataDelay),
	}
}

func pacer(every time.Duration) *rate.Limiter {
	if every <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(every), 1)
}

// DailyPeaks reduces a history series to one maximum per UTC day. Readings
// older than days before now, non-positive readings, and readings on or
// after today are dropped. The result is ordered by day.
func DailyPeaks(itemID int64, points []source.HistoryPoint, now time.Time, days int) []store.DailyPeak {
	cutoff := now.Add(-time.Duration(days) * 24 * time.Hour)
	today := clock.Day(now)

	byDay := make(map[string]int64)
	for _, p := range points {
		if p.Count <= 0 || p.Timestamp.Before(cutoff) {
			continue
		}
		day := clock.Day(p.Timestamp)
		if day >= today {
			continue
		}
		byDay[day] = store.MergePeak(byDay[day], p.Count)
	}

	peaks := make([]store.DailyPeak, 0, len(byDay))
	for day, ccu := range byDay {
		peaks = append(peaks, store.DailyPeak{ItemID: itemID, PeakDate: day, PeakCCU: ccu})
	}
	sort.Slice(peaks, func(i, j int) bool { return peaks[i].PeakDate < peaks[j].PeakDate })
	return peaks
}

// ImportItem fetches and stores the history of one item and returns the
// number of days written.
func (i *Importer) ImportItem(ctx context.Context, itemID int64) (int, error) {
	points, err := i.history.FetchHistoricalSeries(ctx, itemID)
	if err != nil {
		return 0, fmt.Errorf("backfill %d: %w", itemID, err)
	}

	peaks := DailyPeaks(itemID, points, i.clock.Now(), i.days)
	if len(peaks) == 0 {
		return 0, nil
	}
	if err := i.store.UpsertDailyPeaks(ctx, peaks); err != nil {
		return 0, fmt.Errorf("backfill %d: %w", itemID, err)
	}

	logger.Debug("item backfilled", zap.Int64("item_id", itemID), zap.Int("days", len(peaks)))
	return len(peaks), nil
}

// ImportMany imports each item in turn, paced by the item delay. A failed
// item is logged and counted without stopping the run. Cancellation stops
// the run and returns what was done so far.
func (i *Importer) ImportMany(ctx context.Context, ids []int64) BulkResult {
	start := time.Now()
	res := BulkResult{Items: len(ids)}

	for n, id := range ids {
		if err := i.itemLimiter.Wait(ctx); err != nil {
			logger.Warn("backfill interrupted", zap.Int("done", n), zap.Error(err))
			break
		}

		rows, err := i.ImportItem(ctx, id)
		if err != nil {
			res.Failed++
			logger.Warn("backfill item failed", zap.Int64("item_id", id), zap.Error(err))
			continue
		}
		res.Imported++
		res.Rows += rows
	}

	var err error
	if res.Failed > 0 && res.Imported == 0 {
		err = fmt.Errorf("all %d items failed", res.Failed)
	}
	metrics.ObserveJob(jobName, start, err)
	metrics.ItemsPolled.WithLabelValues(jobName).Set(float64(res.Imported))

	logger.Info("backfill complete",
		zap.Int("items", res.Items),
		zap.Int("imported", res.Imported),
		zap.Int("failed", res.Failed),
		zap.Int("rows", res.Rows))
	return res
}

// Bulk discovers item ids from the first pages of the SteamCharts top
// list, makes sure each exists in the catalog, and imports their history.
func (i *Importer) Bulk(ctx context.Context, pages int) (BulkResult, error) {
	ids, err := i.history.TopAppIDs(ctx, pages)
	if err != nil && len(ids) == 0 {
		return BulkResult{}, fmt.Errorf("discover top items: %w", err)
	}
	logger.Info("backfill discovered items", zap.Int("count", len(ids)))

	if err := i.EnsureItems(ctx, ids); err != nil {
		return BulkResult{}, err
	}
	return i.ImportMany(ctx, ids), nil
}

// EnsureItems creates catalog entries for unknown ids, paced by the
// metadata delay.
func (i *Importer) EnsureItems(ctx context.Context, ids []int64) error {
	created := 0
	for _, id := range ids {
		if i.catalog.Has(id) {
			continue
		}
		if err := i.metaLimiter.Wait(ctx); err != nil {
			return err
		}
		if _, isNew, err := i.catalog.Ensure(ctx, id); err != nil {
			logger.Warn("backfill catalog entry failed", zap.Int64("item_id", id), zap.Error(err))
		} else if isNew {
			created++
		}
	}
	logger.Info("backfill catalog entries created", zap.Int("count", created))
	return nil
}

// ReleaseDates fills in release dates for items that have none.
func (i *Importer) ReleaseDates(ctx context.Context) (res DatesResult, err error) {
	start := time.Now()
	defer func() { metrics.ObserveJob(datesJobName, start, err) }()

	items, err := i.store.ListItemsMissingReleaseDate(ctx)
	if err != nil {
		return res, err
	}
	logger.Info("items missing release dates", zap.Int("count", len(items)))

	for _, item := range items {
		if err := i.metaLimiter.Wait(ctx); err != nil {
			return res, err
		}

		meta, err := i.meta.FetchMetadata(ctx, item.ID)
		if err != nil {
			res.Failed++
			logger.Warn("release date fetch failed", zap.Int64("item_id", item.ID), zap.Error(err))
			continue
		}
		if meta.ReleaseDate == nil {
			res.Skipped++
			continue
		}

		update := &store.Item{ID: item.ID, Name: item.Name, ReleaseDate: meta.ReleaseDate}
		if err := i.catalog.Upsert(ctx, update); err != nil {
			res.Failed++
			logger.Warn("release date update failed", zap.Int64("item_id", item.ID), zap.Error(err))
			continue
		}
		res.Updated++
		logger.Debug("release date set", zap.Int64("item_id", item.ID), zap.String("date", *meta.ReleaseDate))
	}

	logger.Info("release date backfill complete",
		zap.Int("updated", res.Updated),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed))
	return res, nil
}
