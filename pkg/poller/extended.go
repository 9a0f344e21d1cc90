package poller

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/elonfeng/ccuradar/internal/clock"
	"github.com/elonfeng/ccuradar/internal/logger"
	"github.com/elonfeng/ccuradar/internal/metrics"
	"github.com/elonfeng/ccuradar/internal/store"
)

const extendedJobName = "poll_extended"

// LiveCountSource serves per-item live counts.
type LiveCountSource interface {
	FetchLiveCount(ctx context.Context, itemID int64) (int64, error)
}

// ExtendedResult counts the outcome of an extended-coverage run.
type ExtendedResult struct {
	Candidates int
	Updated    int
	Failed     int
	Duration   time.Duration
}

// Extended polls catalog items outside the current ranking one at a time,
// paced by a fixed delay, so their long-range peaks stay complete.
type Extended struct {
	source  LiveCountSource
	store   store.Store
	clock   clock.Clock
	limiter *rate.Limiter
}

// NewExtended creates an extended-coverage poller that waits delay
// between requests.
func NewExtended(src LiveCountSource, st store.Store, clk clock.Clock, delay time.Duration) *Extended {
	limit := rate.Inf
	if delay > 0 {
		limit = rate.Every(delay)
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Extended{
		source:  src,
		store:   st,
		clock:   clk,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Run polls every item outside the ranking. Per-item failures are counted
// and skipped. Only a failure to list candidates, or cancellation, ends the
// run early.
func (e *Extended) Run(ctx context.Context) (res *ExtendedResult, err error) {
	start := time.Now()
	defer func() { metrics.ObserveJob(extendedJobName, start, err) }()

	items, err := e.store.ListItemsOutsideRanking(ctx)
	if err != nil {
		return nil, fmt.Errorf("list extended candidates: %w", err)
	}

	res = &ExtendedResult{Candidates: len(items)}
	logger.InfoCtx(ctx, "extended poll started", zap.Int("candidates", len(items)))

	for _, item := range items {
		if err := e.limiter.Wait(ctx); err != nil {
			res.Duration = time.Since(start)
			return res, fmt.Errorf("extended poll interrupted: %w", err)
		}

		if err := e.pollItem(ctx, item.ID); err != nil {
			res.Failed++
			logger.Debug("extended item failed", zap.Int64("item_id", item.ID), zap.Error(err))
			continue
		}
		res.Updated++
	}

	res.Duration = time.Since(start)
	metrics.ItemsPolled.WithLabelValues(extendedJobName).Set(float64(res.Updated))
	logger.InfoCtx(ctx, "extended poll complete",
		zap.Int("updated", res.Updated),
		zap.Int("failed", res.Failed),
		zap.Duration("elapsed", res.Duration))
	return res, nil
}

func (e *Extended) pollItem(ctx context.Context, itemID int64) error {
	count, err := e.source.FetchLiveCount(ctx, itemID)
	if err != nil {
		return err
	}
	now := e.clock.Now()
	if err := e.store.AddSnapshot(ctx, itemID, count, now); err != nil {
		return err
	}
	return e.store.UpsertDailyPeak(ctx, itemID, clock.Day(now), count)
}
