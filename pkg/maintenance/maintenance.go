// Package maintenance holds the daily housekeeping jobs: the end-of-day
// peak reconciliation and snapshot retention.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/elonfeng/ccuradar/internal/clock"
	"github.com/elonfeng/ccuradar/internal/logger"
	"github.com/elonfeng/ccuradar/internal/metrics"
	"github.com/elonfeng/ccuradar/internal/store"
)

const (
	aggregateJobName = "daily_peak"
	pruneJobName     = "prune"

	// DefaultSnapshotRetention is how long fine-grained snapshots are kept.
	DefaultSnapshotRetention = 30 * 24 * time.Hour
)

// PeakStore is the slice of the store the aggregator needs.
type PeakStore interface {
	RecomputeDailyPeaks(ctx context.Context, day string) (int64, error)
}

// SnapshotStore is the slice of the store the pruner needs.
type SnapshotStore interface {
	PruneSnapshots(ctx context.Context, before time.Time) (int64, error)
}

// DailyPeakAggregator rebuilds a day's peaks from that day's snapshots.
// Writes go through the max-wins upsert, so it can run any number of times
// alongside the pollers without lowering a value.
type DailyPeakAggregator struct {
	store PeakStore
	clock clock.Clock
}

func NewDailyPeakAggregator(st PeakStore, clk clock.Clock) *DailyPeakAggregator {
	if clk == nil {
		clk = clock.New()
	}
	return &DailyPeakAggregator{store: st, clock: clk}
}

// Run aggregates day, or today when day is empty, and returns the number
// of items that had snapshots on that day.
func (a *DailyPeakAggregator) Run(ctx context.Context, day string) (n int64, err error) {
	start := time.Now()
	defer func() { metrics.ObserveJob(aggregateJobName, start, err) }()

	if day == "" {
		day = clock.Day(a.clock.Now())
	}
	if _, err := time.Parse(clock.DateLayout, day); err != nil {
		return 0, fmt.Errorf("invalid day %q: %w", day, err)
	}

	n, err = a.store.RecomputeDailyPeaks(ctx, day)
	if err != nil {
		return 0, err
	}

	metrics.ItemsPolled.WithLabelValues(aggregateJobName).Set(float64(n))
	logger.InfoCtx(ctx, "daily peaks aggregated", zap.String("day", day), zap.Int64("items", n))
	return n, nil
}

// Pruner deletes snapshots older than the retention window. Daily peaks
// and the ranking are never touched.
type Pruner struct {
	store     SnapshotStore
	clock     clock.Clock
	retention time.Duration
}

// NewPruner creates a pruner. A non-positive retention uses
// DefaultSnapshotRetention.
func NewPruner(st SnapshotStore, clk clock.Clock, retention time.Duration) *Pruner {
	if retention <= 0 {
		retention = DefaultSnapshotRetention
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Pruner{store: st, clock: clk, retention: retention}
}

// Run deletes expired snapshots and returns how many rows were removed.
func (p *Pruner) Run(ctx context.Context) (n int64, err error) {
	start := time.Now()
	defer func() { metrics.ObserveJob(pruneJobName, start, err) }()

	cutoff := p.clock.Now().Add(-p.retention)
	n, err = p.store.PruneSnapshots(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	logger.InfoCtx(ctx, "snapshots pruned",
		zap.Time("before", cutoff),
		zap.Int64("deleted", n))
	return n, nil
}
