// Package record detects items whose live count beats their own trailing
// daily-peak maximum.
package record

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/elonfeng/ccuradar/internal/clock"
	"github.com/elonfeng/ccuradar/internal/logger"
	"github.com/elonfeng/ccuradar/internal/metrics"
	"github.com/elonfeng/ccuradar/internal/store"
)

const jobName = "record_detect"

// DefaultWindows are the trailing windows checked, in days.
var DefaultWindows = []int{7, 30, 90}

// Notifier receives newly inserted record events.
type Notifier interface {
	NotifyRecords(ctx context.Context, events []store.RecordEvent) error
}

// Detector compares the current ranking against trailing-window maxima.
type Detector struct {
	store    store.Store
	clock    clock.Clock
	windows  []int
	notifier Notifier
}

// NewDetector creates a detector. notifier may be nil.
func NewDetector(st store.Store, clk clock.Clock, windows []int, notifier Notifier) *Detector {
	if len(windows) == 0 {
		windows = DefaultWindows
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Detector{store: st, clock: clk, windows: windows, notifier: notifier}
}

// Run checks every ranked item against each window. Today's peak is left
// out of the prior maximum since it is still accumulating. An item with no
// history in a window has nothing to beat and is skipped. At most one event
// is stored per item, window and day. Run returns the events it inserted;
// per-item errors are joined and do not stop the scan.
func (d *Detector) Run(ctx context.Context) (events []store.RecordEvent, err error) {
	start := time.Now()
	defer func() { metrics.ObserveJob(jobName, start, err) }()

	ranking, err := d.store.GetRanking(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ranking: %w", err)
	}

	now := d.clock.Now()
	today := clock.Day(now)
	var errs []error

	for _, entry := range ranking {
		for _, w := range d.windows {
			ev, err := d.check(ctx, entry, w, now, today)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ev != nil {
				events = append(events, *ev)
			}
		}
	}

	if len(events) > 0 {
		logger.Info("records detected", zap.Int("count", len(events)))
		if d.notifier != nil {
			if nerr := d.notifier.NotifyRecords(ctx, events); nerr != nil {
				logger.Warn("record notification failed", zap.Error(nerr))
			}
		}
	}

	return events, errors.Join(errs...)
}

func (d *Detector) check(ctx context.Context, entry store.RankingEntry, window int, now time.Time, today string) (*store.RecordEvent, error) {
	from := clock.DaysBefore(now, window)
	prior, ok, err := d.store.MaxDailyPeak(ctx, entry.ItemID, from, today)
	if err != nil {
		return nil, err
	}
	if !ok || entry.CurrentCCU <= prior {
		return nil, nil
	}

	exists, err := d.store.HasRecordEvent(ctx, entry.ItemID, window, today)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, nil
	}

	ev := &store.RecordEvent{
		ItemID:     entry.ItemID,
		WindowDays: window,
		CCU:        entry.CurrentCCU,
		RecordDate: today,
		RecordedAt: now,
		Name:       entry.Name,
		Image:      entry.Image,
	}
	inserted, err := d.store.AddRecordEvent(ctx, ev)
	if err != nil || !inserted {
		return nil, err
	}

	logger.Info("record broken",
		zap.Int64("item_id", entry.ItemID),
		zap.String("name", entry.Name),
		zap.Int("window_days", window),
		zap.Int64("ccu", entry.CurrentCCU),
		zap.Int64("prior_max", prior))
	return ev, nil
}
