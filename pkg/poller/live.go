// Package poller runs the live ranking poll and the extended-coverage poll.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/elonfeng/ccuradar/internal/clock"
	"github.com/elonfeng/ccuradar/internal/executor"
	"github.com/elonfeng/ccuradar/internal/logger"
	"github.com/elonfeng/ccuradar/internal/metrics"
	"github.com/elonfeng/ccuradar/internal/store"
	"github.com/elonfeng/ccuradar/pkg/backfill"
	"github.com/elonfeng/ccuradar/pkg/catalog"
	"github.com/elonfeng/ccuradar/pkg/source"
)

const (
	liveJobName      = "poll_live"
	defaultBatchSize = 10
	recordTaskName   = "live_records"
	backfillTaskName = "live_backfill"
)

var (
	// ErrCycleAborted means the ranked list was unavailable and nothing was
	// written.
	ErrCycleAborted = errors.New("poll cycle aborted")
	// ErrPersistence means the cycle's transaction failed and was rolled
	// back.
	ErrPersistence = errors.New("poll cycle persistence failed")
)

// Phase is a step of a live poll cycle.
type Phase string

const (
	PhaseFetchingRank      Phase = "fetching_rank"
	PhaseRefreshingCatalog Phase = "refreshing_catalog"
	PhaseFetchingCounts    Phase = "fetching_counts"
	PhaseCommitting        Phase = "committing"
	PhaseDone              Phase = "done"
	PhaseFailed            Phase = "failed"
)

// Submitter accepts detached background tasks.
type Submitter interface {
	Submit(name string, fn executor.Task)
}

// RecordRunner detects record events against the committed ranking.
type RecordRunner interface {
	Run(ctx context.Context) ([]store.RecordEvent, error)
}

// Backfiller imports history for newly discovered items.
type Backfiller interface {
	ImportMany(ctx context.Context, ids []int64) backfill.BulkResult
}

// LiveResult summarizes one committed cycle.
type LiveResult struct {
	Ranked    int
	LiveCount int
	Fallbacks int
	NewItems  []int64
	Ranking   []store.RankingEntry
	Duration  time.Duration
}

// Live is the primary poll: rank list, catalog refresh, live counts, then
// one transaction that appends snapshots, raises daily peaks and swaps the
// ranking.
type Live struct {
	source    source.RankSource
	catalog   *catalog.Catalog
	store     store.Store
	clock     clock.Clock
	batchSize int

	tasks    Submitter
	records  RecordRunner
	backfill Backfiller
}

// LiveOptions wires the optional collaborators of a Live poller.
type LiveOptions struct {
	BatchSize int
	Tasks     Submitter
	Records   RecordRunner
	Backfill  Backfiller
}

// NewLive creates a live poller.
func NewLive(src source.RankSource, cat *catalog.Catalog, st store.Store, clk clock.Clock, opts LiveOptions) *Live {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Live{
		source:    src,
		catalog:   cat,
		store:     st,
		clock:     clk,
		batchSize: opts.BatchSize,
		tasks:     opts.Tasks,
		records:   opts.Records,
		backfill:  opts.Backfill,
	}
}

type countResult struct {
	count int64
	err   error
}

// Run executes one cycle. A rank list failure returns ErrCycleAborted
// before any write; a transaction failure returns ErrPersistence with the
// previous ranking intact. Side effects are submitted only after commit.
func (l *Live) Run(ctx context.Context) (res *LiveResult, err error) {
	start := time.Now()
	phase := PhaseFetchingRank
	defer func() {
		metrics.ObserveJob(liveJobName, start, err)
		if err != nil {
			logger.ErrorCtx(ctx, err,
				zap.String("job", liveJobName),
				zap.String("phase", string(phase)),
				zap.String("state", string(PhaseFailed)))
		}
	}()

	l.enter(ctx, phase)
	ranked, err := l.source.FetchRankedList(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCycleAborted, err)
	}
	if len(ranked) == 0 {
		return nil, fmt.Errorf("%w: empty ranked list", ErrCycleAborted)
	}

	phase = PhaseRefreshingCatalog
	l.enter(ctx, phase, zap.Int("ranked", len(ranked)))
	newItems := l.refreshCatalog(ctx, ranked)

	phase = PhaseFetchingCounts
	l.enter(ctx, phase, zap.Int("new_items", len(newItems)))
	counts := l.fetchCounts(ctx, ranked)

	entries, fallbacks := buildCycle(ranked, counts)

	phase = PhaseCommitting
	l.enter(ctx, phase, zap.Int("entries", len(entries)), zap.Int("fallbacks", fallbacks))
	ranking, err := l.store.CommitCycle(ctx, l.clock.Now(), entries)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	phase = PhaseDone
	res = &LiveResult{
		Ranked:    len(ranked),
		LiveCount: len(entries) - fallbacks,
		Fallbacks: fallbacks,
		NewItems:  newItems,
		Ranking:   ranking,
		Duration:  time.Since(start),
	}
	metrics.ItemsPolled.WithLabelValues(liveJobName).Set(float64(len(entries)))
	l.enter(ctx, phase,
		zap.Int("ranked", res.Ranked),
		zap.Int("live", res.LiveCount),
		zap.Int("fallbacks", res.Fallbacks),
		zap.Duration("elapsed", res.Duration))

	l.submitSideEffects(newItems)
	return res, nil
}

func (l *Live) enter(ctx context.Context, phase Phase, fields ...zap.Field) {
	logger.InfoCtx(ctx, "live poll", append([]zap.Field{zap.String("state", string(phase))}, fields...)...)
}

// refreshCatalog creates catalog entries for items seen for the first time.
// Metadata is fetched here, before the commit transaction opens.
func (l *Live) refreshCatalog(ctx context.Context, ranked []source.RankedItem) []int64 {
	var created []int64
	for _, r := range ranked {
		if l.catalog.Has(r.ItemID) {
			continue
		}
		_, isNew, err := l.catalog.Ensure(ctx, r.ItemID)
		if err != nil {
			logger.WarnCtx(ctx, "catalog entry failed", zap.Int64("item_id", r.ItemID), zap.Error(err))
			continue
		}
		if isNew {
			created = append(created, r.ItemID)
		}
	}
	return created
}

// fetchCounts reads live counts with at most batchSize requests in flight.
func (l *Live) fetchCounts(ctx context.Context, ranked []source.RankedItem) map[int64]int64 {
	pool := pond.NewResultPool[countResult](l.batchSize, pond.WithContext(ctx))
	defer pool.StopAndWait()

	waits := make([]func() (countResult, error), 0, len(ranked))
	for _, r := range ranked {
		id := r.ItemID
		task := pool.Submit(func() countResult {
			n, err := l.source.FetchLiveCount(ctx, id)
			return countResult{count: n, err: err}
		})
		waits = append(waits, task.Wait)
	}

	counts := make(map[int64]int64, len(ranked))
	for i, wait := range waits {
		id := ranked[i].ItemID
		cr, err := wait()
		if err == nil {
			err = cr.err
		}
		if err != nil {
			logger.Debug("live count unavailable", zap.Int64("item_id", id), zap.Error(err))
			continue
		}
		counts[id] = cr.count
	}
	return counts
}

// buildCycle orders the cycle by live count, highest first. Items without
// a live count use the rank list's coarse figure. Ties fall back to the
// source rank, then the item id. Ranks are reassigned 1..n in that order.
func buildCycle(ranked []source.RankedItem, counts map[int64]int64) ([]store.CycleEntry, int) {
	type row struct {
		sourceRank int
		itemID     int64
		count      int64
	}

	seen := make(map[int64]struct{}, len(ranked))
	rows := make([]row, 0, len(ranked))
	fallbacks := 0
	for _, r := range ranked {
		if _, dup := seen[r.ItemID]; dup {
			continue
		}
		seen[r.ItemID] = struct{}{}

		n, ok := counts[r.ItemID]
		if !ok {
			n = r.CoarseCount
			fallbacks++
		}
		rows = append(rows, row{sourceRank: r.Rank, itemID: r.ItemID, count: n})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].count != rows[j].count {
			return rows[i].count > rows[j].count
		}
		if rows[i].sourceRank != rows[j].sourceRank {
			return rows[i].sourceRank < rows[j].sourceRank
		}
		return rows[i].itemID < rows[j].itemID
	})

	entries := make([]store.CycleEntry, len(rows))
	for i, r := range rows {
		entries[i] = store.CycleEntry{Rank: i + 1, ItemID: r.itemID, CCU: r.count}
	}
	return entries, fallbacks
}

func (l *Live) submitSideEffects(newItems []int64) {
	if l.tasks == nil {
		return
	}
	if l.records != nil {
		l.tasks.Submit(recordTaskName, func(ctx context.Context) error {
			_, err := l.records.Run(ctx)
			return err
		})
	}
	if l.backfill != nil && len(newItems) > 0 {
		ids := append([]int64(nil), newItems...)
		l.tasks.Submit(backfillTaskName, func(ctx context.Context) error {
			res := l.backfill.ImportMany(ctx, ids)
			if res.Failed > 0 {
				return fmt.Errorf("backfill failed for %d of %d new items", res.Failed, res.Items)
			}
			return nil
		})
	}
}
