package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/elonfeng/ccuradar/internal/clock"
	"github.com/elonfeng/ccuradar/internal/config"
	"github.com/elonfeng/ccuradar/internal/executor"
	"github.com/elonfeng/ccuradar/internal/logger"
	"github.com/elonfeng/ccuradar/internal/scheduler"
	"github.com/elonfeng/ccuradar/internal/store"
	"github.com/elonfeng/ccuradar/pkg/alert"
	"github.com/elonfeng/ccuradar/pkg/backfill"
	"github.com/elonfeng/ccuradar/pkg/catalog"
	"github.com/elonfeng/ccuradar/pkg/maintenance"
	"github.com/elonfeng/ccuradar/pkg/news"
	"github.com/elonfeng/ccuradar/pkg/poller"
	"github.com/elonfeng/ccuradar/pkg/record"
	"github.com/elonfeng/ccuradar/pkg/server"
	"github.com/elonfeng/ccuradar/pkg/source"
	"github.com/elonfeng/ccuradar/pkg/trend"
)

const shutdownTimeout = 30 * time.Second

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	return config.Load(path)
}

// app holds every component of one process, wired from config.
type app struct {
	cfg     *config.Config
	db      *store.SQLiteStore
	clock   clock.Clock
	steam   *source.Steam
	catalog *catalog.Catalog
	tasks   *executor.Executor

	live       *poller.Live
	extended   *poller.Extended
	aggregator *maintenance.DailyPeakAggregator
	pruner     *maintenance.Pruner
	importer   *backfill.Importer
	news       *news.Matcher
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if err := logger.Initialize(logger.Config{
		Debug:     cfg.Logging.Debug,
		SentryDSN: cfg.Logging.SentryDSN,
		Tags:      map[string]string{"service": "ccuradar"},
	}); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	clk := clock.New()
	steam := source.NewSteam(source.SteamOptions{
		APIKey:         cfg.Steam.APIKey,
		RankURL:        cfg.Steam.RankURL,
		PlayerCountURL: cfg.Steam.PlayerCountURL,
		AppDetailsURL:  cfg.Steam.AppDetailsURL,
		UpcomingURL:    cfg.Steam.UpcomingURL,
		TopN:           cfg.Steam.TopN,
		Timeout:        cfg.Steam.ParseTimeout(),
	})
	charts := source.NewSteamCharts(source.SteamChartsOptions{
		BaseURL:   cfg.Backfill.BaseURL,
		UserAgent: cfg.Backfill.UserAgent,
		PageDelay: cfg.Backfill.ParsePageDelay(),
		Timeout:   cfg.Steam.ParseTimeout(),
	})

	cat := catalog.New(db, steam, clk)
	if _, err := cat.Warm(ctx); err != nil {
		db.Close()
		return nil, err
	}

	// Background tasks outlive a cancelled command so Stop can drain them.
	tasks := executor.New(context.WithoutCancel(ctx), cfg.Executor.Workers, cfg.Executor.QueueSize)

	detector := record.NewDetector(db, clk, cfg.Records.Windows, buildAlertManager(cfg))
	importer := backfill.NewImporter(db, charts, cat, steam, clk, backfill.Options{
		Days:          cfg.Backfill.Days,
		ItemDelay:     cfg.Backfill.ParseItemDelay(),
		MetadataDelay: cfg.Backfill.ParseMetadataDelay(),
	})

	feeds := make([]news.Feed, len(cfg.News.Feeds))
	for i, f := range cfg.News.Feeds {
		feeds[i] = news.Feed{Name: f.Name, URL: f.URL}
	}

	return &app{
		cfg:     cfg,
		db:      db,
		clock:   clk,
		steam:   steam,
		catalog: cat,
		tasks:   tasks,
		live: poller.NewLive(steam, cat, db, clk, poller.LiveOptions{
			BatchSize: cfg.Steam.LiveBatchSize,
			Tasks:     tasks,
			Records:   detector,
			Backfill:  importer,
		}),
		extended:   poller.NewExtended(steam, db, clk, cfg.Extended.ParseDelay()),
		aggregator: maintenance.NewDailyPeakAggregator(db, clk),
		pruner:     maintenance.NewPruner(db, clk, days(cfg.Retention.SnapshotDays)),
		importer:   importer,
		news: news.NewMatcher(db, source.NewFeeds(cfg.News.ParseTimeout()), clk, news.Options{
			Feeds:         feeds,
			Keywords:      cfg.News.Keywords,
			MinNameLength: cfg.News.MinNameLength,
			Retention:     days(cfg.Retention.NewsDays),
		}),
	}, nil
}

// Close drains background tasks, then closes the store and flushes logs.
func (a *app) Close() {
	a.tasks.Stop()
	if err := a.db.Close(); err != nil {
		logger.Warn("close store", zap.Error(err))
	}
	logger.Flush(5 * time.Second)
}

func (a *app) server(port int) *server.Server {
	if port == 0 {
		port = a.cfg.Server.Port
	}
	return server.New(a.db, a.catalog, a.steam, a.clock, server.Options{
		Port:        port,
		UpcomingTTL: a.cfg.Upcoming.ParseCacheTTL(),
	})
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

func buildAlertManager(cfg *config.Config) *alert.Manager {
	var notifiers []alert.Notifier

	if cfg.Alerts.Slack.Enabled && cfg.Alerts.Slack.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewSlack(cfg.Alerts.Slack.WebhookURL))
	}
	if cfg.Alerts.Discord.Enabled && cfg.Alerts.Discord.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewDiscord(cfg.Alerts.Discord.WebhookURL))
	}
	if cfg.Alerts.Webhook.Enabled && cfg.Alerts.Webhook.URL != "" {
		notifiers = append(notifiers, alert.NewWebhook(cfg.Alerts.Webhook.URL, cfg.Alerts.Webhook.Secret))
	}

	return alert.NewManager(notifiers)
}

func (a *app) scheduler() (*scheduler.Scheduler, error) {
	sched := scheduler.New(a.cfg.Schedule.Location())
	jobs := []struct {
		name string
		spec string
		fn   scheduler.JobFunc
	}{
		{"live", a.cfg.Schedule.Live, func(ctx context.Context) error {
			_, err := a.live.Run(ctx)
			return err
		}},
		{"extended", a.cfg.Schedule.Extended, func(ctx context.Context) error {
			_, err := a.extended.Run(ctx)
			return err
		}},
		{"daily_peak", a.cfg.Schedule.DailyPeak, func(ctx context.Context) error {
			_, err := a.aggregator.Run(ctx, "")
			return err
		}},
		{"prune", a.cfg.Schedule.Prune, func(ctx context.Context) error {
			_, err := a.pruner.Run(ctx)
			return err
		}},
		{"news", a.cfg.Schedule.News, func(ctx context.Context) error {
			_, err := a.news.Run(ctx)
			return err
		}},
	}
	for _, j := range jobs {
		if err := sched.Add(j.name, j.spec, j.fn); err != nil {
			return nil, err
		}
	}
	return sched, nil
}

func runDaemon(ctx context.Context, port int) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := a.scheduler()
	if err != nil {
		return err
	}
	sched.Start()

	// Fill the ranking right away instead of waiting for the first firing.
	go func() {
		if err := sched.RunNow("live"); err != nil {
			logger.Warn("initial live poll", zap.Error(err))
		}
	}()

	srv := a.server(port)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler shutdown", zap.Error(err))
	}
	return err
}

func runServe(ctx context.Context, port int) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := a.server(port)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func runPoll(ctx context.Context, kind string) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if kind == "extended" {
		res, err := a.extended.Run(ctx)
		if res != nil {
			fmt.Fprintf(os.Stderr, "extended: %d candidates, %d updated, %d failed in %s\n",
				res.Candidates, res.Updated, res.Failed, res.Duration.Round(time.Millisecond))
		}
		return err
	}

	res, err := a.live.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "live: %d ranked, %d live counts, %d fallbacks, %d new items in %s\n",
		res.Ranked, res.LiveCount, res.Fallbacks, len(res.NewItems), res.Duration.Round(time.Millisecond))
	return nil
}

func runAggregate(ctx context.Context, date string) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.aggregator.Run(ctx, date)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "aggregated peaks for %d items\n", n)
	return nil
}

func runPrune(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.pruner.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "pruned %d snapshots\n", n)
	return nil
}

func runNews(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.news.Run(ctx)
	if res != nil {
		fmt.Fprintf(os.Stderr, "news: %d entries, %d matched, %d inserted, %d feed errors, %d pruned\n",
			res.Entries, res.Matched, res.Inserted, res.FeedErrors, res.Pruned)
	}
	if err != nil && res != nil {
		// feed outages are reported but do not fail the command
		logger.Warn("news feeds failed", zap.Error(err))
		return nil
	}
	return err
}

func runBackfill(ctx context.Context, ids []int64, pages int) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	var res backfill.BulkResult
	if len(ids) > 0 {
		if err := a.importer.EnsureItems(ctx, ids); err != nil {
			return err
		}
		res = a.importer.ImportMany(ctx, ids)
	} else {
		if pages <= 0 {
			pages = a.cfg.Backfill.TopPages
		}
		res, err = a.importer.Bulk(ctx, pages)
		if err != nil {
			return err
		}
	}

	fmt.Fprintf(os.Stderr, "backfill: %d items, %d imported, %d failed, %d days written\n",
		res.Items, res.Imported, res.Failed, res.Rows)
	return nil
}

func runBackfillDates(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.importer.ReleaseDates(ctx)
	fmt.Fprintf(os.Stderr, "release dates: %d updated, %d skipped, %d failed\n",
		res.Updated, res.Skipped, res.Failed)
	return err
}

func runRanking(ctx context.Context, jsonOutput bool) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	ranking, err := a.db.GetRanking(ctx)
	if err != nil {
		return fmt.Errorf("get ranking: %w", err)
	}
	entries := trend.Annotate(ranking)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	if len(entries) == 0 {
		fmt.Println("ranking is empty (try polling first: ccuradar poll live)")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tAPP\tNAME\tCCU\t24H PEAK\tTREND\tUPDATED")
	for _, e := range entries {
		change := string(e.Trend)
		if e.PctChange != nil {
			change = fmt.Sprintf("%s %+.1f%%", e.Trend, *e.PctChange)
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%d\t%s\t%s\n",
			e.Rank, e.ItemID, e.Name, e.CurrentCCU, e.Peak24h, change,
			e.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}
