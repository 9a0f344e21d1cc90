package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "ccuradar",
		Short:        "Track live Steam player counts, daily peaks and records",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")

	root.AddCommand(runCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(pollCmd())
	root.AddCommand(aggregateCmd())
	root.AddCommand(pruneCmd())
	root.AddCommand(newsCmd())
	root.AddCommand(backfillCmd())
	root.AddCommand(backfillDatesCmd())
	root.AddCommand(rankingCmd())

	return root
}

func runCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start daemon with scheduler and HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read-only HTTP API without scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}

func pollCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "poll [live|extended]",
		Short:     "Run one live or extended-coverage poll",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"live", "extended"},
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := "live"
			if len(args) == 1 {
				kind = args[0]
			}
			return runPoll(cmd.Context(), kind)
		},
	}
}

func aggregateCmd() *cobra.Command {
	var date string

	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Recompute a day's peaks from its snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAggregate(cmd.Context(), date)
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "UTC day as YYYY-MM-DD (default: today)")
	return cmd
}

func pruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete snapshots older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrune(cmd.Context())
		},
	}
}

func newsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "news",
		Short: "Scrape news feeds for articles about ranked items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNews(cmd.Context())
		},
	}
}

func backfillCmd() *cobra.Command {
	var (
		ids   []int64
		pages int
	)

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Import historical daily peaks from SteamCharts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackfill(cmd.Context(), ids, pages)
		},
	}

	cmd.Flags().Int64SliceVar(&ids, "ids", nil, "app ids to import (default: discover from SteamCharts top pages)")
	cmd.Flags().IntVar(&pages, "pages", 0, "SteamCharts top pages to discover (default: from config)")
	return cmd
}

func backfillDatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backfill-dates",
		Short: "Fill in missing release dates from Steam",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackfillDates(cmd.Context())
		},
	}
}

func rankingCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "ranking",
		Short: "Show the current live ranking",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRanking(cmd.Context(), jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}
