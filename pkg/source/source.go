// Package source holds the clients for the external data the pipeline
// ingests: the Steam ranked list, live counts and app metadata, SteamCharts
// history, and syndicated news feeds.
package source

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSourceUnavailable means the ranked list could not be fetched or had
	// an unexpected shape. Callers abort the cycle on it.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrNotAvailable means per-item data could not be obtained. Callers
	// isolate it to that item.
	ErrNotAvailable = errors.New("not available")
)

// RankedItem is one row of the external top list. CoarseCount is the
// source's own activity figure, used when no live count is available.
type RankedItem struct {
	Rank        int   `json:"rank"`
	ItemID      int64 `json:"item_id"`
	CoarseCount int64 `json:"coarse_count"`
}

// Metadata is the descriptive data for one item.
type Metadata struct {
	Name        string
	Image       *string
	ReleaseDate *string
	Upcoming    bool
}

// HistoryPoint is one reading of a long-range history series.
type HistoryPoint struct {
	Timestamp time.Time
	Count     int64
}

// UpcomingItem is one row of the upcoming-items ranking.
type UpcomingItem struct {
	Rank   int     `json:"rank"`
	ItemID int64   `json:"item_id"`
	Name   string  `json:"name"`
	Image  *string `json:"image"`
}

// FeedEntry is one syndicated news entry.
type FeedEntry struct {
	Title       string
	Link        string
	Summary     string
	PublishedAt *time.Time
}

// RankSource serves the ranked list, live counts and metadata.
type RankSource interface {
	FetchRankedList(ctx context.Context) ([]RankedItem, error)
	FetchLiveCount(ctx context.Context, itemID int64) (int64, error)
	FetchMetadata(ctx context.Context, itemID int64) (*Metadata, error)
}

// UpcomingSource serves the upcoming-items ranking.
type UpcomingSource interface {
	FetchUpcomingRankedList(ctx context.Context) ([]UpcomingItem, error)
}

// HistorySource serves long-range history and bulk discovery.
type HistorySource interface {
	FetchHistoricalSeries(ctx context.Context, itemID int64) ([]HistoryPoint, error)
	TopAppIDs(ctx context.Context, pages int) ([]int64, error)
}

// FeedSource fetches and parses one syndicated feed.
type FeedSource interface {
	FetchFeedEntries(ctx context.Context, feedURL string) ([]FeedEntry, error)
}
