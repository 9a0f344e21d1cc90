package source

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/mmcdole/gofeed"
)

// Feeds fetches RSS/Atom feeds.
type Feeds struct {
	fetch  *fetcher
	parser *gofeed.Parser
}

// NewFeeds creates a feed client with a per-feed timeout.
func NewFeeds(timeout time.Duration) *Feeds {
	f := &Feeds{
		fetch:  newFetcher(timeout, "ccuradar/1.0 (news)"),
		parser: gofeed.NewParser(),
	}
	return f
}

// FetchFeedEntries returns the entries of one feed in document order.
func (f *Feeds) FetchFeedEntries(ctx context.Context, feedURL string) ([]FeedEntry, error) {
	body, err := f.fetch.get(ctx, feedURL)
	if err != nil {
		return nil, fmt.Errorf("fetch feed %s: %w", feedURL, err)
	}

	parsed, err := f.parser.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", feedURL, err)
	}

	entries := make([]FeedEntry, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		link := item.Link
		if link == "" && len(item.Links) > 0 {
			link = item.Links[0]
		}

		var published *time.Time
		if item.PublishedParsed != nil {
			t := item.PublishedParsed.UTC()
			published = &t
		} else if item.UpdatedParsed != nil {
			t := item.UpdatedParsed.UTC()
			published = &t
		}

		summary := item.Description
		if summary == "" {
			summary = item.Content
		}

		entries = append(entries, FeedEntry{
			Title:       item.Title,
			Link:        link,
			Summary:     summary,
			PublishedAt: published,
		})
	}

	return entries, nil
}

// Truncate shortens s to at most maxLen bytes plus an ellipsis, cutting on
// a rune boundary.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
