// Package news scrapes gaming news feeds and keeps articles that talk about
// player counts of currently ranked items.
package news

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/elonfeng/ccuradar/internal/clock"
	"github.com/elonfeng/ccuradar/internal/logger"
	"github.com/elonfeng/ccuradar/internal/metrics"
	"github.com/elonfeng/ccuradar/internal/store"
	"github.com/elonfeng/ccuradar/pkg/source"
)

const (
	jobName = "news"

	DefaultMinNameLength = 4
	DefaultRetention     = 30 * 24 * time.Hour

	snippetLength = 500
)

// Feed is one syndicated feed to scrape.
type Feed struct {
	Name string
	URL  string
}

// Options configures a Matcher.
type Options struct {
	Feeds         []Feed
	Keywords      []string
	MinNameLength int
	Retention     time.Duration
}

// Result summarizes one scrape.
type Result struct {
	Entries    int
	Matched    int
	Inserted   int
	FeedErrors int
	Pruned     int64
}

// Matcher links feed entries to ranked items.
type Matcher struct {
	store  store.Store
	feeds  source.FeedSource
	clock  clock.Clock
	filter *source.Filter

	list          []Feed
	minNameLength int
	retention     time.Duration
}

// NewMatcher creates a matcher.
func NewMatcher(st store.Store, feeds source.FeedSource, clk clock.Clock, opts Options) *Matcher {
	if opts.MinNameLength <= 0 {
		opts.MinNameLength = DefaultMinNameLength
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Matcher{
		store:         st,
		feeds:         feeds,
		clock:         clk,
		filter:        source.NewFilter(opts.Keywords, nil),
		list:          opts.Feeds,
		minNameLength: opts.MinNameLength,
		retention:     opts.Retention,
	}
}

type candidate struct {
	name   string
	itemID int64
}

// Run scrapes every feed once. A feed that fails is logged and counted;
// the remaining feeds are still processed and old articles still pruned.
// The returned error joins the feed failures and is nil when every feed
// succeeded.
func (m *Matcher) Run(ctx context.Context) (res *Result, err error) {
	start := time.Now()
	defer func() { metrics.ObserveJob(jobName, start, err) }()

	ranking, err := m.store.GetRanking(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ranking: %w", err)
	}

	res = &Result{}
	names := m.candidates(ranking)
	if len(names) == 0 {
		logger.WarnCtx(ctx, "ranking is empty, skipping news scrape")
		return res, nil
	}

	var feedErrs []error
	for _, feed := range m.list {
		if ctx.Err() != nil {
			feedErrs = append(feedErrs, ctx.Err())
			break
		}
		if err := m.scrapeFeed(ctx, feed, names, res); err != nil {
			res.FeedErrors++
			feedErrs = append(feedErrs, err)
			logger.WarnCtx(ctx, "news feed failed", zap.String("feed", feed.Name), zap.Error(err))
		}
	}

	pruned, err := m.store.PruneArticles(ctx, m.clock.Now().Add(-m.retention))
	if err != nil {
		feedErrs = append(feedErrs, err)
	}
	res.Pruned = pruned

	logger.InfoCtx(ctx, "news scrape complete",
		zap.Int("entries", res.Entries),
		zap.Int("matched", res.Matched),
		zap.Int("inserted", res.Inserted),
		zap.Int("feed_errors", res.FeedErrors),
		zap.Int64("pruned", res.Pruned))
	return res, errors.Join(feedErrs...)
}

// candidates returns lowercased ranked names, longest first, so a more
// specific title wins over one it contains.
func (m *Matcher) candidates(ranking []store.RankingEntry) []candidate {
	seen := make(map[string]struct{}, len(ranking))
	out := make([]candidate, 0, len(ranking))
	for _, e := range ranking {
		name := strings.ToLower(strings.TrimSpace(e.Name))
		if len([]rune(name)) < m.minNameLength {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, candidate{name: name, itemID: e.ItemID})
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i].name) > len(out[j].name) })
	return out
}

func (m *Matcher) scrapeFeed(ctx context.Context, feed Feed, names []candidate, res *Result) error {
	entries, err := m.feeds.FetchFeedEntries(ctx, feed.URL)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		res.Entries++
		title := strings.TrimSpace(entry.Title)
		if title == "" || entry.Link == "" {
			continue
		}
		summary := source.PlainText(entry.Summary)

		itemID, ok := match(title+" "+summary, m.filter, names)
		if !ok {
			continue
		}
		res.Matched++

		article := &store.NewsArticle{
			ItemID:      itemID,
			Title:       title,
			URL:         entry.Link,
			SourceName:  feed.Name,
			PublishedAt: entry.PublishedAt,
			ScrapedAt:   m.clock.Now(),
		}
		if summary != "" {
			snippet := source.Truncate(summary, snippetLength)
			article.Snippet = &snippet
		}

		inserted, err := m.store.InsertArticle(ctx, article)
		if err != nil {
			return err
		}
		if inserted {
			res.Inserted++
		}
	}
	return nil
}

// match reports the ranked item text refers to. The text must pass the
// keyword filter and contain a candidate name; the first (longest) name
// found wins.
func match(text string, filter *source.Filter, names []candidate) (int64, bool) {
	if !filter.Matches(text) {
		return 0, false
	}
	lower := strings.ToLower(text)
	for _, c := range names {
		if strings.Contains(lower, c.name) {
			return c.itemID, true
		}
	}
	return 0, false
}
