package source

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/elonfeng/ccuradar/internal/logger"
)

// SteamOptions configures the Steam client.
type SteamOptions struct {
	APIKey         string
	RankURL        string
	PlayerCountURL string
	AppDetailsURL  string
	UpcomingURL    string
	TopN           int
	Timeout        time.Duration
}

// Steam reads the Steam Web API and store endpoints.
type Steam struct {
	opts  SteamOptions
	fetch *fetcher
}

// NewSteam creates a Steam client.
func NewSteam(opts SteamOptions) *Steam {
	if opts.TopN <= 0 {
		opts.TopN = 100
	}
	return &Steam{
		opts:  opts,
		fetch: newFetcher(opts.Timeout, "ccuradar/1.0"),
	}
}

// PlaceholderName is the name given to items whose metadata is unavailable.
func PlaceholderName(itemID int64) string {
	return fmt.Sprintf("App %d", itemID)
}

type rankResponse struct {
	Response struct {
		Ranks *[]struct {
			Rank       int   `json:"rank"`
			AppID      int64 `json:"appid"`
			PeakInGame int64 `json:"peak_in_game"`
		} `json:"ranks"`
	} `json:"response"`
}

// FetchRankedList returns the top list, truncated to TopN. Any transport
// failure, non-2xx status or missing ranks array is ErrSourceUnavailable.
func (s *Steam) FetchRankedList(ctx context.Context) ([]RankedItem, error) {
	var resp rankResponse
	if err := s.fetch.getJSON(ctx, s.withKey(s.opts.RankURL, nil), &resp); err != nil {
		return nil, fmt.Errorf("%w: ranked list: %w", ErrSourceUnavailable, err)
	}
	if resp.Response.Ranks == nil {
		return nil, fmt.Errorf("%w: ranked list: unexpected response shape", ErrSourceUnavailable)
	}
	ranks := *resp.Response.Ranks

	items := make([]RankedItem, 0, min(len(ranks), s.opts.TopN))
	for i, r := range ranks {
		if i >= s.opts.TopN {
			break
		}
		rank := r.Rank
		if rank <= 0 {
			rank = i + 1
		}
		items = append(items, RankedItem{Rank: rank, ItemID: r.AppID, CoarseCount: r.PeakInGame})
	}
	return items, nil
}

// FetchLiveCount returns the current player count for one app.
func (s *Steam) FetchLiveCount(ctx context.Context, itemID int64) (int64, error) {
	var resp struct {
		Response struct {
			PlayerCount *int64 `json:"player_count"`
			Result      int    `json:"result"`
		} `json:"response"`
	}
	u := s.withKey(s.opts.PlayerCountURL, url.Values{"appid": {strconv.FormatInt(itemID, 10)}})
	if err := s.fetch.getJSON(ctx, u, &resp); err != nil {
		return 0, fmt.Errorf("live count %d: %w: %w", itemID, ErrNotAvailable, err)
	}
	if resp.Response.Result != 1 || resp.Response.PlayerCount == nil {
		return 0, fmt.Errorf("live count %d: %w", itemID, ErrNotAvailable)
	}
	return *resp.Response.PlayerCount, nil
}

type appDetails struct {
	Success bool `json:"success"`
	Data    *struct {
		Name        string  `json:"name"`
		HeaderImage *string `json:"header_image"`
		ReleaseDate *struct {
			ComingSoon bool   `json:"coming_soon"`
			Date       string `json:"date"`
		} `json:"release_date"`
	} `json:"data"`
}

// FetchMetadata returns name, header image and release date for one app.
func (s *Steam) FetchMetadata(ctx context.Context, itemID int64) (*Metadata, error) {
	id := strconv.FormatInt(itemID, 10)
	u := s.opts.AppDetailsURL + "?" + url.Values{"appids": {id}, "filters": {"basic"}}.Encode()

	var resp map[string]appDetails
	if err := s.fetch.getJSON(ctx, u, &resp); err != nil {
		return nil, fmt.Errorf("metadata %d: %w: %w", itemID, ErrNotAvailable, err)
	}
	details, ok := resp[id]
	if !ok || !details.Success || details.Data == nil {
		return nil, fmt.Errorf("metadata %d: %w", itemID, ErrNotAvailable)
	}

	meta := &Metadata{Name: details.Data.Name, Image: details.Data.HeaderImage}
	if meta.Name == "" {
		meta.Name = PlaceholderName(itemID)
	}
	if rd := details.Data.ReleaseDate; rd != nil {
		meta.Upcoming = rd.ComingSoon
		if day, ok := ParseReleaseDate(rd.Date); ok {
			meta.ReleaseDate = &day
		}
	}
	return meta, nil
}

// FetchUpcomingRankedList returns the most-wishlisted upcoming apps. Rows
// without a name are completed from app metadata.
func (s *Steam) FetchUpcomingRankedList(ctx context.Context) ([]UpcomingItem, error) {
	var resp struct {
		Response struct {
			Ranks []struct {
				Rank        int     `json:"rank"`
				AppID       int64   `json:"appid"`
				Name        string  `json:"name"`
				HeaderImage *string `json:"header_image"`
			} `json:"ranks"`
		} `json:"response"`
	}
	if err := s.fetch.getJSON(ctx, s.withKey(s.opts.UpcomingURL, nil), &resp); err != nil {
		return nil, fmt.Errorf("%w: upcoming list: %w", ErrSourceUnavailable, err)
	}
	if resp.Response.Ranks == nil {
		return nil, fmt.Errorf("%w: upcoming list: unexpected response shape", ErrSourceUnavailable)
	}

	items := make([]UpcomingItem, 0, len(resp.Response.Ranks))
	for i, r := range resp.Response.Ranks {
		if i >= s.opts.TopN {
			break
		}
		item := UpcomingItem{Rank: r.Rank, ItemID: r.AppID, Name: r.Name, Image: r.HeaderImage}
		if item.Rank <= 0 {
			item.Rank = i + 1
		}
		if item.Name == "" {
			meta, err := s.FetchMetadata(ctx, r.AppID)
			if err != nil {
				logger.Debug("upcoming metadata unavailable", zap.Int64("item_id", r.AppID), zap.Error(err))
				item.Name = PlaceholderName(r.AppID)
			} else {
				item.Name = meta.Name
				item.Image = meta.Image
			}
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *Steam) withKey(base string, q url.Values) string {
	if q == nil {
		q = url.Values{}
	}
	q.Set("format", "json")
	if s.opts.APIKey != "" {
		q.Set("key", s.opts.APIKey)
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + q.Encode()
}

var releaseDateLayouts = []string{
	"Jan 2, 2006",
	"2 Jan, 2006",
	"January 2, 2006",
	"2 January, 2006",
	"Jan 2 2006",
	"2 Jan 2006",
	"2006-01-02",
}

// ParseReleaseDate converts a store release date string such as
// "Nov 1, 2000" or "1 Nov, 2000" to YYYY-MM-DD. Vague values like
// "Coming soon" or "Q3 2026" do not parse.
func ParseReleaseDate(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	for _, layout := range releaseDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	return "", false
}
