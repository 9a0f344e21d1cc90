package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Item is a tracked Steam app and its cached metadata.
type Item struct {
	ID            int64     `db:"id" json:"id"`
	Name          string    `db:"name" json:"name"`
	Image         *string   `db:"image" json:"image"`
	ReleaseDate   *string   `db:"release_date" json:"release_date"`
	LastFetchedAt time.Time `db:"last_fetched_at" json:"last_fetched_at"`
}

// Snapshot is one fine-grained CCU observation.
type Snapshot struct {
	ID         int64     `db:"id" json:"-"`
	ItemID     int64     `db:"item_id" json:"item_id"`
	CCU        int64     `db:"ccu" json:"ccu"`
	CapturedAt time.Time `db:"captured_at" json:"time"`
}

// DailyPeak is the highest CCU observed for an item on one UTC day.
type DailyPeak struct {
	ItemID   int64  `db:"item_id" json:"item_id"`
	PeakDate string `db:"peak_date" json:"time"`
	PeakCCU  int64  `db:"peak_ccu" json:"ccu"`
}

// RankingEntry is one row of the materialized current ranking. Name and
// Image are populated by reads that join the catalog.
type RankingEntry struct {
	Rank       int       `db:"rank" json:"rank"`
	ItemID     int64     `db:"item_id" json:"item_id"`
	CurrentCCU int64     `db:"current_ccu" json:"ccu"`
	Peak24h    int64     `db:"peak_24h" json:"peak_24h"`
	PrevCCU    *int64    `db:"prev_ccu" json:"prev_ccu"`
	UpdatedAt  time.Time `db:"updated_at" json:"last_updated_at"`
	Name       string    `db:"name" json:"name"`
	Image      *string   `db:"image" json:"image"`
}

// CycleEntry is the input for one ranked item of a live poll commit.
type CycleEntry struct {
	Rank   int
	ItemID int64
	CCU    int64
}

// RecordEvent marks an item's CCU exceeding its trailing-window maximum.
type RecordEvent struct {
	ID         int64     `db:"id" json:"id"`
	ItemID     int64     `db:"item_id" json:"item_id"`
	WindowDays int       `db:"window_days" json:"window_days"`
	CCU        int64     `db:"ccu" json:"ccu"`
	RecordDate string    `db:"record_date" json:"record_date"`
	RecordedAt time.Time `db:"recorded_at" json:"record_at"`
	Name       string    `db:"name" json:"name"`
	Image      *string   `db:"image" json:"image"`
}

// NewsArticle is a feed entry matched to a ranked item.
type NewsArticle struct {
	ID          int64      `db:"id" json:"id"`
	ItemID      int64      `db:"item_id" json:"item_id"`
	Title       string     `db:"title" json:"title"`
	URL         string     `db:"url" json:"url"`
	SourceName  string     `db:"source_name" json:"source_name"`
	Snippet     *string    `db:"snippet" json:"snippet"`
	PublishedAt *time.Time `db:"published_at" json:"published_at"`
	ScrapedAt   time.Time  `db:"scraped_at" json:"scraped_at"`
	ItemName    string     `db:"item_name" json:"game_name"`
	Image       *string    `db:"image" json:"header_image"`
}

// AverageRow is one row of a windowed peak leaderboard.
type AverageRow struct {
	Rank   int     `db:"-" json:"rank"`
	ItemID int64   `db:"item_id" json:"item_id"`
	CCU    int64   `db:"ccu" json:"ccu"`
	Name   string  `db:"name" json:"name"`
	Image  *string `db:"image" json:"image"`
}

// Store is the persistence interface shared by every job.
type Store interface {
	UpsertItem(ctx context.Context, item *Item) error
	GetItem(ctx context.Context, id int64) (*Item, error)
	ListItems(ctx context.Context) ([]Item, error)
	ListItemsOutsideRanking(ctx context.Context) ([]Item, error)
	ListItemsMissingReleaseDate(ctx context.Context) ([]Item, error)

	AddSnapshot(ctx context.Context, itemID, ccu int64, at time.Time) error
	GetSnapshots(ctx context.Context, itemID int64, since time.Time) ([]Snapshot, error)
	PruneSnapshots(ctx context.Context, before time.Time) (int64, error)

	UpsertDailyPeak(ctx context.Context, itemID int64, day string, ccu int64) error
	UpsertDailyPeaks(ctx context.Context, peaks []DailyPeak) error
	RecomputeDailyPeaks(ctx context.Context, day string) (int64, error)
	GetDailyPeak(ctx context.Context, itemID int64, day string) (int64, error)
	ListDailyPeaks(ctx context.Context, itemID int64, fromDay string) ([]DailyPeak, error)
	MaxDailyPeak(ctx context.Context, itemID int64, fromDay, beforeDay string) (int64, bool, error)
	AllTimePeak(ctx context.Context, itemID int64) (int64, bool, error)

	CommitCycle(ctx context.Context, at time.Time, entries []CycleEntry) ([]RankingEntry, error)
	GetRanking(ctx context.Context) ([]RankingEntry, error)
	GetRankingEntry(ctx context.Context, itemID int64) (*RankingEntry, error)

	HasRecordEvent(ctx context.Context, itemID int64, windowDays int, day string) (bool, error)
	AddRecordEvent(ctx context.Context, ev *RecordEvent) (bool, error)
	ListRecordEvents(ctx context.Context, limit int) ([]RecordEvent, error)

	InsertArticle(ctx context.Context, a *NewsArticle) (bool, error)
	PruneArticles(ctx context.Context, before time.Time) (int64, error)
	ListArticles(ctx context.Context, limit int) ([]NewsArticle, error)

	TodayLeaderboard(ctx context.Context, day string, limit int) ([]AverageRow, error)
	AverageLeaderboard(ctx context.Context, fromDay, toDay string, limit int) ([]AverageRow, error)

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// New opens a SQLite database and runs migrations.
func New(path string) (*SQLiteStore, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// dbTime normalizes timestamps so stored values compare lexically.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

func (s *SQLiteStore) UpsertItem(ctx context.Context, item *Item) error {
	if item.LastFetchedAt.IsZero() {
		item.LastFetchedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO items (id, name, image, release_date, last_fetched_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			image = COALESCE(excluded.image, items.image),
			release_date = COALESCE(excluded.release_date, items.release_date),
			last_fetched_at = excluded.last_fetched_at
	`, item.ID, item.Name, item.Image, item.ReleaseDate, dbTime(item.LastFetchedAt))
	if err != nil {
		return fmt.Errorf("upsert item %d: %w", item.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetItem(ctx context.Context, id int64) (*Item, error) {
	var item Item
	err := s.db.GetContext(ctx, &item, "SELECT * FROM items WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get item %d: %w", id, err)
	}
	return &item, nil
}

func (s *SQLiteStore) ListItems(ctx context.Context) ([]Item, error) {
	var items []Item
	if err := s.db.SelectContext(ctx, &items, "SELECT * FROM items ORDER BY id"); err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) ListItemsOutsideRanking(ctx context.Context) ([]Item, error) {
	var items []Item
	err := s.db.SelectContext(ctx, &items, `
		SELECT * FROM items
		WHERE id NOT IN (SELECT item_id FROM ranking_cache)
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list items outside ranking: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) ListItemsMissingReleaseDate(ctx context.Context) ([]Item, error) {
	var items []Item
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM items WHERE release_date IS NULL ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list items missing release date: %w", err)
	}
	return items, nil
}
