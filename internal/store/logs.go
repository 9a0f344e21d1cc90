package store

import (
	"context"
	"fmt"
	"time"
)

func (s *SQLiteStore) HasRecordEvent(ctx context.Context, itemID int64, windowDays int, day string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM record_events
		WHERE item_id = ? AND window_days = ? AND record_date = ?
	`, itemID, windowDays, day)
	if err != nil {
		return false, fmt.Errorf("check record event %d/%dd: %w", itemID, windowDays, err)
	}
	return n > 0, nil
}

// AddRecordEvent inserts ev unless a record for the same item, window and
// day already exists. It reports whether a row was written.
func (s *SQLiteStore) AddRecordEvent(ctx context.Context, ev *RecordEvent) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO record_events (item_id, window_days, ccu, record_date, recorded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(item_id, window_days, record_date) DO NOTHING
	`, ev.ItemID, ev.WindowDays, ev.CCU, ev.RecordDate, dbTime(ev.RecordedAt))
	if err != nil {
		return false, fmt.Errorf("add record event %d/%dd: %w", ev.ItemID, ev.WindowDays, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		ev.ID, _ = res.LastInsertId()
	}
	return n > 0, nil
}

func (s *SQLiteStore) ListRecordEvents(ctx context.Context, limit int) ([]RecordEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var events []RecordEvent
	err := s.db.SelectContext(ctx, &events, `
		SELECT re.id, re.item_id, re.window_days, re.ccu, re.record_date, re.recorded_at,
		       COALESCE(i.name, '') AS name, i.image
		FROM record_events re
		LEFT JOIN items i ON i.id = re.item_id
		ORDER BY re.recorded_at DESC, re.id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list record events: %w", err)
	}
	return events, nil
}

// InsertArticle stores a if its URL is new. It reports whether a row was
// written.
func (s *SQLiteStore) InsertArticle(ctx context.Context, a *NewsArticle) (bool, error) {
	if a.ScrapedAt.IsZero() {
		a.ScrapedAt = time.Now()
	}
	var published *time.Time
	if a.PublishedAt != nil {
		t := dbTime(*a.PublishedAt)
		published = &t
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO news_articles (item_id, title, url, source_name, snippet, published_at, scraped_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url) DO NOTHING
	`, a.ItemID, a.Title, a.URL, a.SourceName, a.Snippet, published, dbTime(a.ScrapedAt))
	if err != nil {
		return false, fmt.Errorf("insert article %s: %w", a.URL, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) PruneArticles(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM news_articles WHERE scraped_at < ?", dbTime(before))
	if err != nil {
		return 0, fmt.Errorf("prune articles: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) ListArticles(ctx context.Context, limit int) ([]NewsArticle, error) {
	var articles []NewsArticle
	err := s.db.SelectContext(ctx, &articles, `
		SELECT na.id, na.item_id, na.title, na.url, na.source_name, na.snippet,
		       na.published_at, na.scraped_at,
		       COALESCE(i.name, '') AS item_name, i.image
		FROM news_articles na
		LEFT JOIN items i ON i.id = na.item_id
		ORDER BY na.scraped_at DESC, na.id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list articles: %w", err)
	}
	return articles, nil
}

func (s *SQLiteStore) TodayLeaderboard(ctx context.Context, day string, limit int) ([]AverageRow, error) {
	var rows []AverageRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT dp.item_id, MAX(dp.peak_ccu) AS ccu,
		       COALESCE(i.name, '') AS name, i.image
		FROM daily_peaks dp
		LEFT JOIN items i ON i.id = dp.item_id
		WHERE dp.peak_date = ?
		GROUP BY dp.item_id
		ORDER BY ccu DESC
		LIMIT ?
	`, day, limit)
	if err != nil {
		return nil, fmt.Errorf("today leaderboard: %w", err)
	}
	numberRows(rows)
	return rows, nil
}

// AverageLeaderboard ranks items by mean daily peak over [fromDay, toDay].
// Items released after fromDay are excluded because their window would be
// incomplete.
func (s *SQLiteStore) AverageLeaderboard(ctx context.Context, fromDay, toDay string, limit int) ([]AverageRow, error) {
	var rows []AverageRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT dp.item_id, CAST(ROUND(AVG(dp.peak_ccu)) AS INTEGER) AS ccu,
		       i.name AS name, i.image
		FROM daily_peaks dp
		JOIN items i ON i.id = dp.item_id
		WHERE dp.peak_date >= ? AND dp.peak_date <= ?
		  AND (i.release_date IS NULL OR i.release_date <= ?)
		GROUP BY dp.item_id
		ORDER BY ccu DESC
		LIMIT ?
	`, fromDay, toDay, fromDay, limit)
	if err != nil {
		return nil, fmt.Errorf("average leaderboard: %w", err)
	}
	numberRows(rows)
	return rows, nil
}

func numberRows(rows []AverageRow) {
	for i := range rows {
		rows[i].Rank = i + 1
	}
}
