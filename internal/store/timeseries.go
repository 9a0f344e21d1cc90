package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// upsertPeakSQL is the max-wins daily peak write: the stored value only
// changes when the incoming value is greater, so writers commute.
const upsertPeakSQL = `
	INSERT INTO daily_peaks (item_id, peak_date, peak_ccu)
	VALUES (?, ?, ?)
	ON CONFLICT(item_id, peak_date) DO UPDATE SET
		peak_ccu = excluded.peak_ccu
	WHERE excluded.peak_ccu > daily_peaks.peak_ccu
`

// MergePeak is the merge rule applied by every daily peak writer.
func MergePeak(existing, incoming int64) int64 {
	return max(existing, incoming)
}

func (s *SQLiteStore) AddSnapshot(ctx context.Context, itemID, ccu int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO ccu_snapshots (item_id, ccu, captured_at) VALUES (?, ?, ?)",
		itemID, ccu, dbTime(at))
	if err != nil {
		return fmt.Errorf("add snapshot %d: %w", itemID, err)
	}
	return nil
}

func (s *SQLiteStore) GetSnapshots(ctx context.Context, itemID int64, since time.Time) ([]Snapshot, error) {
	var snaps []Snapshot
	err := s.db.SelectContext(ctx, &snaps,
		"SELECT * FROM ccu_snapshots WHERE item_id = ? AND captured_at >= ? ORDER BY captured_at",
		itemID, dbTime(since))
	if err != nil {
		return nil, fmt.Errorf("get snapshots %d: %w", itemID, err)
	}
	return snaps, nil
}

func (s *SQLiteStore) PruneSnapshots(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM ccu_snapshots WHERE captured_at < ?", dbTime(before))
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) UpsertDailyPeak(ctx context.Context, itemID int64, day string, ccu int64) error {
	if _, err := s.db.ExecContext(ctx, upsertPeakSQL, itemID, day, ccu); err != nil {
		return fmt.Errorf("upsert daily peak %d/%s: %w", itemID, day, err)
	}
	return nil
}

// UpsertDailyPeaks writes a batch of peaks in one transaction.
func (s *SQLiteStore) UpsertDailyPeaks(ctx context.Context, peaks []DailyPeak) error {
	if len(peaks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin daily peaks batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, upsertPeakSQL)
	if err != nil {
		return fmt.Errorf("prepare daily peaks batch: %w", err)
	}
	defer stmt.Close()

	for _, p := range peaks {
		if _, err := stmt.ExecContext(ctx, p.ItemID, p.PeakDate, p.PeakCCU); err != nil {
			return fmt.Errorf("upsert daily peak %d/%s: %w", p.ItemID, p.PeakDate, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit daily peaks batch: %w", err)
	}
	return nil
}

// RecomputeDailyPeaks folds the maximum snapshot of each item captured on
// day into daily_peaks. It returns the number of items aggregated.
func (s *SQLiteStore) RecomputeDailyPeaks(ctx context.Context, day string) (int64, error) {
	start, err := time.ParseInLocation("2006-01-02", day, time.UTC)
	if err != nil {
		return 0, fmt.Errorf("parse day %q: %w", day, err)
	}
	end := start.AddDate(0, 0, 1)

	var items int64
	err = s.db.GetContext(ctx, &items, `
		SELECT COUNT(DISTINCT item_id) FROM ccu_snapshots
		WHERE captured_at >= ? AND captured_at < ?
	`, start, end)
	if err != nil {
		return 0, fmt.Errorf("count snapshots for %s: %w", day, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO daily_peaks (item_id, peak_date, peak_ccu)
		SELECT item_id, ?, MAX(ccu)
		FROM ccu_snapshots
		WHERE captured_at >= ? AND captured_at < ?
		GROUP BY item_id
		ON CONFLICT(item_id, peak_date) DO UPDATE SET
			peak_ccu = excluded.peak_ccu
		WHERE excluded.peak_ccu > daily_peaks.peak_ccu
	`, day, start, end)
	if err != nil {
		return 0, fmt.Errorf("recompute daily peaks for %s: %w", day, err)
	}
	return items, nil
}

func (s *SQLiteStore) GetDailyPeak(ctx context.Context, itemID int64, day string) (int64, error) {
	var peak int64
	err := s.db.GetContext(ctx, &peak,
		"SELECT peak_ccu FROM daily_peaks WHERE item_id = ? AND peak_date = ?", itemID, day)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get daily peak %d/%s: %w", itemID, day, err)
	}
	return peak, nil
}

func (s *SQLiteStore) ListDailyPeaks(ctx context.Context, itemID int64, fromDay string) ([]DailyPeak, error) {
	var peaks []DailyPeak
	err := s.db.SelectContext(ctx, &peaks, `
		SELECT * FROM daily_peaks
		WHERE item_id = ? AND peak_date >= ?
		ORDER BY peak_date
	`, itemID, fromDay)
	if err != nil {
		return nil, fmt.Errorf("list daily peaks %d: %w", itemID, err)
	}
	return peaks, nil
}

// MaxDailyPeak returns the highest peak in [fromDay, beforeDay). The bool
// is false when the item has no peaks in the range.
func (s *SQLiteStore) MaxDailyPeak(ctx context.Context, itemID int64, fromDay, beforeDay string) (int64, bool, error) {
	var peak sql.NullInt64
	err := s.db.GetContext(ctx, &peak, `
		SELECT MAX(peak_ccu) FROM daily_peaks
		WHERE item_id = ? AND peak_date >= ? AND peak_date < ?
	`, itemID, fromDay, beforeDay)
	if err != nil {
		return 0, false, fmt.Errorf("max daily peak %d: %w", itemID, err)
	}
	return peak.Int64, peak.Valid, nil
}

func (s *SQLiteStore) AllTimePeak(ctx context.Context, itemID int64) (int64, bool, error) {
	var peak sql.NullInt64
	err := s.db.GetContext(ctx, &peak,
		"SELECT MAX(peak_ccu) FROM daily_peaks WHERE item_id = ?", itemID)
	if err != nil {
		return 0, false, fmt.Errorf("all-time peak %d: %w", itemID, err)
	}
	return peak.Int64, peak.Valid, nil
}
