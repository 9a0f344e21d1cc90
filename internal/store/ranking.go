package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/elonfeng/ccuradar/internal/clock"
)

// CommitCycle persists one live poll in a single transaction: a snapshot
// and a max-wins daily peak per entry, then a full replacement of the
// ranking carrying each item's previous-cycle count. Any error rolls the
// whole cycle back and leaves the prior ranking in place.
func (s *SQLiteStore) CommitCycle(ctx context.Context, at time.Time, entries []CycleEntry) ([]RankingEntry, error) {
	at = dbTime(at)
	day := clock.Day(at)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin cycle: %w", err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO ccu_snapshots (item_id, ccu, captured_at) VALUES (?, ?, ?)",
			e.ItemID, e.CCU, at); err != nil {
			return nil, fmt.Errorf("insert snapshot %d: %w", e.ItemID, err)
		}
		if _, err := tx.ExecContext(ctx, upsertPeakSQL, e.ItemID, day, e.CCU); err != nil {
			return nil, fmt.Errorf("upsert daily peak %d: %w", e.ItemID, err)
		}
	}

	prev := make(map[int64]int64)
	rows, err := tx.QueryxContext(ctx, "SELECT item_id, current_ccu FROM ranking_cache")
	if err != nil {
		return nil, fmt.Errorf("read previous ranking: %w", err)
	}
	for rows.Next() {
		var id, ccu int64
		if err := rows.Scan(&id, &ccu); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan previous ranking: %w", err)
		}
		prev[id] = ccu
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read previous ranking: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM ranking_cache"); err != nil {
		return nil, fmt.Errorf("clear ranking: %w", err)
	}

	since := at.Add(-24 * time.Hour)
	ranking := make([]RankingEntry, 0, len(entries))
	for _, e := range entries {
		var windowMax sql.NullInt64
		if err := tx.GetContext(ctx, &windowMax, `
			SELECT MAX(ccu) FROM ccu_snapshots
			WHERE item_id = ? AND captured_at >= ?
		`, e.ItemID, since); err != nil {
			return nil, fmt.Errorf("peak 24h %d: %w", e.ItemID, err)
		}

		entry := RankingEntry{
			Rank:       e.Rank,
			ItemID:     e.ItemID,
			CurrentCCU: e.CCU,
			Peak24h:    max(windowMax.Int64, e.CCU),
			UpdatedAt:  at,
		}
		if p, ok := prev[e.ItemID]; ok {
			entry.PrevCCU = &p
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ranking_cache (item_id, rank, current_ccu, peak_24h, prev_ccu, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, entry.ItemID, entry.Rank, entry.CurrentCCU, entry.Peak24h, entry.PrevCCU, entry.UpdatedAt); err != nil {
			return nil, fmt.Errorf("insert ranking %d: %w", e.ItemID, err)
		}
		ranking = append(ranking, entry)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit cycle: %w", err)
	}
	return ranking, nil
}

const rankingSelect = `
	SELECT rc.rank, rc.item_id, rc.current_ccu, rc.peak_24h, rc.prev_ccu, rc.updated_at,
	       COALESCE(i.name, '') AS name, i.image
	FROM ranking_cache rc
	LEFT JOIN items i ON i.id = rc.item_id
`

// GetRanking reads the whole ranking in one statement, so it observes a
// single committed cycle.
func (s *SQLiteStore) GetRanking(ctx context.Context) ([]RankingEntry, error) {
	var entries []RankingEntry
	if err := s.db.SelectContext(ctx, &entries, rankingSelect+" ORDER BY rc.rank"); err != nil {
		return nil, fmt.Errorf("get ranking: %w", err)
	}
	return entries, nil
}

func (s *SQLiteStore) GetRankingEntry(ctx context.Context, itemID int64) (*RankingEntry, error) {
	var entry RankingEntry
	err := s.db.GetContext(ctx, &entry, rankingSelect+" WHERE rc.item_id = ?", itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ranking entry %d: %w", itemID, err)
	}
	return &entry, nil
}
