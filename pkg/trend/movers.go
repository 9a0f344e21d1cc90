package trend

import (
	"sort"
	"time"

	"github.com/elonfeng/ccuradar/internal/store"
)

// DefaultMoversLimit is how many gainers and losers are reported.
const DefaultMoversLimit = 10

// Movers is the gainers/losers view of one ranking cycle.
type Movers struct {
	Gainers   []Entry    `json:"gainers"`
	Losers    []Entry    `json:"losers"`
	UpdatedAt *time.Time `json:"last_updated_at"`
}

// ComputeMovers ranks entries by percent change against the previous
// cycle. Only entries with a positive previous count take part. Gainers
// are ordered by largest rise, losers by largest fall, limit each.
func ComputeMovers(ranking []store.RankingEntry, limit int) Movers {
	if limit <= 0 {
		limit = DefaultMoversLimit
	}

	m := Movers{Gainers: []Entry{}, Losers: []Entry{}}
	if len(ranking) > 0 {
		t := ranking[0].UpdatedAt
		m.UpdatedAt = &t
	}

	for _, r := range ranking {
		e := annotate(r)
		if e.PctChange == nil {
			continue
		}
		switch e.Trend {
		case Up:
			m.Gainers = append(m.Gainers, e)
		case Down:
			m.Losers = append(m.Losers, e)
		}
	}

	sort.SliceStable(m.Gainers, func(i, j int) bool { return *m.Gainers[i].PctChange > *m.Gainers[j].PctChange })
	sort.SliceStable(m.Losers, func(i, j int) bool { return *m.Losers[i].PctChange < *m.Losers[j].PctChange })

	if len(m.Gainers) > limit {
		m.Gainers = m.Gainers[:limit]
	}
	if len(m.Losers) > limit {
		m.Losers = m.Losers[:limit]
	}
	return m
}
