// Package trend derives cycle-over-cycle movement from the ranking.
package trend

import (
	"math"

	"github.com/elonfeng/ccuradar/internal/store"
)

// Direction is an entry's movement since the previous cycle.
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
	Flat Direction = "flat"
	// New marks an entry with no previous-cycle count.
	New Direction = "new"
)

// Entry is a ranking row annotated with its movement.
type Entry struct {
	store.RankingEntry
	Trend     Direction `json:"trend"`
	Delta     *int64    `json:"delta"`
	PctChange *float64  `json:"pct_change"`
}

// Annotate adds movement to every ranking row, keeping the order.
func Annotate(ranking []store.RankingEntry) []Entry {
	out := make([]Entry, len(ranking))
	for i, r := range ranking {
		out[i] = annotate(r)
	}
	return out
}

func annotate(r store.RankingEntry) Entry {
	e := Entry{RankingEntry: r, Trend: New}
	if r.PrevCCU == nil {
		return e
	}

	delta := r.CurrentCCU - *r.PrevCCU
	e.Delta = &delta
	switch {
	case delta > 0:
		e.Trend = Up
	case delta < 0:
		e.Trend = Down
	default:
		e.Trend = Flat
	}
	if *r.PrevCCU > 0 {
		pct := PctChange(*r.PrevCCU, r.CurrentCCU)
		e.PctChange = &pct
	}
	return e
}

// PctChange returns the percent change from prev to cur, rounded to one
// decimal place. prev must be positive.
func PctChange(prev, cur int64) float64 {
	return math.Round(float64(cur-prev)*1000/float64(prev)) / 10
}
