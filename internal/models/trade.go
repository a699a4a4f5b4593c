package models

import (
	"sort"
	"time"

	"github.com/edgelab/signalforge/internal/strategy"
)

// BaselineExitReason explains why a baseline trade stopped being tracked.
type BaselineExitReason string

const (
	BaselineExitReplacement BaselineExitReason = "replacement"
	BaselineExitReversal    BaselineExitReason = "reversal"
	BaselineExitManual      BaselineExitReason = "manual"
)

// Milestone records the first time a trade's PnL crossed a fixed threshold.
// Immutable once created, unique per (trade, threshold).
type Milestone struct {
	ID           string             `json:"id" db:"id"`
	TradeID      string             `json:"trade_id" db:"trade_id"`
	ThresholdPct float64            `json:"threshold_pct" db:"threshold_pct"`
	HitAt        time.Time          `json:"hit_at" db:"hit_at"`
	HitPrice     float64            `json:"hit_price" db:"hit_price"`
	TimeToHit    time.Duration      `json:"time_to_hit" db:"time_to_hit"`
}

// BaselineTrade is a signal occurrence tracked without TP/SL so the raw
// directional edge of its source can be measured.
type BaselineTrade struct {
	ID        string             `json:"id" db:"id"`
	Symbol    string             `json:"symbol" db:"symbol"`
	Direction strategy.Direction `json:"direction" db:"direction"`
	Source    string             `json:"source" db:"source"`

	EntryPrice float64   `json:"entry_price" db:"entry_price"`
	EntryAt    time.Time `json:"entry_at" db:"entry_at"`

	// Running excursions in PnL percent. MaxAdversePct is zero or negative.
	MaxFavorablePct float64 `json:"max_favorable_pct" db:"max_favorable_pct"`
	MaxAdversePct   float64 `json:"max_adverse_pct" db:"max_adverse_pct"`

	ExitPrice   float64            `json:"exit_price" db:"exit_price"`
	ExitAt      *time.Time         `json:"exit_at,omitempty" db:"exit_at"`
	ExitReason  BaselineExitReason `json:"exit_reason" db:"exit_reason"`
	FinalPnLPct float64            `json:"final_pnl_pct" db:"final_pnl_pct"`

	Milestones []Milestone `json:"milestones"`
}

// IsClosed reports whether the trade has an exit on record.
func (t *BaselineTrade) IsClosed() bool {
	return t.ExitAt != nil
}

// Duration is entry-to-exit for closed trades, entry-to-now otherwise.
func (t *BaselineTrade) Duration() time.Duration {
	if t.ExitAt != nil {
		return t.ExitAt.Sub(t.EntryAt)
	}
	return time.Since(t.EntryAt)
}

// PnLPctAt converts a price into signed PnL percent for this trade's side.
func (t *BaselineTrade) PnLPctAt(price float64) float64 {
	if t.EntryPrice == 0 {
		return 0
	}
	move := (price - t.EntryPrice) / t.EntryPrice * 100
	if t.Direction == strategy.DirectionShort {
		return -move
	}
	return move
}

// PriceAtPnL inverts PnLPctAt: the price at which this trade shows the given
// PnL percent.
func (t *BaselineTrade) PriceAtPnL(pnlPct float64) float64 {
	move := pnlPct
	if t.Direction == strategy.DirectionShort {
		move = -pnlPct
	}
	return t.EntryPrice * (1 + move/100)
}

// SortedMilestones returns milestones in ascending hit order, ties broken by
// threshold so replay order is total.
func (t *BaselineTrade) SortedMilestones() []Milestone {
	out := make([]Milestone, len(t.Milestones))
	copy(out, t.Milestones)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].HitAt.Equal(out[j].HitAt) {
			return out[i].HitAt.Before(out[j].HitAt)
		}
		return out[i].ThresholdPct < out[j].ThresholdPct
	})
	return out
}

// HasMilestone reports whether the threshold was already recorded.
func (t *BaselineTrade) HasMilestone(thresholdPct float64) bool {
	for _, m := range t.Milestones {
		if m.ThresholdPct == thresholdPct {
			return true
		}
	}
	return false
}

// SortTradesChronologically orders trades by entry time ascending, in place.
// Walk-forward splits depend on this ordering.
func SortTradesChronologically(trades []*BaselineTrade) {
	sort.SliceStable(trades, func(i, j int) bool {
		return trades[i].EntryAt.Before(trades[j].EntryAt)
	})
}
