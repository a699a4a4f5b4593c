// Package strategy defines the canonical exit-rule value types shared by the
// optimizer, simulator, validator and allocator.
package strategy

import (
	"fmt"
	"math"
)

// Direction is the side of a tracked signal.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

func ParseDirection(s string) (Direction, error) {
	switch s {
	case "LONG":
		return DirectionLong, nil
	case "SHORT":
		return DirectionShort, nil
	default:
		return DirectionLong, fmt.Errorf("unknown direction: %s", s)
	}
}

// Opposite returns the other side.
func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

// NoStopLossMagnitude marks a stop loss that must never trigger. Baseline
// trades run with this sentinel so raw excursions are recorded unconstrained.
const NoStopLossMagnitude = 999999.0

// TrailingStop activates once profit reaches ActivationPct and then follows
// the high-water mark at DistancePct behind it.
type TrailingStop struct {
	ActivationPct float64 `json:"activation_pct"`
	DistancePct   float64 `json:"distance_pct"`
}

// Params is one immutable take-profit / stop-loss configuration. Construct
// through NewParams so invalid combinations are rejected up front rather than
// deep inside the simulator.
type Params struct {
	Name string `json:"name"`

	// TP levels are profit percentages from entry. TP2/TP3 of zero mean the
	// level is unset.
	TP1Pct float64 `json:"tp1_pct"`
	TP2Pct float64 `json:"tp2_pct"`
	TP3Pct float64 `json:"tp3_pct"`

	// SLPct is negative. A magnitude of NoStopLossMagnitude or more means no
	// real stop.
	SLPct float64 `json:"sl_pct"`

	Trailing *TrailingStop `json:"trailing,omitempty"`

	// BreakevenTriggerPct moves the effective stop to 0% once profit reaches
	// it. Zero means disabled.
	BreakevenTriggerPct float64 `json:"breakeven_trigger_pct"`
}

// NewParams builds a validated Params. The name is derived from the levels so
// identical configurations always carry identical names.
func NewParams(tp1, tp2, tp3, sl float64, trailing *TrailingStop, breakeven float64) (Params, error) {
	p := Params{
		TP1Pct:              tp1,
		TP2Pct:              tp2,
		TP3Pct:              tp3,
		SLPct:               sl,
		Trailing:            trailing,
		BreakevenTriggerPct: breakeven,
	}
	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	p.Name = deriveName(p)
	return p, nil
}

// MustParams is NewParams for fixed tables and tests.
func MustParams(tp1, tp2, tp3, sl float64, trailing *TrailingStop, breakeven float64) Params {
	p, err := NewParams(tp1, tp2, tp3, sl, trailing, breakeven)
	if err != nil {
		panic(err)
	}
	return p
}

// Validate rejects configurations the engine could never trade.
func (p Params) Validate() error {
	if p.TP1Pct <= 0 {
		return fmt.Errorf("tp1 must be positive, got %.2f", p.TP1Pct)
	}
	if p.SLPct >= 0 {
		return fmt.Errorf("sl must be negative, got %.2f", p.SLPct)
	}
	if !p.IsNoStop() && math.Abs(p.SLPct) >= p.TP1Pct {
		return fmt.Errorf("sl magnitude %.2f must be below tp1 %.2f", math.Abs(p.SLPct), p.TP1Pct)
	}
	if p.TP2Pct != 0 && p.TP2Pct <= p.TP1Pct {
		return fmt.Errorf("tp2 %.2f must exceed tp1 %.2f", p.TP2Pct, p.TP1Pct)
	}
	if p.TP3Pct != 0 && p.TP3Pct <= p.TP2Pct {
		return fmt.Errorf("tp3 %.2f must exceed tp2 %.2f", p.TP3Pct, p.TP2Pct)
	}
	if p.BreakevenTriggerPct < 0 {
		return fmt.Errorf("breakeven trigger must not be negative, got %.2f", p.BreakevenTriggerPct)
	}
	if p.Trailing != nil {
		if p.Trailing.ActivationPct <= 0 || p.Trailing.DistancePct <= 0 {
			return fmt.Errorf("trailing activation and distance must be positive")
		}
		if p.Trailing.DistancePct >= p.Trailing.ActivationPct {
			return fmt.Errorf("trailing distance %.2f must be below activation %.2f",
				p.Trailing.DistancePct, p.Trailing.ActivationPct)
		}
	}
	return nil
}

// IsNoStop reports whether the stop loss is the never-triggering sentinel.
func (p Params) IsNoStop() bool {
	return math.Abs(p.SLPct) >= NoStopLossMagnitude
}

// RiskReward is TP1 over stop magnitude. Sentinel stops report 0.
func (p Params) RiskReward() float64 {
	if p.IsNoStop() {
		return 0
	}
	return p.TP1Pct / math.Abs(p.SLPct)
}

// IsPartialExit reports whether TP1 takes half off and the rest rides toward
// TP2 under breakeven protection.
func (p Params) IsPartialExit() bool {
	return p.BreakevenTriggerPct > 0 && p.TP2Pct > 0
}

func deriveName(p Params) string {
	name := fmt.Sprintf("tp%.1f_sl%.1f", p.TP1Pct, math.Abs(p.SLPct))
	if p.IsNoStop() {
		name = fmt.Sprintf("tp%.1f_nostop", p.TP1Pct)
	}
	if p.TP2Pct > 0 {
		name += fmt.Sprintf("_tp2-%.1f", p.TP2Pct)
	}
	if p.TP3Pct > 0 {
		name += fmt.Sprintf("_tp3-%.1f", p.TP3Pct)
	}
	if p.BreakevenTriggerPct > 0 {
		name += fmt.Sprintf("_be%.1f", p.BreakevenTriggerPct)
	}
	if p.Trailing != nil {
		name += fmt.Sprintf("_tr%.1f-%.1f", p.Trailing.ActivationPct, p.Trailing.DistancePct)
	}
	return name
}

// Category buckets strategies by take-profit size so generation can favor a
// spread of behaviors over near-duplicate top scorers.
type Category string

const (
	CategorySmallTP     Category = "small_tp"
	CategoryMediumTP    Category = "medium_tp"
	CategoryLargeTP     Category = "large_tp"
	CategoryVeryLargeTP Category = "very_large_tp"
	CategoryTrailing    Category = "trailing"
	CategoryBestOverall Category = "best_overall"
)

// CategoryPreferenceOrder is the fixed order generation fills categories in.
var CategoryPreferenceOrder = []Category{
	CategorySmallTP,
	CategoryMediumTP,
	CategoryLargeTP,
	CategoryVeryLargeTP,
	CategoryTrailing,
	CategoryBestOverall,
}

// TPCategory buckets a TP1 level. Trailing and best-overall are selected by
// other rules, not by bucket.
func TPCategory(tp1 float64) Category {
	switch {
	case tp1 <= 2.0:
		return CategorySmallTP
	case tp1 <= 4.0:
		return CategoryMediumTP
	case tp1 <= 7.0:
		return CategoryLargeTP
	default:
		return CategoryVeryLargeTP
	}
}
