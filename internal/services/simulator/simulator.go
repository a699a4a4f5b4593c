// Package simulator replays a trade's recorded price milestones against one
// strategy's exit rules and computes the exit it would have produced. Pure
// computation: the same trade and params always yield the same result.
package simulator

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/edgelab/signalforge/internal/models"
	"github.com/edgelab/signalforge/internal/strategy"
)

var (
	// ErrMissingEntry means the trade has no entry price to simulate from.
	ErrMissingEntry = errors.New("simulator: trade has no entry price")
	// ErrMissingDirection means the trade has no direction.
	ErrMissingDirection = errors.New("simulator: trade has no direction")
	// ErrReplayExhausted means replay ran out of data without a result. The
	// time-exit fallback should make this unreachable; seeing it indicates a
	// data integrity bug upstream.
	ErrReplayExhausted = errors.New("simulator: replay exhausted without result")
)

// Exit reasons. Partial-exit strategies report composites such as "tp1+sl".
const (
	ExitTP1        = "tp1"
	ExitTP2        = "tp2"
	ExitTP3        = "tp3"
	ExitSL         = "sl"
	ExitTrailingSL = "trailing_sl"
	ExitBreakeven  = "breakeven"
	ExitTimeExit   = "time_exit"
	ExitEarlyClose = "early_close"
)

// Result is the outcome of simulating one (trade, strategy) pair. Always
// recomputed, never mutated.
type Result struct {
	ExitPrice   float64
	ExitReason  string
	PnLPct      float64
	PnLUSD      decimal.Decimal
	DurationMin float64
	// Approximate marks results from the excursion fallback path, which
	// assumes adverse excursion precedes favorable and is strictly less
	// trustworthy than milestone replay.
	Approximate bool
}

// Config tunes the fixed modeling assumptions of the replay.
type Config struct {
	// PartialExitWeight is the fraction of the position closed at TP1 for
	// partial-exit strategies. The remainder exits at the final event.
	PartialExitWeight float64 `mapstructure:"partial_exit_weight"`
	// TimeExitAfter is the holding time beyond which an undecided replay is
	// treated as a time-based exit rather than an early close.
	TimeExitAfter time.Duration `mapstructure:"time_exit_after"`
	// NotionalUSD sizes the PnL-USD figure reported per simulation.
	NotionalUSD decimal.Decimal `mapstructure:"notional_usd"`
}

// DefaultConfig returns the engine's standard modeling assumptions.
func DefaultConfig() Config {
	return Config{
		PartialExitWeight: 0.5,
		TimeExitAfter:     24 * time.Hour,
		NotionalUSD:       decimal.NewFromInt(1000),
	}
}

// Simulator evaluates strategies against recorded trade history.
type Simulator struct {
	cfg Config
}

// New returns a Simulator with the given modeling config.
func New(cfg Config) *Simulator {
	if cfg.PartialExitWeight <= 0 || cfg.PartialExitWeight >= 1 {
		cfg.PartialExitWeight = 0.5
	}
	if cfg.TimeExitAfter <= 0 {
		cfg.TimeExitAfter = 24 * time.Hour
	}
	if cfg.NotionalUSD.IsZero() {
		cfg.NotionalUSD = decimal.NewFromInt(1000)
	}
	return &Simulator{cfg: cfg}
}

// Simulate computes the exit the strategy would have produced on the trade.
// Milestone replay is the primary path; trades without milestones fall back
// to the excursion approximation.
func (s *Simulator) Simulate(trade *models.BaselineTrade, params strategy.Params) (Result, error) {
	if trade == nil || trade.EntryPrice == 0 {
		return Result{}, ErrMissingEntry
	}
	if trade.Direction != strategy.DirectionLong && trade.Direction != strategy.DirectionShort {
		return Result{}, ErrMissingDirection
	}
	if err := params.Validate(); err != nil {
		return Result{}, fmt.Errorf("simulator: invalid params: %w", err)
	}

	if len(trade.Milestones) == 0 {
		return s.simulateFromExcursions(trade, params)
	}
	return s.replayMilestones(trade, params)
}

// replayState tracks the running exit-rule machinery across milestone events.
type replayState struct {
	highestProfit   float64
	trailingActive  bool
	trailingLevel   float64
	breakevenActive bool
	effectiveSL     float64
	tp1Hit          bool
	tp1At           time.Time
}

func (s *Simulator) replayMilestones(trade *models.BaselineTrade, params strategy.Params) (Result, error) {
	events := trade.SortedMilestones()
	st := replayState{effectiveSL: params.SLPct}
	partial := params.IsPartialExit()

	for _, ev := range events {
		pnl := ev.ThresholdPct

		if pnl > st.highestProfit {
			st.highestProfit = pnl
		}
		if params.BreakevenTriggerPct > 0 && !st.breakevenActive && pnl >= params.BreakevenTriggerPct {
			st.breakevenActive = true
			st.effectiveSL = 0
		}
		if params.Trailing != nil && st.highestProfit >= params.Trailing.ActivationPct {
			st.trailingActive = true
			st.trailingLevel = st.highestProfit - params.Trailing.DistancePct
		}

		// Exit checks in fixed priority order. The first hit decides.
		if exit, ok := s.checkExit(&st, params, pnl, partial); ok {
			return s.finishReplay(trade, params, &st, ev.HitAt, exit.pnl, exit.reason), nil
		}
	}

	return s.timeBasedExit(trade, params, &st)
}

type exitDecision struct {
	pnl    float64
	reason string
}

func (s *Simulator) checkExit(st *replayState, params strategy.Params, pnl float64, partial bool) (exitDecision, bool) {
	// 1. Stop loss / breakeven stop.
	if !params.IsNoStop() || st.breakevenActive {
		if pnl <= st.effectiveSL {
			reason := ExitSL
			if st.breakevenActive && st.effectiveSL == 0 {
				reason = ExitBreakeven
			}
			return exitDecision{pnl: st.effectiveSL, reason: reason}, true
		}
	}
	// 2. Trailing stop, only once activated.
	if st.trailingActive && pnl <= st.trailingLevel {
		return exitDecision{pnl: st.trailingLevel, reason: ExitTrailingSL}, true
	}
	// 3-5. TP3 > TP2 > TP1.
	if params.TP3Pct > 0 && pnl >= params.TP3Pct {
		return exitDecision{pnl: params.TP3Pct, reason: ExitTP3}, true
	}
	if params.TP2Pct > 0 && pnl >= params.TP2Pct {
		return exitDecision{pnl: params.TP2Pct, reason: ExitTP2}, true
	}
	if pnl >= params.TP1Pct {
		if partial && !st.tp1Hit {
			// Take half, keep replaying the rest toward TP2.
			st.tp1Hit = true
			return exitDecision{}, false
		}
		return exitDecision{pnl: params.TP1Pct, reason: ExitTP1}, true
	}
	return exitDecision{}, false
}

func (s *Simulator) finishReplay(trade *models.BaselineTrade, params strategy.Params, st *replayState, at time.Time, exitPnL float64, reason string) Result {
	duration := at.Sub(trade.EntryAt)
	if duration < 0 {
		duration = 0
	}
	pnl := exitPnL
	if st.tp1Hit {
		w := s.cfg.PartialExitWeight
		pnl = w*params.TP1Pct + (1-w)*exitPnL
		reason = ExitTP1 + "+" + reason
	}
	return s.result(trade, pnl, reason, duration, false)
}

// timeBasedExit closes a replay that ran out of events without a decision.
func (s *Simulator) timeBasedExit(trade *models.BaselineTrade, params strategy.Params, st *replayState) (Result, error) {
	if trade.ExitAt == nil && trade.EntryAt.IsZero() {
		return Result{}, ErrReplayExhausted
	}
	duration := trade.Duration()

	var pnl float64
	var reason string
	if duration >= s.cfg.TimeExitAfter {
		reason = ExitTimeExit
		if params.IsNoStop() {
			pnl = trade.MaxFavorablePct
		} else {
			pnl = trade.FinalPnLPct
		}
	} else {
		reason = ExitEarlyClose
		pnl = trade.FinalPnLPct
	}

	if st != nil && st.tp1Hit {
		w := s.cfg.PartialExitWeight
		pnl = w*params.TP1Pct + (1-w)*pnl
		reason = ExitTP1 + "+" + reason
	}
	return s.result(trade, pnl, reason, duration, false), nil
}

// simulateFromExcursions approximates the outcome from MFE/MAE when no
// ordered milestones exist. Adverse excursion is assumed to come first, which
// overstates stop-outs; results are flagged Approximate so downstream
// consumers can discount their confidence.
func (s *Simulator) simulateFromExcursions(trade *models.BaselineTrade, params strategy.Params) (Result, error) {
	duration := trade.Duration()

	if params.IsNoStop() {
		// Baseline semantics: no stop can trigger, exit at the best the trade
		// ever showed.
		return s.result(trade, trade.MaxFavorablePct, ExitTimeExit, duration, true), nil
	}

	if trade.MaxAdversePct <= params.SLPct {
		return s.result(trade, params.SLPct, ExitSL, duration, true), nil
	}
	if params.TP3Pct > 0 && trade.MaxFavorablePct >= params.TP3Pct {
		return s.result(trade, params.TP3Pct, ExitTP3, duration, true), nil
	}
	if params.TP2Pct > 0 && trade.MaxFavorablePct >= params.TP2Pct {
		return s.result(trade, params.TP2Pct, ExitTP2, duration, true), nil
	}
	if trade.MaxFavorablePct >= params.TP1Pct {
		return s.result(trade, params.TP1Pct, ExitTP1, duration, true), nil
	}

	res, err := s.timeBasedExit(trade, params, nil)
	if err != nil {
		return Result{}, err
	}
	res.Approximate = true
	return res, nil
}

func (s *Simulator) result(trade *models.BaselineTrade, pnlPct float64, reason string, duration time.Duration, approximate bool) Result {
	pnlUSD := s.cfg.NotionalUSD.Mul(decimal.NewFromFloat(pnlPct)).Div(decimal.NewFromInt(100))
	return Result{
		ExitPrice:   trade.PriceAtPnL(pnlPct),
		ExitReason:  reason,
		PnLPct:      pnlPct,
		PnLUSD:      pnlUSD,
		DurationMin: math.Round(duration.Minutes()*100) / 100,
		Approximate: approximate,
	}
}
