package optimizer

import (
	"math"

	"github.com/edgelab/signalforge/internal/models"
	"github.com/edgelab/signalforge/internal/services/simulator"
	"github.com/edgelab/signalforge/internal/strategy"
)

// evaluate simulates one parameter set over every baseline trade and
// aggregates the outcomes into a Candidate. Trades that cannot be simulated
// are skipped and counted; they never abort the rest of the batch.
func evaluate(sim *simulator.Simulator, trades []*models.BaselineTrade, params strategy.Params, cfg Config) Candidate {
	agg := newAggregator()
	for _, trade := range trades {
		res, err := sim.Simulate(trade, params)
		if err != nil {
			agg.skipped++
			continue
		}
		agg.add(res)
	}
	return agg.finish(params, cfg)
}

// Score aggregates one parameter set over a trade slice. Walk-forward
// validation uses it to measure an already chosen parameter set against
// held-out trades.
func Score(sim *simulator.Simulator, trades []*models.BaselineTrade, params strategy.Params, cfg Config) Candidate {
	return evaluate(sim, trades, params, cfg)
}

// aggregator accumulates simulation outcomes for one parameter set.
type aggregator struct {
	tested      int
	skipped     int
	wins        int
	losses      int
	sumWinPct   float64
	sumLossPct  float64 // magnitudes
	sumDuration float64
	maxDuration float64
}

func newAggregator() *aggregator {
	return &aggregator{}
}

func (a *aggregator) add(res simulator.Result) {
	a.tested++
	if res.PnLPct > 0 {
		a.wins++
		a.sumWinPct += res.PnLPct
	} else {
		a.losses++
		a.sumLossPct += math.Abs(res.PnLPct)
	}
	a.sumDuration += res.DurationMin
	if res.DurationMin > a.maxDuration {
		a.maxDuration = res.DurationMin
	}
}

func (a *aggregator) finish(params strategy.Params, cfg Config) Candidate {
	c := Candidate{
		Params:         params,
		TradesTested:   a.tested,
		SkippedTrades:  a.skipped,
		Wins:           a.wins,
		Losses:         a.losses,
		MaxDurationMin: a.maxDuration,
	}
	if a.tested == 0 {
		return c
	}

	c.WinRate = float64(a.wins) / float64(a.tested) * 100
	if a.wins > 0 {
		c.AvgWinPct = a.sumWinPct / float64(a.wins)
	}
	if a.losses > 0 {
		c.AvgLossPct = a.sumLossPct / float64(a.losses)
	}
	c.RiskReward = riskReward(c.AvgWinPct, c.AvgLossPct, a.losses)

	winProb := c.WinRate / 100
	c.ExpectedValue = winProb*c.AvgWinPct - (1-winProb)*c.AvgLossPct
	c.AvgDurationMin = a.sumDuration / float64(a.tested)
	c.CompositeScore = compositeScore(c, cfg)
	return c
}

// riskReward guards the zero-loss case with a large finite sentinel.
func riskReward(avgWin, avgLoss float64, losses int) float64 {
	if losses == 0 || avgLoss == 0 {
		if avgWin > 0 {
			return ZeroLossRiskReward
		}
		return 0
	}
	return avgWin / avgLoss
}

// compositeScore blends win rate and risk/reward with the configured
// win-rate bias, applies the linear duration penalty, then the win-rate tier
// bonuses. Output is clamped to [0, 100].
func compositeScore(c Candidate, cfg Config) float64 {
	winComponent := cfg.WinRateWeight * (c.WinRate / 100)

	// Risk/reward saturates at 3:1 so the sentinel can't dominate the blend.
	rrNorm := math.Min(c.RiskReward/3.0, 1.0)
	rrComponent := cfg.RiskRewardWeight * rrNorm

	score := winComponent + rrComponent

	if cfg.DurationPenaltyAfter > 0 && c.AvgDurationMin > cfg.DurationPenaltyAfter {
		hoursOver := (c.AvgDurationMin - cfg.DurationPenaltyAfter) / 60
		score *= math.Max(0, 1-cfg.DurationPenaltyPerHour*hoursOver)
	}

	switch {
	case c.WinRate >= cfg.HighWinRateAt:
		score *= cfg.HighWinRateBonus
	case c.WinRate >= cfg.MedWinRateAt:
		score *= cfg.MedWinRateBonus
	}

	return math.Round(clamp01(score)*100*10000) / 10000
}

// acceptable applies the hard minimum thresholds.
func acceptable(c Candidate, cfg Config) bool {
	if c.TradesTested == 0 {
		return false
	}
	if c.WinRate < cfg.MinWinRate {
		return false
	}
	if c.RiskReward < cfg.MinRiskReward {
		return false
	}
	if c.ExpectedValue < cfg.MinExpectedValue {
		return false
	}
	if cfg.MaxAvgDuration > 0 && c.AvgDurationMin > cfg.MaxAvgDuration {
		return false
	}
	return true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
