// Package optimizer searches the space of take-profit / stop-loss / trailing
// / breakeven configurations against baseline trade history. The grid and
// Bayesian searchers are interchangeable: both consume the simulator and
// produce the same ranked candidate schema.
package optimizer

import (
	"context"
	"math"
	"sort"

	"github.com/edgelab/signalforge/internal/models"
	"github.com/edgelab/signalforge/internal/strategy"
)

// ZeroLossRiskReward is reported when a candidate has no losing trades. A
// large finite sentinel keeps rows storable instead of raising on infinity.
const ZeroLossRiskReward = 100.0

// Candidate is one scored strategy configuration.
type Candidate struct {
	Params strategy.Params `json:"params"`

	TradesTested   int     `json:"trades_tested"`
	SkippedTrades  int     `json:"skipped_trades"`
	Wins           int     `json:"wins"`
	Losses         int     `json:"losses"`
	WinRate        float64 `json:"win_rate"` // percent
	AvgWinPct      float64 `json:"avg_win_pct"`
	AvgLossPct     float64 `json:"avg_loss_pct"` // magnitude
	RiskReward     float64 `json:"risk_reward"`
	ExpectedValue  float64 `json:"expected_value"` // pct per trade
	AvgDurationMin float64 `json:"avg_duration_min"`
	MaxDurationMin float64 `json:"max_duration_min"`
	CompositeScore float64 `json:"composite_score"`
}

// Searcher is the contract both optimizer variants satisfy.
type Searcher interface {
	// Search returns candidates ranked by composite score descending. A
	// context deadline acts as a wall-clock budget: the best results found so
	// far are returned instead of blocking.
	Search(ctx context.Context, trades []*models.BaselineTrade) ([]Candidate, error)
}

// Config holds the scoring weights and hard acceptance thresholds shared by
// both search variants.
type Config struct {
	// Hard minimums. Candidates failing any are rejected outright.
	MinWinRate       float64 `mapstructure:"min_win_rate"` // percent
	MinRiskReward    float64 `mapstructure:"min_risk_reward"`
	MinExpectedValue float64 `mapstructure:"min_expected_value"` // pct per trade
	MaxAvgDuration   float64 `mapstructure:"max_avg_duration"`   // minutes

	// Composite score weights. Win rate is deliberately weighted above
	// risk/reward: the engine optimizes for hit rate over payoff.
	WinRateWeight    float64 `mapstructure:"win_rate_weight"`
	RiskRewardWeight float64 `mapstructure:"risk_reward_weight"`

	// Bonus multipliers once win rate crosses the tier thresholds.
	HighWinRateAt    float64 `mapstructure:"high_win_rate_at"`
	HighWinRateBonus float64 `mapstructure:"high_win_rate_bonus"`
	MedWinRateAt     float64 `mapstructure:"med_win_rate_at"`
	MedWinRateBonus  float64 `mapstructure:"med_win_rate_bonus"`

	// Linear penalty once average duration exceeds the threshold.
	DurationPenaltyAfter   float64 `mapstructure:"duration_penalty_after"`    // minutes
	DurationPenaltyPerHour float64 `mapstructure:"duration_penalty_per_hour"` // score fraction

	Workers int `mapstructure:"workers"`
}

// HighWinRateConfig is the preset biased hard toward hit rate.
func HighWinRateConfig() Config {
	return Config{
		MinWinRate:             55,
		MinRiskReward:          1.0,
		MinExpectedValue:       0.1,
		MaxAvgDuration:         720,
		WinRateWeight:          0.7,
		RiskRewardWeight:       0.3,
		HighWinRateAt:          70,
		HighWinRateBonus:       1.3,
		MedWinRateAt:           65,
		MedWinRateBonus:        1.15,
		DurationPenaltyAfter:   240,
		DurationPenaltyPerHour: 0.05,
		Workers:                4,
	}
}

// BalancedConfig trades some hit rate for payoff.
func BalancedConfig() Config {
	cfg := HighWinRateConfig()
	cfg.MinWinRate = 45
	cfg.WinRateWeight = 0.55
	cfg.RiskRewardWeight = 0.45
	return cfg
}

// rankCandidates orders by composite score descending, name ascending on
// ties, so identical inputs always produce identical rankings.
func rankCandidates(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].CompositeScore != candidates[j].CompositeScore {
			return candidates[i].CompositeScore > candidates[j].CompositeScore
		}
		return candidates[i].Params.Name < candidates[j].Params.Name
	})
}

// Viable reports whether a TP/SL pairing can be constructed at all: the stop
// must be real and strictly tighter than the first target. It deliberately
// does not compare the parameter ratio against MinRiskReward, because the
// realized risk/reward of a simulated candidate can exceed TP1/|SL| through
// extra targets and breakeven-truncated losses. Pre-filtering with it accepts
// exactly the set that post-filter scoring would keep, only cheaper.
func (c Config) Viable(tp1, sl float64) bool {
	mag := math.Abs(sl)
	if mag >= strategy.NoStopLossMagnitude {
		return false
	}
	return mag < tp1
}

// Diversified is one category pick from a ranked candidate list.
type Diversified struct {
	Category  strategy.Category `json:"category"`
	Candidate Candidate         `json:"candidate"`
}

// Diversify picks at most one candidate per category in the fixed preference
// order: best small-TP, medium-TP, large-TP, very-large-TP, best with a
// trailing stop, best overall. Avoids promoting near-duplicate parameter
// sets the way a plain top-N would.
func Diversify(candidates []Candidate) []Diversified {
	if len(candidates) == 0 {
		return nil
	}

	best := func(match func(Candidate) bool) (Candidate, bool) {
		for _, c := range candidates {
			if match(c) {
				return c, true
			}
		}
		return Candidate{}, false
	}

	var out []Diversified
	seen := make(map[string]bool)
	add := func(category strategy.Category, c Candidate, ok bool) {
		if !ok || seen[c.Params.Name] {
			return
		}
		seen[c.Params.Name] = true
		out = append(out, Diversified{Category: category, Candidate: c})
	}

	for _, category := range strategy.CategoryPreferenceOrder {
		switch category {
		case strategy.CategoryTrailing:
			c, ok := best(func(c Candidate) bool { return c.Params.Trailing != nil })
			add(category, c, ok)
		case strategy.CategoryBestOverall:
			add(category, candidates[0], true)
		default:
			bucket := category
			c, ok := best(func(c Candidate) bool { return strategy.TPCategory(c.Params.TP1Pct) == bucket })
			add(category, c, ok)
		}
	}
	return out
}
