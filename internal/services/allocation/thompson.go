// Package allocation spreads paper-trading traffic across tracked
// strategies. The policy is a win-rate-biased softmax over rolling
// performance: proven strategies take most signals while every survivor
// keeps a guaranteed exploration floor so its statistics never go stale.
package allocation

import (
	"math"
	"math/rand"
	"sort"

	"github.com/edgelab/signalforge/internal/logging"
)

// StrategyStats is the slice of rolling performance the allocator reads.
type StrategyStats struct {
	Name           string
	WinRate        float64 // percent
	RiskReward     float64
	AvgDurationMin float64
	TradesAnalyzed int
}

// Allocation is one strategy's share of incoming signals.
type Allocation struct {
	Name        string  `json:"name"`
	Score       float64 `json:"score"`
	Probability float64 `json:"probability"`
	Floored     bool    `json:"floored"`
}

// Config shapes the scoring and exploration policy.
type Config struct {
	// Exponents in score = rr^alpha * normalized_wr^beta. Beta above alpha
	// keeps the policy hit-rate-biased.
	RiskRewardExponent float64 `mapstructure:"risk_reward_exponent"`
	WinRateExponent    float64 `mapstructure:"win_rate_exponent"`

	// Softmax temperature. Higher values sharpen toward the leader.
	Temperature float64 `mapstructure:"temperature"`

	// Multiplicative bonus once win rate crosses the tier thresholds.
	HighWinRateAt    float64 `mapstructure:"high_win_rate_at"`
	HighWinRateBonus float64 `mapstructure:"high_win_rate_bonus"`
	MedWinRateAt     float64 `mapstructure:"med_win_rate_at"`
	MedWinRateBonus  float64 `mapstructure:"med_win_rate_bonus"`

	// Linear score discount once average duration exceeds the threshold.
	DurationDiscountAfter   float64 `mapstructure:"duration_discount_after"` // minutes
	DurationDiscountPerHour float64 `mapstructure:"duration_discount_per_hour"`

	// Minimum allocation probability per win-rate tier. Floors keep weak
	// strategies exploring instead of starving.
	HighTierFloor float64 `mapstructure:"high_tier_floor"` // win rate >= HighWinRateAt
	MedTierFloor  float64 `mapstructure:"med_tier_floor"`  // win rate >= MedTierAt
	MedTierAt     float64 `mapstructure:"med_tier_at"`
	BaseFloor     float64 `mapstructure:"base_floor"`

	// Strategies with fewer analyzed trades score zero, so their win rate
	// cannot buy traffic until the sample is large enough to trust. They
	// still receive their tier floor.
	MinTradesForScoring int `mapstructure:"min_trades_for_scoring"`
}

// DefaultConfig returns the standard hit-rate-biased policy.
func DefaultConfig() Config {
	return Config{
		RiskRewardExponent:      0.5,
		WinRateExponent:         2.0,
		Temperature:             3.0,
		HighWinRateAt:           70,
		HighWinRateBonus:        1.3,
		MedWinRateAt:            65,
		MedWinRateBonus:         1.15,
		DurationDiscountAfter:   240,
		DurationDiscountPerHour: 0.05,
		HighTierFloor:           0.15,
		MedTierFloor:            0.08,
		MedTierAt:               60,
		BaseFloor:               0.02,
		MinTradesForScoring:     10,
	}
}

// Allocator computes allocation distributions and samples from them.
type Allocator struct {
	cfg    Config
	logger *logging.Logger
}

func New(cfg Config, logger *logging.Logger) *Allocator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Allocator{cfg: cfg, logger: logger}
}

// score is rr^alpha * (wr/100)^beta with the duration discount and tier
// bonuses applied. A strategy below the minimum sample size scores zero so
// a lucky early streak cannot dominate the distribution.
func (a *Allocator) score(s StrategyStats) float64 {
	if s.TradesAnalyzed < a.cfg.MinTradesForScoring {
		return 0
	}
	rr := math.Max(s.RiskReward, 0)
	wr := math.Min(math.Max(s.WinRate, 0), 100) / 100

	score := math.Pow(rr, a.cfg.RiskRewardExponent) * math.Pow(wr, a.cfg.WinRateExponent)

	if a.cfg.DurationDiscountAfter > 0 && s.AvgDurationMin > a.cfg.DurationDiscountAfter {
		hoursOver := (s.AvgDurationMin - a.cfg.DurationDiscountAfter) / 60
		score *= math.Max(0, 1-a.cfg.DurationDiscountPerHour*hoursOver)
	}

	switch {
	case s.WinRate >= a.cfg.HighWinRateAt:
		score *= a.cfg.HighWinRateBonus
	case s.WinRate >= a.cfg.MedWinRateAt:
		score *= a.cfg.MedWinRateBonus
	}
	return score
}

func (a *Allocator) floor(winRate float64) float64 {
	switch {
	case winRate >= a.cfg.HighWinRateAt:
		return a.cfg.HighTierFloor
	case winRate >= a.cfg.MedTierAt:
		return a.cfg.MedTierFloor
	default:
		return a.cfg.BaseFloor
	}
}

// Allocate maps the stats to a probability distribution summing to one.
// Every strategy is guaranteed at least its tier floor; the residual mass is
// split softmax-proportionally among the rest. When every score is zero the
// distribution is uniform.
func (a *Allocator) Allocate(stats []StrategyStats) []Allocation {
	if len(stats) == 0 {
		return nil
	}

	allocations := make([]Allocation, len(stats))
	weights := make([]float64, len(stats))
	floors := make([]float64, len(stats))
	var weightSum, floorSum float64
	for i, s := range stats {
		allocations[i] = Allocation{Name: s.Name, Score: a.score(s)}
		weights[i] = math.Exp(allocations[i].Score * a.cfg.Temperature)
		weightSum += weights[i]
		floors[i] = a.floor(s.WinRate)
		floorSum += floors[i]
	}

	// More floors than probability mass: scale them down proportionally so
	// the guarantee degrades gracefully with many strategies.
	if floorSum > 1 {
		for i := range floors {
			floors[i] /= floorSum
		}
	}

	uniform := weightSum == 0 || math.IsInf(weightSum, 1) || math.IsNaN(weightSum)
	for i := range allocations {
		if uniform {
			allocations[i].Probability = 1 / float64(len(stats))
		} else {
			allocations[i].Probability = weights[i] / weightSum
		}
	}

	applyFloors(allocations, floors)

	sort.SliceStable(allocations, func(i, j int) bool {
		if allocations[i].Probability != allocations[j].Probability {
			return allocations[i].Probability > allocations[j].Probability
		}
		return allocations[i].Name < allocations[j].Name
	})

	a.logger.WithFields(logging.Fields{
		"strategies": len(allocations),
		"top":        allocations[0].Name,
	}).Debug("allocation distribution computed")
	return allocations
}

// applyFloors raises sub-floor probabilities to their floors and rescales
// the remainder, repeating until stable. Rescaling can push a previously
// safe entry below its floor, hence the loop; each pass pins at least one
// entry so it terminates.
func applyFloors(allocations []Allocation, floors []float64) {
	pinned := make([]bool, len(allocations))
	for {
		violated := false
		for i := range allocations {
			if !pinned[i] && allocations[i].Probability < floors[i] {
				allocations[i].Probability = floors[i]
				allocations[i].Floored = true
				pinned[i] = true
				violated = true
			}
		}
		if !violated {
			return
		}

		// Rescale the unpinned entries into whatever mass the floors left.
		var pinnedMass, unpinnedSum float64
		for i := range allocations {
			if pinned[i] {
				pinnedMass += allocations[i].Probability
			} else {
				unpinnedSum += allocations[i].Probability
			}
		}
		remaining := 1 - pinnedMass
		if remaining <= 0 || unpinnedSum == 0 {
			return
		}
		scale := remaining / unpinnedSum
		for i := range allocations {
			if !pinned[i] {
				allocations[i].Probability *= scale
			}
		}
	}
}

// Select draws one strategy from the distribution using the injected
// source, so routing decisions replay exactly under a fixed seed.
func (a *Allocator) Select(allocations []Allocation, rng *rand.Rand) (Allocation, bool) {
	if len(allocations) == 0 {
		return Allocation{}, false
	}
	draw := rng.Float64()
	var cum float64
	for _, alloc := range allocations {
		cum += alloc.Probability
		if draw < cum {
			return alloc, true
		}
	}
	// Floating point residue: fall back to the last entry.
	return allocations[len(allocations)-1], true
}
