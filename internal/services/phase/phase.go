// Package phase decides where a (symbol, direction, source) key sits in the
// promotion ladder: collecting baseline data, paper-trading optimized
// strategies, or routing live through a proven one. Phase is always derived
// from current counts and performance rows, never stored, so a restart can
// never resurrect a stale promotion.
package phase

import (
	"fmt"
	"math"
	"sort"

	"github.com/edgelab/signalforge/internal/logging"
	"github.com/edgelab/signalforge/internal/models"
)

// Phase is the promotion state for one signal key.
type Phase int

const (
	// PhaseBaseline collects raw trades with no exit management.
	PhaseBaseline Phase = iota + 1
	// PhaseOptimization paper-trades generated strategies.
	PhaseOptimization
	// PhaseLive routes signals through the best eligible strategy.
	PhaseLive
)

func (p Phase) String() string {
	switch p {
	case PhaseBaseline:
		return "phase_1_baseline"
	case PhaseOptimization:
		return "phase_2_optimization"
	case PhaseLive:
		return "phase_3_live"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Parse converts a stored phase string back to its value.
func Parse(s string) (Phase, error) {
	switch s {
	case "phase_1_baseline":
		return PhaseBaseline, nil
	case "phase_2_optimization":
		return PhaseOptimization, nil
	case "phase_3_live":
		return PhaseLive, nil
	default:
		return 0, fmt.Errorf("unknown phase %q", s)
	}
}

// Config holds the promotion thresholds.
type Config struct {
	// Baseline requirements. Strong early signals shrink the requirement
	// toward the absolute floor, weak ones grow it.
	BaseRequiredTrades int `mapstructure:"base_required_trades"`
	MinRequiredTrades  int `mapstructure:"min_required_trades"`
	WeakSignalExtra    int `mapstructure:"weak_signal_extra"`
	RegenerateEveryN   int `mapstructure:"regenerate_every_n"`

	// Live eligibility.
	MinTradesForLive  int     `mapstructure:"min_trades_for_live"`
	MinWinRate        float64 `mapstructure:"min_win_rate"` // percent
	MaxAvgDurationMin float64 `mapstructure:"max_avg_duration_min"`
	MaxDurationMin    float64 `mapstructure:"max_duration_min"`
	MinExpectedValue  float64 `mapstructure:"min_expected_value"`
}

// DefaultConfig returns the standard promotion thresholds.
func DefaultConfig() Config {
	return Config{
		BaseRequiredTrades: 10,
		MinRequiredTrades:  5,
		WeakSignalExtra:    5,
		RegenerateEveryN:   5,
		MinTradesForLive:   10,
		MinWinRate:         55,
		MaxAvgDurationMin:  720,
		MaxDurationMin:     2880,
		MinExpectedValue:   0,
	}
}

// requiredRiskReward is the win-rate-dependent RR floor. A higher hit rate
// can carry a thinner payoff.
func requiredRiskReward(winRate float64) float64 {
	switch {
	case winRate >= 70:
		return 0.8
	case winRate >= 65:
		return 1.0
	case winRate >= 60:
		return 1.2
	default:
		return 1.5
	}
}

// Determination is the derived phase plus the strategy selected for live
// routing, when one qualifies.
type Determination struct {
	Phase    Phase                       `json:"phase"`
	Reason   string                      `json:"reason"`
	Eligible *models.StrategyPerformance `json:"eligible,omitempty"`
}

// Manager derives phase state and eligibility.
type Manager struct {
	cfg    Config
	logger *logging.Logger
}

func NewManager(cfg Config, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{cfg: cfg, logger: logger}
}

// Quality carries the analyzer signals that shrink or grow the baseline
// requirement.
type Quality struct {
	QualityScore float64
	Exceptional  bool
	Poor         bool
}

// RequiredBaselineTrades adapts the baseline requirement to the analyzer's
// read of the source. Exceptional early records fast-track toward the floor,
// poor ones pay a premium, and everything else uses the base requirement.
func (m *Manager) RequiredBaselineTrades(quality *Quality) int {
	required := m.cfg.BaseRequiredTrades
	if quality != nil {
		switch {
		case quality.Exceptional:
			required = m.cfg.MinRequiredTrades
		case quality.Poor:
			required = m.cfg.BaseRequiredTrades + m.cfg.WeakSignalExtra
		case quality.QualityScore >= 70:
			required = int(math.Ceil(float64(m.cfg.BaseRequiredTrades) * 0.7))
		}
	}
	if required < m.cfg.MinRequiredTrades {
		required = m.cfg.MinRequiredTrades
	}
	return required
}

// Determine derives the phase from the closed baseline count and the
// currently tracked strategy rows. Zero eligible strategies with rows
// present is the normal Phase II steady state, not a failure.
func (m *Manager) Determine(baselineCount int, strategies []models.StrategyPerformance, quality *Quality) Determination {
	required := m.RequiredBaselineTrades(quality)
	if baselineCount < required {
		return Determination{
			Phase:  PhaseBaseline,
			Reason: fmt.Sprintf("collecting baseline data (%d/%d trades)", baselineCount, required),
		}
	}

	best := m.BestEligible(strategies)
	if best == nil {
		reason := "strategy optimization"
		if len(strategies) == 0 {
			reason = "awaiting strategy generation"
		}
		return Determination{Phase: PhaseOptimization, Reason: reason}
	}

	return Determination{
		Phase:    PhaseLive,
		Reason:   fmt.Sprintf("strategy %s eligible for live", best.StrategyName),
		Eligible: best,
	}
}

// IsEligible applies every live-promotion criterion. All must hold.
func (m *Manager) IsEligible(perf models.StrategyPerformance) bool {
	if perf.TradesAnalyzed < m.cfg.MinTradesForLive {
		return false
	}
	if perf.WinRate < m.cfg.MinWinRate {
		return false
	}
	if perf.RiskReward < requiredRiskReward(perf.WinRate) {
		return false
	}
	if m.cfg.MaxAvgDurationMin > 0 && perf.AvgDurationMin > m.cfg.MaxAvgDurationMin {
		return false
	}
	if m.cfg.MaxDurationMin > 0 && perf.MaxDurationMin > m.cfg.MaxDurationMin {
		return false
	}
	if perf.ExpectedValue <= m.cfg.MinExpectedValue {
		return false
	}
	if !perf.HasRealStop {
		return false
	}
	return true
}

// BestEligible returns the strongest eligible strategy, or nil. Ties break
// by higher win rate, then lower average duration, then name, so repeated
// calls over the same rows always select the same strategy.
func (m *Manager) BestEligible(strategies []models.StrategyPerformance) *models.StrategyPerformance {
	eligible := make([]models.StrategyPerformance, 0, len(strategies))
	for _, s := range strategies {
		if m.IsEligible(s) {
			eligible = append(eligible, s)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].WinRate != eligible[j].WinRate {
			return eligible[i].WinRate > eligible[j].WinRate
		}
		if eligible[i].AvgDurationMin != eligible[j].AvgDurationMin {
			return eligible[i].AvgDurationMin < eligible[j].AvgDurationMin
		}
		return eligible[i].StrategyName < eligible[j].StrategyName
	})
	return &eligible[0]
}

// ShouldRegenerate reports whether enough new baseline trades have closed
// since the last optimizer run. Keyed on the closed-trade counter so the
// trigger fires every interval, not only at the initial promotion boundary.
func (m *Manager) ShouldRegenerate(closedSinceLastRun int) bool {
	if m.cfg.RegenerateEveryN <= 0 {
		return false
	}
	return closedSinceLastRun >= m.cfg.RegenerateEveryN
}
