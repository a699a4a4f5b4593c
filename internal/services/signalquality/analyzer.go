// Package signalquality estimates whether a raw signal source has
// statistical edge, from its baseline (unconstrained) trade outcomes.
package signalquality

import (
	"math"

	"github.com/edgelab/signalforge/internal/models"
)

// Early-detection verdicts. Both fire only below the full minimum sample
// size: a deliberate triage policy trading rigor for speed, never allowed to
// override a larger-sample significant result.
const (
	EarlyExceptional = "exceptional"
	EarlyPoor        = "poor"
)

// Recommendation strings reported to callers.
const (
	RecommendTrade       = "tradeable_edge"
	RecommendFastTrack   = "fast_track_optimization"
	RecommendCollectMore = "collect_more_data"
	RecommendReject      = "reject_source"
)

// Report is the full quality assessment for one signal source.
type Report struct {
	TradeCount int     `json:"trade_count"`
	Wins       int     `json:"wins"`
	RawWinRate float64 `json:"raw_win_rate"` // percent

	// Wilson-score interval bounds in percent, more reliable than the normal
	// approximation at small samples.
	WilsonLow  float64 `json:"wilson_low"`
	WilsonHigh float64 `json:"wilson_high"`

	PValue                     float64 `json:"p_value"` // two-sided exact binomial vs 50%
	IsStatisticallySignificant bool    `json:"is_statistically_significant"`

	ExpectedValuePct float64 `json:"expected_value_pct"` // per trade
	ConsistencyScore float64 `json:"consistency_score"`  // 0-100
	QualityScore     float64 `json:"quality_score"`      // 0-100

	HasEdge              bool    `json:"has_edge"`
	HighWinRatePotential bool    `json:"high_win_rate_potential"`
	PredictedPhase2WR    float64 `json:"predicted_phase2_win_rate"`
	EarlyDetection       string  `json:"early_detection,omitempty"`
	Recommendation       string  `json:"recommendation"`
}

// Config holds the edge thresholds. HighWinRateMode applies the stricter bar
// used when the engine optimizes for win rate over payoff.
type Config struct {
	MinSampleSize     int     `mapstructure:"min_sample_size"`
	EarlyDetectionMin int     `mapstructure:"early_detection_min"`
	SignificanceAlpha float64 `mapstructure:"significance_alpha"`

	HighWinRateMode bool `mapstructure:"high_win_rate_mode"`

	// Strict mode thresholds.
	HighModeMinWinRate float64 `mapstructure:"high_mode_min_win_rate"`
	HighModeMaxCIWidth float64 `mapstructure:"high_mode_max_ci_width"`
	HighModeMinEV      float64 `mapstructure:"high_mode_min_ev"`

	// Balanced mode thresholds.
	BalancedMinWinRate float64 `mapstructure:"balanced_min_win_rate"`
	BalancedMinEV      float64 `mapstructure:"balanced_min_ev"`

	// Phase-II projection: baseline win rate times a factor in
	// [ProjectionMinFactor, ProjectionMaxFactor], scaled by consistency,
	// capped at ProjectionCapWR.
	ProjectionMinFactor float64 `mapstructure:"projection_min_factor"`
	ProjectionMaxFactor float64 `mapstructure:"projection_max_factor"`
	ProjectionCapWR     float64 `mapstructure:"projection_cap_wr"`

	RollingWindow int `mapstructure:"rolling_window"`
}

// DefaultConfig returns the high win-rate preset thresholds.
func DefaultConfig() Config {
	return Config{
		MinSampleSize:       10,
		EarlyDetectionMin:   3,
		SignificanceAlpha:   0.05,
		HighWinRateMode:     true,
		HighModeMinWinRate:  58,
		HighModeMaxCIWidth:  30,
		HighModeMinEV:       0.2,
		BalancedMinWinRate:  52,
		BalancedMinEV:       0.1,
		ProjectionMinFactor: 1.10,
		ProjectionMaxFactor: 1.25,
		ProjectionCapWR:     85,
		RollingWindow:       10,
	}
}

// BalancedConfig loosens the edge bar for the balanced preset.
func BalancedConfig() Config {
	cfg := DefaultConfig()
	cfg.HighWinRateMode = false
	return cfg
}

// Analyzer scores signal sources. Pure computation, safe for concurrent use.
type Analyzer struct {
	cfg Config
}

// New returns an Analyzer with the given thresholds.
func New(cfg Config) *Analyzer {
	if cfg.MinSampleSize <= 0 {
		cfg.MinSampleSize = 10
	}
	if cfg.RollingWindow <= 0 {
		cfg.RollingWindow = 10
	}
	if cfg.SignificanceAlpha <= 0 {
		cfg.SignificanceAlpha = 0.05
	}
	return &Analyzer{cfg: cfg}
}

// Analyze scores a source from its closed baseline trades. Wins are trades
// with positive final PnL.
func (a *Analyzer) Analyze(trades []*models.BaselineTrade) Report {
	n := len(trades)
	report := Report{TradeCount: n, Recommendation: RecommendCollectMore}
	if n == 0 {
		return report
	}

	wins := 0
	sumPnL := 0.0
	outcomes := make([]bool, 0, n)
	for _, trade := range trades {
		win := trade.FinalPnLPct > 0
		if win {
			wins++
		}
		outcomes = append(outcomes, win)
		sumPnL += trade.FinalPnLPct
	}

	report.Wins = wins
	report.RawWinRate = float64(wins) / float64(n) * 100
	report.WilsonLow, report.WilsonHigh = wilsonInterval(wins, n, 1.96)
	report.PValue = binomialTwoSidedPValue(wins, n, 0.5)
	report.IsStatisticallySignificant = report.PValue < a.cfg.SignificanceAlpha
	report.ExpectedValuePct = sumPnL / float64(n)
	report.ConsistencyScore = consistencyScore(outcomes, a.cfg.RollingWindow)
	report.QualityScore = a.qualityScore(report)
	report.PredictedPhase2WR = a.projectPhase2WinRate(report)
	report.HasEdge = a.hasEdge(report)
	report.HighWinRatePotential = report.RawWinRate >= a.cfg.HighModeMinWinRate &&
		report.WilsonHigh-report.WilsonLow <= a.cfg.HighModeMaxCIWidth

	if n < a.cfg.MinSampleSize {
		report.EarlyDetection = a.earlyDetect(wins, n)
	}

	report.Recommendation = a.recommend(report)
	return report
}

// earlyDetect flags near-perfect or clearly poor tiny samples for triage.
// Only consulted below MinSampleSize.
func (a *Analyzer) earlyDetect(wins, n int) string {
	if n < a.cfg.EarlyDetectionMin {
		return ""
	}
	wr := float64(wins) / float64(n) * 100
	switch {
	case wins == n || wr >= 85:
		return EarlyExceptional
	case wr <= 25:
		return EarlyPoor
	default:
		return ""
	}
}

func (a *Analyzer) hasEdge(r Report) bool {
	if r.TradeCount < a.cfg.MinSampleSize {
		return false
	}
	if a.cfg.HighWinRateMode {
		return r.RawWinRate >= a.cfg.HighModeMinWinRate &&
			r.WilsonHigh-r.WilsonLow <= a.cfg.HighModeMaxCIWidth &&
			r.ExpectedValuePct >= a.cfg.HighModeMinEV
	}
	return r.RawWinRate >= a.cfg.BalancedMinWinRate &&
		r.ExpectedValuePct >= a.cfg.BalancedMinEV
}

func (a *Analyzer) recommend(r Report) string {
	switch {
	case r.EarlyDetection == EarlyExceptional:
		return RecommendFastTrack
	case r.EarlyDetection == EarlyPoor:
		return RecommendReject
	case r.TradeCount < a.cfg.MinSampleSize:
		return RecommendCollectMore
	case r.HasEdge:
		return RecommendTrade
	case r.IsStatisticallySignificant && r.RawWinRate < 50:
		return RecommendReject
	default:
		return RecommendCollectMore
	}
}

// qualityScore blends the sub-signals into a 0-100 figure with fixed weights:
// win rate above 50 (30), interval tightness (20), sample size (20),
// consistency (15), expected value (15).
func (a *Analyzer) qualityScore(r Report) float64 {
	winRateComponent := clamp((r.RawWinRate-50)/30, 0, 1) * 30

	ciWidth := r.WilsonHigh - r.WilsonLow
	ciComponent := clamp(1-ciWidth/60, 0, 1) * 20

	sampleComponent := clamp(float64(r.TradeCount)/50, 0, 1) * 20

	consistencyComponent := r.ConsistencyScore / 100 * 15

	evComponent := clamp(r.ExpectedValuePct/1.0, 0, 1) * 15

	return round2(winRateComponent + ciComponent + sampleComponent + consistencyComponent + evComponent)
}

// projectPhase2WinRate estimates the optimized (Phase II) win rate from the
// baseline one: an empirical uplift factor, scaled up with consistency and
// capped at a plausible ceiling.
func (a *Analyzer) projectPhase2WinRate(r Report) float64 {
	span := a.cfg.ProjectionMaxFactor - a.cfg.ProjectionMinFactor
	factor := a.cfg.ProjectionMinFactor + span*(r.ConsistencyScore/100)
	return round2(math.Min(r.RawWinRate*factor, a.cfg.ProjectionCapWR))
}

// consistencyScore measures how steady the win rate is: variance of rolling
// window win rates plus the worst losing streak, mapped to 0-100.
func consistencyScore(outcomes []bool, window int) float64 {
	n := len(outcomes)
	if n == 0 {
		return 0
	}
	if window > n {
		window = n
	}

	var rates []float64
	for start := 0; start+window <= n; start++ {
		wins := 0
		for i := start; i < start+window; i++ {
			if outcomes[i] {
				wins++
			}
		}
		rates = append(rates, float64(wins)/float64(window))
	}

	variancePenalty := 0.0
	if len(rates) > 1 {
		mean := 0.0
		for _, r := range rates {
			mean += r
		}
		mean /= float64(len(rates))
		variance := 0.0
		for _, r := range rates {
			variance += (r - mean) * (r - mean)
		}
		variance /= float64(len(rates))
		// A rolling-window std of 0.25 is already very streaky.
		variancePenalty = clamp(math.Sqrt(variance)/0.25, 0, 1) * 50
	}

	worstStreak := 0
	current := 0
	for _, win := range outcomes {
		if !win {
			current++
			if current > worstStreak {
				worstStreak = current
			}
		} else {
			current = 0
		}
	}
	streakPenalty := clamp(float64(worstStreak)/6, 0, 1) * 50

	return round2(clamp(100-variancePenalty-streakPenalty, 0, 100))
}

// wilsonInterval returns the Wilson score interval for wins/n in percent.
func wilsonInterval(wins, n int, z float64) (low, high float64) {
	if n == 0 {
		return 0, 100
	}
	p := float64(wins) / float64(n)
	nf := float64(n)
	z2 := z * z

	denom := 1 + z2/nf
	center := (p + z2/(2*nf)) / denom
	margin := z * math.Sqrt(p*(1-p)/nf+z2/(4*nf*nf)) / denom

	low = clamp(center-margin, 0, 1) * 100
	high = clamp(center+margin, 0, 1) * 100
	return round2(low), round2(high)
}

// binomialTwoSidedPValue is an exact two-sided binomial test of wins/n
// against the null probability p0, via the doubled smaller tail.
func binomialTwoSidedPValue(wins, n int, p0 float64) float64 {
	if n == 0 {
		return 1
	}
	lower := 0.0
	for k := 0; k <= wins; k++ {
		lower += binomialPMF(k, n, p0)
	}
	upper := 0.0
	for k := wins; k <= n; k++ {
		upper += binomialPMF(k, n, p0)
	}
	p := 2 * math.Min(lower, upper)
	if p > 1 {
		p = 1
	}
	return p
}

func binomialPMF(k, n int, p float64) float64 {
	logC := lgamma(float64(n)+1) - lgamma(float64(k)+1) - lgamma(float64(n-k)+1)
	return math.Exp(logC + float64(k)*math.Log(p) + float64(n-k)*math.Log(1-p))
}

func lgamma(x float64) float64 {
	v, _ := math.Lgamma(x)
	return v
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
