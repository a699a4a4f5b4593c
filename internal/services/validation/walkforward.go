// Package validation measures how well optimized strategy parameters
// generalize: it re-runs the optimizer on chronological training prefixes
// and scores the winners on the held-out suffixes.
package validation

import (
	"context"
	"math"
	"sort"

	"github.com/edgelab/signalforge/internal/logging"
	"github.com/edgelab/signalforge/internal/models"
	"github.com/edgelab/signalforge/internal/services/optimizer"
	"github.com/edgelab/signalforge/internal/services/simulator"
	"github.com/edgelab/signalforge/internal/strategy"
)

// Status says whether a validation run produced results. Insufficient data
// is a normal outcome, not an error.
type Status string

const (
	StatusValidated        Status = "validated"
	StatusInsufficientData Status = "insufficient_data"
)

// Config holds the split shape and the recommendation thresholds.
type Config struct {
	// TrainRatios are the chronological split points. For each ratio r the
	// oldest floor(n*r) trades train and the remainder tests.
	TrainRatios []float64 `mapstructure:"train_ratios"`

	MinTrades int `mapstructure:"min_trades"`

	// Recommendation thresholds, win rates in percent.
	ApproveOOSWinRate     float64 `mapstructure:"approve_oos_win_rate"`
	ApproveMaxBias        float64 `mapstructure:"approve_max_bias"`
	ApproveMinConfidence  float64 `mapstructure:"approve_min_confidence"`
	ConditionalOOSWinRate float64 `mapstructure:"conditional_oos_win_rate"`
	ConditionalMaxBias    float64 `mapstructure:"conditional_max_bias"`
	CollectBelow          float64 `mapstructure:"collect_below"` // confidence floor
}

// DefaultConfig returns the standard three-split shape.
func DefaultConfig() Config {
	return Config{
		TrainRatios:           []float64{0.7, 0.8, 0.9},
		MinTrades:             10,
		ApproveOOSWinRate:     60,
		ApproveMaxBias:        10,
		ApproveMinConfidence:  60,
		ConditionalOOSWinRate: 50,
		ConditionalMaxBias:    20,
		CollectBelow:          40,
	}
}

// SplitMetrics is one train/test split's outcome for one category.
type SplitMetrics struct {
	TrainRatio         float64 `json:"train_ratio"`
	TrainTrades        int     `json:"train_trades"`
	TestTrades         int     `json:"test_trades"`
	InSampleWinRate    float64 `json:"in_sample_win_rate"`
	OutOfSampleWinRate float64 `json:"out_of_sample_win_rate"`
	OutOfSampleRR      float64 `json:"out_of_sample_rr"`
	OutOfSampleEV      float64 `json:"out_of_sample_ev"`
}

// CategoryResult aggregates one strategy category across all splits.
type CategoryResult struct {
	Category strategy.Category `json:"category"`
	Params   strategy.Params   `json:"params"` // winner on the largest training set

	Splits             []SplitMetrics `json:"splits"`
	InSampleWinRate    float64        `json:"in_sample_win_rate"`     // mean across splits
	OutOfSampleWinRate float64        `json:"out_of_sample_win_rate"` // mean across splits

	// OverfitBias is mean in-sample minus mean out-of-sample win rate, in
	// percentage points. Positive means the fit flatters itself.
	OverfitBias float64 `json:"overfit_bias"`

	Confidence     float64                         `json:"confidence"` // 0-100
	Recommendation models.ValidationRecommendation `json:"recommendation"`
}

// Report is the full walk-forward outcome.
type Report struct {
	Status         Status           `json:"status"`
	TradesAnalyzed int              `json:"trades_analyzed"`
	Results        []CategoryResult `json:"results"`
}

// WalkForward runs chronological walk-forward validation using any searcher
// variant for the training legs.
type WalkForward struct {
	cfg      Config
	optCfg   optimizer.Config
	searcher optimizer.Searcher
	sim      *simulator.Simulator
	logger   *logging.Logger
}

func New(cfg Config, optCfg optimizer.Config, searcher optimizer.Searcher, sim *simulator.Simulator, logger *logging.Logger) *WalkForward {
	if logger == nil {
		logger = logging.NewNop()
	}
	if len(cfg.TrainRatios) == 0 {
		cfg.TrainRatios = DefaultConfig().TrainRatios
	}
	return &WalkForward{cfg: cfg, optCfg: optCfg, searcher: searcher, sim: sim, logger: logger}
}

type categoryAccum struct {
	category strategy.Category
	params   strategy.Params
	splits   []SplitMetrics
}

// Validate walks the splits oldest-first. Trades are sorted chronologically
// before splitting so the test leg is always the most recent history.
func (w *WalkForward) Validate(ctx context.Context, trades []*models.BaselineTrade) (Report, error) {
	if len(trades) < w.cfg.MinTrades {
		w.logger.WithFields(logging.Fields{
			"trades": len(trades),
			"needed": w.cfg.MinTrades,
		}).Info("not enough closed trades for walk-forward validation")
		return Report{Status: StatusInsufficientData, TradesAnalyzed: len(trades)}, nil
	}

	ordered := make([]*models.BaselineTrade, len(trades))
	copy(ordered, trades)
	models.SortTradesChronologically(ordered)

	accums := make(map[strategy.Category]*categoryAccum)

	for _, ratio := range w.cfg.TrainRatios {
		cut := int(math.Floor(float64(len(ordered)) * ratio))
		if cut < 1 || cut >= len(ordered) {
			continue
		}
		train, test := ordered[:cut], ordered[cut:]

		candidates, err := w.searcher.Search(ctx, train)
		if err != nil {
			return Report{}, err
		}
		if len(candidates) == 0 {
			continue
		}

		for _, pick := range optimizer.Diversify(candidates) {
			oos := optimizer.Score(w.sim, test, pick.Candidate.Params, w.optCfg)
			metrics := SplitMetrics{
				TrainRatio:         ratio,
				TrainTrades:        len(train),
				TestTrades:         len(test),
				InSampleWinRate:    pick.Candidate.WinRate,
				OutOfSampleWinRate: oos.WinRate,
				OutOfSampleRR:      oos.RiskReward,
				OutOfSampleEV:      oos.ExpectedValue,
			}

			acc, ok := accums[pick.Category]
			if !ok {
				acc = &categoryAccum{category: pick.Category}
				accums[pick.Category] = acc
			}
			acc.splits = append(acc.splits, metrics)
			// Later splits train on more history, so the last winner is the
			// one worth carrying forward.
			acc.params = pick.Candidate.Params
		}
	}

	report := Report{Status: StatusValidated, TradesAnalyzed: len(ordered)}
	for _, acc := range accums {
		report.Results = append(report.Results, w.summarize(acc))
	}
	sortResults(report.Results)

	w.logger.WithFields(logging.Fields{
		"trades":     len(ordered),
		"categories": len(report.Results),
	}).Info("walk-forward validation complete")
	return report, nil
}

func (w *WalkForward) summarize(acc *categoryAccum) CategoryResult {
	res := CategoryResult{
		Category: acc.category,
		Params:   acc.params,
		Splits:   acc.splits,
	}

	var isSum, oosSum float64
	oosRates := make([]float64, 0, len(acc.splits))
	for _, s := range acc.splits {
		isSum += s.InSampleWinRate
		oosSum += s.OutOfSampleWinRate
		oosRates = append(oosRates, s.OutOfSampleWinRate)
	}
	n := float64(len(acc.splits))
	res.InSampleWinRate = isSum / n
	res.OutOfSampleWinRate = oosSum / n
	res.OverfitBias = res.InSampleWinRate - res.OutOfSampleWinRate
	res.Confidence = confidence(len(acc.splits), res.OverfitBias, stddev(oosRates))
	res.Recommendation = w.recommend(res)
	return res
}

// confidence rewards surviving more splits and punishes bias and unstable
// out-of-sample results.
func confidence(splits int, bias, oosStd float64) float64 {
	c := 50 + 10*float64(splits) - 1.5*math.Abs(bias) - 2*oosStd
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return math.Round(c*100) / 100
}

func (w *WalkForward) recommend(res CategoryResult) models.ValidationRecommendation {
	switch {
	case res.Confidence < w.cfg.CollectBelow:
		return models.RecommendationCollectMoreData
	case res.OutOfSampleWinRate >= w.cfg.ApproveOOSWinRate &&
		math.Abs(res.OverfitBias) <= w.cfg.ApproveMaxBias &&
		res.Confidence >= w.cfg.ApproveMinConfidence:
		return models.RecommendationApproved
	case res.OutOfSampleWinRate >= w.cfg.ConditionalOOSWinRate &&
		math.Abs(res.OverfitBias) <= w.cfg.ConditionalMaxBias:
		return models.RecommendationConditional
	default:
		return models.RecommendationRejected
	}
}

func sortResults(results []CategoryResult) {
	order := make(map[strategy.Category]int, len(strategy.CategoryPreferenceOrder))
	for i, c := range strategy.CategoryPreferenceOrder {
		order[c] = i
	}
	sort.SliceStable(results, func(i, j int) bool {
		return order[results[i].Category] < order[results[j].Category]
	})
}

func stddev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return math.Sqrt(sq / float64(len(values)))
}
