package optimizer

import (
	"context"
	"math"
	"math/rand"
	"sort"

	"github.com/edgelab/signalforge/internal/logging"
	"github.com/edgelab/signalforge/internal/models"
	"github.com/edgelab/signalforge/internal/services/simulator"
	"github.com/edgelab/signalforge/internal/strategy"
)

// BayesianConfig tunes the sequential model-based variant.
type BayesianConfig struct {
	Trials int   `mapstructure:"trials"`
	Seed   int64 `mapstructure:"seed"`

	// Continuous search ranges.
	TPMin float64 `mapstructure:"tp_min"`
	TPMax float64 `mapstructure:"tp_max"`
	SLMin float64 `mapstructure:"sl_min"` // most negative
	SLMax float64 `mapstructure:"sl_max"` // least negative

	// Conditional sub-parameters: breakeven is only suggested once TP clears
	// its floor, trailing once TP clears the higher one.
	BreakevenTPFloor float64 `mapstructure:"breakeven_tp_floor"`
	TrailingTPFloor  float64 `mapstructure:"trailing_tp_floor"`

	// Sampler shape: fraction of purely random startup trials, ongoing
	// exploration probability, and the elite quantile exploited afterwards.
	StartupFraction float64 `mapstructure:"startup_fraction"`
	ExploreRatio    float64 `mapstructure:"explore_ratio"`
	EliteQuantile   float64 `mapstructure:"elite_quantile"`

	// Pruning: a trial is abandoned at each checkpoint fraction of the trade
	// set if its running objective sits below the median of completed trials
	// at the same checkpoint.
	PruneCheckFraction float64 `mapstructure:"prune_check_fraction"`
	PruneMinTrades     int     `mapstructure:"prune_min_trades"`

	// Soft constraint weights: a continuous penalty the sampler can learn
	// from, instead of the grid's hard rejection.
	RRShortfallPenalty float64 `mapstructure:"rr_shortfall_penalty"`
	DurationPenalty    float64 `mapstructure:"duration_penalty"`
}

// DefaultBayesianConfig returns the standard sampler shape.
func DefaultBayesianConfig() BayesianConfig {
	return BayesianConfig{
		Trials:             120,
		Seed:               1,
		TPMin:              0.5,
		TPMax:              10.0,
		SLMin:              -7.0,
		SLMax:              -0.5,
		BreakevenTPFloor:   2.0,
		TrailingTPFloor:    3.0,
		StartupFraction:    0.2,
		ExploreRatio:       0.3,
		EliteQuantile:      0.25,
		PruneCheckFraction: 0.25,
		PruneMinTrades:     10,
		RRShortfallPenalty: 0.3,
		DurationPenalty:    0.1,
	}
}

// Bayesian is the sequential model-based search variant. It samples the
// continuous TP/SL space, exploits elite draws, prunes unambiguously poor
// trials partway through the trade set, and caches duplicate draws.
type Bayesian struct {
	cfg    Config
	bcfg   BayesianConfig
	sim    *simulator.Simulator
	logger *logging.Logger
}

// NewBayesian returns a Bayesian searcher. The same Config thresholds used
// by the grid govern final acceptance so both variants emit the same schema.
func NewBayesian(cfg Config, bcfg BayesianConfig, sim *simulator.Simulator, logger *logging.Logger) *Bayesian {
	if logger == nil {
		logger = logging.NewNop()
	}
	if bcfg.Trials <= 0 {
		bcfg.Trials = 120
	}
	return &Bayesian{cfg: cfg, bcfg: bcfg, sim: sim, logger: logger}
}

type trial struct {
	params      strategy.Params
	objective   float64
	candidate   Candidate
	pruned      bool
	checkpoints []float64 // running objective at each prune checkpoint
}

// Search runs the configured number of trials and returns accepted
// candidates ranked exactly like the grid variant's output.
func (b *Bayesian) Search(ctx context.Context, trades []*models.BaselineTrade) ([]Candidate, error) {
	if len(trades) == 0 {
		return nil, nil
	}

	rng := rand.New(rand.NewSource(b.bcfg.Seed))
	cache := make(map[string]trial)
	var history []trial
	pruned := 0

	startup := int(math.Ceil(float64(b.bcfg.Trials) * b.bcfg.StartupFraction))

	for i := 0; i < b.bcfg.Trials; i++ {
		if ctx.Err() != nil {
			b.logger.WithField("trials_run", i).Warn("bayesian search budget exhausted, returning best found so far")
			break
		}

		params, ok := b.suggest(rng, history, i < startup)
		if !ok {
			continue
		}

		if cached, hit := cache[params.Name]; hit {
			history = append(history, cached)
			continue
		}

		tr := b.runTrial(trades, params, history)
		cache[params.Name] = tr
		history = append(history, tr)
		if tr.pruned {
			pruned++
		}
	}

	var accepted []Candidate
	seen := make(map[string]bool)
	for _, tr := range history {
		if tr.pruned || seen[tr.params.Name] {
			continue
		}
		seen[tr.params.Name] = true
		if acceptable(tr.candidate, b.cfg) {
			accepted = append(accepted, tr.candidate)
		}
	}
	rankCandidates(accepted)

	b.logger.WithFields(logging.Fields{
		"trials":       len(history),
		"pruned":       pruned,
		"accepted":     len(accepted),
		"pareto_front": len(ParetoFront(accepted)),
	}).Debug("bayesian search complete")
	return accepted, nil
}

// suggest draws the next parameter set: random during startup and with the
// exploration probability afterwards, otherwise a perturbation of an elite
// previous draw.
func (b *Bayesian) suggest(rng *rand.Rand, history []trial, startup bool) (strategy.Params, bool) {
	if startup || len(history) == 0 || rng.Float64() < b.bcfg.ExploreRatio {
		return b.randomDraw(rng)
	}

	elites := b.elites(history)
	if len(elites) == 0 {
		return b.randomDraw(rng)
	}
	base := elites[rng.Intn(len(elites))].params

	tp := clampRange(base.TP1Pct+rng.NormFloat64()*0.5, b.bcfg.TPMin, b.bcfg.TPMax)
	sl := clampRange(base.SLPct+rng.NormFloat64()*0.3, b.bcfg.SLMin, b.bcfg.SLMax)
	return b.assemble(rng, tp, sl)
}

func (b *Bayesian) randomDraw(rng *rand.Rand) (strategy.Params, bool) {
	tp := b.bcfg.TPMin + rng.Float64()*(b.bcfg.TPMax-b.bcfg.TPMin)
	sl := b.bcfg.SLMin + rng.Float64()*(b.bcfg.SLMax-b.bcfg.SLMin)
	return b.assemble(rng, tp, sl)
}

// assemble quantizes a draw and attaches conditional sub-parameters. The
// 0.1% quantization keeps the duplicate-draw cache effective.
func (b *Bayesian) assemble(rng *rand.Rand, tp, sl float64) (strategy.Params, bool) {
	tp = math.Round(tp*10) / 10
	sl = math.Round(sl*10) / 10
	if tp <= 0 || sl >= 0 {
		return strategy.Params{}, false
	}

	breakeven := 0.0
	tp2 := 0.0
	if tp >= b.bcfg.BreakevenTPFloor && rng.Float64() < 0.5 {
		breakeven = math.Round(tp*0.5*10) / 10
		tp2 = tp * 2
	}

	var trailing *strategy.TrailingStop
	if tp >= b.bcfg.TrailingTPFloor && rng.Float64() < 0.4 {
		activation := math.Round(tp*0.6*10) / 10
		distance := math.Round(activation*0.5*10) / 10
		if distance > 0 && distance < activation {
			trailing = &strategy.TrailingStop{ActivationPct: activation, DistancePct: distance}
		}
	}

	params, err := strategy.NewParams(tp, tp2, 0, sl, trailing, breakeven)
	if err != nil {
		return strategy.Params{}, false
	}
	return params, true
}

func (b *Bayesian) elites(history []trial) []trial {
	completed := make([]trial, 0, len(history))
	for _, tr := range history {
		if !tr.pruned {
			completed = append(completed, tr)
		}
	}
	if len(completed) == 0 {
		return nil
	}
	sort.SliceStable(completed, func(i, j int) bool {
		return completed[i].objective > completed[j].objective
	})
	n := int(math.Ceil(float64(len(completed)) * b.bcfg.EliteQuantile))
	if n < 1 {
		n = 1
	}
	return completed[:n]
}

// runTrial simulates the candidate over the trade set with prune
// checkpoints: if the running objective falls below the median of prior
// trials at the same checkpoint, the trial is abandoned early.
func (b *Bayesian) runTrial(trades []*models.BaselineTrade, params strategy.Params, history []trial) trial {
	agg := newAggregator()
	tr := trial{params: params}

	checkEvery := int(math.Ceil(float64(len(trades)) * b.bcfg.PruneCheckFraction))
	if checkEvery < 1 {
		checkEvery = 1
	}

	for i, t := range trades {
		res, err := b.sim.Simulate(t, params)
		if err != nil {
			agg.skipped++
		} else {
			agg.add(res)
		}

		done := i + 1
		if done%checkEvery == 0 && done < len(trades) && done >= b.bcfg.PruneMinTrades {
			checkpoint := len(tr.checkpoints)
			running := b.objective(agg.finish(params, b.cfg))
			tr.checkpoints = append(tr.checkpoints, running)
			if median, ok := checkpointMedian(history, checkpoint); ok && running < median {
				tr.pruned = true
				tr.objective = running
				return tr
			}
		}
	}

	tr.candidate = agg.finish(params, b.cfg)
	tr.objective = b.objective(tr.candidate)
	return tr
}

// objective is the composite score minus continuous soft-constraint
// penalties, so the sampler learns away from non-viable regions instead of
// seeing a cliff.
func (b *Bayesian) objective(c Candidate) float64 {
	score := c.CompositeScore
	if c.RiskReward < b.cfg.MinRiskReward {
		score -= (b.cfg.MinRiskReward - c.RiskReward) * b.bcfg.RRShortfallPenalty * 100
	}
	if b.cfg.MaxAvgDuration > 0 && c.AvgDurationMin > b.cfg.MaxAvgDuration {
		hoursOver := (c.AvgDurationMin - b.cfg.MaxAvgDuration) / 60
		score -= hoursOver * b.bcfg.DurationPenalty * 100
	}
	return score
}

func checkpointMedian(history []trial, checkpoint int) (float64, bool) {
	var values []float64
	for _, tr := range history {
		if checkpoint < len(tr.checkpoints) {
			values = append(values, tr.checkpoints[checkpoint])
		}
	}
	if len(values) < 4 {
		return 0, false
	}
	sort.Float64s(values)
	mid := len(values) / 2
	if len(values)%2 == 1 {
		return values[mid], true
	}
	return (values[mid-1] + values[mid]) / 2, true
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ParetoFront returns the non-dominated subset of candidates over the three
// objectives win rate, risk/reward and expected value, preserving input
// order. The search report logs its size so operators can see how much of
// the accepted set represents a genuine trade-off rather than a dominated
// variant.
func ParetoFront(candidates []Candidate) []Candidate {
	var front []Candidate
	for i, c := range candidates {
		dominated := false
		for j, other := range candidates {
			if i == j {
				continue
			}
			if dominates(other, c) {
				dominated = true
				break
			}
		}
		if !dominated {
			front = append(front, c)
		}
	}
	return front
}

func dominates(a, b Candidate) bool {
	geq := a.WinRate >= b.WinRate && a.RiskReward >= b.RiskReward && a.ExpectedValue >= b.ExpectedValue
	gt := a.WinRate > b.WinRate || a.RiskReward > b.RiskReward || a.ExpectedValue > b.ExpectedValue
	return geq && gt
}
