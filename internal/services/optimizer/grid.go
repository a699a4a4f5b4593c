package optimizer

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/edgelab/signalforge/internal/logging"
	"github.com/edgelab/signalforge/internal/models"
	"github.com/edgelab/signalforge/internal/services/simulator"
	"github.com/edgelab/signalforge/internal/strategy"
)

// Fixed option tables for the exhaustive grid.
var (
	gridTPOptions = []float64{1.0, 1.5, 2.0, 2.5, 3.0, 4.0, 5.0, 7.0, 10.0}
	gridSLOptions = []float64{-0.5, -1.0, -1.5, -2.0, -2.5, -3.0, -4.0, -5.0, -7.0}

	gridTrailingOptions = []*strategy.TrailingStop{
		nil,
		{ActivationPct: 1.0, DistancePct: 0.5},
		{ActivationPct: 2.0, DistancePct: 1.0},
		{ActivationPct: 3.0, DistancePct: 1.5},
		{ActivationPct: 5.0, DistancePct: 2.5},
	}

	gridBreakevenOptions = []float64{0, 1.0, 2.0}
)

// Grid is the exhaustive search variant: it enumerates the Cartesian product
// of the fixed option tables, pre-filters unconstructable combinations, and
// simulates the rest.
type Grid struct {
	cfg    Config
	sim    *simulator.Simulator
	logger *logging.Logger
}

// NewGrid returns a grid searcher.
func NewGrid(cfg Config, sim *simulator.Simulator, logger *logging.Logger) *Grid {
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Grid{cfg: cfg, sim: sim, logger: logger}
}

// enumerate builds the full, pre-filtered combination list. The pre-filter
// only removes combinations the constructor would reject anyway, so the
// accepted output is identical to post-filtering, just cheaper.
func (g *Grid) enumerate() []strategy.Params {
	var combos []strategy.Params
	for _, tp := range gridTPOptions {
		for _, sl := range gridSLOptions {
			if !g.cfg.Viable(tp, sl) {
				continue
			}
			for _, trailing := range gridTrailingOptions {
				for _, breakeven := range gridBreakevenOptions {
					tp2 := 0.0
					if breakeven > 0 {
						// Breakeven pairs with a second target: TP1 takes
						// half, the rest rides toward 2x under the moved stop.
						tp2 = tp * 2
					}
					params, err := strategy.NewParams(tp, tp2, 0, sl, trailing, breakeven)
					if err != nil {
						continue
					}
					combos = append(combos, params)
				}
			}
		}
	}
	return combos
}

// Search evaluates every viable combination against the baseline trades.
// When the context deadline fires partway through, the candidates scored so
// far are ranked and returned.
func (g *Grid) Search(ctx context.Context, trades []*models.BaselineTrade) ([]Candidate, error) {
	if len(trades) == 0 {
		return nil, nil
	}

	combos := g.enumerate()
	g.logger.WithFields(logging.Fields{
		"combinations": len(combos),
		"trades":       len(trades),
	}).Debug("grid search starting")

	var mu sync.Mutex
	var accepted []Candidate
	budgetHit := false

	var group errgroup.Group
	group.SetLimit(g.cfg.Workers)

	for _, params := range combos {
		if ctx.Err() != nil {
			budgetHit = true
			break
		}
		group.Go(func() error {
			candidate := evaluate(g.sim, trades, params, g.cfg)
			if !acceptable(candidate, g.cfg) {
				return nil
			}
			mu.Lock()
			accepted = append(accepted, candidate)
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	rankCandidates(accepted)

	entry := g.logger.WithFields(logging.Fields{
		"accepted": len(accepted),
		"scanned":  len(combos),
	})
	if budgetHit {
		entry.Warn("grid search budget exhausted, returning best found so far")
	} else {
		entry.Debug("grid search complete")
	}
	return accepted, nil
}
