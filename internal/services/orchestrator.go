// Package services wires the engine together: baseline tracking feeds the
// quality analyzer, the optimizer and walk-forward validator produce
// strategies, the phase manager decides promotion, and the allocator routes
// live signals.
package services

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/edgelab/signalforge/internal/config"
	"github.com/edgelab/signalforge/internal/logging"
	"github.com/edgelab/signalforge/internal/models"
	"github.com/edgelab/signalforge/internal/services/allocation"
	"github.com/edgelab/signalforge/internal/services/baseline"
	"github.com/edgelab/signalforge/internal/services/optimizer"
	"github.com/edgelab/signalforge/internal/services/phase"
	"github.com/edgelab/signalforge/internal/services/signalquality"
	"github.com/edgelab/signalforge/internal/services/simulator"
	"github.com/edgelab/signalforge/internal/services/validation"
	"github.com/edgelab/signalforge/internal/services/workerpool"
	"github.com/edgelab/signalforge/internal/strategy"
)

// TradeStore is the persistence surface the engine needs. Satisfied by
// database.TradeStore.
type TradeStore interface {
	SaveBaselineTrade(ctx context.Context, trade *models.BaselineTrade) error
	ListCompletedBaselineTrades(ctx context.Context, symbol string, direction strategy.Direction, source string, limit int) ([]*models.BaselineTrade, error)
	CountCompletedBaselineTrades(ctx context.Context, symbol string, direction strategy.Direction, source string) (int, error)
	ListStrategyPerformance(ctx context.Context, symbol string, direction strategy.Direction, source string) ([]models.StrategyPerformance, error)
	ApplyStrategyProcessing(ctx context.Context, perfs []models.StrategyPerformance, sims []models.SimulationRow) error
}

// SnapshotStore caches per-key strategy performance for routing reads.
// Satisfied by database.SnapshotCache.
type SnapshotStore interface {
	Put(ctx context.Context, symbol string, direction strategy.Direction, source string, perfs []models.StrategyPerformance) error
	Get(ctx context.Context, symbol string, direction strategy.Direction, source string) ([]models.StrategyPerformance, bool, error)
	Invalidate(ctx context.Context, symbol string, direction strategy.Direction, source string) error
}

// RoutingDecision is the engine's answer to "what do we do with this signal".
type RoutingDecision struct {
	Phase        phase.Phase     `json:"phase"`
	StrategyName string          `json:"strategy_name,omitempty"`
	Params       *strategy.Params `json:"params,omitempty"`
	Probability  float64         `json:"probability,omitempty"`
	Reason       string          `json:"reason"`
}

// Deps collects everything the engine needs. All components are injected so
// tests can substitute any of them.
type Deps struct {
	Config    config.EngineConfig
	Logger    *logging.Logger
	Store     TradeStore
	Snapshots SnapshotStore

	Simulator   *simulator.Simulator
	Searcher    optimizer.Searcher
	SearchCfg   optimizer.Config
	Analyzer    *signalquality.Analyzer
	Validator   *validation.WalkForward
	Phases      *phase.Manager
	Allocator   *allocation.Allocator
	Pool        *workerpool.Pool
}

// Engine is the orchestrator. It owns the baseline tracker, per-key
// regeneration counters, and the seeded random source behind allocation
// picks.
type Engine struct {
	cfg       config.EngineConfig
	logger    *logging.Logger
	store     TradeStore
	snapshots SnapshotStore

	sim       *simulator.Simulator
	searcher  optimizer.Searcher
	searchCfg optimizer.Config
	analyzer  *signalquality.Analyzer
	validator *validation.WalkForward
	phases    *phase.Manager
	allocator *allocation.Allocator
	pool      *workerpool.Pool
	tracker   *baseline.Tracker

	rngMu sync.Mutex
	rng   *rand.Rand

	countersMu sync.Mutex
	counters   map[string]int
}

func NewEngine(deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("engine: trade store is required")
	}
	if deps.Searcher == nil {
		return nil, fmt.Errorf("engine: searcher is required")
	}
	if deps.Simulator == nil || deps.Analyzer == nil || deps.Validator == nil ||
		deps.Phases == nil || deps.Allocator == nil {
		return nil, fmt.Errorf("engine: all components must be injected")
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}

	e := &Engine{
		cfg:       deps.Config,
		logger:    deps.Logger,
		store:     deps.Store,
		snapshots: deps.Snapshots,
		sim:       deps.Simulator,
		searcher:  deps.Searcher,
		searchCfg: deps.SearchCfg,
		analyzer:  deps.Analyzer,
		validator: deps.Validator,
		phases:    deps.Phases,
		allocator: deps.Allocator,
		pool:      deps.Pool,
		rng:       rand.New(rand.NewSource(deps.Config.Seed)),
		counters:  make(map[string]int),
	}
	e.tracker = baseline.NewTracker(e.onTrackedClose, deps.Logger)
	return e, nil
}

// Build assembles an Engine with components derived from configuration.
func Build(cfg *config.Config, store TradeStore, snapshots SnapshotStore, logger *logging.Logger) (*Engine, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	searchCfg := optimizer.HighWinRateConfig()
	if cfg.Engine.Preset == "balanced" {
		searchCfg = optimizer.BalancedConfig()
	}
	if cfg.Engine.Workers > 0 {
		searchCfg.Workers = cfg.Engine.Workers
	}

	simCfg := simulator.DefaultConfig()
	if cfg.Engine.PartialExitWeight > 0 {
		simCfg.PartialExitWeight = cfg.Engine.PartialExitWeight
	}
	if cfg.Engine.NotionalUSD > 0 {
		simCfg.NotionalUSD = decimal.NewFromFloat(cfg.Engine.NotionalUSD)
	}
	sim := simulator.New(simCfg)

	var searcher optimizer.Searcher
	switch cfg.Engine.Optimizer {
	case "bayesian":
		bcfg := optimizer.DefaultBayesianConfig()
		bcfg.Seed = cfg.Engine.Seed
		searcher = optimizer.NewBayesian(searchCfg, bcfg, sim, logger)
	default:
		searcher = optimizer.NewGrid(searchCfg, sim, logger)
	}

	phaseCfg := phase.DefaultConfig()
	if cfg.Engine.RegenerateEveryN > 0 {
		phaseCfg.RegenerateEveryN = cfg.Engine.RegenerateEveryN
	}

	qualityCfg := signalquality.DefaultConfig()
	if cfg.Engine.Preset == "balanced" {
		qualityCfg = signalquality.BalancedConfig()
	}

	return NewEngine(Deps{
		Config:    cfg.Engine,
		Logger:    logger,
		Store:     store,
		Snapshots: snapshots,
		Simulator: sim,
		Searcher:  searcher,
		SearchCfg: searchCfg,
		Analyzer:  signalquality.New(qualityCfg),
		Validator: validation.New(validation.DefaultConfig(), searchCfg, searcher, sim, logger),
		Phases:    phase.NewManager(phaseCfg, logger),
		Allocator: allocation.New(allocation.DefaultConfig(), logger),
		Pool:      workerpool.New(workerpool.Config{Workers: searchCfg.Workers, QueueSize: 64}, logger),
	})
}

// Close stops background workers.
func (e *Engine) Close() {
	if e.pool != nil {
		e.pool.Stop()
	}
}

// Tracker exposes the baseline tracker for signal and price feeds.
func (e *Engine) Tracker() *baseline.Tracker {
	return e.tracker
}

func keyOf(symbol string, direction strategy.Direction, source string) string {
	return symbol + "|" + string(direction) + "|" + source
}

// onTrackedClose runs when the baseline tracker closes a trade. The pipeline
// is queued on the worker pool so price feeds never wait on an optimizer run.
func (e *Engine) onTrackedClose(trade *models.BaselineTrade) {
	if e.pool == nil {
		if err := e.OnBaselineTradeCompleted(context.Background(), trade); err != nil {
			e.logger.WithError(err).Error("baseline trade processing failed")
		}
		return
	}
	job := workerpool.Job{
		Key: keyOf(trade.Symbol, trade.Direction, trade.Source),
		Run: func(ctx context.Context) error {
			return e.OnBaselineTradeCompleted(ctx, trade)
		},
	}
	if e.pool.TrySubmit(job) {
		return
	}
	// Queue saturated. Losing a closed trade is worse than stalling the
	// price feed, so fall back to the blocking path.
	e.logger.WithField("queue_depth", e.pool.QueueDepth()).Warn("strategy pipeline queue saturated")
	if err := e.pool.Submit(job); err != nil {
		e.logger.WithError(err).Warn("dropping baseline trade processing job")
	}
}

// OnBaselineTradeCompleted is the per-closed-trade pipeline: persist the
// trade, fold it into the rolling performance of every tracked strategy, and
// every RegenerateEveryN closes re-run quality analysis, optimization,
// validation, persistence of survivors, and snapshot refresh for the trade's
// key.
func (e *Engine) OnBaselineTradeCompleted(ctx context.Context, trade *models.BaselineTrade) error {
	if !trade.IsClosed() {
		return fmt.Errorf("trade %s is still open", trade.ID)
	}
	if err := e.store.SaveBaselineTrade(ctx, trade); err != nil {
		return fmt.Errorf("save baseline trade: %w", err)
	}

	key := keyOf(trade.Symbol, trade.Direction, trade.Source)
	e.countersMu.Lock()
	e.counters[key]++
	closed := e.counters[key]
	e.countersMu.Unlock()

	if !e.phases.ShouldRegenerate(closed) {
		return e.refreshPerformance(ctx, trade)
	}
	if err := e.Regenerate(ctx, trade.Symbol, trade.Direction, trade.Source); err != nil {
		return err
	}
	e.countersMu.Lock()
	e.counters[key] = 0
	e.countersMu.Unlock()
	return nil
}

// Regenerate rebuilds the strategy set for one key from its full baseline
// history. Running it twice over the same history persists the same rows, so
// a crash between close and regeneration costs nothing but time.
func (e *Engine) Regenerate(ctx context.Context, symbol string, direction strategy.Direction, source string) error {
	trades, err := e.store.ListCompletedBaselineTrades(ctx, symbol, direction, source, 0)
	if err != nil {
		return fmt.Errorf("load baseline history: %w", err)
	}
	if len(trades) == 0 {
		return nil
	}

	entry := e.logger.WithFields(logging.Fields{
		"symbol":    symbol,
		"direction": direction,
		"source":    source,
		"trades":    len(trades),
	})

	quality := e.analyzer.Analyze(trades)
	if quality.Recommendation == signalquality.RecommendReject {
		entry.WithField("quality_score", quality.QualityScore).Warn("source rejected, skipping optimization")
		return nil
	}
	required := e.phases.RequiredBaselineTrades(&phase.Quality{
		QualityScore: quality.QualityScore,
		Exceptional:  quality.EarlyDetection == signalquality.EarlyExceptional,
		Poor:         quality.EarlyDetection == signalquality.EarlyPoor,
	})
	if len(trades) < required {
		entry.WithField("required", required).Info("baseline history below requirement, skipping optimization")
		return nil
	}

	budgetCtx, cancel := context.WithTimeout(ctx, e.cfg.Budget())
	defer cancel()
	candidates, err := e.searcher.Search(budgetCtx, trades)
	if err != nil {
		return fmt.Errorf("optimizer search: %w", err)
	}
	if len(candidates) == 0 {
		entry.Info("no acceptable strategy candidates")
		return nil
	}

	report, err := e.validator.Validate(ctx, trades)
	if err != nil {
		return fmt.Errorf("walk-forward validation: %w", err)
	}

	perfs, sims := e.assembleSurvivors(symbol, direction, source, trades, candidates, report)
	if len(perfs) == 0 {
		entry.Info("validation rejected every candidate")
		return nil
	}
	if err := e.store.ApplyStrategyProcessing(ctx, perfs, sims); err != nil {
		return fmt.Errorf("persist strategies: %w", err)
	}
	entry.WithField("strategies", len(perfs)).Info("strategy set regenerated")

	e.refreshSnapshot(ctx, symbol, direction, source, entry)
	return nil
}

// refreshPerformance folds one newly closed trade into the rolling
// performance of every strategy tracked for its key, so routing reads stay
// current between optimizer runs. Aggregates are recomputed from the full
// history, which makes replaying the same close harmless, and the updated
// rows plus the new simulation rows commit in one transaction.
func (e *Engine) refreshPerformance(ctx context.Context, trade *models.BaselineTrade) error {
	perfs, err := e.store.ListStrategyPerformance(ctx, trade.Symbol, trade.Direction, trade.Source)
	if err != nil {
		return fmt.Errorf("load tracked strategies: %w", err)
	}
	if len(perfs) == 0 {
		return nil
	}
	trades, err := e.store.ListCompletedBaselineTrades(ctx, trade.Symbol, trade.Direction, trade.Source, 0)
	if err != nil {
		return fmt.Errorf("load baseline history: %w", err)
	}

	now := time.Now().UTC()
	updated := make([]models.StrategyPerformance, 0, len(perfs))
	var sims []models.SimulationRow
	for _, perf := range perfs {
		c := optimizer.Score(e.sim, trades, perf.Params, e.searchCfg)
		if c.TradesTested == 0 {
			continue
		}
		perf.TradesAnalyzed = c.TradesTested
		perf.Wins = c.Wins
		perf.Losses = c.Losses
		perf.WinRate = c.WinRate
		perf.AvgWinPct = c.AvgWinPct
		perf.AvgLossPct = c.AvgLossPct
		perf.RiskReward = c.RiskReward
		perf.ExpectedValue = c.ExpectedValue
		perf.AvgDurationMin = c.AvgDurationMin
		perf.MaxDurationMin = c.MaxDurationMin
		perf.CompositeScore = c.CompositeScore
		perf.EligibleLive = e.phases.IsEligible(perf)
		perf.UpdatedAt = now
		updated = append(updated, perf)

		res, serr := e.sim.Simulate(trade, perf.Params)
		if serr != nil {
			continue
		}
		sims = append(sims, models.SimulationRow{
			ID:           uuid.New().String(),
			TradeID:      trade.ID,
			StrategyName: perf.StrategyName,
			Symbol:       trade.Symbol,
			ExitPrice:    res.ExitPrice,
			ExitReason:   res.ExitReason,
			PnLPct:       res.PnLPct,
			PnLUSD:       res.PnLUSD,
			DurationMin:  res.DurationMin,
			Approximate:  res.Approximate,
			CreatedAt:    now,
		})
	}
	if len(updated) == 0 {
		return nil
	}
	if err := e.store.ApplyStrategyProcessing(ctx, updated, sims); err != nil {
		return fmt.Errorf("refresh strategies: %w", err)
	}

	entry := e.logger.WithFields(logging.Fields{
		"symbol":     trade.Symbol,
		"direction":  trade.Direction,
		"source":     trade.Source,
		"strategies": len(updated),
	})
	entry.Debug("rolling performance refreshed")
	e.refreshSnapshot(ctx, trade.Symbol, trade.Direction, trade.Source, entry)
	return nil
}

// refreshSnapshot swaps the cached per-key rows for the freshly persisted
// ones. Cache failures degrade to store reads, so they only warn.
func (e *Engine) refreshSnapshot(ctx context.Context, symbol string, direction strategy.Direction, source string, entry *logging.Entry) {
	if e.snapshots == nil {
		return
	}
	if err := e.snapshots.Invalidate(ctx, symbol, direction, source); err != nil {
		entry.WithError(err).Warn("snapshot invalidation failed")
	}
	stored, err := e.store.ListStrategyPerformance(ctx, symbol, direction, source)
	if err == nil {
		if err := e.snapshots.Put(ctx, symbol, direction, source, stored); err != nil {
			entry.WithError(err).Warn("snapshot refresh failed")
		}
	}
}

// assembleSurvivors merges diversified candidates with validation verdicts.
// Only candidates whose category validation landed APPROVED or CONDITIONAL
// become persisted strategies; rejects and categories with no verdict at all
// live only in logs.
func (e *Engine) assembleSurvivors(
	symbol string, direction strategy.Direction, source string,
	trades []*models.BaselineTrade,
	candidates []optimizer.Candidate,
	report validation.Report,
) ([]models.StrategyPerformance, []models.SimulationRow) {
	verdicts := make(map[strategy.Category]validation.CategoryResult, len(report.Results))
	for _, res := range report.Results {
		verdicts[res.Category] = res
	}

	now := time.Now().UTC()
	var perfs []models.StrategyPerformance
	var sims []models.SimulationRow
	for _, pick := range optimizer.Diversify(candidates) {
		c := pick.Candidate
		verdict, validated := verdicts[pick.Category]
		if !validated ||
			(verdict.Recommendation != models.RecommendationApproved &&
				verdict.Recommendation != models.RecommendationConditional) {
			continue
		}

		perf := models.StrategyPerformance{
			ID:             uuid.New().String(),
			Symbol:         symbol,
			Direction:      direction,
			Source:         source,
			StrategyName:   c.Params.Name,
			Category:       pick.Category,
			Params:         c.Params,
			TradesAnalyzed: c.TradesTested,
			Wins:           c.Wins,
			Losses:         c.Losses,
			WinRate:        c.WinRate,
			AvgWinPct:      c.AvgWinPct,
			AvgLossPct:     c.AvgLossPct,
			RiskReward:     c.RiskReward,
			ExpectedValue:  c.ExpectedValue,
			AvgDurationMin: c.AvgDurationMin,
			MaxDurationMin: c.MaxDurationMin,
			CompositeScore: c.CompositeScore,
			HasRealStop:    !c.Params.IsNoStop(),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		perf.Validated = true
		perf.InSampleWinRate = verdict.InSampleWinRate
		perf.OutOfSampleWinRate = verdict.OutOfSampleWinRate
		perf.OverfitBias = verdict.OverfitBias
		perf.ValidationConfidence = verdict.Confidence
		perf.Recommendation = verdict.Recommendation
		perf.EligibleLive = e.phases.IsEligible(perf)
		perfs = append(perfs, perf)

		for _, trade := range trades {
			res, err := e.sim.Simulate(trade, c.Params)
			if err != nil {
				continue
			}
			sims = append(sims, models.SimulationRow{
				ID:           uuid.New().String(),
				TradeID:      trade.ID,
				StrategyName: c.Params.Name,
				Symbol:       symbol,
				ExitPrice:    res.ExitPrice,
				ExitReason:   res.ExitReason,
				PnLPct:       res.PnLPct,
				PnLUSD:       res.PnLUSD,
				DurationMin:  res.DurationMin,
				Approximate:  res.Approximate,
				CreatedAt:    now,
			})
		}
	}
	return perfs, sims
}

// AnalyzeSignalQuality loads the key's history and runs the quality analyzer.
func (e *Engine) AnalyzeSignalQuality(ctx context.Context, symbol string, direction strategy.Direction, source string) (signalquality.Report, error) {
	trades, err := e.store.ListCompletedBaselineTrades(ctx, symbol, direction, source, 0)
	if err != nil {
		return signalquality.Report{}, err
	}
	return e.analyzer.Analyze(trades), nil
}

// GenerateStrategies runs one optimizer search over the given history under
// the configured wall-clock budget.
func (e *Engine) GenerateStrategies(ctx context.Context, trades []*models.BaselineTrade) ([]optimizer.Candidate, error) {
	budgetCtx, cancel := context.WithTimeout(ctx, e.cfg.Budget())
	defer cancel()
	return e.searcher.Search(budgetCtx, trades)
}

// Simulate replays one trade under one parameter set.
func (e *Engine) Simulate(trade *models.BaselineTrade, params strategy.Params) (simulator.Result, error) {
	return e.sim.Simulate(trade, params)
}

// ValidateStrategies runs walk-forward validation over the given history.
func (e *Engine) ValidateStrategies(ctx context.Context, trades []*models.BaselineTrade) (validation.Report, error) {
	return e.validator.Validate(ctx, trades)
}

// DeterminePhase computes the key's current phase from its baseline count,
// persisted strategies, and quality assessment.
func (e *Engine) DeterminePhase(ctx context.Context, symbol string, direction strategy.Direction, source string) (phase.Determination, error) {
	count, err := e.store.CountCompletedBaselineTrades(ctx, symbol, direction, source)
	if err != nil {
		return phase.Determination{}, err
	}
	perfs, err := e.loadPerformance(ctx, symbol, direction, source)
	if err != nil {
		return phase.Determination{}, err
	}

	var hint *phase.Quality
	if count > 0 {
		trades, err := e.store.ListCompletedBaselineTrades(ctx, symbol, direction, source, 0)
		if err == nil && len(trades) > 0 {
			report := e.analyzer.Analyze(trades)
			hint = &phase.Quality{
				QualityScore: report.QualityScore,
				Exceptional:  report.EarlyDetection == signalquality.EarlyExceptional,
				Poor:         report.EarlyDetection == signalquality.EarlyPoor,
			}
		}
	}
	return e.phases.Determine(count, perfs, hint), nil
}

// loadPerformance prefers the snapshot cache and falls back to the store.
func (e *Engine) loadPerformance(ctx context.Context, symbol string, direction strategy.Direction, source string) ([]models.StrategyPerformance, error) {
	if e.snapshots != nil {
		perfs, ok, err := e.snapshots.Get(ctx, symbol, direction, source)
		if err != nil {
			e.logger.WithError(err).Warn("snapshot read failed, falling back to store")
		} else if ok {
			return perfs, nil
		}
	}
	perfs, err := e.store.ListStrategyPerformance(ctx, symbol, direction, source)
	if err != nil {
		return nil, err
	}
	if e.snapshots != nil && len(perfs) > 0 {
		if err := e.snapshots.Put(ctx, symbol, direction, source, perfs); err != nil {
			e.logger.WithError(err).Warn("snapshot backfill failed")
		}
	}
	return perfs, nil
}

// SelectStrategyForRouting decides how to trade one incoming signal for its
// key. Phase one signals only collect data, phase two explores across the
// persisted survivors through the allocator, phase three exploits the single
// best eligible strategy.
func (e *Engine) SelectStrategyForRouting(ctx context.Context, symbol string, direction strategy.Direction, source string) (RoutingDecision, error) {
	det, err := e.DeterminePhase(ctx, symbol, direction, source)
	if err != nil {
		return RoutingDecision{}, err
	}

	switch det.Phase {
	case phase.PhaseLive:
		if det.Eligible == nil {
			break
		}
		params := det.Eligible.Params
		return RoutingDecision{
			Phase:        det.Phase,
			StrategyName: det.Eligible.StrategyName,
			Params:       &params,
			Probability:  1,
			Reason:       "best eligible strategy",
		}, nil
	case phase.PhaseOptimization:
		perfs, err := e.loadPerformance(ctx, symbol, direction, source)
		if err != nil {
			return RoutingDecision{}, err
		}
		// Any live-eligible strategy would have promoted the key already, so
		// phase two spreads paper flow across every persisted survivor.
		stats := make([]allocation.StrategyStats, 0, len(perfs))
		byName := make(map[string]models.StrategyPerformance, len(perfs))
		for _, p := range perfs {
			if p.Recommendation == models.RecommendationRejected {
				continue
			}
			stats = append(stats, allocation.StrategyStats{
				Name:           p.StrategyName,
				WinRate:        p.WinRate,
				RiskReward:     p.RiskReward,
				AvgDurationMin: p.AvgDurationMin,
				TradesAnalyzed: p.TradesAnalyzed,
			})
			byName[p.StrategyName] = p
		}
		allocs := e.allocator.Allocate(stats)
		e.rngMu.Lock()
		picked, ok := e.allocator.Select(allocs, e.rng)
		e.rngMu.Unlock()
		if ok {
			perf := byName[picked.Name]
			params := perf.Params
			return RoutingDecision{
				Phase:        det.Phase,
				StrategyName: picked.Name,
				Params:       &params,
				Probability:  picked.Probability,
				Reason:       "allocator pick",
			}, nil
		}
	}

	return RoutingDecision{Phase: det.Phase, Reason: det.Reason}, nil
}
