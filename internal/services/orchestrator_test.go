package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgelab/signalforge/internal/config"
	"github.com/edgelab/signalforge/internal/models"
	"github.com/edgelab/signalforge/internal/services/allocation"
	"github.com/edgelab/signalforge/internal/services/baseline"
	"github.com/edgelab/signalforge/internal/services/optimizer"
	"github.com/edgelab/signalforge/internal/services/phase"
	"github.com/edgelab/signalforge/internal/services/signalquality"
	"github.com/edgelab/signalforge/internal/services/simulator"
	"github.com/edgelab/signalforge/internal/services/validation"
	"github.com/edgelab/signalforge/internal/strategy"
)

var engineTestEntry = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

// memStore is an in-memory TradeStore. Performance rows are upserted by
// strategy name the way the real store's ON CONFLICT clause does.
type memStore struct {
	mu     sync.Mutex
	trades []*models.BaselineTrade
	perfs  map[string]models.StrategyPerformance
	sims   []models.SimulationRow

	applyCalls int
}

func newMemStore(trades ...*models.BaselineTrade) *memStore {
	return &memStore{trades: trades, perfs: make(map[string]models.StrategyPerformance)}
}

func (m *memStore) SaveBaselineTrade(ctx context.Context, trade *models.BaselineTrade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, trade)
	return nil
}

func (m *memStore) ListCompletedBaselineTrades(ctx context.Context, symbol string, direction strategy.Direction, source string, limit int) ([]*models.BaselineTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.BaselineTrade
	for _, t := range m.trades {
		if t.Symbol == symbol && t.Direction == direction && t.Source == source && t.IsClosed() {
			out = append(out, t)
		}
	}
	models.SortTradesChronologically(out)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memStore) CountCompletedBaselineTrades(ctx context.Context, symbol string, direction strategy.Direction, source string) (int, error) {
	trades, _ := m.ListCompletedBaselineTrades(ctx, symbol, direction, source, 0)
	return len(trades), nil
}

func (m *memStore) ListStrategyPerformance(ctx context.Context, symbol string, direction strategy.Direction, source string) ([]models.StrategyPerformance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.StrategyPerformance
	for _, p := range m.perfs {
		if p.Symbol == symbol && p.Direction == direction && p.Source == source {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) ApplyStrategyProcessing(ctx context.Context, perfs []models.StrategyPerformance, sims []models.SimulationRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyCalls++
	for _, p := range perfs {
		m.perfs[p.Symbol+"|"+p.StrategyName] = p
	}
	m.sims = append(m.sims, sims...)
	return nil
}

type memSnapshots struct {
	mu   sync.Mutex
	data map[string][]models.StrategyPerformance
	puts int
	hits int
}

func newMemSnapshots() *memSnapshots {
	return &memSnapshots{data: make(map[string][]models.StrategyPerformance)}
}

func (m *memSnapshots) Put(ctx context.Context, symbol string, direction strategy.Direction, source string, perfs []models.StrategyPerformance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[keyOf(symbol, direction, source)] = perfs
	m.puts++
	return nil
}

func (m *memSnapshots) Get(ctx context.Context, symbol string, direction strategy.Direction, source string) ([]models.StrategyPerformance, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	perfs, ok := m.data[keyOf(symbol, direction, source)]
	if ok {
		m.hits++
	}
	return perfs, ok, nil
}

func (m *memSnapshots) Invalidate(ctx context.Context, symbol string, direction strategy.Direction, source string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, keyOf(symbol, direction, source))
	return nil
}

func closedTrade(id string, entry time.Time, thresholds []float64, finalPnL float64) *models.BaselineTrade {
	trade := &models.BaselineTrade{
		ID:         id,
		Symbol:     "BTCUSDT",
		Direction:  strategy.DirectionLong,
		Source:     "tv_webhook",
		EntryPrice: 100,
		EntryAt:    entry,
	}
	for i, th := range thresholds {
		at := entry.Add(time.Duration(i+1) * 10 * time.Minute)
		trade.Milestones = append(trade.Milestones, models.Milestone{
			ID:           "m",
			TradeID:      id,
			ThresholdPct: th,
			HitAt:        at,
			HitPrice:     trade.PriceAtPnL(th),
			TimeToHit:    at.Sub(entry),
		})
		if th > trade.MaxFavorablePct {
			trade.MaxFavorablePct = th
		}
		if th < trade.MaxAdversePct {
			trade.MaxAdversePct = th
		}
	}
	exitAt := entry.Add(2 * time.Hour)
	trade.ExitAt = &exitAt
	trade.ExitReason = models.BaselineExitReplacement
	trade.FinalPnLPct = finalPnL
	trade.ExitPrice = trade.PriceAtPnL(finalPnL)
	return trade
}

// winningHistory is n closed trades that all ran to +3%, entered an hour
// apart so chronological splits are unambiguous.
func winningHistory(n int) []*models.BaselineTrade {
	var trades []*models.BaselineTrade
	for i := 0; i < n; i++ {
		trades = append(trades, closedTrade("t", engineTestEntry.Add(time.Duration(i)*time.Hour), []float64{1, 2, 3}, 2.5))
	}
	return trades
}

func testEngine(t *testing.T, store TradeStore, snapshots SnapshotStore, regenerateEveryN int) *Engine {
	t.Helper()

	sim := simulator.New(simulator.DefaultConfig())
	searchCfg := optimizer.HighWinRateConfig()
	searchCfg.Workers = 2
	searcher := optimizer.NewGrid(searchCfg, sim, nil)

	phaseCfg := phase.DefaultConfig()
	phaseCfg.RegenerateEveryN = regenerateEveryN

	engine, err := NewEngine(Deps{
		Config:    config.EngineConfig{Seed: 42, SearchBudget: "20s"},
		Store:     store,
		Snapshots: snapshots,
		Simulator: sim,
		Searcher:  searcher,
		SearchCfg: searchCfg,
		Analyzer:  signalquality.New(signalquality.DefaultConfig()),
		Validator: validation.New(validation.DefaultConfig(), searchCfg, searcher, sim, nil),
		Phases:    phase.NewManager(phaseCfg, nil),
		Allocator: allocation.New(allocation.DefaultConfig(), nil),
	})
	require.NoError(t, err)
	return engine
}

func TestNewEngineRequiresComponents(t *testing.T) {
	_, err := NewEngine(Deps{})
	require.Error(t, err)

	_, err = NewEngine(Deps{Store: newMemStore()})
	require.Error(t, err)
}

func TestOnBaselineTradeCompletedRegeneratesOnInterval(t *testing.T) {
	history := winningHistory(12)
	store := newMemStore(history[:9]...)
	snapshots := newMemSnapshots()
	engine := testEngine(t, store, snapshots, 3)
	ctx := context.Background()

	// Two closes stay under the interval, so no optimizer run happens.
	require.NoError(t, engine.OnBaselineTradeCompleted(ctx, history[9]))
	require.NoError(t, engine.OnBaselineTradeCompleted(ctx, history[10]))
	assert.Zero(t, store.applyCalls)
	assert.Empty(t, store.perfs)

	// The third close crosses it and the full pipeline runs.
	require.NoError(t, engine.OnBaselineTradeCompleted(ctx, history[11]))
	assert.Equal(t, 1, store.applyCalls)
	assert.NotEmpty(t, store.perfs)
	assert.NotEmpty(t, store.sims)
	assert.Equal(t, 1, snapshots.puts)

	for _, p := range store.perfs {
		assert.InDelta(t, 100.0, p.WinRate, 0.01)
		assert.True(t, p.Validated)
		assert.Equal(t, models.RecommendationApproved, p.Recommendation)
	}
}

func TestOnBaselineTradeCompletedRejectsOpenTrade(t *testing.T) {
	engine := testEngine(t, newMemStore(), nil, 5)

	open := &models.BaselineTrade{ID: "open", Symbol: "BTCUSDT", Direction: strategy.DirectionLong, Source: "tv_webhook"}
	err := engine.OnBaselineTradeCompleted(context.Background(), open)
	require.Error(t, err)
}

func TestRegenerateIsIdempotent(t *testing.T) {
	store := newMemStore(winningHistory(12)...)
	engine := testEngine(t, store, nil, 5)
	ctx := context.Background()

	require.NoError(t, engine.Regenerate(ctx, "BTCUSDT", strategy.DirectionLong, "tv_webhook"))
	first := make(map[string]float64, len(store.perfs))
	for name, p := range store.perfs {
		first[name] = p.CompositeScore
	}
	require.NotEmpty(t, first)

	require.NoError(t, engine.Regenerate(ctx, "BTCUSDT", strategy.DirectionLong, "tv_webhook"))

	require.Len(t, store.perfs, len(first))
	for name, p := range store.perfs {
		score, ok := first[name]
		require.True(t, ok, "second run produced new strategy %s", name)
		assert.InDelta(t, score, p.CompositeScore, 1e-9)
	}
}

func TestRegenerateSkipsBelowBaselineRequirement(t *testing.T) {
	// Four winners sit under even the fast-tracked floor of five, so the
	// optimizer must not run at all.
	store := newMemStore(winningHistory(4)...)
	engine := testEngine(t, store, nil, 5)

	require.NoError(t, engine.Regenerate(context.Background(), "BTCUSDT", strategy.DirectionLong, "tv_webhook"))
	assert.Zero(t, store.applyCalls)
	assert.Empty(t, store.perfs)
}

func TestRegenerateDropsUnvalidatedCategories(t *testing.T) {
	// The searcher produces candidates, but the validator has too little
	// history for any verdict. Candidates without one must not be persisted.
	store := newMemStore(winningHistory(12)...)

	sim := simulator.New(simulator.DefaultConfig())
	searchCfg := optimizer.HighWinRateConfig()
	searchCfg.Workers = 2
	searcher := optimizer.NewGrid(searchCfg, sim, nil)

	valCfg := validation.DefaultConfig()
	valCfg.MinTrades = 20

	engine, err := NewEngine(Deps{
		Config:    config.EngineConfig{Seed: 42, SearchBudget: "20s"},
		Store:     store,
		Simulator: sim,
		Searcher:  searcher,
		SearchCfg: searchCfg,
		Analyzer:  signalquality.New(signalquality.DefaultConfig()),
		Validator: validation.New(valCfg, searchCfg, searcher, sim, nil),
		Phases:    phase.NewManager(phase.DefaultConfig(), nil),
		Allocator: allocation.New(allocation.DefaultConfig(), nil),
	})
	require.NoError(t, err)

	require.NoError(t, engine.Regenerate(context.Background(), "BTCUSDT", strategy.DirectionLong, "tv_webhook"))
	assert.Zero(t, store.applyCalls)
	assert.Empty(t, store.perfs)
}

func TestCloseRefreshesTrackedPerformance(t *testing.T) {
	history := winningHistory(12)
	store := newMemStore(history...)
	store.perfs["BTCUSDT|explore_a"] = ineligiblePerf("explore_a", 52)
	snapshots := newMemSnapshots()
	engine := testEngine(t, store, snapshots, 100)
	ctx := context.Background()

	// One more close, far from the regeneration interval. The tracked
	// strategy's rolling stats must move on this very close.
	next := closedTrade("t13", engineTestEntry.Add(12*time.Hour), []float64{1, 2, 3}, 2.5)
	require.NoError(t, engine.OnBaselineTradeCompleted(ctx, next))

	assert.Equal(t, 1, store.applyCalls)
	perf := store.perfs["BTCUSDT|explore_a"]
	assert.Equal(t, 13, perf.TradesAnalyzed)
	assert.InDelta(t, 100.0, perf.WinRate, 0.01)

	require.Len(t, store.sims, 1)
	assert.Equal(t, "t13", store.sims[0].TradeID)
	assert.Equal(t, "explore_a", store.sims[0].StrategyName)
	assert.Equal(t, 1, snapshots.puts)
}

func TestCloseWithoutTrackedStrategiesSkipsRefresh(t *testing.T) {
	store := newMemStore(winningHistory(3)...)
	engine := testEngine(t, store, nil, 100)

	next := closedTrade("t4", engineTestEntry.Add(12*time.Hour), []float64{1, 2, 3}, 2.5)
	require.NoError(t, engine.OnBaselineTradeCompleted(context.Background(), next))
	assert.Zero(t, store.applyCalls)
}

func TestRegenerateNoHistoryIsNoop(t *testing.T) {
	store := newMemStore()
	engine := testEngine(t, store, nil, 5)

	require.NoError(t, engine.Regenerate(context.Background(), "BTCUSDT", strategy.DirectionLong, "tv_webhook"))
	assert.Zero(t, store.applyCalls)
}

func TestRouteSignalBaselinePhase(t *testing.T) {
	store := newMemStore(winningHistory(3)...)
	engine := testEngine(t, store, nil, 5)

	decision, err := engine.SelectStrategyForRouting(context.Background(), "BTCUSDT", strategy.DirectionLong, "tv_webhook")
	require.NoError(t, err)

	assert.Equal(t, phase.PhaseBaseline, decision.Phase)
	assert.Empty(t, decision.StrategyName)
	assert.Nil(t, decision.Params)
}

func TestRouteSignalLivePhaseAfterRegeneration(t *testing.T) {
	store := newMemStore(winningHistory(12)...)
	snapshots := newMemSnapshots()
	engine := testEngine(t, store, snapshots, 5)
	ctx := context.Background()

	require.NoError(t, engine.Regenerate(ctx, "BTCUSDT", strategy.DirectionLong, "tv_webhook"))

	decision, err := engine.SelectStrategyForRouting(ctx, "BTCUSDT", strategy.DirectionLong, "tv_webhook")
	require.NoError(t, err)

	assert.Equal(t, phase.PhaseLive, decision.Phase)
	assert.NotEmpty(t, decision.StrategyName)
	require.NotNil(t, decision.Params)
	assert.Equal(t, decision.StrategyName, decision.Params.Name)
	assert.InDelta(t, 1.0, decision.Probability, 1e-9)
}

func ineligiblePerf(name string, winRate float64) models.StrategyPerformance {
	return models.StrategyPerformance{
		ID:             name,
		Symbol:         "BTCUSDT",
		Direction:      strategy.DirectionLong,
		Source:         "tv_webhook",
		StrategyName:   name,
		Params:         strategy.MustParams(2, 0, 0, -1, nil, 0),
		TradesAnalyzed: 12,
		WinRate:        winRate,
		RiskReward:     1.1,
		AvgDurationMin: 45,
		ExpectedValue:  0.2,
		HasRealStop:    true,
		Recommendation: models.RecommendationConditional,
	}
}

func TestRouteSignalOptimizationPhaseUsesAllocator(t *testing.T) {
	store := newMemStore(winningHistory(12)...)
	store.perfs["BTCUSDT|explore_a"] = ineligiblePerf("explore_a", 52)
	store.perfs["BTCUSDT|explore_b"] = ineligiblePerf("explore_b", 50)
	engine := testEngine(t, store, nil, 5)

	decision, err := engine.SelectStrategyForRouting(context.Background(), "BTCUSDT", strategy.DirectionLong, "tv_webhook")
	require.NoError(t, err)

	assert.Equal(t, phase.PhaseOptimization, decision.Phase)
	assert.Contains(t, []string{"explore_a", "explore_b"}, decision.StrategyName)
	assert.Greater(t, decision.Probability, 0.0)
	require.NotNil(t, decision.Params)
}

func TestRouteSignalPicksAreSeedDeterministic(t *testing.T) {
	ctx := context.Background()

	run := func() []string {
		store := newMemStore(winningHistory(12)...)
		store.perfs["BTCUSDT|explore_a"] = ineligiblePerf("explore_a", 52)
		store.perfs["BTCUSDT|explore_b"] = ineligiblePerf("explore_b", 50)
		store.perfs["BTCUSDT|explore_c"] = ineligiblePerf("explore_c", 56)
		engine := testEngine(t, store, nil, 5)

		var picks []string
		for i := 0; i < 8; i++ {
			decision, err := engine.SelectStrategyForRouting(ctx, "BTCUSDT", strategy.DirectionLong, "tv_webhook")
			require.NoError(t, err)
			picks = append(picks, decision.StrategyName)
		}
		return picks
	}

	assert.Equal(t, run(), run())
}

func TestDeterminePhaseFacade(t *testing.T) {
	store := newMemStore(winningHistory(6)...)
	engine := testEngine(t, store, nil, 5)

	det, err := engine.DeterminePhase(context.Background(), "BTCUSDT", strategy.DirectionLong, "tv_webhook")
	require.NoError(t, err)

	// Six straight winners read as exceptional, which drops the baseline
	// requirement to the floor and moves the key past phase one.
	assert.Equal(t, phase.PhaseOptimization, det.Phase)
}

func TestAnalyzeSignalQualityFacade(t *testing.T) {
	store := newMemStore(winningHistory(12)...)
	engine := testEngine(t, store, nil, 5)

	report, err := engine.AnalyzeSignalQuality(context.Background(), "BTCUSDT", strategy.DirectionLong, "tv_webhook")
	require.NoError(t, err)

	assert.Equal(t, 12, report.TradeCount)
	assert.Equal(t, 12, report.Wins)
	assert.True(t, report.HasEdge)
}

func TestRoutingReadsSnapshotBeforeStore(t *testing.T) {
	store := newMemStore(winningHistory(12)...)
	snapshots := newMemSnapshots()
	engine := testEngine(t, store, snapshots, 5)
	ctx := context.Background()

	require.NoError(t, engine.Regenerate(ctx, "BTCUSDT", strategy.DirectionLong, "tv_webhook"))

	_, err := engine.SelectStrategyForRouting(ctx, "BTCUSDT", strategy.DirectionLong, "tv_webhook")
	require.NoError(t, err)
	assert.Greater(t, snapshots.hits, 0)
}

func baselineSignal(symbol string, direction strategy.Direction, price float64, at time.Time) baseline.Signal {
	return baseline.Signal{
		Symbol:    symbol,
		Direction: direction,
		Source:    "tv_webhook",
		Price:     price,
		At:        at,
	}
}

func TestTrackerFeedsPipeline(t *testing.T) {
	store := newMemStore()
	engine := testEngine(t, store, nil, 0)

	tracker := engine.Tracker()
	tracker.OnSignal(baselineSignal("BTCUSDT", strategy.DirectionLong, 100, engineTestEntry))
	tracker.OnPrice("BTCUSDT", 103, engineTestEntry.Add(30*time.Minute))

	// A reversal signal closes the long; the completion callback persists it
	// synchronously because no worker pool is attached.
	tracker.OnSignal(baselineSignal("BTCUSDT", strategy.DirectionShort, 102, engineTestEntry.Add(time.Hour)))

	count, err := store.CountCompletedBaselineTrades(context.Background(), "BTCUSDT", strategy.DirectionLong, "tv_webhook")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
