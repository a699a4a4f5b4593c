package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgelab/signalforge/internal/models"
	"github.com/edgelab/signalforge/internal/strategy"
)

func newStoreWithMock(t *testing.T) (*TradeStore, pgxmock.PgxPoolIface) {
	t.Helper()
	pool, mock, err := NewMockPool()
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return NewTradeStore(pool, nil), mock
}

// anyArgs builds n pgxmock.AnyArg() matchers; pgxmock requires the
// argument count to match even when the values are not asserted.
func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func TestListCompletedBaselineTrades(t *testing.T) {
	store, mock := newStoreWithMock(t)

	entryOld := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	entryNew := entryOld.Add(4 * time.Hour)
	exitOld := entryOld.Add(2 * time.Hour)
	exitNew := entryNew.Add(90 * time.Minute)

	// The query returns newest first.
	mock.ExpectQuery("FROM baseline_trades").
		WithArgs(anyArgs(4)...).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "symbol", "direction", "source", "entry_price", "entry_at",
			"max_favorable_pct", "max_adverse_pct",
			"exit_price", "exit_at", "exit_reason", "final_pnl_pct",
		}).
			AddRow("t2", "BTCUSDT", "LONG", "tv_webhook", 101.0, entryNew,
				1.8, -0.4, 102.0, &exitNew, models.BaselineExitReplacement, 0.99).
			AddRow("t1", "BTCUSDT", "LONG", "tv_webhook", 100.0, entryOld,
				2.5, -0.6, 102.0, &exitOld, models.BaselineExitReversal, 2.0))

	mock.ExpectQuery("FROM trade_milestones").
		WithArgs(anyArgs(1)...).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "trade_id", "threshold_pct", "hit_at", "hit_price", "time_to_hit_ms",
		}).
			AddRow("m1", "t1", 1.0, entryOld.Add(10*time.Minute), 101.0, int64(600000)).
			AddRow("m2", "t1", 2.0, entryOld.Add(25*time.Minute), 102.0, int64(1500000)))

	trades, err := store.ListCompletedBaselineTrades(context.Background(), "BTCUSDT", strategy.DirectionLong, "tv_webhook", 50)
	require.NoError(t, err)
	require.Len(t, trades, 2)

	// Oldest first for replay.
	assert.Equal(t, "t1", trades[0].ID)
	assert.Equal(t, "t2", trades[1].ID)

	require.Len(t, trades[0].Milestones, 2)
	assert.InDelta(t, 1.0, trades[0].Milestones[0].ThresholdPct, 1e-9)
	assert.Equal(t, 10*time.Minute, trades[0].Milestones[0].TimeToHit)
	assert.Empty(t, trades[1].Milestones)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListCompletedBaselineTrades_Empty(t *testing.T) {
	store, mock := newStoreWithMock(t)

	mock.ExpectQuery("FROM baseline_trades").
		WithArgs(anyArgs(4)...).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "symbol", "direction", "source", "entry_price", "entry_at",
			"max_favorable_pct", "max_adverse_pct",
			"exit_price", "exit_at", "exit_reason", "final_pnl_pct",
		}))

	trades, err := store.ListCompletedBaselineTrades(context.Background(), "BTCUSDT", strategy.DirectionLong, "tv_webhook", 50)
	require.NoError(t, err)
	assert.Empty(t, trades)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountCompletedBaselineTrades(t *testing.T) {
	store, mock := newStoreWithMock(t)

	mock.ExpectQuery("SELECT COUNT").
		WithArgs(anyArgs(3)...).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(14))

	count, err := store.CountCompletedBaselineTrades(context.Background(), "BTCUSDT", strategy.DirectionLong, "tv_webhook")
	require.NoError(t, err)
	assert.Equal(t, 14, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveBaselineTrade(t *testing.T) {
	store, mock := newStoreWithMock(t)

	entry := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	exit := entry.Add(time.Hour)
	trade := &models.BaselineTrade{
		ID: "t1", Symbol: "BTCUSDT", Direction: strategy.DirectionLong, Source: "tv_webhook",
		EntryPrice: 100, EntryAt: entry,
		MaxFavorablePct: 2.1, MaxAdversePct: -0.3,
		ExitPrice: 102, ExitAt: &exit, ExitReason: models.BaselineExitReplacement, FinalPnLPct: 2.0,
		Milestones: []models.Milestone{
			{ID: "m1", TradeID: "t1", ThresholdPct: 1, HitAt: entry.Add(10 * time.Minute), HitPrice: 101, TimeToHit: 10 * time.Minute},
			{ID: "m2", TradeID: "t1", ThresholdPct: 2, HitAt: entry.Add(30 * time.Minute), HitPrice: 102, TimeToHit: 30 * time.Minute},
		},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO baseline_trades").WithArgs(anyArgs(12)...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO trade_milestones").WithArgs(anyArgs(6)...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO trade_milestones").WithArgs(anyArgs(6)...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, store.SaveBaselineTrade(context.Background(), trade))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListStrategyPerformance(t *testing.T) {
	store, mock := newStoreWithMock(t)

	params := strategy.MustParams(2, 0, 0, -1, nil, 0)
	mock.ExpectQuery("FROM strategy_performance").
		WithArgs(anyArgs(3)...).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "symbol", "direction", "source", "strategy_name", "category", "params",
			"trades_analyzed", "wins", "losses", "win_rate", "avg_win_pct", "avg_loss_pct",
			"risk_reward", "expected_value", "avg_duration_min", "max_duration_min",
			"composite_score", "eligible_live", "has_real_stop",
			"validated", "in_sample_win_rate", "out_of_sample_win_rate",
			"out_of_sample_rr", "overfit_bias", "validation_confidence", "recommendation",
		}).AddRow(
			"p1", "BTCUSDT", "LONG", "tv_webhook", params.Name, string(strategy.CategorySmallTP),
			[]byte(`{"name":"`+params.Name+`","tp1_pct":2,"tp2_pct":0,"tp3_pct":0,"sl_pct":-1,"breakeven_trigger_pct":0}`),
			12, 8, 4, 66.7, 2.0, 1.0,
			2.0, 1.0, 95.0, 240.0,
			71.5, true, true,
			true, 70.0, 64.0,
			1.8, 6.0, 72.0, models.RecommendationApproved,
		))

	perfs, err := store.ListStrategyPerformance(context.Background(), "BTCUSDT", strategy.DirectionLong, "tv_webhook")
	require.NoError(t, err)
	require.Len(t, perfs, 1)

	p := perfs[0]
	assert.Equal(t, params.Name, p.StrategyName)
	assert.Equal(t, strategy.CategorySmallTP, p.Category)
	assert.InDelta(t, 2.0, p.Params.TP1Pct, 1e-9)
	assert.InDelta(t, -1.0, p.Params.SLPct, 1e-9)
	assert.Equal(t, models.RecommendationApproved, p.Recommendation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func perfRow(name string) models.StrategyPerformance {
	return models.StrategyPerformance{
		ID: "p1", Symbol: "BTCUSDT", Direction: strategy.DirectionLong, Source: "tv_webhook",
		StrategyName: name, Category: strategy.CategorySmallTP,
		Params:         strategy.MustParams(2, 0, 0, -1, nil, 0),
		TradesAnalyzed: 12, Wins: 8, Losses: 4, WinRate: 66.7,
		RiskReward: 2.0, ExpectedValue: 1.0, HasRealStop: true,
	}
}

func TestApplyStrategyProcessing_CommitsTogether(t *testing.T) {
	store, mock := newStoreWithMock(t)

	sims := []models.SimulationRow{{
		ID: "s1", TradeID: "t1", StrategyName: "tp2.0_sl1.0", Symbol: "BTCUSDT",
		ExitPrice: 102, ExitReason: "tp1", PnLPct: 2, PnLUSD: decimal.NewFromInt(20), DurationMin: 30,
	}}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO strategy_performance").WithArgs(anyArgs(27)...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO strategy_simulations").WithArgs(anyArgs(10)...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := store.ApplyStrategyProcessing(context.Background(), []models.StrategyPerformance{perfRow("tp2.0_sl1.0")}, sims)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyStrategyProcessing_RollsBackOnFailure(t *testing.T) {
	store, mock := newStoreWithMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO strategy_performance").WithArgs(anyArgs(27)...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO strategy_simulations").WithArgs(anyArgs(10)...).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	sims := []models.SimulationRow{{ID: "s1", TradeID: "t1", StrategyName: "tp2.0_sl1.0", Symbol: "BTCUSDT", PnLUSD: decimal.Zero}}
	err := store.ApplyStrategyProcessing(context.Background(), []models.StrategyPerformance{perfRow("tp2.0_sl1.0")}, sims)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}
