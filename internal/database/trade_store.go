package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/edgelab/signalforge/internal/logging"
	"github.com/edgelab/signalforge/internal/models"
	"github.com/edgelab/signalforge/internal/strategy"
)

// TradeStore persists baseline trades, milestone trails, strategy
// performance rows and simulation outcomes.
type TradeStore struct {
	pool   Pool
	logger *logging.Logger
}

func NewTradeStore(pool Pool, logger *logging.Logger) *TradeStore {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &TradeStore{pool: pool, logger: logger}
}

const listTradesQuery = `
	SELECT id, symbol, direction, source, entry_price, entry_at,
	       max_favorable_pct, max_adverse_pct,
	       exit_price, exit_at, exit_reason, final_pnl_pct
	FROM baseline_trades
	WHERE symbol = $1 AND direction = $2 AND source = $3 AND exit_at IS NOT NULL
	ORDER BY entry_at DESC
	LIMIT NULLIF($4, 0)`

const listMilestonesQuery = `
	SELECT id, trade_id, threshold_pct, hit_at, hit_price, time_to_hit_ms
	FROM trade_milestones
	WHERE trade_id = ANY($1)
	ORDER BY hit_at ASC, threshold_pct ASC`

// ListCompletedBaselineTrades returns the most recent closed trades for the
// key with their ordered milestone trails, oldest first. Reads are
// idempotent and retried on transient failures.
func (s *TradeStore) ListCompletedBaselineTrades(ctx context.Context, symbol string, direction strategy.Direction, source string, limit int) ([]*models.BaselineTrade, error) {
	var trades []*models.BaselineTrade
	err := withReadRetry(ctx, func() error {
		var innerErr error
		trades, innerErr = s.listTrades(ctx, symbol, direction, source, limit)
		return innerErr
	})
	if err != nil {
		return nil, fmt.Errorf("list baseline trades: %w", err)
	}
	return trades, nil
}

func (s *TradeStore) listTrades(ctx context.Context, symbol string, direction strategy.Direction, source string, limit int) ([]*models.BaselineTrade, error) {
	rows, err := s.pool.Query(ctx, listTradesQuery, symbol, string(direction), source, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*models.BaselineTrade
	byID := make(map[string]*models.BaselineTrade)
	var ids []string
	for rows.Next() {
		t := &models.BaselineTrade{}
		var dir string
		if err := rows.Scan(&t.ID, &t.Symbol, &dir, &t.Source, &t.EntryPrice, &t.EntryAt,
			&t.MaxFavorablePct, &t.MaxAdversePct,
			&t.ExitPrice, &t.ExitAt, &t.ExitReason, &t.FinalPnLPct); err != nil {
			return nil, err
		}
		t.Direction = strategy.Direction(dir)
		trades = append(trades, t)
		byID[t.ID] = t
		ids = append(ids, t.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, nil
	}

	mrows, err := s.pool.Query(ctx, listMilestonesQuery, ids)
	if err != nil {
		return nil, err
	}
	defer mrows.Close()
	for mrows.Next() {
		var m models.Milestone
		var tthMillis int64
		if err := mrows.Scan(&m.ID, &m.TradeID, &m.ThresholdPct, &m.HitAt, &m.HitPrice, &tthMillis); err != nil {
			return nil, err
		}
		m.TimeToHit = millisToDuration(tthMillis)
		if t, ok := byID[m.TradeID]; ok {
			t.Milestones = append(t.Milestones, m)
		}
	}
	if err := mrows.Err(); err != nil {
		return nil, err
	}

	// The query returns newest first so the LIMIT grabs recent history; the
	// callers replay oldest first.
	models.SortTradesChronologically(trades)
	return trades, nil
}

// CountCompletedBaselineTrades counts closed trades for the key.
func (s *TradeStore) CountCompletedBaselineTrades(ctx context.Context, symbol string, direction strategy.Direction, source string) (int, error) {
	const q = `
		SELECT COUNT(*) FROM baseline_trades
		WHERE symbol = $1 AND direction = $2 AND source = $3 AND exit_at IS NOT NULL`

	var count int
	err := withReadRetry(ctx, func() error {
		return s.pool.QueryRow(ctx, q, symbol, string(direction), source).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("count baseline trades: %w", err)
	}
	return count, nil
}

const insertTradeQuery = `
	INSERT INTO baseline_trades (
		id, symbol, direction, source, entry_price, entry_at,
		max_favorable_pct, max_adverse_pct,
		exit_price, exit_at, exit_reason, final_pnl_pct
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

const insertMilestoneQuery = `
	INSERT INTO trade_milestones (id, trade_id, threshold_pct, hit_at, hit_price, time_to_hit_ms)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (trade_id, threshold_pct) DO NOTHING`

// SaveBaselineTrade writes a closed trade and its milestones in one
// transaction.
func (s *TradeStore) SaveBaselineTrade(ctx context.Context, trade *models.BaselineTrade) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save trade: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, insertTradeQuery,
		trade.ID, trade.Symbol, string(trade.Direction), trade.Source,
		trade.EntryPrice, trade.EntryAt,
		trade.MaxFavorablePct, trade.MaxAdversePct,
		trade.ExitPrice, trade.ExitAt, string(trade.ExitReason), trade.FinalPnLPct,
	); err != nil {
		return fmt.Errorf("insert baseline trade: %w", err)
	}

	for _, m := range trade.Milestones {
		if _, err := tx.Exec(ctx, insertMilestoneQuery,
			m.ID, m.TradeID, m.ThresholdPct, m.HitAt, m.HitPrice, m.TimeToHit.Milliseconds(),
		); err != nil {
			return fmt.Errorf("insert milestone: %w", err)
		}
	}
	return tx.Commit(ctx)
}

const listPerformanceQuery = `
	SELECT id, symbol, direction, source, strategy_name, category, params,
	       trades_analyzed, wins, losses, win_rate, avg_win_pct, avg_loss_pct,
	       risk_reward, expected_value, avg_duration_min, max_duration_min,
	       composite_score, eligible_live, has_real_stop,
	       validated, in_sample_win_rate, out_of_sample_win_rate,
	       out_of_sample_rr, overfit_bias, validation_confidence, recommendation
	FROM strategy_performance
	WHERE symbol = $1 AND direction = $2 AND source = $3
	ORDER BY strategy_name ASC`

// ListStrategyPerformance returns the tracked strategy rows for the key.
func (s *TradeStore) ListStrategyPerformance(ctx context.Context, symbol string, direction strategy.Direction, source string) ([]models.StrategyPerformance, error) {
	var perfs []models.StrategyPerformance
	err := withReadRetry(ctx, func() error {
		rows, qerr := s.pool.Query(ctx, listPerformanceQuery, symbol, string(direction), source)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()

		perfs = perfs[:0]
		for rows.Next() {
			var p models.StrategyPerformance
			var dir, category string
			var paramsJSON []byte
			if scanErr := rows.Scan(&p.ID, &p.Symbol, &dir, &p.Source, &p.StrategyName, &category, &paramsJSON,
				&p.TradesAnalyzed, &p.Wins, &p.Losses, &p.WinRate, &p.AvgWinPct, &p.AvgLossPct,
				&p.RiskReward, &p.ExpectedValue, &p.AvgDurationMin, &p.MaxDurationMin,
				&p.CompositeScore, &p.EligibleLive, &p.HasRealStop,
				&p.Validated, &p.InSampleWinRate, &p.OutOfSampleWinRate,
				&p.OutOfSampleRR, &p.OverfitBias, &p.ValidationConfidence, &p.Recommendation); scanErr != nil {
				return scanErr
			}
			p.Direction = strategy.Direction(dir)
			p.Category = strategy.Category(category)
			if len(paramsJSON) > 0 {
				if jsonErr := json.Unmarshal(paramsJSON, &p.Params); jsonErr != nil {
					return fmt.Errorf("decode params for %s: %w", p.StrategyName, jsonErr)
				}
			}
			perfs = append(perfs, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list strategy performance: %w", err)
	}
	return perfs, nil
}

const upsertPerformanceQuery = `
	INSERT INTO strategy_performance (
		id, symbol, direction, source, strategy_name, category, params,
		trades_analyzed, wins, losses, win_rate, avg_win_pct, avg_loss_pct,
		risk_reward, expected_value, avg_duration_min, max_duration_min,
		composite_score, eligible_live, has_real_stop,
		validated, in_sample_win_rate, out_of_sample_win_rate,
		out_of_sample_rr, overfit_bias, validation_confidence, recommendation,
		updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
	          $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, NOW())
	ON CONFLICT (symbol, direction, source, strategy_name) DO UPDATE SET
		category = EXCLUDED.category,
		params = EXCLUDED.params,
		trades_analyzed = EXCLUDED.trades_analyzed,
		wins = EXCLUDED.wins,
		losses = EXCLUDED.losses,
		win_rate = EXCLUDED.win_rate,
		avg_win_pct = EXCLUDED.avg_win_pct,
		avg_loss_pct = EXCLUDED.avg_loss_pct,
		risk_reward = EXCLUDED.risk_reward,
		expected_value = EXCLUDED.expected_value,
		avg_duration_min = EXCLUDED.avg_duration_min,
		max_duration_min = EXCLUDED.max_duration_min,
		composite_score = EXCLUDED.composite_score,
		eligible_live = EXCLUDED.eligible_live,
		has_real_stop = EXCLUDED.has_real_stop,
		validated = EXCLUDED.validated,
		in_sample_win_rate = EXCLUDED.in_sample_win_rate,
		out_of_sample_win_rate = EXCLUDED.out_of_sample_win_rate,
		out_of_sample_rr = EXCLUDED.out_of_sample_rr,
		overfit_bias = EXCLUDED.overfit_bias,
		validation_confidence = EXCLUDED.validation_confidence,
		recommendation = EXCLUDED.recommendation,
		updated_at = NOW()`

const insertSimulationQuery = `
	INSERT INTO strategy_simulations (
		id, trade_id, strategy_name, symbol, exit_price, exit_reason,
		pnl_pct, pnl_usd, duration_min, approximate
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

// ApplyStrategyProcessing persists one regeneration pass atomically: every
// performance upsert and every simulation row commits together or not at
// all. A partial write here would corrupt promotion decisions, so this is
// never retried piecemeal.
func (s *TradeStore) ApplyStrategyProcessing(ctx context.Context, perfs []models.StrategyPerformance, sims []models.SimulationRow) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin strategy processing: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, p := range perfs {
		paramsJSON, err := json.Marshal(p.Params)
		if err != nil {
			return fmt.Errorf("encode params for %s: %w", p.StrategyName, err)
		}
		if _, err := tx.Exec(ctx, upsertPerformanceQuery,
			p.ID, p.Symbol, string(p.Direction), p.Source, p.StrategyName, string(p.Category), paramsJSON,
			p.TradesAnalyzed, p.Wins, p.Losses, p.WinRate, p.AvgWinPct, p.AvgLossPct,
			p.RiskReward, p.ExpectedValue, p.AvgDurationMin, p.MaxDurationMin,
			p.CompositeScore, p.EligibleLive, p.HasRealStop,
			p.Validated, p.InSampleWinRate, p.OutOfSampleWinRate,
			p.OutOfSampleRR, p.OverfitBias, p.ValidationConfidence, string(p.Recommendation),
		); err != nil {
			return fmt.Errorf("upsert performance %s: %w", p.StrategyName, err)
		}
	}

	for _, sim := range sims {
		if _, err := tx.Exec(ctx, insertSimulationQuery,
			sim.ID, sim.TradeID, sim.StrategyName, sim.Symbol,
			sim.ExitPrice, sim.ExitReason, sim.PnLPct, sim.PnLUSD,
			sim.DurationMin, sim.Approximate,
		); err != nil {
			return fmt.Errorf("insert simulation for %s: %w", sim.StrategyName, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit strategy processing: %w", err)
	}
	s.logger.WithFields(logging.Fields{
		"performance_rows": len(perfs),
		"simulation_rows":  len(sims),
	}).Debug("strategy processing persisted")
	return nil
}

func millisToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
