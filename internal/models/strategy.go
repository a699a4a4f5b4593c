package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/edgelab/signalforge/internal/strategy"
)

// ValidationRecommendation is the walk-forward verdict persisted alongside a
// strategy so a restart never loses the rationale behind a promotion.
type ValidationRecommendation string

const (
	RecommendationApproved        ValidationRecommendation = "APPROVED"
	RecommendationConditional     ValidationRecommendation = "CONDITIONAL"
	RecommendationRejected        ValidationRecommendation = "REJECTED"
	RecommendationCollectMoreData ValidationRecommendation = "COLLECT_MORE_DATA"
)

// StrategyPerformance is the rolling aggregate for one
// (symbol, direction, source, strategy name) over its most recent
// simulations. Rows are upserted on regeneration, never deleted.
type StrategyPerformance struct {
	ID        string             `json:"id" db:"id"`
	Symbol    string             `json:"symbol" db:"symbol"`
	Direction strategy.Direction `json:"direction" db:"direction"`
	Source    string             `json:"source" db:"source"`

	StrategyName string            `json:"strategy_name" db:"strategy_name"`
	Category     strategy.Category `json:"category" db:"category"`
	Params       strategy.Params   `json:"params" db:"params"`

	TradesAnalyzed int     `json:"trades_analyzed" db:"trades_analyzed"`
	Wins           int     `json:"wins" db:"wins"`
	Losses         int     `json:"losses" db:"losses"`
	WinRate        float64 `json:"win_rate" db:"win_rate"` // percent, 0-100
	AvgWinPct      float64 `json:"avg_win_pct" db:"avg_win_pct"`
	AvgLossPct     float64 `json:"avg_loss_pct" db:"avg_loss_pct"` // magnitude
	RiskReward     float64 `json:"risk_reward" db:"risk_reward"`
	ExpectedValue  float64 `json:"expected_value" db:"expected_value"` // pct per trade
	AvgDurationMin float64 `json:"avg_duration_min" db:"avg_duration_min"`
	MaxDurationMin float64 `json:"max_duration_min" db:"max_duration_min"`
	CompositeScore float64 `json:"composite_score" db:"composite_score"`

	EligibleLive bool `json:"eligible_live" db:"eligible_live"`
	HasRealStop  bool `json:"has_real_stop" db:"has_real_stop"`

	Validated            bool                     `json:"validated" db:"validated"`
	InSampleWinRate      float64                  `json:"in_sample_win_rate" db:"in_sample_win_rate"`
	OutOfSampleWinRate   float64                  `json:"out_of_sample_win_rate" db:"out_of_sample_win_rate"`
	OutOfSampleRR        float64                  `json:"out_of_sample_rr" db:"out_of_sample_rr"`
	OutOfSamplePnLPct    float64                  `json:"out_of_sample_pnl_pct" db:"out_of_sample_pnl_pct"`
	OverfitBias          float64                  `json:"overfit_bias" db:"overfit_bias"`
	ValidationConfidence float64                  `json:"validation_confidence" db:"validation_confidence"`
	Recommendation       ValidationRecommendation `json:"recommendation" db:"recommendation"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// SimulationRow is one persisted simulator outcome for a (trade, strategy)
// pair. Written only inside the same transaction that updates the strategy's
// rolling performance.
type SimulationRow struct {
	ID           string          `json:"id" db:"id"`
	TradeID      string          `json:"trade_id" db:"trade_id"`
	StrategyName string          `json:"strategy_name" db:"strategy_name"`
	Symbol       string          `json:"symbol" db:"symbol"`
	ExitPrice    float64         `json:"exit_price" db:"exit_price"`
	ExitReason   string          `json:"exit_reason" db:"exit_reason"`
	PnLPct       float64         `json:"pnl_pct" db:"pnl_pct"`
	PnLUSD       decimal.Decimal `json:"pnl_usd" db:"pnl_usd"`
	DurationMin  float64         `json:"duration_min" db:"duration_min"`
	Approximate  bool            `json:"approximate" db:"approximate"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}
