package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/edgelab/signalforge/internal/config"
	"github.com/edgelab/signalforge/internal/logging"
	"github.com/edgelab/signalforge/internal/services"
	"github.com/edgelab/signalforge/internal/services/baseline"
	"github.com/edgelab/signalforge/internal/strategy"
)

const (
	demoSymbol = "BTCUSDT"
	demoSource = "demo_feed"
	demoTrades = 25
)

// runDemo drives the full pipeline end to end with a seeded synthetic price
// feed: open baseline trades, walk the price, close on reversals, then
// regenerate strategies and show the routing decision.
func runDemo(ctx context.Context, engine *services.Engine, cfg *config.Config, logger *logging.Logger) error {
	rng := rand.New(rand.NewSource(cfg.Engine.Seed))
	tracker := engine.Tracker()

	now := time.Now().UTC().Add(-time.Duration(demoTrades) * time.Hour)
	price := 50000.0
	direction := strategy.DirectionLong

	logger.WithField("trades", demoTrades).Info("seeding synthetic baseline history")
	for i := 0; i < demoTrades; i++ {
		tracker.OnSignal(baseline.Signal{
			Symbol:    demoSymbol,
			Direction: direction,
			Source:    demoSource,
			Price:     price,
			At:        now,
		})

		// Walk the price for an hour of five-minute ticks. A mild upward
		// drift gives long entries a realistic but imperfect edge.
		for tick := 0; tick < 12; tick++ {
			now = now.Add(5 * time.Minute)
			drift := 0.0008
			if direction == strategy.DirectionShort {
				drift = -0.0004
			}
			price *= 1 + drift + rng.NormFloat64()*0.004
			tracker.OnPrice(demoSymbol, price, now)
		}

		// The next signal reverses, closing the open trade.
		direction = direction.Opposite()
	}
	tracker.OnSignal(baseline.Signal{
		Symbol:    demoSymbol,
		Direction: direction,
		Source:    demoSource,
		Price:     price,
		At:        now,
	})

	for _, dir := range []strategy.Direction{strategy.DirectionLong, strategy.DirectionShort} {
		if err := demoKey(ctx, engine, dir, logger); err != nil {
			return err
		}
	}
	return nil
}

func demoKey(ctx context.Context, engine *services.Engine, direction strategy.Direction, logger *logging.Logger) error {
	entry := logger.WithFields(logging.Fields{"symbol": demoSymbol, "direction": direction})

	report, err := engine.AnalyzeSignalQuality(ctx, demoSymbol, direction, demoSource)
	if err != nil {
		return fmt.Errorf("analyze quality: %w", err)
	}
	entry.WithFields(logging.Fields{
		"trades":         report.TradeCount,
		"win_rate":       report.RawWinRate,
		"quality_score":  report.QualityScore,
		"recommendation": report.Recommendation,
	}).Info("signal quality")

	if err := engine.Regenerate(ctx, demoSymbol, direction, demoSource); err != nil {
		return fmt.Errorf("regenerate: %w", err)
	}

	det, err := engine.DeterminePhase(ctx, demoSymbol, direction, demoSource)
	if err != nil {
		return fmt.Errorf("determine phase: %w", err)
	}
	entry.WithFields(logging.Fields{"phase": det.Phase.String(), "reason": det.Reason}).Info("phase determined")

	decision, err := engine.SelectStrategyForRouting(ctx, demoSymbol, direction, demoSource)
	if err != nil {
		return fmt.Errorf("route signal: %w", err)
	}
	entry.WithFields(logging.Fields{
		"phase":       decision.Phase.String(),
		"strategy":    decision.StrategyName,
		"probability": decision.Probability,
		"reason":      decision.Reason,
	}).Info("routing decision")
	return nil
}
