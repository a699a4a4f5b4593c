// Package baseline manages the lifecycle of baseline trades: the raw,
// unmanaged signal occurrences whose milestone trails feed the simulator.
package baseline

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgelab/signalforge/internal/logging"
	"github.com/edgelab/signalforge/internal/models"
	"github.com/edgelab/signalforge/internal/strategy"
)

// milestoneThresholds is the fixed PnL% grid recorded as first crossings.
var milestoneThresholds = []float64{
	0.5, 1, 1.5, 2, 2.5, 3, 4, 5, 7, 10,
	-0.5, -1, -1.5, -2, -3, -4, -5,
}

// Signal is an incoming directional signal.
type Signal struct {
	Symbol    string
	Direction strategy.Direction
	Source    string
	Price     float64
	At        time.Time
}

// CompletionFunc receives every closed baseline trade.
type CompletionFunc func(trade *models.BaselineTrade)

// Tracker enforces the one-active-trade-per-key invariant: at most one open
// baseline trade may exist for a (symbol, direction, source) key at any
// moment. Opening and closing happen atomically under one lock.
type Tracker struct {
	mu         sync.Mutex
	active     map[string]*models.BaselineTrade
	onComplete CompletionFunc
	logger     *logging.Logger
}

func NewTracker(onComplete CompletionFunc, logger *logging.Logger) *Tracker {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Tracker{
		active:     make(map[string]*models.BaselineTrade),
		onComplete: onComplete,
		logger:     logger,
	}
}

func key(symbol string, direction strategy.Direction, source string) string {
	return fmt.Sprintf("%s|%s|%s", symbol, direction, source)
}

// OnSignal opens a baseline trade for the signal's key. An active trade on
// the same key is closed as a replacement first; an active trade on the
// opposite direction of the same symbol and source is closed as a reversal.
// Returns the newly opened trade.
func (t *Tracker) OnSignal(sig Signal) *models.BaselineTrade {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.active[key(sig.Symbol, sig.Direction, sig.Source)]; ok {
		t.close(prev, sig.Price, sig.At, models.BaselineExitReplacement)
	}
	if prev, ok := t.active[key(sig.Symbol, sig.Direction.Opposite(), sig.Source)]; ok {
		t.close(prev, sig.Price, sig.At, models.BaselineExitReversal)
	}

	trade := &models.BaselineTrade{
		ID:         uuid.NewString(),
		Symbol:     sig.Symbol,
		Direction:  sig.Direction,
		Source:     sig.Source,
		EntryPrice: sig.Price,
		EntryAt:    sig.At,
	}
	t.active[key(sig.Symbol, sig.Direction, sig.Source)] = trade

	t.logger.WithFields(logging.Fields{
		"trade_id":  trade.ID,
		"symbol":    trade.Symbol,
		"direction": trade.Direction,
		"source":    trade.Source,
	}).Debug("baseline trade opened")
	return trade
}

// OnPrice feeds a tick to every active trade on the symbol: excursions are
// updated and any newly crossed thresholds become immutable milestones.
func (t *Tracker) OnPrice(symbol string, price float64, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, trade := range t.active {
		if trade.Symbol != symbol {
			continue
		}
		t.record(trade, price, at)
	}
}

func (t *Tracker) record(trade *models.BaselineTrade, price float64, at time.Time) {
	pnl := trade.PnLPctAt(price)
	if pnl > trade.MaxFavorablePct {
		trade.MaxFavorablePct = pnl
	}
	if pnl < trade.MaxAdversePct {
		trade.MaxAdversePct = pnl
	}

	for _, threshold := range milestoneThresholds {
		crossed := (threshold > 0 && pnl >= threshold) || (threshold < 0 && pnl <= threshold)
		if !crossed || trade.HasMilestone(threshold) {
			continue
		}
		trade.Milestones = append(trade.Milestones, models.Milestone{
			ID:           uuid.NewString(),
			TradeID:      trade.ID,
			ThresholdPct: threshold,
			HitAt:        at,
			HitPrice:     trade.PriceAtPnL(threshold),
			TimeToHit:    at.Sub(trade.EntryAt),
		})
	}
}

// CloseManual closes the active trade on the key, if any, with the manual
// exit reason. Returns the closed trade.
func (t *Tracker) CloseManual(symbol string, direction strategy.Direction, source string, price float64, at time.Time) (*models.BaselineTrade, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	trade, ok := t.active[key(symbol, direction, source)]
	if !ok {
		return nil, false
	}
	t.close(trade, price, at, models.BaselineExitManual)
	return trade, true
}

// close finalizes the trade and hands it to the completion callback. Caller
// holds the lock.
func (t *Tracker) close(trade *models.BaselineTrade, price float64, at time.Time, reason models.BaselineExitReason) {
	// The closing tick still counts toward excursions and milestones.
	t.record(trade, price, at)

	exitAt := at
	trade.ExitAt = &exitAt
	trade.ExitPrice = price
	trade.ExitReason = reason
	trade.FinalPnLPct = trade.PnLPctAt(price)
	delete(t.active, key(trade.Symbol, trade.Direction, trade.Source))

	t.logger.WithFields(logging.Fields{
		"trade_id":  trade.ID,
		"symbol":    trade.Symbol,
		"reason":    reason,
		"final_pnl": trade.FinalPnLPct,
	}).Debug("baseline trade closed")

	if t.onComplete != nil {
		t.onComplete(trade)
	}
}

// Active returns the open trade for the key, if any.
func (t *Tracker) Active(symbol string, direction strategy.Direction, source string) (*models.BaselineTrade, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	trade, ok := t.active[key(symbol, direction, source)]
	return trade, ok
}

// ActiveCount is the number of currently open baseline trades.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}
