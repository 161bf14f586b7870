// Package metrics aggregates session-lifetime trading statistics: total
// realized P&L, win/loss streaks, and a time-decayed trades-per-hour
// estimate. Grounded on the teacher's internal/app/kpi_metrics.go
// (mutex-guarded collector + snapshot()-returns-a-copy shape), but with the
// daily-rollover (ensureDayLocked/dayStartUTC) logic dropped: spec.md §4.H
// calls for session-lifetime totals, not a daily reset.
package metrics

import (
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/types"
)

// DefaultHalfLife is the trades_per_hour_ewma half-life spec.md §4.H names.
const DefaultHalfLife = 15 * time.Minute

// Collector is the single-writer aggregator described in spec.md §5
// ("Position Tracker / Session Metrics: one single-writer consumer").
// Subscribe it to position.Tracker.OnTrade to drive updates.
type Collector struct {
	mu sync.RWMutex

	sessionStart  time.Time
	totalPnL      decimal.Decimal
	wins          int
	losses        int
	currentStreak int
	bestStreak    int
	tradesCount   int

	halfLife      time.Duration
	lastTradeTS   time.Time
	tradesPerHour float64
	haveLastTrade bool
}

func NewCollector(sessionStart time.Time) *Collector {
	return &Collector{sessionStart: sessionStart, halfLife: DefaultHalfLife}
}

// OnTrade implements the position.Tracker.OnTrade hook signature: it ignores
// opening fills (RealizedPnL invalid) and folds every closing fill into the
// running totals (spec.md §4.H "On closing TradeRecord").
func (c *Collector) OnTrade(rec types.TradeRecord) {
	if !rec.RealizedPnL.Valid {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalPnL = c.totalPnL.Add(rec.RealizedPnL.Decimal) // I3/P5: total_pnl = sum(realized_pnl)
	c.tradesCount++

	switch rec.RealizedPnL.Decimal.Sign() {
	case 1:
		c.wins++
		if c.currentStreak < 0 {
			c.currentStreak = 0
		}
		c.currentStreak++
	case -1:
		c.losses++
		if c.currentStreak > 0 {
			c.currentStreak = 0
		}
		c.currentStreak--
	}
	if c.currentStreak > c.bestStreak {
		c.bestStreak = c.currentStreak
	}

	c.updateEWMALocked(rec.TS)
}

// updateEWMALocked folds one trade event into the half-life-decayed
// trades-per-hour estimate: the prior rate decays by exp(-dt*ln2/halfLife)
// and the instantaneous rate implied by the gap since the last trade
// (3600/dt seconds) is blended in by the complementary weight.
func (c *Collector) updateEWMALocked(ts time.Time) {
	if !c.haveLastTrade {
		c.haveLastTrade = true
		c.lastTradeTS = ts
		return
	}
	dt := ts.Sub(c.lastTradeTS).Seconds()
	c.lastTradeTS = ts
	if dt <= 0 {
		return
	}
	decay := math.Exp(-dt * math.Ln2 / c.halfLife.Seconds())
	instantaneous := 3600.0 / dt
	c.tradesPerHour = c.tradesPerHour*decay + (1-decay)*instantaneous
}

// Snapshot returns an immutable copy of the current session metrics
// (spec.md §4.H "Immutable snapshot reads").
func (c *Collector) Snapshot() types.SessionMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return types.SessionMetrics{
		SessionStart:      c.sessionStart,
		TotalPnL:          c.totalPnL,
		Wins:              c.wins,
		Losses:            c.losses,
		CurrentStreak:     c.currentStreak,
		BestStreak:        c.bestStreak,
		TradesCount:       c.tradesCount,
		TradesPerHourEWMA: c.tradesPerHour,
	}
}
