// Package scheduler runs the cooperative per-market-mode tick loop described
// in spec.md §4.G: on each tick, walk the watchlist round-robin, evaluate a
// signal per symbol from its candle snapshot, and submit an order when the
// signal clears the configured strength threshold and the symbol's position
// state permits it. Grounded on the teacher's internal/app/app.go Run method
// (a single select{} loop over a ticker and a done channel), generalized into
// one Scheduler instance per market mode rather than one god-loop that also
// owned strategy dispatch and portfolio sync.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/broker"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/candle"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/order"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/position"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/strategy"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/types"
)

// Config holds one market mode's scheduling knobs, mirroring spec.md §6.4's
// crypto.*/equities.* option groups plus the cross-mode risk caps.
type Config struct {
	Mode            types.MarketMode
	TickInterval    time.Duration
	Symbols         []types.Symbol
	SignalThreshold float64
	QueueWhenClosed bool
	MaxConcurrent   int
	SizePctEquity   float64
	DailyLossLimit  decimal.NullDecimal
}

// DailyPnLFunc reports the running session P&L so the scheduler can enforce
// risk.daily_loss_limit (spec.md §4.G "Global caps").
type DailyPnLFunc func() decimal.Decimal

// Scheduler runs one market mode's tick loop.
type Scheduler struct {
	cfg        Config
	gw         broker.Gateway
	candles    *candle.Registry
	strategy   strategy.Config
	orders     *order.Manager
	positions  *position.Tracker
	dailyPnL   DailyPnLFunc
	logger     *slog.Logger
	cursor     int // round-robin position into cfg.Symbols
	shutdownAt time.Duration

	// evaluate defaults to strategy.Evaluate; overridable in tests so gating
	// logic (state checks, caps, market-closed) can be exercised without
	// needing to hand-craft candles that trip a real StochRSI crossover.
	evaluate func(types.Symbol, []types.Candle, strategy.Config, func() time.Time) (types.Signal, types.Indicators)

	// OnSignal, when set, is invoked with every signal computed during a
	// tick (not just ones that clear the threshold), feeding the Event Hub's
	// signal_update messages (spec.md §6.2).
	OnSignal func(types.Signal)
	// OnOrderResult, when set, is invoked with the Order produced by a
	// scheduler-driven submission, feeding the Event Hub's order_update
	// messages.
	OnOrderResult func(types.Order)
}

func New(cfg Config, gw broker.Gateway, candles *candle.Registry, strat strategy.Config, orders *order.Manager, positions *position.Tracker, dailyPnL DailyPnLFunc, shutdownGrace time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if dailyPnL == nil {
		dailyPnL = func() decimal.Decimal { return decimal.Zero }
	}
	return &Scheduler{
		cfg:        cfg,
		gw:         gw,
		candles:    candles,
		strategy:   strat,
		orders:     orders,
		positions:  positions,
		dailyPnL:   dailyPnL,
		logger:     logger,
		shutdownAt: shutdownGrace,
		evaluate:   strategy.Evaluate,
	}
}

// Run blocks, ticking at cfg.TickInterval, until ctx is cancelled. On
// cancellation it cancels every non-terminal order and returns once that
// completes or shutdown_grace_seconds elapses, whichever is first (P7).
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownAt)
	defer cancel()
	s.orders.CancelAll(shutdownCtx)
	s.orders.ReconcileTimeouts(shutdownCtx, time.Now().Add(s.shutdownAt))
}

// tick runs one round-robin pass over the watchlist. Each symbol is
// processed serially within this call (spec.md §5: "per-symbol processing
// is serial; cross-symbol overlap is allowed") — overlap across modes comes
// from running a separate Scheduler per mode, each on its own goroutine.
func (s *Scheduler) tick(ctx context.Context) {
	s.orders.ReconcileTimeouts(ctx, time.Now())

	if !s.gw.IsMarketOpen(s.cfg.Mode) {
		if !s.cfg.QueueWhenClosed {
			return // B4: zero equities orders submitted while market is closed
		}
	}

	if s.cfg.DailyLossLimit.Valid && s.dailyPnL().LessThanOrEqual(s.cfg.DailyLossLimit.Decimal.Neg()) {
		s.logger.Warn("daily loss limit reached, scheduler skipping tick", "mode", s.cfg.Mode)
		return
	}

	n := len(s.cfg.Symbols)
	if n == 0 {
		return
	}

	heldCount := s.countHeld()

	for i := 0; i < n; i++ {
		symbol := s.cfg.Symbols[(s.cursor+i)%n]
		s.processSymbol(ctx, symbol, heldCount)
	}
	s.cursor = (s.cursor + 1) % n
}

func (s *Scheduler) countHeld() int {
	count := 0
	for _, sym := range s.cfg.Symbols {
		switch s.positions.State(sym).TradeState {
		case types.TradeHeld, types.TradeEntryPending, types.TradeExitPending:
			count++
		}
	}
	return count
}

func (s *Scheduler) processSymbol(ctx context.Context, symbol types.Symbol, heldCount int) {
	buf := s.candles.Get(symbol)
	candles := buf.Snapshot()
	if len(candles) == 0 {
		return
	}

	signal, _ := s.evaluate(symbol, candles, s.strategy, time.Now)
	if s.OnSignal != nil {
		s.OnSignal(signal)
	}
	if signal.Side == types.SignalHold || signal.Strength < s.cfg.SignalThreshold {
		return // B3: never act below signal_threshold
	}

	state := s.positions.State(symbol)
	switch signal.Side {
	case types.SignalBuy:
		// spec.md §4.G step 4: Buy is submitted whenever the symbol is Idle
		// (new entry) or Held (scale-in); any other state (entry/exit
		// pending) means a submission is already in flight.
		switch state.TradeState {
		case types.TradeIdle:
			if heldCount >= s.cfg.MaxConcurrent {
				s.logger.Debug("max_concurrent reached, skipping buy", "symbol", symbol)
				return
			}
		case types.TradeHeld:
			// scale-in: symbol already occupies a max_concurrent slot, so no
			// new-slot check is needed here.
		default:
			return
		}
		account, err := s.gw.GetAccount(ctx)
		if err != nil {
			s.logger.Warn("account fetch failed, skipping buy", "symbol", symbol, "err", err)
			return
		}
		last := candles[len(candles)-1]
		qty := order.SizeEquity(account.Equity, s.cfg.SizePctEquity, last.C, s.cfg.Mode)
		if qty.LessThanOrEqual(decimal.Zero) {
			return
		}
		s.positions.MarkEntryPending(symbol, time.Now())
		res, _ := s.orders.SubmitBuy(ctx, symbol, s.cfg.Mode, qty)
		if s.OnOrderResult != nil {
			s.OnOrderResult(res.Order)
		}

	case types.SignalSell:
		if state.TradeState != types.TradeHeld {
			return
		}
		qty := state.EntryQty.Abs()
		s.positions.MarkExitPending(symbol, time.Now())
		res, _ := s.orders.SubmitSell(ctx, symbol, s.cfg.Mode, qty)
		if s.OnOrderResult != nil {
			s.OnOrderResult(res.Order)
		}
	}
}
