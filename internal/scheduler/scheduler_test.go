package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/broker"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/candle"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/order"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/position"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/strategy"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/types"
)

type fakeGateway struct {
	marketOpen  bool
	account     types.Account
	submitCalls int
	lastSide    types.Side
	lastSymbol  types.Symbol
	submitted   []broker.SubmitOrderRequest
}

func (f *fakeGateway) SubmitOrder(ctx context.Context, req broker.SubmitOrderRequest) (string, error) {
	f.submitCalls++
	f.lastSide = req.Side
	f.lastSymbol = req.Symbol
	f.submitted = append(f.submitted, req)
	return "broker-" + req.ClientOrderID, nil
}
func (f *fakeGateway) CancelOrder(ctx context.Context, brokerOrderID string) error { return nil }
func (f *fakeGateway) GetAccount(ctx context.Context) (types.Account, error)       { return f.account, nil }
func (f *fakeGateway) ListPositions(ctx context.Context) ([]types.Position, error) { return nil, nil }
func (f *fakeGateway) GetBars(ctx context.Context, symbol types.Symbol, mode types.MarketMode, timeframe string, limit int) ([]types.Candle, error) {
	return nil, nil
}
func (f *fakeGateway) SubscribeMarketData(ctx context.Context, symbols []types.Symbol, mode types.MarketMode) (<-chan types.MarketEvent, error) {
	return nil, nil
}
func (f *fakeGateway) IsMarketOpen(mode types.MarketMode) bool { return f.marketOpen }

func d(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func oneCandle(symbol types.Symbol) []types.Candle {
	return []types.Candle{{T: time.Now(), O: d("100"), H: d("101"), L: d("99"), C: d("100"), V: d("1000")}}
}

func buySignal(types.Symbol, []types.Candle, strategy.Config, func() time.Time) (types.Signal, types.Indicators) {
	return types.Signal{Side: types.SignalBuy, Strength: 0.9}, types.Indicators{Valid: true}
}

func holdSignal(types.Symbol, []types.Candle, strategy.Config, func() time.Time) (types.Signal, types.Indicators) {
	return types.Signal{Side: types.SignalHold}, types.Indicators{}
}

func newTestScheduler(gw *fakeGateway, cfg Config) (*Scheduler, *order.Manager, *position.Tracker) {
	candles := candle.NewRegistry(500)
	for _, sym := range cfg.Symbols {
		candles.Get(sym).Append(oneCandle(sym)[0])
	}
	orders := order.NewManager(gw, order.Config{CooldownSeconds: 30 * time.Second, TimeoutSeconds: 60 * time.Second}, nil)
	positions := position.NewTracker(false)
	s := New(cfg, gw, candles, strategy.Config{}, orders, positions, nil, 10*time.Second, nil)
	return s, orders, positions
}

// TestTickSkipsWhenMarketClosedAndNotQueuing covers B4: no orders are
// submitted for equities while the market is closed and queue_when_closed is
// false.
func TestTickSkipsWhenMarketClosedAndNotQueuing(t *testing.T) {
	gw := &fakeGateway{marketOpen: false, account: types.Account{Equity: d("10000")}}
	cfg := Config{Mode: types.ModeEquities, Symbols: []types.Symbol{"AAPL"}, SignalThreshold: 0.5, MaxConcurrent: 5, SizePctEquity: 0.01, QueueWhenClosed: false}
	s, _, _ := newTestScheduler(gw, cfg)
	s.evaluate = buySignal

	s.tick(context.Background())

	if gw.submitCalls != 0 {
		t.Fatalf("expected zero submissions while market closed, got %d", gw.submitCalls)
	}
}

// TestTickSubmitsBuyWhenSignalClearsThreshold covers the happy path: a Buy
// signal above threshold while Idle results in exactly one buy submission.
func TestTickSubmitsBuyWhenSignalClearsThreshold(t *testing.T) {
	gw := &fakeGateway{marketOpen: true, account: types.Account{Equity: d("10000")}}
	cfg := Config{Mode: types.ModeEquities, Symbols: []types.Symbol{"AAPL"}, SignalThreshold: 0.5, MaxConcurrent: 5, SizePctEquity: 0.01}
	s, _, positions := newTestScheduler(gw, cfg)
	s.evaluate = buySignal

	s.tick(context.Background())

	if gw.submitCalls != 1 || gw.lastSide != types.SideBuy {
		t.Fatalf("expected one buy submission, got %d calls (last side %v)", gw.submitCalls, gw.lastSide)
	}
	if positions.State("AAPL").TradeState != types.TradeEntryPending {
		t.Fatalf("expected symbol marked entry_pending after submission, got %v", positions.State("AAPL").TradeState)
	}
}

// TestTickIgnoresSignalsBelowThreshold covers B3.
func TestTickIgnoresSignalsBelowThreshold(t *testing.T) {
	gw := &fakeGateway{marketOpen: true, account: types.Account{Equity: d("10000")}}
	cfg := Config{Mode: types.ModeEquities, Symbols: []types.Symbol{"AAPL"}, SignalThreshold: 0.95, MaxConcurrent: 5, SizePctEquity: 0.01}
	s, _, _ := newTestScheduler(gw, cfg)
	s.evaluate = buySignal // strength 0.9 < threshold 0.95

	s.tick(context.Background())

	if gw.submitCalls != 0 {
		t.Fatalf("expected no submissions below threshold, got %d", gw.submitCalls)
	}
}

// TestTickRespectsMaxConcurrent covers the global max_concurrent cap in
// isolation from the scale-in path: AAPL is already Held (occupying the one
// max_concurrent slot) and MSFT is Idle, so only the Idle symbol's new-entry
// buy is blocked by the cap. AAPL's own buy signal is a scale-in, not a new
// entry, and is covered separately by TestTickAllowsScaleInWhenHeld.
func TestTickRespectsMaxConcurrent(t *testing.T) {
	gw := &fakeGateway{marketOpen: true, account: types.Account{Equity: d("10000")}}
	cfg := Config{Mode: types.ModeEquities, Symbols: []types.Symbol{"AAPL", "MSFT"}, SignalThreshold: 0.5, MaxConcurrent: 1, SizePctEquity: 0.01}
	s, _, positions := newTestScheduler(gw, cfg)
	s.evaluate = func(symbol types.Symbol, c []types.Candle, cfg strategy.Config, now func() time.Time) (types.Signal, types.Indicators) {
		if symbol == "MSFT" {
			return types.Signal{Side: types.SignalBuy, Strength: 0.9}, types.Indicators{Valid: true}
		}
		return types.Signal{Side: types.SignalHold}, types.Indicators{}
	}
	positions.ApplyFill(position.Fill{Symbol: "AAPL", Side: types.SideBuy, Price: d("100"), Qty: d("1"), TS: time.Now()})

	s.tick(context.Background())

	if gw.submitCalls != 0 {
		t.Fatalf("expected the new-entry buy for the Idle symbol to be blocked by max_concurrent, got %d", gw.submitCalls)
	}
}

// TestTickAllowsScaleInWhenHeld covers spec.md §4.G step 4: a Buy signal on a
// symbol already Held is a scale-in and is submitted even when
// max_concurrent is already saturated by that same symbol's existing slot.
func TestTickAllowsScaleInWhenHeld(t *testing.T) {
	gw := &fakeGateway{marketOpen: true, account: types.Account{Equity: d("10000")}}
	cfg := Config{Mode: types.ModeEquities, Symbols: []types.Symbol{"AAPL"}, SignalThreshold: 0.5, MaxConcurrent: 1, SizePctEquity: 0.01}
	s, _, positions := newTestScheduler(gw, cfg)
	s.evaluate = buySignal
	positions.ApplyFill(position.Fill{Symbol: "AAPL", Side: types.SideBuy, Price: d("100"), Qty: d("1"), TS: time.Now()})

	s.tick(context.Background())

	if gw.submitCalls != 1 || gw.lastSymbol != "AAPL" || gw.lastSide != types.SideBuy {
		t.Fatalf("expected one scale-in buy submitted for AAPL, got %d calls (symbol %v, side %v)", gw.submitCalls, gw.lastSymbol, gw.lastSide)
	}
}

// TestTickSubmitsSellWhenHeld covers the exit path: a Sell signal while Held
// submits a sell for the full held quantity.
func TestTickSubmitsSellWhenHeld(t *testing.T) {
	gw := &fakeGateway{marketOpen: true, account: types.Account{Equity: d("10000")}}
	cfg := Config{Mode: types.ModeEquities, Symbols: []types.Symbol{"AAPL"}, SignalThreshold: 0.5, MaxConcurrent: 5, SizePctEquity: 0.01}
	s, _, positions := newTestScheduler(gw, cfg)
	positions.ApplyFill(position.Fill{Symbol: "AAPL", Side: types.SideBuy, Price: d("100"), Qty: d("10"), TS: time.Now()})
	s.evaluate = func(types.Symbol, []types.Candle, strategy.Config, func() time.Time) (types.Signal, types.Indicators) {
		return types.Signal{Side: types.SignalSell, Strength: 0.9}, types.Indicators{Valid: true}
	}

	s.tick(context.Background())

	if gw.submitCalls != 1 || gw.lastSide != types.SideSell {
		t.Fatalf("expected one sell submission, got %d (last side %v)", gw.submitCalls, gw.lastSide)
	}
}

// TestTickHaltsOnDailyLossLimit covers the daily_loss_limit risk cap.
func TestTickHaltsOnDailyLossLimit(t *testing.T) {
	gw := &fakeGateway{marketOpen: true, account: types.Account{Equity: d("10000")}}
	cfg := Config{
		Mode: types.ModeEquities, Symbols: []types.Symbol{"AAPL"}, SignalThreshold: 0.5,
		MaxConcurrent: 5, SizePctEquity: 0.01,
		DailyLossLimit: decimal.NullDecimal{Decimal: d("100"), Valid: true},
	}
	s, _, _ := newTestScheduler(gw, cfg)
	s.evaluate = buySignal
	s.dailyPnL = func() decimal.Decimal { return d("-150") }

	s.tick(context.Background())

	if gw.submitCalls != 0 {
		t.Fatalf("expected zero submissions once daily loss limit breached, got %d", gw.submitCalls)
	}
}

// TestHoldSignalNeverSubmits is a baseline sanity check.
func TestHoldSignalNeverSubmits(t *testing.T) {
	gw := &fakeGateway{marketOpen: true, account: types.Account{Equity: d("10000")}}
	cfg := Config{Mode: types.ModeCrypto, Symbols: []types.Symbol{"BTCUSD"}, SignalThreshold: 0.5, MaxConcurrent: 5, SizePctEquity: 0.01}
	s, _, _ := newTestScheduler(gw, cfg)
	s.evaluate = holdSignal

	s.tick(context.Background())

	if gw.submitCalls != 0 {
		t.Fatalf("expected zero submissions on hold, got %d", gw.submitCalls)
	}
}

// TestOnSignalFiresEvenBelowThreshold covers the Event Hub wiring contract:
// every computed signal is reported, not just ones that clear the gate.
func TestOnSignalFiresEvenBelowThreshold(t *testing.T) {
	gw := &fakeGateway{marketOpen: true, account: types.Account{Equity: d("10000")}}
	cfg := Config{Mode: types.ModeEquities, Symbols: []types.Symbol{"AAPL"}, SignalThreshold: 0.95, MaxConcurrent: 5, SizePctEquity: 0.01}
	s, _, _ := newTestScheduler(gw, cfg)
	s.evaluate = buySignal // strength 0.9, below the 0.95 threshold

	var seen []types.Signal
	s.OnSignal = func(sig types.Signal) { seen = append(seen, sig) }

	s.tick(context.Background())

	if len(seen) != 1 || seen[0].Side != types.SignalBuy {
		t.Fatalf("expected OnSignal to fire once with the buy signal, got %+v", seen)
	}
	if gw.submitCalls != 0 {
		t.Fatalf("signal below threshold must still not submit, got %d", gw.submitCalls)
	}
}

// TestOnOrderResultFiresWithSubmissionOutcome covers the Event Hub wiring
// contract for order_update: OnOrderResult receives the Order produced by a
// scheduler-driven submission.
func TestOnOrderResultFiresWithSubmissionOutcome(t *testing.T) {
	gw := &fakeGateway{marketOpen: true, account: types.Account{Equity: d("10000")}}
	cfg := Config{Mode: types.ModeEquities, Symbols: []types.Symbol{"AAPL"}, SignalThreshold: 0.5, MaxConcurrent: 5, SizePctEquity: 0.01}
	s, _, _ := newTestScheduler(gw, cfg)
	s.evaluate = buySignal

	var got types.Order
	s.OnOrderResult = func(o types.Order) { got = o }

	s.tick(context.Background())

	if got.Symbol != "AAPL" || got.Side != types.SideBuy {
		t.Fatalf("expected OnOrderResult to receive the submitted buy order, got %+v", got)
	}
}
