package order

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/broker"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/types"
)

type fakeGateway struct {
	submitErr   error
	submitCalls int
	lastQty     decimal.Decimal
	cancelled   []string
	marketOpen  bool
}

func (f *fakeGateway) SubmitOrder(ctx context.Context, req broker.SubmitOrderRequest) (string, error) {
	f.submitCalls++
	f.lastQty = req.Qty
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return "broker-" + req.ClientOrderID, nil
}

func (f *fakeGateway) CancelOrder(ctx context.Context, brokerOrderID string) error {
	f.cancelled = append(f.cancelled, brokerOrderID)
	return nil
}

func (f *fakeGateway) GetAccount(ctx context.Context) (types.Account, error) { return types.Account{}, nil }
func (f *fakeGateway) ListPositions(ctx context.Context) ([]types.Position, error) {
	return nil, nil
}
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

func testConfig() Config {
	return Config{
		CooldownSeconds:      30 * time.Second,
		TimeoutSeconds:       60 * time.Second,
		MaxRetriesTransient:  3,
		ShutdownGraceSeconds: 10 * time.Second,
	}
}

// TestSubmitAccepted covers the happy path: New -> PendingNew -> Accepted.
func TestSubmitAccepted(t *testing.T) {
	gw := &fakeGateway{}
	m := NewManager(gw, testConfig(), nil)

	res, err := m.SubmitBuy(context.Background(), "AAPL", types.ModeEquities, d("10"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeAccepted {
		t.Fatalf("expected accepted, got %v (%s)", res.Outcome, res.Reason)
	}
	if res.Order.State != types.OrderAccepted {
		t.Fatalf("expected order state accepted, got %v", res.Order.State)
	}
	if res.Order.BrokerID == "" {
		t.Fatalf("expected a broker id to be assigned")
	}
}

// TestDedupRejectsSecondOrderSameSymbolSide covers P1/P9/S2: a second buy on
// the same symbol while one is still non-terminal is DedupRejected, not an
// error, leaving exactly one Accepted order open.
func TestDedupRejectsSecondOrderSameSymbolSide(t *testing.T) {
	gw := &fakeGateway{}
	m := NewManager(gw, testConfig(), nil)

	first, _ := m.SubmitBuy(context.Background(), "AAPL", types.ModeEquities, d("10"))
	if first.Outcome != OutcomeAccepted {
		t.Fatalf("expected first submission accepted, got %v", first.Outcome)
	}

	second, err := m.SubmitBuy(context.Background(), "AAPL", types.ModeEquities, d("5"))
	if err != nil {
		t.Fatalf("dedup rejection must not be an error: %v", err)
	}
	if second.Outcome != OutcomeDedupRejected {
		t.Fatalf("expected second submission dedup rejected, got %v", second.Outcome)
	}

	if m.OpenCount() != 1 {
		t.Fatalf("expected exactly one open order, got %d", m.OpenCount())
	}
}

// TestCooldownRejectsResubmitAfterTerminal covers the cooldown-window half of
// dedup: even after the first order reaches a terminal state, a resubmission
// within the cooldown window is rejected.
func TestCooldownRejectsResubmitAfterTerminal(t *testing.T) {
	gw := &fakeGateway{}
	m := NewManager(gw, testConfig(), nil)

	first, _ := m.SubmitBuy(context.Background(), "AAPL", types.ModeEquities, d("10"))
	m.ApplyOrderUpdate(types.OrderUpdate{
		ClientOrderID:  first.Order.ID,
		Event:          "fill",
		FilledAvgPrice: d("100"),
		FilledQty:      d("10"),
		Timestamp:      time.Now(),
	})

	second, err := m.SubmitBuy(context.Background(), "AAPL", types.ModeEquities, d("5"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Outcome != OutcomeDedupRejected {
		t.Fatalf("expected resubmission within cooldown to be dedup rejected, got %v", second.Outcome)
	}
}

// TestAdjustableErrorHalvesAndRetriesOnce covers the Adjustable-error branch:
// one retry at half size; when that retry also fails the order is Rejected.
func TestAdjustableErrorHalvesAndRetriesOnce(t *testing.T) {
	gw := &fakeGateway{submitErr: &broker.GatewayError{Class: broker.ErrAdjustable, Message: "insufficient buying power"}}
	m := NewManager(gw, testConfig(), nil)

	res, err := m.SubmitBuy(context.Background(), "AAPL", types.ModeEquities, d("10"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The fake always returns the same error, so the retry also fails and the
	// order should end up Rejected after exactly one extra attempt.
	if res.Outcome != OutcomeFatalRejected {
		t.Fatalf("expected fatal rejected after one failed retry, got %v", res.Outcome)
	}
	if gw.submitCalls != 2 {
		t.Fatalf("expected exactly 2 submit calls (original + 1 retry), got %d", gw.submitCalls)
	}
}

// TestFatalErrorRejectsImmediately covers the Fatal-error branch: no retry.
func TestFatalErrorRejectsImmediately(t *testing.T) {
	gw := &fakeGateway{submitErr: &broker.GatewayError{Class: broker.ErrFatal, Message: "invalid symbol"}}
	m := NewManager(gw, testConfig(), nil)

	res, err := m.SubmitBuy(context.Background(), "BOGUS", types.ModeEquities, d("10"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeFatalRejected {
		t.Fatalf("expected fatal rejected, got %v", res.Outcome)
	}
	if gw.submitCalls != 1 {
		t.Fatalf("expected exactly 1 submit call, no retry on fatal, got %d", gw.submitCalls)
	}
}

// TestTransientErrorLeavesOrderPendingForReconciliation covers spec.md §4.A:
// order submission is not retried synchronously on a transient failure.
func TestTransientErrorLeavesOrderPendingForReconciliation(t *testing.T) {
	gw := &fakeGateway{submitErr: &broker.GatewayError{Class: broker.ErrTransient, Message: "timeout"}}
	m := NewManager(gw, testConfig(), nil)

	res, err := m.SubmitBuy(context.Background(), "AAPL", types.ModeEquities, d("10"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Order.State.Terminal() {
		t.Fatalf("transient failure should leave the order non-terminal pending reconciliation")
	}
	if gw.submitCalls != 1 {
		t.Fatalf("transient failure must not be retried synchronously, got %d calls", gw.submitCalls)
	}
}

// TestApplyOrderUpdateFillInvokesOnFilled covers the Order Manager -> Position
// Tracker handoff via events (spec.md §9: no back-pointers).
func TestApplyOrderUpdateFillInvokesOnFilled(t *testing.T) {
	gw := &fakeGateway{}
	m := NewManager(gw, testConfig(), nil)
	var filled types.Order
	m.OnFilled = func(o types.Order) { filled = o }

	res, _ := m.SubmitBuy(context.Background(), "AAPL", types.ModeEquities, d("10"))
	m.ApplyOrderUpdate(types.OrderUpdate{
		ClientOrderID:  res.Order.ID,
		Event:          "fill",
		FilledAvgPrice: d("150.25"),
		FilledQty:      d("10"),
		Timestamp:      time.Now(),
	})

	if filled.ID != res.Order.ID {
		t.Fatalf("expected OnFilled to be invoked with the filled order")
	}
	if filled.State != types.OrderFilled {
		t.Fatalf("expected state filled, got %v", filled.State)
	}
	if m.OpenCount() != 0 {
		t.Fatalf("expected no open orders remaining after fill, got %d", m.OpenCount())
	}
}

// TestReconcileTimeoutsCancelsStaleOrder covers S6: an order outstanding past
// timeout_seconds is cancelled.
func TestReconcileTimeoutsCancelsStaleOrder(t *testing.T) {
	gw := &fakeGateway{submitErr: &broker.GatewayError{Class: broker.ErrTransient, Message: "timeout"}}
	cfg := testConfig()
	cfg.TimeoutSeconds = 1 * time.Second
	m := NewManager(gw, cfg, nil)

	res, _ := m.SubmitBuy(context.Background(), "AAPL", types.ModeEquities, d("10"))
	if res.Order.State.Terminal() {
		t.Fatalf("expected order left pending")
	}

	m.ReconcileTimeouts(context.Background(), time.Now().Add(2*time.Second))

	orders := m.Orders(false)
	if len(orders) != 1 || orders[0].State != types.OrderCancelled {
		t.Fatalf("expected the stale order to be cancelled, got %+v", orders)
	}
	if len(gw.cancelled) != 1 {
		t.Fatalf("expected exactly one cancel call, got %d", len(gw.cancelled))
	}
}

// TestSizeEquityFloorsForEquitiesNotCrypto covers the sizing policy split of
// spec.md §4.F step 2.
func TestSizeEquityFloorsForEquitiesNotCrypto(t *testing.T) {
	equityQty := SizeEquity(d("10000"), 0.005, d("123.45"), types.ModeEquities)
	if !equityQty.Equal(d("0")) {
		t.Fatalf("expected 10000*0.005/123.45=0.40... floored to 0, got %s", equityQty)
	}

	cryptoQty := SizeEquity(d("10000"), 0.005, d("123.45"), types.ModeCrypto)
	if cryptoQty.Equal(d("0")) {
		t.Fatalf("expected a fractional non-zero crypto quantity, got %s", cryptoQty)
	}
}

// TestSubmitManualUsesDistinctIDPrefixAndHonorsDedup covers the manual order
// path added for the External API Facade's POST /api/orders.
func TestSubmitManualUsesDistinctIDPrefixAndHonorsDedup(t *testing.T) {
	gw := &fakeGateway{}
	m := NewManager(gw, testConfig(), nil)

	res, err := m.SubmitManual(context.Background(), ManualOrderRequest{
		Symbol: "AAPL", Side: types.SideBuy, Qty: d("10"),
		Type: types.OrderLimit, TIF: types.TIFDay, LimitPrice: d("150"), Mode: types.ModeEquities,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeAccepted {
		t.Fatalf("expected accepted, got %v", res.Outcome)
	}
	if res.Order.ID[:7] != "manual-" {
		t.Fatalf("expected manual- prefixed client order id, got %s", res.Order.ID)
	}
	if res.Order.Type != types.OrderLimit || !res.Order.LimitPrice.Equal(d("150")) {
		t.Fatalf("expected limit order carrying the requested limit price, got %+v", res.Order)
	}

	second, _ := m.SubmitManual(context.Background(), ManualOrderRequest{
		Symbol: "AAPL", Side: types.SideBuy, Qty: d("5"), Mode: types.ModeEquities,
	})
	if second.Outcome != OutcomeDedupRejected {
		t.Fatalf("expected manual orders to honor the same dedup invariant, got %v", second.Outcome)
	}
}

// TestCancelByIDCancelsOpenOrder covers DELETE /api/orders/{id}.
func TestCancelByIDCancelsOpenOrder(t *testing.T) {
	gw := &fakeGateway{}
	m := NewManager(gw, testConfig(), nil)

	res, _ := m.SubmitBuy(context.Background(), "AAPL", types.ModeEquities, d("10"))
	if err := m.CancelByID(context.Background(), res.Order.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ord, ok := m.OrderByID(res.Order.ID)
	if !ok || ord.State != types.OrderCancelled {
		t.Fatalf("expected order cancelled, got %+v (found=%v)", ord, ok)
	}
}

func TestCancelByIDUnknownOrderErrors(t *testing.T) {
	gw := &fakeGateway{}
	m := NewManager(gw, testConfig(), nil)
	if err := m.CancelByID(context.Background(), "nope"); err == nil {
		t.Fatalf("expected an error for an unknown order id")
	}
}

func TestZeroOrNegativeQtyRejectedWithoutGatewayCall(t *testing.T) {
	gw := &fakeGateway{}
	m := NewManager(gw, testConfig(), nil)
	res, err := m.SubmitBuy(context.Background(), "AAPL", types.ModeEquities, d("0"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeFatalRejected {
		t.Fatalf("expected fatal rejected for non-positive qty, got %v", res.Outcome)
	}
	if gw.submitCalls != 0 {
		t.Fatalf("gateway must not be called for a non-positive qty")
	}
}
