package account

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/broker"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/types"
)

func decimalMustParse(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

type fakeGateway struct {
	account   types.Account
	positions []types.Position
	err       error
}

func (f *fakeGateway) SubmitOrder(ctx context.Context, req broker.SubmitOrderRequest) (string, error) {
	return "", nil
}
func (f *fakeGateway) CancelOrder(ctx context.Context, brokerOrderID string) error { return nil }
func (f *fakeGateway) GetAccount(ctx context.Context) (types.Account, error) {
	return f.account, f.err
}
func (f *fakeGateway) ListPositions(ctx context.Context) ([]types.Position, error) {
	return f.positions, f.err
}
func (f *fakeGateway) GetBars(ctx context.Context, symbol types.Symbol, mode types.MarketMode, timeframe string, limit int) ([]types.Candle, error) {
	return nil, nil
}
func (f *fakeGateway) SubscribeMarketData(ctx context.Context, symbols []types.Symbol, mode types.MarketMode) (<-chan types.MarketEvent, error) {
	return nil, nil
}
func (f *fakeGateway) IsMarketOpen(mode types.MarketMode) bool { return true }

func TestSyncPopulatesCache(t *testing.T) {
	gw := &fakeGateway{
		account:   types.Account{Equity: decimalMustParse("10000")},
		positions: []types.Position{{Symbol: "AAPL"}},
	}
	c := NewCache(gw, time.Minute, nil)
	if err := c.Sync(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !c.Account().Equity.Equal(decimalMustParse("10000")) {
		t.Fatalf("expected cached equity 10000, got %s", c.Account().Equity)
	}
	if len(c.Positions()) != 1 {
		t.Fatalf("expected one cached position")
	}
	if c.LastSync().IsZero() {
		t.Fatalf("expected last sync timestamp to be set")
	}
}

func TestSyncErrorLeavesCacheUnchanged(t *testing.T) {
	gw := &fakeGateway{account: types.Account{Equity: decimalMustParse("5000")}}
	c := NewCache(gw, time.Minute, nil)
	if err := c.Sync(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	gw.err = context.DeadlineExceeded
	_ = c.Sync(context.Background())

	if !c.Account().Equity.Equal(decimalMustParse("5000")) {
		t.Fatalf("expected cache to retain prior snapshot on sync failure, got %s", c.Account().Equity)
	}
}

func TestPositionsReturnsCopyNotSharedSlice(t *testing.T) {
	gw := &fakeGateway{positions: []types.Position{{Symbol: "AAPL"}}}
	c := NewCache(gw, time.Minute, nil)
	_ = c.Sync(context.Background())

	got := c.Positions()
	got[0].Symbol = "MUTATED"

	if c.Positions()[0].Symbol != "AAPL" {
		t.Fatalf("expected internal cache to be unaffected by caller mutation")
	}
}
