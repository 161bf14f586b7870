package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/types"
)

// SubmitOrderRequest is the Gateway's submit_order input, per spec.md §4.A.
type SubmitOrderRequest struct {
	ClientOrderID string
	Symbol        types.Symbol
	Side          types.Side
	Qty           decimal.Decimal
	Type          types.OrderType
	TIF           types.TimeInForce
	LimitPrice    decimal.Decimal
	Mode          types.MarketMode
}

// Gateway is the Broker Gateway's narrow surface: every method returns a
// typed result and never panics on an expected broker error (spec.md §4.A
// "Failure semantics"). Symbol normalization and market-mode routing are the
// Gateway's exclusive responsibility; nothing above this boundary knows the
// broker's wire form.
type Gateway interface {
	SubmitOrder(ctx context.Context, req SubmitOrderRequest) (brokerOrderID string, err error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	GetAccount(ctx context.Context) (types.Account, error)
	ListPositions(ctx context.Context) ([]types.Position, error)
	GetBars(ctx context.Context, symbol types.Symbol, mode types.MarketMode, timeframe string, limit int) ([]types.Candle, error)
	SubscribeMarketData(ctx context.Context, symbols []types.Symbol, mode types.MarketMode) (<-chan types.MarketEvent, error)
	IsMarketOpen(mode types.MarketMode) bool
}

// reconnectBackoff is the policy used for upstream WS disconnects (spec.md
// §4.A: "automatic reconnect with exponential backoff and resubscription").
var reconnectBackoff = retryConfig{
	maxAttempts: 1 << 30, // effectively unbounded: reconnect until ctx is cancelled
	base:        500 * time.Millisecond,
	cap:         30 * time.Second,
	jitter:      0.3,
}
