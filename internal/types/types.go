// Package types holds the data model shared across the trading engine:
// symbols, candles, signals, orders, and session-level records. Every
// monetary or quantity field is a decimal.Decimal — never a float — so that
// realized P&L never accumulates floating-point drift.
package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Symbol is the canonical internal form of an instrument identifier: no
// separators (BTCUSD, not BTC/USD). Broker-specific forms are produced only
// at the Gateway boundary.
type Symbol string

// Canonicalize strips common separators so callers never have to special-case
// broker-native spellings when keying internal maps.
func Canonicalize(raw string) Symbol {
	s := strings.ToUpper(raw)
	s = strings.NewReplacer("/", "", "-", "", "_", "", " ", "").Replace(s)
	return Symbol(s)
}

// MarketMode distinguishes the two trading universes this system supports.
type MarketMode string

const (
	ModeEquities MarketMode = "equities"
	ModeCrypto   MarketMode = "crypto"
)

// Side is a standard buy/sell order side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// SignalSide is what the evaluator emits; Hold is distinct from Buy/Sell.
type SignalSide string

const (
	SignalBuy  SignalSide = "buy"
	SignalSell SignalSide = "sell"
	SignalHold SignalSide = "hold"
)

// OrderType and TimeInForce mirror the broker's own vocabulary.
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
)

type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
	TIFIOC TimeInForce = "ioc"
)

// OrderState is the finite state machine described in the data model:
// New -> PendingNew -> Accepted -> (PartiallyFilled*) -> terminal.
type OrderState string

const (
	OrderNew             OrderState = "new"
	OrderPendingNew      OrderState = "pending_new"
	OrderAccepted        OrderState = "accepted"
	OrderPartiallyFilled OrderState = "partially_filled"
	OrderFilled          OrderState = "filled"
	OrderCancelled       OrderState = "cancelled"
	OrderRejected        OrderState = "rejected"
	OrderExpired         OrderState = "expired"
)

// Terminal reports whether the state machine has come to rest.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderExpired:
		return true
	default:
		return false
	}
}

// TradeState is PerSymbolState's position lifecycle.
type TradeState string

const (
	TradeIdle         TradeState = "idle"
	TradeEntryPending TradeState = "entry_pending"
	TradeHeld         TradeState = "held"
	TradeExitPending  TradeState = "exit_pending"
)

// Candle is one OHLCV bar. Immutable once appended to a Buffer.
type Candle struct {
	T time.Time
	O decimal.Decimal
	H decimal.Decimal
	L decimal.Decimal
	C decimal.Decimal
	V decimal.Decimal
}

// Indicators is the derived-on-demand snapshot computed from a candle buffer.
// It is never stored long-term.
type Indicators struct {
	EMAFast decimal.Decimal
	EMASlow decimal.Decimal
	StochK  decimal.Decimal
	StochD  decimal.Decimal
	RSI     decimal.Decimal
	ATR     decimal.Decimal
	VolSMA  decimal.Decimal
	Valid   bool // false when the candle history was too short to compute all of the above
}

// Signal is the evaluator's verdict for one symbol at one instant.
type Signal struct {
	Symbol   Symbol
	Side     SignalSide
	Strength float64
	Reason   string
	TS       time.Time
}

// Order is the engine's view of a single order, keyed by its client-assigned ID.
type Order struct {
	ID             string // ClientOrderID, e.g. "trade-1700000000000-42"
	BrokerID       string
	Symbol         Symbol
	Side           Side
	Qty            decimal.Decimal
	Type           OrderType
	TIF            TimeInForce
	LimitPrice     decimal.Decimal
	State          OrderState
	SubmittedAt    time.Time
	UpdatedAt      time.Time
	FilledAvgPrice decimal.Decimal
	FilledQty      decimal.Decimal
	RejectReason   string
}

// PerSymbolState is Position Tracker's per-symbol record.
type PerSymbolState struct {
	Symbol       Symbol
	TradeState   TradeState
	EntryPrice   decimal.Decimal
	EntryQty     decimal.Decimal
	LastActionTS time.Time
}

// TradeRecord is an immutable audit/event entry emitted on every fill.
type TradeRecord struct {
	ID             string
	Symbol         Symbol
	Side           Side
	Qty            decimal.Decimal
	Price          decimal.Decimal
	Value          decimal.Decimal
	TS             time.Time
	RealizedPnL    decimal.NullDecimal
	RealizedPnLPct decimal.NullDecimal
	Status         string
}

// SessionMetrics is the session-lifetime running-totals snapshot.
type SessionMetrics struct {
	SessionStart      time.Time
	TotalPnL          decimal.Decimal
	Wins              int
	Losses            int
	CurrentStreak     int
	BestStreak        int
	TradesCount       int
	TradesPerHourEWMA float64
}

// Account is a thin projection of the broker's account endpoint.
type Account struct {
	PortfolioValue decimal.Decimal
	BuyingPower    decimal.Decimal
	Equity         decimal.Decimal
	LastEquity     decimal.Decimal
}

// Position is a thin projection of the broker's positions endpoint.
type Position struct {
	Symbol        Symbol
	Qty           decimal.Decimal
	Side          Side
	AvgEntryPrice decimal.Decimal
	MarketValue   decimal.Decimal
	UnrealizedPL  decimal.Decimal
}

// MarketEventKind tags the variant union of upstream market-data events.
type MarketEventKind string

const (
	EventBar         MarketEventKind = "bar"
	EventTrade       MarketEventKind = "trade"
	EventQuote       MarketEventKind = "quote"
	EventOrderUpdate MarketEventKind = "order_update"
)

// MarketEvent is one message from the broker's market-data/trade-updates
// websocket, tagged by Kind with only the matching field populated.
type MarketEvent struct {
	Kind   MarketEventKind
	Symbol Symbol
	Bar    *Candle
	Order  *OrderUpdate
}

// OrderUpdate is a broker-pushed change to a previously submitted order.
type OrderUpdate struct {
	ClientOrderID  string
	BrokerID       string
	Event          string // e.g. "fill", "partial_fill", "canceled", "rejected", "expired"
	FilledAvgPrice decimal.Decimal
	FilledQty      decimal.Decimal
	Timestamp      time.Time
	Reason         string
}
