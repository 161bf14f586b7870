// Package position maintains PerSymbolState: entry price, quantity, and
// trade-state lifecycle, computing realized P&L on every closing fill.
// Rewritten from the teacher's internal/execution/tracker.go
// (updatePosition): the same weighted-average-entry and realized-PnL
// algorithm, generalized from float64 to decimal.Decimal and split out of
// the teacher's combined order+position god-object into a tracker focused
// solely on PerSymbolState, per spec.md's component boundaries.
package position

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/types"
)

// epsilon is the residual quantity below which a position is considered
// fully closed, guarding against decimal rounding noise from fractional
// crypto fills.
var epsilon = decimal.New(1, -8)

// Fill is one broker fill applied to a symbol's position.
type Fill struct {
	Symbol types.Symbol
	Side   types.Side
	Price  decimal.Decimal
	Qty    decimal.Decimal
	TS     time.Time
}

// Tracker owns every PerSymbolState; it is the exclusive mutator of
// trade_state, entry_price, and entry_qty (spec.md §3 "Ownership").
type Tracker struct {
	mu         sync.Mutex
	states     map[types.Symbol]*types.PerSymbolState
	allowShort bool

	// OnTrade is invoked after every fill is applied, outside the lock, with
	// the resulting TradeRecord. Session Metrics and the Event Hub subscribe
	// here (spec.md: "Emits a TradeEvent to Session Metrics + Event Hub").
	OnTrade func(types.TradeRecord)

	seq int
}

func NewTracker(allowShort bool) *Tracker {
	return &Tracker{states: make(map[types.Symbol]*types.PerSymbolState), allowShort: allowShort}
}

// State returns a copy of the current PerSymbolState, creating an Idle one
// lazily if the symbol has never traded (spec.md: "created lazily on first
// signal").
func (t *Tracker) State(symbol types.Symbol) types.PerSymbolState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.getOrCreateLocked(symbol)
}

func (t *Tracker) getOrCreateLocked(symbol types.Symbol) *types.PerSymbolState {
	s, ok := t.states[symbol]
	if !ok {
		s = &types.PerSymbolState{Symbol: symbol, TradeState: types.TradeIdle}
		t.states[symbol] = s
	}
	return s
}

// MarkEntryPending transitions Idle -> EntryPending, enforcing I5 (a symbol
// never jumps straight to Held).
func (t *Tracker) MarkEntryPending(symbol types.Symbol, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.getOrCreateLocked(symbol)
	if s.TradeState == types.TradeIdle {
		s.TradeState = types.TradeEntryPending
		s.LastActionTS = now
	}
}

// MarkExitPending transitions Held -> ExitPending ahead of a sell submission.
func (t *Tracker) MarkExitPending(symbol types.Symbol, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.getOrCreateLocked(symbol)
	if s.TradeState == types.TradeHeld {
		s.TradeState = types.TradeExitPending
		s.LastActionTS = now
	}
}

// ApplyFill implements spec.md §4.E's On-Filled-order-event rules. It
// returns the TradeRecord emitted for this fill (also delivered via
// OnTrade).
func (t *Tracker) ApplyFill(f Fill) types.TradeRecord {
	t.mu.Lock()
	s := t.getOrCreateLocked(f.Symbol)

	var rec types.TradeRecord
	switch f.Side {
	case types.SideBuy:
		rec = t.applyBuyLocked(s, f)
	case types.SideSell:
		rec = t.applySellLocked(s, f)
	}
	t.mu.Unlock()

	if t.OnTrade != nil {
		t.OnTrade(rec)
	}
	return rec
}

func (t *Tracker) applyBuyLocked(s *types.PerSymbolState, f Fill) types.TradeRecord {
	switch s.TradeState {
	case types.TradeIdle, types.TradeEntryPending:
		s.EntryPrice = f.Price
		s.EntryQty = f.Qty
		s.TradeState = types.TradeHeld
		s.LastActionTS = f.TS
	case types.TradeHeld, types.TradeExitPending:
		// scale-in: weighted-average entry (spec.md §4.E)
		totalCost := s.EntryPrice.Mul(s.EntryQty).Add(f.Price.Mul(f.Qty))
		s.EntryQty = s.EntryQty.Add(f.Qty)
		if s.EntryQty.GreaterThan(decimal.Zero) {
			s.EntryPrice = totalCost.Div(s.EntryQty)
		}
		s.TradeState = types.TradeHeld
		s.LastActionTS = f.TS
	}

	return t.newTradeRecord(f, decimal.NullDecimal{}, decimal.NullDecimal{})
}

func (t *Tracker) applySellLocked(s *types.PerSymbolState, f Fill) types.TradeRecord {
	if s.TradeState != types.TradeHeld && s.TradeState != types.TradeExitPending {
		// A sell with nothing held only happens for a short entry when
		// short-selling is allowed; otherwise this is an out-of-band fill
		// from outside this engine and is recorded without P&L.
		if t.allowShort {
			s.EntryPrice = f.Price
			s.EntryQty = f.Qty.Neg()
			s.TradeState = types.TradeHeld
			s.LastActionTS = f.TS
		}
		return t.newTradeRecord(f, decimal.NullDecimal{}, decimal.NullDecimal{})
	}

	// closing a long position
	realizedPnL := f.Price.Sub(s.EntryPrice).Mul(f.Qty)
	var realizedPnLPct decimal.Decimal
	if !s.EntryPrice.IsZero() {
		realizedPnLPct = f.Price.Div(s.EntryPrice).Sub(decimal.NewFromInt(1))
	}

	s.EntryQty = s.EntryQty.Sub(f.Qty)
	if s.EntryQty.LessThanOrEqual(epsilon) {
		s.TradeState = types.TradeIdle
		s.EntryPrice = decimal.Zero
		s.EntryQty = decimal.Zero
	}
	s.LastActionTS = f.TS

	return t.newTradeRecord(f,
		decimal.NullDecimal{Decimal: realizedPnL, Valid: true},
		decimal.NullDecimal{Decimal: realizedPnLPct, Valid: true},
	)
}

func (t *Tracker) newTradeRecord(f Fill, pnl, pnlPct decimal.NullDecimal) types.TradeRecord {
	t.seq++
	return types.TradeRecord{
		ID:             tradeRecordID(t.seq),
		Symbol:         f.Symbol,
		Side:           f.Side,
		Qty:            f.Qty,
		Price:          f.Price,
		Value:          f.Price.Mul(f.Qty),
		TS:             f.TS,
		RealizedPnL:    pnl,
		RealizedPnLPct: pnlPct,
		Status:         "filled",
	}
}

func tradeRecordID(seq int) string {
	return "trade-rec-" + decimal.NewFromInt(int64(seq)).String()
}
