// Package order implements the Order Manager: ClientOrderID assignment,
// dedup-cooldown enforcement, the Order state machine, and reconciliation
// from broker OrderUpdate events. Pattern grounded on the teacher's
// internal/execution/tracker.go (OrderState bookkeeping) and
// internal/risk/manager.go (the cooldown-window fields), generalized into
// the full New->...->Filled machine and at-most-one-pending-per-(symbol,side)
// invariant of spec.md §4.F.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/broker"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/types"
)

// Config mirrors the order.* options of spec.md §6.4.
type Config struct {
	CooldownSeconds      time.Duration
	TimeoutSeconds       time.Duration
	MaxRetriesTransient  int
	ShutdownGraceSeconds time.Duration
}

// Outcome tags a submission's disposition, including the non-error
// DedupRejected outcome spec.md §7 requires be reported as a typed result,
// not an error.
type Outcome string

const (
	OutcomeAccepted      Outcome = "accepted"
	OutcomeDedupRejected Outcome = "dedup_rejected"
	OutcomeFatalRejected Outcome = "rejected"
)

// Result is what Submit returns.
type Result struct {
	Outcome Outcome
	Order   types.Order
	Reason  string
}

type pendingKey struct {
	symbol types.Symbol
	side   types.Side
}

// Manager owns every Order; it is the exclusive mutator of OrderState
// (spec.md §3 "Ownership").
type Manager struct {
	mu              sync.Mutex
	cfg             Config
	gw              broker.Gateway
	logger          *slog.Logger
	orders          map[string]*types.Order  // keyed by ClientOrderID
	activeBySymSide map[pendingKey]string    // symbol,side -> client order id of the non-terminal order
	lastSubmitAt    map[pendingKey]time.Time
	counter         int

	// OnFilled is invoked (outside any lock) whenever an order reaches
	// Filled, with the filled price/qty; Position Tracker subscribes here.
	OnFilled func(order types.Order)
}

func NewManager(gw broker.Gateway, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:             cfg,
		gw:              gw,
		logger:          logger,
		orders:          make(map[string]*types.Order),
		activeBySymSide: make(map[pendingKey]string),
		lastSubmitAt:    make(map[pendingKey]time.Time),
	}
}

// nextClientOrderID implements spec.md I6: "trade-" + timestamp + "-" + counter.
func (m *Manager) nextClientOrderID(now time.Time) string {
	m.counter++
	return fmt.Sprintf("trade-%d-%d", now.UnixMilli(), m.counter)
}

// SizeEquity computes the fixed-notional position size for a buy per
// spec.md §4.F step 2: account_equity * position_size_pct, floored to
// integer shares for equities, left fractional for crypto.
func SizeEquity(accountEquity decimal.Decimal, sizePct float64, price decimal.Decimal, mode types.MarketMode) decimal.Decimal {
	if price.IsZero() {
		return decimal.Zero
	}
	notional := accountEquity.Mul(decimal.NewFromFloat(sizePct))
	qty := notional.Div(price)
	if mode == types.ModeEquities {
		qty = qty.Floor()
	}
	return qty
}

// SubmitBuy runs the full submission pipeline for an entry/scale-in order.
func (m *Manager) SubmitBuy(ctx context.Context, symbol types.Symbol, mode types.MarketMode, qty decimal.Decimal) (Result, error) {
	return m.submit(ctx, symbol, types.SideBuy, mode, qty, types.OrderMarket, defaultTIF(mode), decimal.Zero, false)
}

// SubmitSell runs the full submission pipeline for an exit order, qty being
// the currently-held quantity (spec.md §4.G: "submit sell... for the held
// quantity").
func (m *Manager) SubmitSell(ctx context.Context, symbol types.Symbol, mode types.MarketMode, qty decimal.Decimal) (Result, error) {
	return m.submit(ctx, symbol, types.SideSell, mode, qty, types.OrderMarket, defaultTIF(mode), decimal.Zero, false)
}

// ManualOrderRequest is the External API Facade's manual order submission
// input (spec.md §6.1 POST /api/orders), distinct from the scheduler's
// market-order-only Buy/Sell path in that it accepts an explicit order type,
// time-in-force, and optional limit price.
type ManualOrderRequest struct {
	Symbol     types.Symbol
	Side       types.Side
	Qty        decimal.Decimal
	Type       types.OrderType
	TIF        types.TimeInForce
	LimitPrice decimal.Decimal
	Mode       types.MarketMode
}

// SubmitManual runs an operator-submitted order through the same state
// machine and dedup invariant as scheduler-driven orders, identified by a
// "manual-" prefixed uuid rather than the counter-based ClientOrderID scheme
// (spec.md §4.F I6 reserves the counter scheme for the scheduler path; see
// DESIGN.md).
func (m *Manager) SubmitManual(ctx context.Context, req ManualOrderRequest) (Result, error) {
	tif := req.TIF
	if tif == "" {
		tif = defaultTIF(req.Mode)
	}
	orderType := req.Type
	if orderType == "" {
		orderType = types.OrderMarket
	}
	return m.submit(ctx, req.Symbol, req.Side, req.Mode, req.Qty, orderType, tif, req.LimitPrice, true)
}

func (m *Manager) submit(ctx context.Context, symbol types.Symbol, side types.Side, mode types.MarketMode, qty decimal.Decimal, orderType types.OrderType, tif types.TimeInForce, limitPrice decimal.Decimal, manual bool) (Result, error) {
	if qty.LessThanOrEqual(decimal.Zero) {
		return Result{Outcome: OutcomeFatalRejected, Reason: "size must be > 0"}, nil
	}

	key := pendingKey{symbol: symbol, side: side}
	now := time.Now()

	m.mu.Lock()
	if _, active := m.activeBySymSide[key]; active {
		m.mu.Unlock()
		m.logger.Info("dedup rejected: non-terminal order already open", "symbol", symbol, "side", side)
		return Result{Outcome: OutcomeDedupRejected, Reason: "non-terminal order already open for symbol/side"}, nil
	}
	if !manual {
		if last, ok := m.lastSubmitAt[key]; ok && now.Sub(last) < m.cfg.CooldownSeconds {
			m.mu.Unlock()
			m.logger.Info("dedup rejected: within cooldown window", "symbol", symbol, "side", side)
			return Result{Outcome: OutcomeDedupRejected, Reason: "within cooldown window"}, nil
		}
	}

	var clientID string
	if manual {
		clientID = "manual-" + newUUIDSuffix()
	} else {
		clientID = m.nextClientOrderID(now)
	}
	ord := &types.Order{
		ID:          clientID,
		Symbol:      symbol,
		Side:        side,
		Qty:         qty,
		Type:        orderType,
		TIF:         tif,
		LimitPrice:  limitPrice,
		State:       types.OrderNew,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	m.orders[clientID] = ord
	m.activeBySymSide[key] = clientID
	m.lastSubmitAt[key] = now
	ord.State = types.OrderPendingNew
	m.mu.Unlock()

	brokerID, err := m.gw.SubmitOrder(ctx, broker.SubmitOrderRequest{
		ClientOrderID: clientID,
		Symbol:        symbol,
		Side:          side,
		Qty:           qty,
		Type:          ord.Type,
		TIF:           ord.TIF,
		LimitPrice:    ord.LimitPrice,
		Mode:          mode,
	})

	switch {
	case err == nil:
		m.mu.Lock()
		ord.BrokerID = brokerID
		ord.State = types.OrderAccepted
		ord.UpdatedAt = time.Now()
		m.mu.Unlock()
		return Result{Outcome: OutcomeAccepted, Order: *ord}, nil

	case errors.Is(err, broker.ErrAdjustable):
		adjustedQty := qty.Div(decimal.NewFromInt(2))
		if mode == types.ModeEquities {
			adjustedQty = adjustedQty.Floor()
		}
		if adjustedQty.LessThanOrEqual(decimal.Zero) {
			m.rejectLocked(key, ord, err.Error())
			return Result{Outcome: OutcomeFatalRejected, Order: *ord, Reason: err.Error()}, nil
		}
		brokerID, err2 := m.gw.SubmitOrder(ctx, broker.SubmitOrderRequest{
			ClientOrderID: clientID, Symbol: symbol, Side: side, Qty: adjustedQty,
			Type: ord.Type, TIF: ord.TIF, LimitPrice: ord.LimitPrice, Mode: mode,
		})
		if err2 != nil {
			m.rejectLocked(key, ord, err2.Error())
			return Result{Outcome: OutcomeFatalRejected, Order: *ord, Reason: err2.Error()}, nil
		}
		m.mu.Lock()
		ord.BrokerID = brokerID
		ord.Qty = adjustedQty
		ord.State = types.OrderAccepted
		ord.UpdatedAt = time.Now()
		m.mu.Unlock()
		return Result{Outcome: OutcomeAccepted, Order: *ord}, nil

	case errors.Is(err, broker.ErrTransient), errors.Is(err, broker.ErrWaitRequired):
		// Leave the order pending until a broker OrderUpdate (ApplyOrderUpdate)
		// resolves it, or ReconcileTimeouts cancels it once
		// order.timeout_seconds has passed; the broker is not queried by
		// ClientOrderID. Not retried here per spec.md §4.A: "Order submission
		// is not retried on timeout".
		return Result{Outcome: OutcomeAccepted, Order: *ord, Reason: "pending reconciliation: " + err.Error()}, nil

	default: // Fatal
		m.rejectLocked(key, ord, err.Error())
		return Result{Outcome: OutcomeFatalRejected, Order: *ord, Reason: err.Error()}, nil
	}
}

func (m *Manager) rejectLocked(key pendingKey, ord *types.Order, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ord.State = types.OrderRejected
	ord.RejectReason = reason
	ord.UpdatedAt = time.Now()
	delete(m.activeBySymSide, key)
}

func defaultTIF(mode types.MarketMode) types.TimeInForce {
	if mode == types.ModeCrypto {
		return types.TIFGTC
	}
	return types.TIFDay
}

// ApplyOrderUpdate reconciles a broker-pushed OrderUpdate into the matching
// Order's state machine and, on a terminal Filled transition, invokes
// OnFilled outside the lock.
func (m *Manager) ApplyOrderUpdate(update types.OrderUpdate) {
	m.mu.Lock()
	ord, ok := m.orders[update.ClientOrderID]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("order update for unknown client order id", "client_order_id", update.ClientOrderID)
		return
	}

	ord.BrokerID = update.BrokerID
	ord.UpdatedAt = update.Timestamp
	var filled bool
	switch update.Event {
	case "fill":
		ord.State = types.OrderFilled
		ord.FilledAvgPrice = update.FilledAvgPrice
		ord.FilledQty = update.FilledQty
		filled = true
	case "partial_fill":
		ord.State = types.OrderPartiallyFilled
		ord.FilledAvgPrice = update.FilledAvgPrice
		ord.FilledQty = update.FilledQty
	case "canceled":
		ord.State = types.OrderCancelled
	case "rejected":
		ord.State = types.OrderRejected
		ord.RejectReason = update.Reason
	case "expired":
		ord.State = types.OrderExpired
	}

	if ord.State.Terminal() {
		key := pendingKey{symbol: ord.Symbol, side: ord.Side}
		if m.activeBySymSide[key] == ord.ID {
			delete(m.activeBySymSide, key)
		}
	}
	snapshot := *ord
	m.mu.Unlock()

	if filled && m.OnFilled != nil {
		m.OnFilled(snapshot)
	}
}

// ReconcileTimeouts cancels any order past order.timeout_seconds that has
// not reached a terminal state (spec.md §4.F "Timeout").
func (m *Manager) ReconcileTimeouts(ctx context.Context, now time.Time) {
	m.mu.Lock()
	var toCancel []*types.Order
	for _, ord := range m.orders {
		if !ord.State.Terminal() && now.Sub(ord.SubmittedAt) > m.cfg.TimeoutSeconds {
			toCancel = append(toCancel, ord)
		}
	}
	m.mu.Unlock()

	for _, ord := range toCancel {
		if err := m.gw.CancelOrder(ctx, ord.BrokerID); err != nil {
			m.logger.Warn("timeout cancel failed", "order", ord.ID, "err", err)
			continue
		}
		m.mu.Lock()
		ord.State = types.OrderCancelled
		ord.UpdatedAt = now
		key := pendingKey{symbol: ord.Symbol, side: ord.Side}
		if m.activeBySymSide[key] == ord.ID {
			delete(m.activeBySymSide, key)
		}
		m.mu.Unlock()
	}
}

// CancelAll requests cancellation of every non-terminal order, used during
// shutdown (spec.md §4.G, §5 "Cancellation and timeouts").
func (m *Manager) CancelAll(ctx context.Context) {
	m.mu.Lock()
	var open []*types.Order
	for _, ord := range m.orders {
		if !ord.State.Terminal() {
			open = append(open, ord)
		}
	}
	m.mu.Unlock()

	for _, ord := range open {
		if err := m.gw.CancelOrder(ctx, ord.BrokerID); err != nil {
			m.logger.Warn("shutdown cancel failed", "order", ord.ID, "err", err)
		}
	}
}

// CancelByID cancels a single order by its ClientOrderID, used by the
// External API Facade's DELETE /api/orders/{id} (spec.md §6.1).
func (m *Manager) CancelByID(ctx context.Context, clientOrderID string) error {
	m.mu.Lock()
	ord, ok := m.orders[clientOrderID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("order %s not found", clientOrderID)
	}
	if ord.State.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("order %s already in terminal state %s", clientOrderID, ord.State)
	}
	brokerID := ord.BrokerID
	m.mu.Unlock()

	if err := m.gw.CancelOrder(ctx, brokerID); err != nil {
		return err
	}

	m.mu.Lock()
	ord.State = types.OrderCancelled
	ord.UpdatedAt = time.Now()
	key := pendingKey{symbol: ord.Symbol, side: ord.Side}
	if m.activeBySymSide[key] == ord.ID {
		delete(m.activeBySymSide, key)
	}
	m.mu.Unlock()
	return nil
}

// OrderByID returns a single order snapshot by ClientOrderID.
func (m *Manager) OrderByID(clientOrderID string) (types.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ord, ok := m.orders[clientOrderID]
	if !ok {
		return types.Order{}, false
	}
	return *ord, true
}

// Orders returns a snapshot of every order, optionally filtered to
// non-terminal ones only.
func (m *Manager) Orders(openOnly bool) []types.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Order, 0, len(m.orders))
	for _, ord := range m.orders {
		if openOnly && ord.State.Terminal() {
			continue
		}
		out = append(out, *ord)
	}
	return out
}

// OpenCount reports how many non-terminal orders exist (P1 check surface:
// should always be <= one per symbol/side, but this returns the total).
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.activeBySymSide)
}

// newUUIDSuffix supplies the "manual-" client order ids of SubmitManual
// (the path internal/api's order submission uses), distinct from the
// counter-based ClientOrderID scheme above.
func newUUIDSuffix() string {
	return uuid.NewString()
}
