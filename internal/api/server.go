// Package api is the External API Facade (spec.md §4.J): a thin REST + WS
// surface delegating to the Broker Gateway, Account Cache, Position Tracker,
// Order Manager, Candle Buffer, Signal Evaluator, Session Metrics, Event Hub,
// and Scalping Scheduler. Grounded on the teacher's internal/api/server.go
// (bare http.ServeMux + handler closures + manual json.Encoder), with the
// Polymarket-dashboard-specific routes (builder volume, grant/stage reports,
// coach narratives) replaced by spec.md §6.1's trading-engine routes. The
// WebSocket upgrade handler is grounded on ndrandal-feed-simulator's
// internal/session.Handler (readPump/writePump pair, ping/pong keepalive).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/account"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/broker"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/candle"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/hub"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/metrics"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/order"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/position"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/scheduler"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/strategy"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/types"
)

// Deps bundles every component the facade delegates to, constructed once in
// cmd/scalper and handed to NewServer.
type Deps struct {
	Addr        string
	Gateway     broker.Gateway
	Account     *account.Cache
	Positions   *position.Tracker
	Orders      *order.Manager
	Candles     *candle.Registry
	Metrics     *metrics.Collector
	Hub         *hub.Hub
	Schedulers  map[types.MarketMode]*scheduler.Scheduler
	StrategyCfg map[types.MarketMode]strategy.Config
	SymbolModes map[types.Symbol]types.MarketMode
	Logger      *slog.Logger
}

// Server is the small net/http dashboard/control API for the scalping engine.
type Server struct {
	httpServer *http.Server
	deps       Deps
	logger     *slog.Logger
	startedAt  time.Time

	mu      sync.Mutex
	running map[types.MarketMode]context.CancelFunc
}

// NewServer wires every route and returns an unstarted Server.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		deps:      deps,
		logger:    logger,
		startedAt: time.Now(),
		running:   make(map[types.MarketMode]context.CancelFunc),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/account", s.handleAccount)
	mux.HandleFunc("GET /api/positions", s.handlePositions)
	mux.HandleFunc("GET /api/orders", s.handleListOrders)
	mux.HandleFunc("POST /api/orders", s.handleSubmitOrder)
	mux.HandleFunc("DELETE /api/orders/{id}", s.handleCancelOrder)
	mux.HandleFunc("GET /api/bars/{symbol}", s.handleBars)
	mux.HandleFunc("GET /api/signals/{symbol}", s.handleSignal)
	mux.HandleFunc("GET /api/trade-log", s.handleTradeLog)
	mux.HandleFunc("POST /api/trading/start", s.handleStartTrading)
	mux.HandleFunc("POST /api/trading/stop", s.handleStopTrading)
	mux.HandleFunc("GET /ws/trading", s.handleWS)

	s.httpServer = &http.Server{
		Addr:              deps.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving HTTP requests in a background goroutine.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("api server listening", "addr", s.httpServer.Addr)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server stopped", "err", err)
		}
	}()
	return nil
}

// Shutdown gracefully stops the HTTP server and every running scheduler loop
// this facade started (spec.md §5 "shutdown_grace_seconds").
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for mode, cancel := range s.running {
		cancel()
		delete(s.running, mode)
	}
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type accountResponse struct {
	PortfolioValue decimal.Decimal `json:"portfolio_value"`
	BuyingPower    decimal.Decimal `json:"buying_power"`
	Equity         decimal.Decimal `json:"equity"`
	LastEquity     decimal.Decimal `json:"last_equity"`
}

func accountToResponse(a types.Account) accountResponse {
	return accountResponse{
		PortfolioValue: a.PortfolioValue,
		BuyingPower:    a.BuyingPower,
		Equity:         a.Equity,
		LastEquity:     a.LastEquity,
	}
}

// GET /api/account
func (s *Server) handleAccount(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, accountToResponse(s.deps.Account.Account()))
}

type positionResponse struct {
	Symbol        types.Symbol    `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"`
	Side          types.Side      `json:"side"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPL  decimal.Decimal `json:"unrealized_pl"`
}

// modeParam maps the engine's internal MarketMode to the "crypto"/"stocks"
// vocabulary spec.md §6.1 uses on the wire.
func modeParam(mode types.MarketMode) string {
	if mode == types.ModeEquities {
		return "stocks"
	}
	return string(mode)
}

// GET /api/positions?market_mode=crypto|stocks
func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	modeFilter := r.URL.Query().Get("market_mode")
	positions := s.deps.Account.Positions()

	out := make([]positionResponse, 0, len(positions))
	for _, p := range positions {
		if modeFilter != "" {
			mode, ok := s.deps.SymbolModes[p.Symbol]
			if !ok || modeParam(mode) != modeFilter {
				continue
			}
		}
		out = append(out, positionResponse{
			Symbol:        p.Symbol,
			Qty:           p.Qty,
			Side:          p.Side,
			AvgEntryPrice: p.AvgEntryPrice,
			MarketValue:   p.MarketValue,
			UnrealizedPL:  p.UnrealizedPL,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

type orderResponse struct {
	ID             string            `json:"id"`
	BrokerID       string            `json:"broker_id"`
	Symbol         types.Symbol      `json:"symbol"`
	Side           types.Side        `json:"side"`
	Qty            decimal.Decimal   `json:"qty"`
	Type           types.OrderType   `json:"type"`
	TIF            types.TimeInForce `json:"tif"`
	LimitPrice     decimal.Decimal   `json:"limit_price"`
	State          types.OrderState  `json:"state"`
	SubmittedAt    time.Time         `json:"submitted_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	FilledAvgPrice decimal.Decimal   `json:"filled_avg_price"`
	FilledQty      decimal.Decimal   `json:"filled_qty"`
	RejectReason   string            `json:"reject_reason,omitempty"`
}

func orderToResponse(o types.Order) orderResponse {
	return orderResponse{
		ID: o.ID, BrokerID: o.BrokerID, Symbol: o.Symbol, Side: o.Side, Qty: o.Qty,
		Type: o.Type, TIF: o.TIF, LimitPrice: o.LimitPrice, State: o.State,
		SubmittedAt: o.SubmittedAt, UpdatedAt: o.UpdatedAt,
		FilledAvgPrice: o.FilledAvgPrice, FilledQty: o.FilledQty, RejectReason: o.RejectReason,
	}
}

// GET /api/orders?status=open|all
func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	openOnly := r.URL.Query().Get("status") != "all"
	orders := s.deps.Orders.Orders(openOnly)
	out := make([]orderResponse, len(orders))
	for i, o := range orders {
		out[i] = orderToResponse(o)
	}
	s.writeJSON(w, http.StatusOK, out)
}

type submitOrderRequest struct {
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Qty        decimal.Decimal `json:"qty"`
	Type       string          `json:"type"`
	TIF        string          `json:"tif"`
	LimitPrice decimal.Decimal `json:"limit_price"`
	MarketMode string          `json:"market_mode"`
}

// POST /api/orders
func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req submitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Symbol == "" || req.Side == "" || req.MarketMode == "" {
		s.writeError(w, http.StatusBadRequest, "symbol, side, and market_mode are required")
		return
	}

	res, err := s.deps.Orders.SubmitManual(r.Context(), order.ManualOrderRequest{
		Symbol:     types.Canonicalize(req.Symbol),
		Side:       types.Side(strings.ToLower(req.Side)),
		Qty:        req.Qty,
		Type:       types.OrderType(strings.ToLower(req.Type)),
		TIF:        types.TimeInForce(strings.ToLower(req.TIF)),
		LimitPrice: req.LimitPrice,
		Mode:       types.MarketMode(req.MarketMode),
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if res.Outcome != order.OutcomeAccepted {
		s.writeJSON(w, http.StatusConflict, map[string]interface{}{
			"outcome": res.Outcome,
			"reason":  res.Reason,
			"order":   orderToResponse(res.Order),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, orderToResponse(res.Order))
}

// DELETE /api/orders/{id}
func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Orders.CancelByID(r.Context(), id); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type barsResponse struct {
	Bars       []types.Candle `json:"bars"`
	Count      int            `json:"count"`
	DataSource string         `json:"data_source"`
}

// GET /api/bars/{symbol}?timeframe=1Min&limit=100
func (s *Server) handleBars(w http.ResponseWriter, r *http.Request) {
	symbol := types.Canonicalize(r.PathValue("symbol"))
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	timeframe := r.URL.Query().Get("timeframe")
	if timeframe == "" {
		timeframe = "1Min"
	}

	bars := s.deps.Candles.Get(symbol).LastN(limit)
	source := "cache"
	if len(bars) == 0 {
		mode := s.deps.SymbolModes[symbol]
		fetched, err := s.deps.Gateway.GetBars(r.Context(), symbol, mode, timeframe, limit)
		if err != nil {
			s.writeError(w, http.StatusBadGateway, "bars unavailable: "+err.Error())
			return
		}
		bars = fetched
		source = "broker"
	}
	s.writeJSON(w, http.StatusOK, barsResponse{Bars: bars, Count: len(bars), DataSource: source})
}

type signalResponse struct {
	Symbol   types.Symbol     `json:"symbol"`
	Signal   types.SignalSide `json:"signal"`
	Strength float64          `json:"strength"`
	Price    decimal.Decimal  `json:"price"`
	TS       time.Time        `json:"ts"`
}

// GET /api/signals/{symbol}
func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	symbol := types.Canonicalize(r.PathValue("symbol"))
	mode, ok := s.deps.SymbolModes[symbol]
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown symbol: "+string(symbol))
		return
	}
	cfg := s.deps.StrategyCfg[mode]

	candles := s.deps.Candles.Get(symbol).Snapshot()
	if len(candles) == 0 {
		s.writeError(w, http.StatusNotFound, "no candle history for symbol: "+string(symbol))
		return
	}
	signal, _ := strategy.Evaluate(symbol, candles, cfg, time.Now)
	s.writeJSON(w, http.StatusOK, signalResponse{
		Symbol:   signal.Symbol,
		Signal:   signal.Side,
		Strength: signal.Strength,
		Price:    candles[len(candles)-1].C,
		TS:       signal.TS,
	})
}

type tradeLogResponse struct {
	Trades  []types.TradeRecord  `json:"trades"`
	Metrics types.SessionMetrics `json:"metrics"`
}

// GET /api/trade-log?limit=500
func (s *Server) handleTradeLog(w http.ResponseWriter, r *http.Request) {
	limit := 500
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	s.writeJSON(w, http.StatusOK, tradeLogResponse{
		Trades:  s.deps.Hub.RecentTrades(limit),
		Metrics: s.deps.Metrics.Snapshot(),
	})
}

func parseMode(r *http.Request) (types.MarketMode, bool) {
	raw := strings.ToLower(r.URL.Query().Get("mode"))
	switch raw {
	case "crypto":
		return types.ModeCrypto, true
	case "stocks", "equities":
		return types.ModeEquities, true
	default:
		return "", false
	}
}

// StartMode starts the scheduler loop for mode unless it is already running,
// tracked in the same s.running map the HTTP route below mutates. cmd/scalper
// calls this directly at boot instead of launching schedulers on its own, so
// a scheduler is never running outside this bookkeeping: a later
// POST /api/trading/start can't race a second goroutine onto the same
// *scheduler.Scheduler, and POST /api/trading/stop is never a silent no-op
// against a loop this map doesn't know about.
func (s *Server) StartMode(mode types.MarketMode) error {
	sched, ok := s.deps.Schedulers[mode]
	if !ok {
		return fmt.Errorf("no scheduler configured for mode %s", mode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.running[mode]; running {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.running[mode] = cancel
	go sched.Run(ctx)
	s.logger.Info("trading started", "mode", mode)
	return nil
}

// StopMode stops the scheduler loop for mode if running; a no-op otherwise.
func (s *Server) StopMode(mode types.MarketMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, running := s.running[mode]; running {
		cancel()
		delete(s.running, mode)
		s.logger.Info("trading stopped", "mode", mode)
	}
}

// POST /api/trading/start?mode=crypto|stocks
func (s *Server) handleStartTrading(w http.ResponseWriter, r *http.Request) {
	mode, ok := parseMode(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "mode must be crypto or stocks")
		return
	}
	if err := s.StartMode(mode); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// POST /api/trading/stop?mode=crypto|stocks
func (s *Server) handleStopTrading(w http.ResponseWriter, r *http.Request) {
	mode, ok := parseMode(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "mode must be crypto or stocks")
		return
	}
	s.StopMode(mode)
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
