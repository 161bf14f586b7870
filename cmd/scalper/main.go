// Command scalper runs the StochRSI+EMA scalping engine: a Broker Gateway,
// per-mode Scalping Schedulers, the shared Order Manager/Position Tracker,
// Session Metrics, the Event Hub, and the External API Facade. Grounded on
// the teacher's cmd/trader/main.go: flag-parsed config path, signal-driven
// graceful shutdown, and a single composition root wiring every component
// before entering the run loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/account"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/api"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/broker"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/candle"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/config"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/hub"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/metrics"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/notify"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/order"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/position"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/scheduler"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/strategy"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/types"
)

const (
	exitOK = iota
	exitConfigError
	exitBrokerAuthFailure
	exitFatal
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", "config.yaml", "path to config file")
	rollout := flag.String("rollout", "", "override rollout phase (dry-run|paper|live-small|live)")
	flag.Parse()

	cfg, err := config.LoadFile(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: config file: %v, using defaults\n", err)
		cfg = config.Default()
	}
	cfg.ApplyEnv()

	if *rollout != "" {
		if err := config.ApplyRolloutPhase(&cfg, *rollout); err != nil {
			fmt.Fprintf(os.Stderr, "config error: %v\n", err)
			return exitConfigError
		}
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfigError
	}
	if cfg.APIKey == "" || cfg.APISecret == "" {
		fmt.Fprintln(os.Stderr, "config error: api_key and api_secret are required (TRADING_BROKER_API_KEY/TRADING_BROKER_API_SECRET)")
		return exitConfigError
	}

	logger := newLogger(cfg)
	logger.Info("scalper starting", "dry_run", cfg.DryRun, "rollout_mode", cfg.RolloutMode)

	gw := broker.NewClient(broker.Config{
		BaseURL:      cfg.BaseURL,
		DataURL:      cfg.DataURL,
		StreamURL:    cfg.StreamURL,
		APIKey:       cfg.APIKey,
		APISecret:    cfg.APISecret,
		DryRun:       cfg.DryRun,
		ReqPerMinute: 200,
	}, logger)

	authCtx, authCancel := context.WithTimeout(context.Background(), 10*time.Second)
	_, err = gw.GetAccount(authCtx)
	authCancel()
	if err != nil {
		logger.Error("broker authentication failed", "err", err)
		return exitBrokerAuthFailure
	}

	candles := candle.NewRegistry(cfg.Candles.BufferSize)
	stratCfg := strategyConfigFromYAML(cfg.Strategy)
	positions := position.NewTracker(cfg.Position.AllowShort)
	orders := order.NewManager(gw, order.Config{
		CooldownSeconds:      cfg.Order.CooldownSeconds,
		TimeoutSeconds:       cfg.Order.TimeoutSeconds,
		MaxRetriesTransient:  cfg.Order.MaxRetriesTransient,
		ShutdownGraceSeconds: cfg.Order.ShutdownGraceSeconds,
	}, logger)
	sessionMetrics := metrics.NewCollector(time.Now())
	eventHub := hub.New(cfg.EventHub.OutboxSize, cfg.EventHub.RecentTrades)
	acctCache := account.NewCache(gw, 30*time.Second, logger)

	var notifier *notify.Notifier
	if cfg.Notify.Enabled {
		notifier = notify.NewNotifier(cfg.Notify.BotToken, cfg.Notify.ChatID)
	}

	dailyLossLimit := decimal.NullDecimal{}
	if strings.TrimSpace(cfg.Risk.DailyLossLimit) != "" && !strings.EqualFold(cfg.Risk.DailyLossLimit, "none") {
		v, perr := decimal.NewFromString(cfg.Risk.DailyLossLimit)
		if perr != nil {
			fmt.Fprintf(os.Stderr, "config error: risk.daily_loss_limit: %v\n", perr)
			return exitConfigError
		}
		dailyLossLimit = decimal.NullDecimal{Decimal: v, Valid: true}
	}

	// Position Tracker fans every fill out to Session Metrics and the Event
	// Hub's trade replay ring (spec.md §4.E "Emits a TradeEvent to Session
	// Metrics + Event Hub").
	positions.OnTrade = func(rec types.TradeRecord) {
		sessionMetrics.OnTrade(rec)
		eventHub.RecordTrade(rec)
		if notifier != nil {
			qty, _ := rec.Qty.Float64()
			_ = notifier.NotifyFill(context.Background(), string(rec.Symbol), string(rec.Side), mustFloat(rec.Price), qty)
		}
	}

	// Order Manager applies every fill to Position Tracker (spec.md §4.F "On
	// Filled -> Position Tracker.ApplyFill").
	orders.OnFilled = func(o types.Order) {
		price := o.FilledAvgPrice
		if price.IsZero() {
			price = o.LimitPrice
		}
		positions.ApplyFill(position.Fill{
			Symbol: o.Symbol,
			Side:   o.Side,
			Price:  price,
			Qty:    o.FilledQty,
			TS:     o.UpdatedAt,
		})
		eventHub.Publish(hub.Message{Type: hub.MessageOrderUpdate, Data: o, TS: time.Now()})
	}

	symbolModes := make(map[types.Symbol]types.MarketMode)
	for _, s := range cfg.Crypto.Symbols {
		symbolModes[types.Canonicalize(s)] = types.ModeCrypto
	}
	for _, s := range cfg.Equities.Symbols {
		symbolModes[types.Canonicalize(s)] = types.ModeEquities
	}

	schedulers := map[types.MarketMode]*scheduler.Scheduler{
		types.ModeCrypto:   newScheduler(cfg, types.ModeCrypto, gw, candles, stratCfg, orders, positions, dailyLossLimit, logger, eventHub, sessionMetrics),
		types.ModeEquities: newScheduler(cfg, types.ModeEquities, gw, candles, stratCfg, orders, positions, dailyLossLimit, logger, eventHub, sessionMetrics),
	}

	apiServer := api.NewServer(api.Deps{
		Addr:        cfg.API.Addr,
		Gateway:     gw,
		Account:     acctCache,
		Positions:   positions,
		Orders:      orders,
		Candles:     candles,
		Metrics:     sessionMetrics,
		Hub:         eventHub,
		Schedulers:  schedulers,
		StrategyCfg: map[types.MarketMode]strategy.Config{types.ModeCrypto: stratCfg, types.ModeEquities: stratCfg},
		SymbolModes: symbolModes,
		Logger:      logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go acctCache.Run(ctx)
	for _, mode := range []types.MarketMode{types.ModeCrypto, types.ModeEquities} {
		go ingestMarketData(ctx, gw, candles, orders, symbolsForMode(cfg, mode), mode, logger)
	}

	if cfg.API.Enabled {
		if err := apiServer.Start(ctx); err != nil {
			logger.Error("api server failed to start", "err", err)
			return exitFatal
		}
	}

	// Scheduler loops start through the API Facade's own StartMode, the same
	// bookkeeping POST /api/trading/start|stop uses, so a later HTTP call
	// against a mode already running here is a safe idempotent no-op rather
	// than a second goroutine racing the first onto the same Scheduler.
	for _, mode := range []types.MarketMode{types.ModeCrypto, types.ModeEquities} {
		if err := apiServer.StartMode(mode); err != nil {
			logger.Error("failed to start scheduler", "mode", mode, "err", err)
		}
	}
	if notifier != nil {
		allSymbols := append(append([]string{}, cfg.Crypto.Symbols...), cfg.Equities.Symbols...)
		_ = notifier.NotifySessionStart(context.Background(), cfg.RolloutMode, allSymbols)
	}

	logger.Info("scalper running", "addr", cfg.API.Addr)
	<-sigCh
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Order.ShutdownGraceSeconds)
	defer shutdownCancel()
	cancel()
	if cfg.API.Enabled {
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("api shutdown error", "err", err)
		}
	}

	snap := sessionMetrics.Snapshot()
	logger.Info("session complete", "trades", snap.TradesCount, "total_pnl", snap.TotalPnL.String())
	if notifier != nil {
		pnl, _ := snap.TotalPnL.Float64()
		_ = notifier.NotifyDailySummary(context.Background(), pnl, snap.TradesCount, snap.Wins, snap.Losses)
	}
	return exitOK
}

func newLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func strategyConfigFromYAML(s config.StrategyConfig) strategy.Config {
	return strategy.Config{
		RSIPeriod:               s.Stoch.RSIPeriod,
		StochPeriod:             s.Stoch.StochPeriod,
		KSmooth:                 s.Stoch.KSmooth,
		DSmooth:                 s.Stoch.DSmooth,
		OversoldUpper:           s.Stoch.OversoldUpper,
		OverboughtLower:         s.Stoch.OverboughtLower,
		EMAFast:                 s.EMA.Fast,
		EMASlow:                 s.EMA.Slow,
		VolumeEnabled:           s.Volume.Enabled,
		VolumeRatio:             s.Volume.Ratio,
		ATRPeriod:               s.ATRPeriod,
		VolSMAPeriod:            s.VolSMAPeriod,
		SlopeLookback:           s.SlopeLookback,
		DynamicBandsEnabled:     s.DynamicBands.Enabled,
		DynamicBandsSensitivity: s.DynamicBands.Sensitivity,
		DynamicBandsBaseWindow:  s.DynamicBands.BaseWindow,
	}
}

func newScheduler(cfg config.Config, mode types.MarketMode, gw broker.Gateway, candles *candle.Registry, stratCfg strategy.Config, orders *order.Manager, positions *position.Tracker, dailyLossLimit decimal.NullDecimal, logger *slog.Logger, eventHub *hub.Hub, sessionMetrics *metrics.Collector) *scheduler.Scheduler {
	mc := cfg.Equities
	if mode == types.ModeCrypto {
		mc = cfg.Crypto
	}
	symbols := make([]types.Symbol, len(mc.Symbols))
	for i, s := range mc.Symbols {
		symbols[i] = types.Canonicalize(s)
	}

	sched := scheduler.New(scheduler.Config{
		Mode:            mode,
		TickInterval:    mc.TickInterval,
		Symbols:         symbols,
		SignalThreshold: mc.SignalThreshold,
		QueueWhenClosed: mc.QueueWhenClosed,
		MaxConcurrent:   cfg.Position.MaxConcurrent,
		SizePctEquity:   cfg.Position.SizePctEquity,
		DailyLossLimit:  dailyLossLimit,
	}, gw, candles, stratCfg, orders, positions, func() decimal.Decimal { return sessionMetrics.Snapshot().TotalPnL }, cfg.Order.ShutdownGraceSeconds, logger)

	sched.OnSignal = func(sig types.Signal) {
		eventHub.Publish(hub.Message{Type: hub.MessageSignalUpdate, Data: sig, TS: time.Now()})
	}
	sched.OnOrderResult = func(o types.Order) {
		eventHub.Publish(hub.Message{Type: hub.MessageOrderUpdate, Data: o, TS: time.Now()})
	}
	return sched
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func symbolsForMode(cfg config.Config, mode types.MarketMode) []types.Symbol {
	raw := cfg.Equities.Symbols
	if mode == types.ModeCrypto {
		raw = cfg.Crypto.Symbols
	}
	out := make([]types.Symbol, len(raw))
	for i, s := range raw {
		out[i] = types.Canonicalize(s)
	}
	return out
}

// ingestMarketData feeds the Candle Buffer and the Order Manager's
// reconciliation path from the broker's market-data/trade-updates
// websocket, reconnecting with a short backoff on disconnect. Grounded on
// the teacher's cmd/trader/main.go book-channel reconnect loop
// ("book channel closed, reconnecting...").
func ingestMarketData(ctx context.Context, gw broker.Gateway, candles *candle.Registry, orders *order.Manager, symbols []types.Symbol, mode types.MarketMode, logger *slog.Logger) {
	if len(symbols) == 0 {
		return
	}

outer:
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		events, err := gw.SubscribeMarketData(ctx, symbols, mode)
		if err != nil {
			logger.Warn("market data subscribe failed, retrying", "mode", mode, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					logger.Warn("market data channel closed, reconnecting", "mode", mode)
					continue outer
				}
				switch ev.Kind {
				case types.EventBar:
					if ev.Bar != nil {
						candles.Get(ev.Symbol).Append(*ev.Bar)
					}
				case types.EventOrderUpdate:
					if ev.Order != nil {
						orders.ApplyOrderUpdate(*ev.Order)
					}
				}
			}
		}
	}
}
