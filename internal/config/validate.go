package config

import (
	"fmt"
	"strings"
)

// Validate checks high-impact runtime configuration constraints, returning a
// ConfigError-shaped descriptive error (fatal at startup per spec.md §7) on
// the first violation found.
func (c Config) Validate() error {
	mode := strings.ToLower(strings.TrimSpace(c.RolloutMode))
	if mode != "" && mode != "dry-run" && mode != "paper" && mode != "live" {
		return fmt.Errorf("rollout_mode must be 'dry-run', 'paper', or 'live', got %q", c.RolloutMode)
	}

	if c.Crypto.TickInterval <= 0 {
		return fmt.Errorf("crypto.tick_interval_ms must be > 0, got %s", c.Crypto.TickInterval)
	}
	if c.Equities.TickInterval <= 0 {
		return fmt.Errorf("equities.tick_interval_ms must be > 0, got %s", c.Equities.TickInterval)
	}
	if c.Crypto.SignalThreshold < 0 || c.Crypto.SignalThreshold > 1 {
		return fmt.Errorf("crypto.signal_threshold must be within [0,1], got %f", c.Crypto.SignalThreshold)
	}
	if c.Equities.SignalThreshold < 0 || c.Equities.SignalThreshold > 1 {
		return fmt.Errorf("equities.signal_threshold must be within [0,1], got %f", c.Equities.SignalThreshold)
	}

	if c.Order.CooldownSeconds < 0 {
		return fmt.Errorf("order.cooldown_seconds must be >= 0, got %s", c.Order.CooldownSeconds)
	}
	if c.Order.TimeoutSeconds <= 0 {
		return fmt.Errorf("order.timeout_seconds must be > 0, got %s", c.Order.TimeoutSeconds)
	}
	if c.Order.MaxRetriesTransient < 0 {
		return fmt.Errorf("order.max_retries_transient must be >= 0, got %d", c.Order.MaxRetriesTransient)
	}
	if c.Order.ShutdownGraceSeconds <= 0 {
		return fmt.Errorf("order.shutdown_grace_seconds must be > 0, got %s", c.Order.ShutdownGraceSeconds)
	}

	if c.Position.MaxConcurrent <= 0 {
		return fmt.Errorf("position.max_concurrent must be > 0, got %d", c.Position.MaxConcurrent)
	}
	if c.Position.SizePctEquity <= 0 || c.Position.SizePctEquity > 1 {
		return fmt.Errorf("position.size_pct_equity must be within (0,1], got %f", c.Position.SizePctEquity)
	}

	if c.Candles.BufferSize <= 0 {
		return fmt.Errorf("candles.buffer_size must be > 0, got %d", c.Candles.BufferSize)
	}

	s := c.Strategy
	if s.Stoch.RSIPeriod <= 0 || s.Stoch.StochPeriod <= 0 || s.Stoch.KSmooth <= 0 || s.Stoch.DSmooth <= 0 {
		return fmt.Errorf("strategy.stoch periods must all be > 0")
	}
	if s.Stoch.OversoldUpper <= 0 || s.Stoch.OversoldUpper >= s.Stoch.OverboughtLower {
		return fmt.Errorf("strategy.stoch.oversold_upper must be > 0 and < overbought_lower")
	}
	if s.EMA.Fast <= 0 || s.EMA.Slow <= 0 || s.EMA.Fast >= s.EMA.Slow {
		return fmt.Errorf("strategy.ema.fast must be > 0 and < strategy.ema.slow")
	}
	if s.Volume.Ratio <= 0 {
		return fmt.Errorf("strategy.volume.ratio must be > 0, got %f", s.Volume.Ratio)
	}
	if s.DynamicBands.Sensitivity < 0 {
		return fmt.Errorf("strategy.dynamic_bands.sensitivity must be >= 0, got %f", s.DynamicBands.Sensitivity)
	}

	if c.EventHub.OutboxSize <= 0 {
		return fmt.Errorf("event_hub.outbox_size must be > 0, got %d", c.EventHub.OutboxSize)
	}
	if c.EventHub.RecentTrades <= 0 {
		return fmt.Errorf("event_hub.recent_trades must be > 0, got %d", c.EventHub.RecentTrades)
	}

	if c.RolloutMode != "dry-run" && c.APIKey == "" {
		return fmt.Errorf("api_key is required outside dry-run mode")
	}

	return nil
}
