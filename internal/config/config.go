// Package config loads and validates runtime configuration for the scalping
// engine: a YAML file layered over compiled-in defaults, then overridden by
// environment variables following the TRADING_<SECTION>_<KEY> pattern.
// Grounded on the teacher's own config package, generalized from a single
// Polymarket maker/taker config tree to this spec's §6.4 option table.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
	StreamURL string `yaml:"stream_url"`

	DryRun      bool   `yaml:"dry_run"`
	RolloutMode string `yaml:"rollout_mode"` // dry-run | paper | live
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // text | json

	Crypto   MarketConfig   `yaml:"crypto"`
	Equities MarketConfig   `yaml:"equities"`
	Order    OrderConfig    `yaml:"order"`
	Position PositionConfig `yaml:"position"`
	Risk     RiskConfig     `yaml:"risk"`
	Candles  CandlesConfig  `yaml:"candles"`
	Strategy StrategyConfig `yaml:"strategy"`
	EventHub EventHubConfig `yaml:"event_hub"`
	API      APIConfig      `yaml:"api"`
	Notify   NotifyConfig   `yaml:"notify"`
}

// MarketConfig holds the per-market-mode knobs: tick interval, signal
// threshold, and the watchlist of symbols to scan. Duration fields here and
// in OrderConfig are time.Duration values decoded from Go duration strings
// ("1500ms", "30s") whatever the key's suffix; the YAML decoder rejects a
// bare integer such as 1500 for them.
type MarketConfig struct {
	TickInterval     time.Duration `yaml:"tick_interval_ms"`
	SignalThreshold  float64       `yaml:"signal_threshold"`
	Symbols          []string      `yaml:"symbols"`
	QueueWhenClosed  bool          `yaml:"queue_when_closed"`
}

type OrderConfig struct {
	CooldownSeconds       time.Duration `yaml:"cooldown_seconds"`
	TimeoutSeconds        time.Duration `yaml:"timeout_seconds"`
	MaxRetriesTransient   int           `yaml:"max_retries_transient"`
	ShutdownGraceSeconds  time.Duration `yaml:"shutdown_grace_seconds"`
}

type PositionConfig struct {
	MaxConcurrent  int     `yaml:"max_concurrent"`
	SizePctEquity  float64 `yaml:"size_pct_equity"`
	AllowShort     bool    `yaml:"allow_short"`
}

// RiskConfig holds the daily loss limit as a string so that "none" (the
// default meaning no halt) and a plain decimal are both valid YAML values;
// cmd/scalper parses it to decimal.Decimal and hands it to internal/scheduler.
type RiskConfig struct {
	DailyLossLimit string `yaml:"daily_loss_limit"`
}

type CandlesConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

type StochConfig struct {
	RSIPeriod      int     `yaml:"rsi_period"`
	KSmooth        int     `yaml:"k_smooth"`
	DSmooth        int     `yaml:"d_smooth"`
	StochPeriod    int     `yaml:"stoch_period"`
	OversoldUpper  float64 `yaml:"oversold_upper"`
	OverboughtLower float64 `yaml:"overbought_lower"`
}

type EMAConfig struct {
	Fast int `yaml:"fast"`
	Slow int `yaml:"slow"`
}

type VolumeConfig struct {
	Enabled bool    `yaml:"enabled"`
	Ratio   float64 `yaml:"ratio"`
}

type DynamicBandsConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Sensitivity float64 `yaml:"sensitivity"`
	BaseWindow  int     `yaml:"base_volatility_window"`
}

type StrategyConfig struct {
	Stoch         StochConfig        `yaml:"stoch"`
	EMA           EMAConfig          `yaml:"ema"`
	Volume        VolumeConfig       `yaml:"volume"`
	DynamicBands  DynamicBandsConfig `yaml:"dynamic_bands"`
	ATRPeriod     int                `yaml:"atr_period"`
	VolSMAPeriod  int                `yaml:"vol_sma_period"`
	SlopeLookback int                `yaml:"slope_lookback"`
}

type EventHubConfig struct {
	OutboxSize    int `yaml:"outbox_size"`
	RecentTrades  int `yaml:"recent_trades"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type NotifyConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

func Default() Config {
	return Config{
		BaseURL:     "https://paper-api.alpaca.markets",
		DataURL:     "https://data.alpaca.markets",
		StreamURL:   "wss://stream.data.alpaca.markets/v2",
		DryRun:      true,
		RolloutMode: "dry-run",
		LogLevel:    "info",
		LogFormat:   "text",
		Crypto: MarketConfig{
			TickInterval:    1500 * time.Millisecond,
			SignalThreshold: 0.70,
			Symbols:         []string{"BTCUSD", "ETHUSD"},
		},
		Equities: MarketConfig{
			TickInterval:    10 * time.Second,
			SignalThreshold: 0.75,
			Symbols:         []string{"AAPL", "MSFT"},
			QueueWhenClosed: false,
		},
		Order: OrderConfig{
			CooldownSeconds:      30 * time.Second,
			TimeoutSeconds:       60 * time.Second,
			MaxRetriesTransient:  3,
			ShutdownGraceSeconds: 10 * time.Second,
		},
		Position: PositionConfig{
			MaxConcurrent: 5,
			SizePctEquity: 0.005,
			AllowShort:    false,
		},
		Risk: RiskConfig{},
		Candles: CandlesConfig{
			BufferSize: 500,
		},
		Strategy: StrategyConfig{
			Stoch: StochConfig{
				RSIPeriod:       14,
				KSmooth:         3,
				DSmooth:         3,
				StochPeriod:     14,
				OversoldUpper:   35,
				OverboughtLower: 65,
			},
			EMA: EMAConfig{
				Fast: 3,
				Slow: 8,
			},
			Volume: VolumeConfig{
				Enabled: true,
				Ratio:   1.2,
			},
			DynamicBands: DynamicBandsConfig{
				Enabled:     false,
				Sensitivity: 0.5,
				BaseWindow:  100,
			},
			ATRPeriod:     14,
			VolSMAPeriod:  20,
			SlopeLookback: 3,
		},
		EventHub: EventHubConfig{
			OutboxSize:   256,
			RecentTrades: 500,
		},
		API: APIConfig{
			Enabled: true,
			Addr:    ":8080",
		},
		Notify: NotifyConfig{
			Enabled: false,
		},
	}
}

func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides selected fields from TRADING_<SECTION>_<KEY> environment
// variables, the pattern spec.md §6.4 names. Only the handful of fields an
// operator is expected to override at deploy time (credentials, base URL,
// dry-run, rollout mode, log level, daily loss limit, max concurrent
// positions) are wired; everything else is file-configured.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("TRADING_BROKER_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("TRADING_BROKER_API_SECRET"); v != "" {
		c.APISecret = v
	}
	if v := os.Getenv("TRADING_BROKER_BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("TRADING_RUNTIME_DRY_RUN")); v != "" {
		c.DryRun = strings.EqualFold(v, "true") || v == "1"
	}
	if v := strings.TrimSpace(os.Getenv("TRADING_RUNTIME_ROLLOUT_MODE")); v != "" {
		c.RolloutMode = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("TRADING_RUNTIME_LOG_LEVEL")); v != "" {
		c.LogLevel = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("TRADING_RISK_DAILY_LOSS_LIMIT")); v != "" {
		c.Risk.DailyLossLimit = v
	}
	if v := strings.TrimSpace(os.Getenv("TRADING_POSITION_MAX_CONCURRENT")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Position.MaxConcurrent = n
		}
	}
}
