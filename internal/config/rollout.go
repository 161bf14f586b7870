package config

import (
	"fmt"
	"strings"
)

// ApplyRolloutPhase applies a staged rollout preset to the config, unifying
// this system's dry_run flag and broker-mode selection into one knob the way
// the teacher's own rollout phases did for Polymarket's paper/shadow/live
// stages. Supported phases:
//   - dry-run: no orders are submitted; the gateway echoes synthetic acks.
//   - paper:   orders submitted against the broker's paper base URL.
//   - live:    orders submitted against the broker's live base URL.
//   - live-small: live mode with conservative size/position caps.
func ApplyRolloutPhase(cfg *Config, phase string) error {
	p := strings.ToLower(strings.TrimSpace(phase))
	if p == "" {
		return nil
	}

	switch p {
	case "dry-run":
		cfg.RolloutMode = "dry-run"
		cfg.DryRun = true
	case "paper":
		cfg.RolloutMode = "paper"
		cfg.DryRun = false
		cfg.BaseURL = "https://paper-api.alpaca.markets"
	case "live-small", "small":
		cfg.RolloutMode = "live"
		cfg.DryRun = false
		cfg.BaseURL = "https://api.alpaca.markets"
		clampMaxInt(&cfg.Position.MaxConcurrent, 2)
		clampMaxFloat(&cfg.Position.SizePctEquity, 0.002)
	case "live":
		cfg.RolloutMode = "live"
		cfg.DryRun = false
		cfg.BaseURL = "https://api.alpaca.markets"
	default:
		return fmt.Errorf("unknown rollout phase %q (supported: dry-run|paper|live-small|live)", phase)
	}

	return nil
}

func clampMaxFloat(v *float64, max float64) {
	if max <= 0 {
		return
	}
	if *v <= 0 || *v > max {
		*v = max
	}
}

func clampMaxInt(v *int, max int) {
	if max <= 0 {
		return
	}
	if *v <= 0 || *v > max {
		*v = max
	}
}
