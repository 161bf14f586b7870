package config

import "testing"

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults should validate cleanly: %v", err)
	}
}

func TestValidateRejectsBadRolloutMode(t *testing.T) {
	cfg := Default()
	cfg.RolloutMode = "yolo"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for invalid rollout_mode")
	}
}

func TestValidateRejectsZeroTickInterval(t *testing.T) {
	cfg := Default()
	cfg.Crypto.TickInterval = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for zero tick interval")
	}
}

func TestValidateRequiresAPIKeyOutsideDryRun(t *testing.T) {
	cfg := Default()
	cfg.RolloutMode = "paper"
	cfg.APIKey = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for missing api key outside dry-run")
	}
}

func TestValidateRejectsOversoldAboveOverbought(t *testing.T) {
	cfg := Default()
	cfg.Strategy.Stoch.OversoldUpper = 90
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error when oversold_upper exceeds overbought_lower")
	}
}
