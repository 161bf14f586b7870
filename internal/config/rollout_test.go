package config

import "testing"

func TestApplyRolloutPhaseDryRun(t *testing.T) {
	cfg := Default()
	if err := ApplyRolloutPhase(&cfg, "dry-run"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.DryRun {
		t.Fatalf("expected dry_run mode to set DryRun=true")
	}
}

func TestApplyRolloutPhaseLiveSmallClamps(t *testing.T) {
	cfg := Default()
	cfg.Position.MaxConcurrent = 20
	cfg.Position.SizePctEquity = 0.5
	if err := ApplyRolloutPhase(&cfg, "live-small"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Position.MaxConcurrent != 2 {
		t.Fatalf("expected clamp to 2, got %d", cfg.Position.MaxConcurrent)
	}
	if cfg.Position.SizePctEquity != 0.002 {
		t.Fatalf("expected clamp to 0.002, got %f", cfg.Position.SizePctEquity)
	}
	if cfg.DryRun {
		t.Fatalf("live-small must disable dry_run")
	}
}

func TestApplyRolloutPhaseUnknown(t *testing.T) {
	cfg := Default()
	if err := ApplyRolloutPhase(&cfg, "bogus"); err == nil {
		t.Fatalf("expected error for unknown phase")
	}
}

func TestApplyRolloutPhaseEmptyIsNoop(t *testing.T) {
	cfg := Default()
	beforeDryRun, beforeMode := cfg.DryRun, cfg.RolloutMode
	if err := ApplyRolloutPhase(&cfg, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DryRun != beforeDryRun || cfg.RolloutMode != beforeMode {
		t.Fatalf("empty phase must not mutate config")
	}
}
