package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const minimalYAML = `
symbols:
  whitelist: [BTC, ETH]
exchanges:
  exchange_a: {}
  exchange_b: {}
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.CycleInterval != 60*time.Second {
		t.Fatalf("cycle interval default: %v", cfg.Engine.CycleInterval)
	}
	if cfg.Engine.DefaultNotionalEUR != 1000 {
		t.Fatalf("notional default: %v", cfg.Engine.DefaultNotionalEUR)
	}
	if cfg.Execution.DryRun == nil || !*cfg.Execution.DryRun {
		t.Fatalf("dry run must default to true")
	}
	if cfg.Execution.NotionalTolerancePct != 1 {
		t.Fatalf("tolerance default: %v", cfg.Execution.NotionalTolerancePct)
	}
	if cfg.Risk.MaxDailyDrawdownEUR != 200 || cfg.Risk.CautionDrawdownEUR != 100 {
		t.Fatalf("drawdown defaults: %v/%v", cfg.Risk.MaxDailyDrawdownEUR, cfg.Risk.CautionDrawdownEUR)
	}
	if cfg.Tiers.Safe.MinProfitBps != 25 || cfg.Tiers.High.MaxPositions != 0 {
		t.Fatalf("tier defaults: %+v", cfg.Tiers)
	}
	for name, ex := range cfg.Exchanges {
		if ex.Enabled == nil || !*ex.Enabled {
			t.Fatalf("exchange %s must default to enabled", name)
		}
		if ex.Purpose != PurposeBoth {
			t.Fatalf("exchange %s purpose default: %q", name, ex.Purpose)
		}
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML+`
engine:
  cycle_interval: 30s
  default_notional_eur: 500
execution:
  dry_run: false
  notional_tolerance_pct: 2
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.CycleInterval != 30*time.Second || cfg.Engine.DefaultNotionalEUR != 500 {
		t.Fatalf("overrides lost: %+v", cfg.Engine)
	}
	if *cfg.Execution.DryRun {
		t.Fatalf("dry_run false override lost")
	}
	if cfg.Execution.NotionalTolerancePct != 2 {
		t.Fatalf("tolerance override lost: %v", cfg.Execution.NotionalTolerancePct)
	}
}

func TestValidateRejectsMissingWhitelist(t *testing.T) {
	if _, err := Load(writeConfig(t, `
exchanges:
  exchange_a: {}
  exchange_b: {}
`)); err == nil {
		t.Fatalf("expected error without a symbol whitelist")
	}
}

func TestValidateRequiresTwoEnabledExchanges(t *testing.T) {
	if _, err := Load(writeConfig(t, `
symbols:
  whitelist: [BTC]
exchanges:
  exchange_a: {}
  exchange_b:
    enabled: false
`)); err == nil {
		t.Fatalf("expected error with fewer than two enabled exchanges")
	}
}

func TestValidateRejectsBadPurpose(t *testing.T) {
	if _, err := Load(writeConfig(t, `
symbols:
  whitelist: [BTC]
exchanges:
  exchange_a:
    purpose: sideways
  exchange_b: {}
`)); err == nil {
		t.Fatalf("expected error for unknown purpose")
	}
}

func TestValidateRejectsCautionAboveMax(t *testing.T) {
	if _, err := Load(writeConfig(t, minimalYAML+`
risk:
  caution_drawdown_eur: 300
  max_daily_drawdown_eur: 200
`)); err == nil {
		t.Fatalf("expected error when caution >= max drawdown")
	}
}

func TestTierFor(t *testing.T) {
	tiers := TierConfigs{
		Safe:   TierConfig{MinProfitBps: 25},
		Medium: TierConfig{MinProfitBps: 35},
		High:   TierConfig{MinProfitBps: 50},
	}
	if got := tiers.TierFor("medium").MinProfitBps; got != 35 {
		t.Fatalf("medium: %v", got)
	}
	if got := tiers.TierFor("HIGH").MinProfitBps; got != 50 {
		t.Fatalf("case-insensitive high: %v", got)
	}
	if got := tiers.TierFor("unknown").MinProfitBps; got != 25 {
		t.Fatalf("unknown falls back to safe: %v", got)
	}
}
