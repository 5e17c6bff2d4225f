package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_AppliesDefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
app:
  mode: shadow
risk:
  max_error_rate: 0.08
  stale_lob: 2s
intent:
  side: SELL
  deadline: 1200ms
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.App.Mode != ModeShadow {
		t.Errorf("expected mode shadow, got %s", cfg.App.Mode)
	}
	if cfg.Intent.Side != "sell" {
		t.Errorf("expected side to be normalised to sell, got %s", cfg.Intent.Side)
	}
	if cfg.Intent.Deadline != 1200*time.Millisecond {
		t.Errorf("unexpected deadline %s", cfg.Intent.Deadline)
	}
	if cfg.Risk.MaxErrorRate != 0.08 {
		t.Errorf("unexpected max_error_rate %v", cfg.Risk.MaxErrorRate)
	}
	if cfg.Risk.StaleLOB != 2*time.Second {
		t.Errorf("unexpected stale_lob %s", cfg.Risk.StaleLOB)
	}
	if cfg.Feature.BufferCapacity != 50 || cfg.Feature.VolWindow != 20 {
		t.Errorf("feature defaults not applied: %+v", cfg.Feature)
	}
	if cfg.Bandit.Dimension != 8 || len(cfg.Bandit.Actions) != 4 {
		t.Errorf("bandit defaults not applied: %+v", cfg.Bandit)
	}
	if cfg.Simulator.InsideFillProb != 0.5 || cfg.Simulator.EdgeFillProb != 0.3 {
		t.Errorf("simulator defaults not applied: %+v", cfg.Simulator)
	}
	if cfg.Risk.PnLTakeProfit != 999999 {
		t.Errorf("take profit should be disabled by default, got %v", cfg.Risk.PnLTakeProfit)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeConfig(t, "app:\n  environment: test\n")
	t.Setenv("EXECBANDIT_INTENT_NOTIONAL", "250")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Intent.Notional != 250 {
		t.Fatalf("expected env override 250, got %v", cfg.Intent.Notional)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestValidate_AggregatesErrors(t *testing.T) {
	path := writeConfig(t, `
app:
  mode: turbo
bandit:
  ridge: 0
intent:
  side: hold
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"app.mode", "bandit.ridge", "intent.side"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected %q in error, got %v", want, msg)
		}
	}
}

func TestValidate_LiveModeNeedsCredentials(t *testing.T) {
	path := writeConfig(t, "app:\n  mode: live\n")

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "api_key") {
		t.Fatalf("expected credentials error, got %v", err)
	}
}
