package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleYAML = `
symbols: ["BTCUSDT", "ETHUSDT"]
auth:
  api_key_secret: "file-secret"
server:
  snapshot_hz: 8
dry_run:
  stop_loss_bps: 50
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Auth.APIKeySecret != "file-secret" {
		t.Errorf("APIKeySecret = %q", cfg.Auth.APIKeySecret)
	}
	if cfg.Server.SnapshotHz != 8 {
		t.Errorf("SnapshotHz = %v, want file value", cfg.Server.SnapshotHz)
	}
	if cfg.Upstream.RestHost != "fapi.binance.com" {
		t.Errorf("RestHost default = %q", cfg.Upstream.RestHost)
	}
	if cfg.HTF.ATRPeriod != 14 || cfg.DryRun.EventIntervalMs != 250 {
		t.Errorf("defaults not applied: atr=%d interval=%d", cfg.HTF.ATRPeriod, cfg.DryRun.EventIntervalMs)
	}
	if cfg.Decision.Mode != "local" {
		t.Errorf("Decision.Mode default = %q", cfg.Decision.Mode)
	}
}

func TestPlainEnvOverrides(t *testing.T) {
	t.Setenv("API_KEY_SECRET", "env-secret")
	t.Setenv("ALLOW_LOCALHOST_NO_AUTH", "true")
	t.Setenv("HTF_ATR_PERIOD", "21")
	t.Setenv("DRY_RUN_STOP_LOSS_BPS", "75")
	t.Setenv("DECISION_MODE", "ai")

	cfg, err := Load(writeConfig(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Auth.APIKeySecret != "env-secret" {
		t.Errorf("APIKeySecret = %q, want env override", cfg.Auth.APIKeySecret)
	}
	if !cfg.Auth.AllowLocalhostNoAuth {
		t.Error("AllowLocalhostNoAuth not overridden")
	}
	if cfg.HTF.ATRPeriod != 21 {
		t.Errorf("ATRPeriod = %d, want 21", cfg.HTF.ATRPeriod)
	}
	if cfg.DryRun.StopLossBps != 75 {
		t.Errorf("StopLossBps = %v, want 75", cfg.DryRun.StopLossBps)
	}
	if cfg.Decision.Mode != "ai" {
		t.Errorf("Decision.Mode = %q, want ai", cfg.Decision.Mode)
	}
}

func TestValidateRejects(t *testing.T) {
	base := func(t *testing.T) Config {
		cfg, err := Load(writeConfig(t))
		if err != nil {
			t.Fatal(err)
		}
		return cfg
	}

	cfg := base(t)
	cfg.Auth.APIKeySecret = ""
	if err := cfg.Validate(); err == nil {
		t.Error("missing api_key_secret must fail validation")
	}

	cfg = base(t)
	cfg.Symbols = nil
	if err := cfg.Validate(); err == nil {
		t.Error("empty symbols must fail validation")
	}

	cfg = base(t)
	cfg.Symbols = []string{"btcusdt"}
	if err := cfg.Validate(); err == nil {
		t.Error("lowercase symbol must fail validation")
	}

	cfg = base(t)
	cfg.Server.SnapshotHz = 30
	if err := cfg.Validate(); err == nil {
		t.Error("snapshot_hz above 20 must fail validation")
	}

	cfg = base(t)
	cfg.Decision.Mode = "hybrid"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown decision mode must fail validation")
	}
}
