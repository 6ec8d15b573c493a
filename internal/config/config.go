// Package config defines all configuration for the telemetry service.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// overrides via PERPFLOW_* env vars plus the documented plain env vars
// (API_KEY_SECRET, READONLY_VIEW_TOKEN, HTF_*, DRY_RUN_*, DECISION_MODE).
// The struct is read once at startup and passed by value; nothing mutates
// it afterwards.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Symbols  []string       `mapstructure:"symbols"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	HTF      HTFConfig      `mapstructure:"htf"`
	DryRun   DryRunConfig   `mapstructure:"dry_run"`
	Decision DecisionConfig `mapstructure:"decision"`
	Store    StoreConfig    `mapstructure:"store"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// UpstreamConfig names the exchange hosts. The dry-run engine refuses any
// hosts other than the Binance futures mainnet pair, so these exist mainly
// to make the guard visible in one place.
type UpstreamConfig struct {
	RestHost   string `mapstructure:"rest_host"`
	StreamHost string `mapstructure:"stream_host"`
}

// ServerConfig controls the HTTP + WebSocket API server.
//
//   - SnapshotHz: telemetry frame cadence per symbol, clamped to [4, 20].
//   - SendBuffer: per-client outbound queue before backpressure drops
//     metrics frames.
type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	SnapshotHz     float64  `mapstructure:"snapshot_hz"`
	SendBuffer     int      `mapstructure:"send_buffer"`
}

// AuthConfig holds the API auth material and relaxation switches.
//
//   - APIKeySecret: the bearer secret. Required; startup fails without it.
//   - ReadonlyViewToken: optional viewer token limited to read-only verbs.
//   - AllowLocalhostNoAuth: loopback requests skip auth entirely.
//   - AllowPublicMarketData: market-data-only endpoints skip auth.
//   - ExternalReadonlyMode: non-loopback requests are forced to viewer
//     privileges even with a valid bearer.
type AuthConfig struct {
	APIKeySecret          string `mapstructure:"api_key_secret"`
	ReadonlyViewToken     string `mapstructure:"readonly_view_token"`
	AllowLocalhostNoAuth  bool   `mapstructure:"allow_localhost_no_auth"`
	AllowPublicMarketData bool   `mapstructure:"allow_public_market_data"`
	ExternalReadonlyMode  bool   `mapstructure:"external_readonly_mode"`
}

// HTFConfig tunes higher-timeframe kline backfill and structure analysis.
type HTFConfig struct {
	RefreshMs       int64 `mapstructure:"refresh_ms"`
	BarsLimit       int   `mapstructure:"bars_limit"`
	ATRPeriod       int   `mapstructure:"atr_period"`
	SwingLookback   int   `mapstructure:"swing_lookback"`
	RetryIntervalMs int64 `mapstructure:"retry_interval_ms"`
}

// DryRunConfig tunes the paper-execution sessions.
type DryRunConfig struct {
	EventIntervalMs       int64   `mapstructure:"event_interval_ms"`
	Depth                 int     `mapstructure:"depth"`
	TakeProfitBps         float64 `mapstructure:"take_profit_bps"`
	StopLossBps           float64 `mapstructure:"stop_loss_bps"`
	CooldownMs            int64   `mapstructure:"cooldown_ms"`
	HeartbeatMs           int64   `mapstructure:"heartbeat_ms"`
	LogTail               int     `mapstructure:"log_tail"`
	ManualOrderQty        float64 `mapstructure:"manual_order_qty"`
	InitialWalletBalance  float64 `mapstructure:"initial_wallet_balance"`
	InitialMarginBalance  float64 `mapstructure:"initial_margin_balance"`
	MaintenanceMarginRate float64 `mapstructure:"maintenance_margin_rate"`
	TakerFeeRate          float64 `mapstructure:"taker_fee_rate"`
	MakerFeeRate          float64 `mapstructure:"maker_fee_rate"`
	FundingIntervalMs     int64   `mapstructure:"funding_interval_ms"`
}

// DecisionConfig selects the decision source for AI sessions.
// Mode is "local" (rule-based orchestrator only) or "ai" (external plan
// source consulted, falling back to HOLD on any failure). Endpoint is the
// plan service URL; empty means AI sessions hold unless started localOnly.
type DecisionConfig struct {
	Mode      string `mapstructure:"mode"`
	Endpoint  string `mapstructure:"endpoint"`
	TimeoutMs int64  `mapstructure:"timeout_ms"`
}

// StoreConfig sets where session files and JSONL archives are persisted.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("PERPFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("upstream.rest_host", "fapi.binance.com")
	v.SetDefault("upstream.stream_host", "fstream.binance.com")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.snapshot_hz", 10.0)
	v.SetDefault("server.send_buffer", 256)
	v.SetDefault("htf.refresh_ms", 60_000)
	v.SetDefault("htf.bars_limit", 500)
	v.SetDefault("htf.atr_period", 14)
	v.SetDefault("htf.swing_lookback", 2)
	v.SetDefault("htf.retry_interval_ms", 30_000)
	v.SetDefault("dry_run.event_interval_ms", 250)
	v.SetDefault("dry_run.depth", 20)
	v.SetDefault("dry_run.heartbeat_ms", 5_000)
	v.SetDefault("dry_run.log_tail", 200)
	v.SetDefault("dry_run.manual_order_qty", 0.01)
	v.SetDefault("dry_run.initial_wallet_balance", 5_000)
	v.SetDefault("dry_run.initial_margin_balance", 1_000)
	v.SetDefault("dry_run.maintenance_margin_rate", 0.004)
	v.SetDefault("dry_run.taker_fee_rate", 0.0004)
	v.SetDefault("dry_run.maker_fee_rate", 0.0002)
	v.SetDefault("dry_run.funding_interval_ms", int64(8*60*60*1000))
	v.SetDefault("decision.mode", "local")
	v.SetDefault("decision.timeout_ms", 2_000)
	v.SetDefault("store.data_dir", "./data")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// applyEnvOverrides folds the documented plain (unprefixed) env vars over
// the file values. These exist for operator convenience and deployment
// parity; PERPFLOW_* prefixed vars also work via viper.
func applyEnvOverrides(cfg *Config) {
	if s := os.Getenv("API_KEY_SECRET"); s != "" {
		cfg.Auth.APIKeySecret = s
	}
	if s := os.Getenv("READONLY_VIEW_TOKEN"); s != "" {
		cfg.Auth.ReadonlyViewToken = s
	}
	envBool("ALLOW_LOCALHOST_NO_AUTH", &cfg.Auth.AllowLocalhostNoAuth)
	envBool("ALLOW_PUBLIC_MARKET_DATA", &cfg.Auth.AllowPublicMarketData)
	envBool("EXTERNAL_READONLY_MODE", &cfg.Auth.ExternalReadonlyMode)

	envInt64("HTF_REFRESH_MS", &cfg.HTF.RefreshMs)
	envInt("HTF_BARS_LIMIT", &cfg.HTF.BarsLimit)
	envInt("HTF_ATR_PERIOD", &cfg.HTF.ATRPeriod)
	envInt("HTF_SWING_LOOKBACK", &cfg.HTF.SwingLookback)

	envInt64("DRY_RUN_EVENT_INTERVAL_MS", &cfg.DryRun.EventIntervalMs)
	envInt("DRY_RUN_DEPTH", &cfg.DryRun.Depth)
	envFloat("DRY_RUN_TAKE_PROFIT_BPS", &cfg.DryRun.TakeProfitBps)
	envFloat("DRY_RUN_STOP_LOSS_BPS", &cfg.DryRun.StopLossBps)
	envInt64("DRY_RUN_COOLDOWN_MS", &cfg.DryRun.CooldownMs)
	envInt64("DRY_RUN_HEARTBEAT_MS", &cfg.DryRun.HeartbeatMs)
	envInt("DRY_RUN_LOG_TAIL", &cfg.DryRun.LogTail)

	if s := os.Getenv("DECISION_MODE"); s != "" {
		cfg.Decision.Mode = s
	}
	if s := os.Getenv("DECISION_ENDPOINT"); s != "" {
		cfg.Decision.Endpoint = s
	}
}

func envBool(name string, dst *bool) {
	switch os.Getenv(name) {
	case "true", "1":
		*dst = true
	case "false", "0":
		*dst = false
	}
}

func envInt(name string, dst *int) {
	if s := os.Getenv(name); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			*dst = n
		}
	}
}

func envInt64(name string, dst *int64) {
	if s := os.Getenv(name); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envFloat(name string, dst *float64) {
	if s := os.Getenv(name); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			*dst = f
		}
	}
}

// Validate checks all required fields and value ranges.
func (c Config) Validate() error {
	if c.Auth.APIKeySecret == "" {
		return fmt.Errorf("auth.api_key_secret is required (set API_KEY_SECRET)")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("symbols must list at least one market")
	}
	for _, s := range c.Symbols {
		if s == "" || s != strings.ToUpper(s) {
			return fmt.Errorf("symbols entries must be uppercase, got %q", s)
		}
	}
	if c.Server.SnapshotHz < 4 || c.Server.SnapshotHz > 20 {
		return fmt.Errorf("server.snapshot_hz must be within [4, 20], got %v", c.Server.SnapshotHz)
	}
	if c.HTF.ATRPeriod <= 0 {
		return fmt.Errorf("htf.atr_period must be > 0")
	}
	if c.HTF.BarsLimit <= c.HTF.ATRPeriod {
		return fmt.Errorf("htf.bars_limit must exceed htf.atr_period")
	}
	if c.DryRun.EventIntervalMs <= 0 {
		return fmt.Errorf("dry_run.event_interval_ms must be > 0")
	}
	if c.DryRun.InitialWalletBalance <= 0 {
		return fmt.Errorf("dry_run.initial_wallet_balance must be > 0")
	}
	switch c.Decision.Mode {
	case "local", "ai":
	default:
		return fmt.Errorf("decision.mode must be local or ai, got %q", c.Decision.Mode)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}
