package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if got := cfg.Engine.TwapPeriodSeconds(); got != 3600 {
		t.Errorf("default twap period = %d, want 3600", got)
	}
}

func TestLoad_FileMergesOntoDefaults(t *testing.T) {
	for _, k := range []string{"PORT", "PERP_SERVER_PORT", "PERP_LOG_LEVEL", "PERP_ENGINE_INITIAL_MARGIN_RATIO"} {
		t.Setenv(k, "")
	}
	path := filepath.Join(t.TempDir(), "perp.toml")
	body := `
log_level = "debug"

[server]
port = 9090
shutdown_timeout = "15s"

[engine]
initial_margin_ratio = "0.05"
default_twap_period = "15m"
assets = ["BTC", "ETH"]

[engine.index_prices]
BTC = "65000"
ETH = "3200.5"

[limits]
max_per_market = "1000000"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ShutdownTimeout.Duration != 15*time.Second {
		t.Errorf("shutdown timeout = %s", cfg.Server.ShutdownTimeout.Duration)
	}
	// Untouched fields keep their defaults.
	if cfg.Server.ReadTimeout.Duration != 10*time.Second {
		t.Errorf("read timeout = %s, want default 10s", cfg.Server.ReadTimeout.Duration)
	}
	if cfg.Engine.CollateralAsset != "USDC" {
		t.Errorf("collateral asset = %q, want default USDC", cfg.Engine.CollateralAsset)
	}
	if !cfg.Engine.InitialMarginRatio.Equal(decimal.RequireFromString("0.05")) {
		t.Errorf("margin ratio = %s", cfg.Engine.InitialMarginRatio)
	}
	if cfg.Engine.TwapPeriodSeconds() != 900 {
		t.Errorf("twap period = %d, want 900", cfg.Engine.TwapPeriodSeconds())
	}
	if !cfg.Engine.IndexPrices["ETH"].Equal(decimal.RequireFromString("3200.5")) {
		t.Errorf("ETH index price = %s", cfg.Engine.IndexPrices["ETH"])
	}
	if !cfg.Limits.MaxPerMarket.Equal(decimal.NewFromInt(1_000_000)) {
		t.Errorf("max per market = %s", cfg.Limits.MaxPerMarket)
	}
	if cfg.SlogLevel().String() != "DEBUG" {
		t.Errorf("log level = %s, want DEBUG", cfg.SlogLevel())
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7000")
	t.Setenv("PERP_SERVER_PORT", "7001")
	t.Setenv("DATABASE_URL", "postgres://localhost/perp")
	t.Setenv("PERP_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("PERP_ENGINE_INITIAL_MARGIN_RATIO", "0.2")
	t.Setenv("PERP_ENGINE_ASSETS", " BTC , ,ETH")
	t.Setenv("PERP_ENGINE_FAUCET", "true")
	t.Setenv("PERP_S3_SNAPSHOT_INTERVAL", "10m")
	t.Setenv("PERP_LIMITS_MAX_CORRELATED", "not-a-number")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 7001 {
		t.Errorf("PERP_SERVER_PORT should win over PORT, got %d", cfg.Server.Port)
	}
	if cfg.Postgres.DSN != "postgres://localhost/perp" {
		t.Errorf("dsn = %q", cfg.Postgres.DSN)
	}
	if cfg.Redis.URL != "redis://localhost:6379/0" {
		t.Errorf("redis url = %q", cfg.Redis.URL)
	}
	if !cfg.Engine.InitialMarginRatio.Equal(decimal.RequireFromString("0.2")) {
		t.Errorf("margin ratio = %s", cfg.Engine.InitialMarginRatio)
	}
	if strings.Join(cfg.Engine.Assets, ",") != "BTC,ETH" {
		t.Errorf("assets = %v", cfg.Engine.Assets)
	}
	if !cfg.Engine.Faucet {
		t.Error("faucet should be enabled")
	}
	if cfg.S3.SnapshotInterval.Duration != 10*time.Minute {
		t.Errorf("snapshot interval = %s", cfg.S3.SnapshotInterval.Duration)
	}
	// Unparseable values leave the field alone.
	if !cfg.Limits.MaxCorrelated.IsZero() {
		t.Errorf("max correlated = %s, want 0", cfg.Limits.MaxCorrelated)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"port", func(c *Config) { c.Server.Port = 70000 }, "server: port"},
		{"redis without postgres", func(c *Config) { c.Redis.URL = "redis://x" }, "requires postgres.dsn"},
		{"s3 without region", func(c *Config) { c.S3.Bucket = "b"; c.S3.Region = "" }, "s3: region"},
		{"no collateral", func(c *Config) { c.Engine.CollateralAsset = "" }, "collateral_asset"},
		{"no custody", func(c *Config) { c.Engine.CustodyAccount = "" }, "custody_account"},
		{"no insurance", func(c *Config) { c.Engine.InsuranceAccount = "" }, "insurance_account"},
		{"insurance is custody", func(c *Config) { c.Engine.InsuranceAccount = "clearing-house" }, "insurance_account"},
		{"zero margin", func(c *Config) { c.Engine.InitialMarginRatio = decimal.Zero }, "initial_margin_ratio"},
		{"margin above one", func(c *Config) { c.Engine.InitialMarginRatio = decimal.NewFromInt(2) }, "initial_margin_ratio"},
		{"fractional depth", func(c *Config) { c.Engine.DefaultDepth = decimal.RequireFromString("1.5") }, "default_depth"},
		{"sub-second twap", func(c *Config) { c.Engine.DefaultTwapPeriod = duration{time.Millisecond} }, "default_twap_period"},
		{"zero index price", func(c *Config) {
			c.Engine.IndexPrices = map[string]decimal.Decimal{"BTC": decimal.Zero}
		}, "index price for BTC"},
		{"negative limit", func(c *Config) { c.Limits.MaxPerMarket = decimal.NewFromInt(-1) }, "max_per_market"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}
