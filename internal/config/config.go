// Package config defines the perp engine configuration and its validation.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PERP_* environment variables.
// Amounts and ratios are quoted decimal strings in TOML.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Engine   EngineConfig   `toml:"engine"`
	Limits   LimitsConfig   `toml:"limits"`
	LogLevel string         `toml:"log_level"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	ReadTimeout     duration `toml:"read_timeout"`
	WriteTimeout    duration `toml:"write_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
	CORSOrigins     []string `toml:"cors_origins"`
}

// PostgresConfig holds the durable replica connection. An empty DSN selects
// the in-memory store.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds the read-through cache connection. Only used together
// with Postgres.
type RedisConfig struct {
	URL      string   `toml:"url"`
	CacheTTL duration `toml:"cache_ttl"`
}

// S3Config holds the snapshot archive bucket. An empty bucket disables the
// archive.
type S3Config struct {
	Endpoint         string   `toml:"endpoint"`
	Region           string   `toml:"region"`
	Bucket           string   `toml:"bucket"`
	AccessKey        string   `toml:"access_key"`
	SecretKey        string   `toml:"secret_key"`
	UseSSL           bool     `toml:"use_ssl"`
	ForcePathStyle   bool     `toml:"force_path_style"`
	Prefix           string   `toml:"prefix"`
	SnapshotInterval duration `toml:"snapshot_interval"`
}

// EngineConfig holds clearing house and market defaults.
type EngineConfig struct {
	CollateralAsset string `toml:"collateral_asset"`
	CustodyAccount  string `toml:"custody_account"`
	// InsuranceAccount pays realized gains and collects realized losses.
	InsuranceAccount   string          `toml:"insurance_account"`
	InitialMarginRatio decimal.Decimal `toml:"initial_margin_ratio"`
	// DefaultDepth is the base reserve of markets created without explicit
	// reserves, in raw base units.
	DefaultDepth      decimal.Decimal `toml:"default_depth"`
	DefaultTwapPeriod duration        `toml:"default_twap_period"`
	// Assets are registered with the asset ledger besides the collateral.
	Assets []string `toml:"assets"`
	// IndexPrices seeds the oracle on a fresh start.
	IndexPrices map[string]decimal.Decimal `toml:"index_prices"`
	// Faucet enables the mint endpoint.
	Faucet bool `toml:"faucet"`
}

// LimitsConfig caps notional per market and across markets sharing an
// underlying. Zero disables a cap.
type LimitsConfig struct {
	MaxPerMarket  decimal.Decimal `toml:"max_per_market"`
	MaxCorrelated decimal.Decimal `toml:"max_correlated"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the configuration used when no file or override sets a
// field.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     duration{10 * time.Second},
			WriteTimeout:    duration{10 * time.Second},
			ShutdownTimeout: duration{5 * time.Second},
			CORSOrigins:     []string{"*"},
		},
		Redis: RedisConfig{
			CacheTTL: duration{30 * time.Second},
		},
		S3: S3Config{
			Region:           "us-east-1",
			UseSSL:           true,
			Prefix:           "snapshots",
			SnapshotInterval: duration{time.Hour},
		},
		Engine: EngineConfig{
			CollateralAsset:    "USDC",
			CustodyAccount:     "clearing-house",
			InsuranceAccount:   "insurance-fund",
			InitialMarginRatio: decimal.RequireFromString("0.1"),
			DefaultDepth:       decimal.RequireFromString("1000000000000000000000"),
			DefaultTwapPeriod:  duration{time.Hour},
		},
		LogLevel: "info",
	}
}

// validLogLevels maps the accepted values for Config.LogLevel.
var validLogLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// SlogLevel returns the configured log level, info when unknown.
func (c *Config) SlogLevel() slog.Level {
	if l, ok := validLogLevels[strings.ToLower(c.LogLevel)]; ok {
		return l
	}
	return slog.LevelInfo
}

// TwapPeriodSeconds is the default twap window in whole seconds.
func (e EngineConfig) TwapPeriodSeconds() uint64 {
	return uint64(e.DefaultTwapPeriod.Duration / time.Second)
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if _, ok := validLogLevels[strings.ToLower(c.LogLevel)]; !ok {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Server
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.ShutdownTimeout.Duration <= 0 {
		errs = append(errs, "server: shutdown_timeout must be positive")
	}

	// Redis caches Postgres reads; it has nothing to wrap without it.
	if c.Redis.URL != "" && c.Postgres.DSN == "" {
		errs = append(errs, "redis: url requires postgres.dsn")
	}
	if c.Redis.URL != "" && c.Redis.CacheTTL.Duration <= 0 {
		errs = append(errs, "redis: cache_ttl must be positive")
	}

	// S3
	if c.S3.Bucket != "" {
		if c.S3.Region == "" {
			errs = append(errs, "s3: region is required when bucket is set")
		}
		if c.S3.SnapshotInterval.Duration < 0 {
			errs = append(errs, "s3: snapshot_interval must not be negative")
		}
	}

	// Engine
	e := c.Engine
	if e.CollateralAsset == "" {
		errs = append(errs, "engine: collateral_asset must not be empty")
	}
	if e.CustodyAccount == "" {
		errs = append(errs, "engine: custody_account must not be empty")
	}
	if e.InsuranceAccount == "" || e.InsuranceAccount == e.CustodyAccount {
		errs = append(errs, "engine: insurance_account must be set and differ from custody_account")
	}
	if !e.InitialMarginRatio.IsPositive() || e.InitialMarginRatio.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Sprintf("engine: initial_margin_ratio must be in (0, 1], got %s", e.InitialMarginRatio))
	}
	if !e.DefaultDepth.IsPositive() || !e.DefaultDepth.IsInteger() {
		errs = append(errs, fmt.Sprintf("engine: default_depth must be a positive integer, got %s", e.DefaultDepth))
	}
	if e.TwapPeriodSeconds() == 0 {
		errs = append(errs, "engine: default_twap_period must be at least 1s")
	}
	for asset, price := range e.IndexPrices {
		if !price.IsPositive() {
			errs = append(errs, fmt.Sprintf("engine: index price for %s must be positive, got %s", asset, price))
		}
	}

	// Limits
	if c.Limits.MaxPerMarket.IsNegative() || !c.Limits.MaxPerMarket.IsInteger() {
		errs = append(errs, "limits: max_per_market must be a non-negative integer")
	}
	if c.Limits.MaxCorrelated.IsNegative() || !c.Limits.MaxCorrelated.IsInteger() {
		errs = append(errs, "limits: max_correlated must be a non-negative integer")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
