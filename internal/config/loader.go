package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies PERP_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// LoadFromEnv loads the file named by PERP_CONFIG, which may itself come from
// a .env file.
func LoadFromEnv() (*Config, error) {
	_ = godotenv.Load()
	return Load(os.Getenv("PERP_CONFIG"))
}

// applyEnvOverrides reads well-known PERP_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). The bare PORT, DATABASE_URL and REDIS_URL names are honoured first
// so platform-injected values work unchanged.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "PORT")
	setInt(&cfg.Server.Port, "PERP_SERVER_PORT")
	setDuration(&cfg.Server.ReadTimeout, "PERP_SERVER_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "PERP_SERVER_WRITE_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "PERP_SERVER_SHUTDOWN_TIMEOUT")
	setStringSlice(&cfg.Server.CORSOrigins, "PERP_SERVER_CORS_ORIGINS")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setStr(&cfg.Postgres.DSN, "PERP_POSTGRES_DSN")
	setBool(&cfg.Postgres.RunMigrations, "PERP_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "REDIS_URL")
	setStr(&cfg.Redis.URL, "PERP_REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "PERP_REDIS_CACHE_TTL")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "PERP_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PERP_S3_REGION")
	setStr(&cfg.S3.Bucket, "PERP_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PERP_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PERP_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PERP_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PERP_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "PERP_S3_PREFIX")
	setDuration(&cfg.S3.SnapshotInterval, "PERP_S3_SNAPSHOT_INTERVAL")

	// ── Engine ──
	setStr(&cfg.Engine.CollateralAsset, "PERP_ENGINE_COLLATERAL_ASSET")
	setStr(&cfg.Engine.CustodyAccount, "PERP_ENGINE_CUSTODY_ACCOUNT")
	setStr(&cfg.Engine.InsuranceAccount, "PERP_ENGINE_INSURANCE_ACCOUNT")
	setDecimal(&cfg.Engine.InitialMarginRatio, "PERP_ENGINE_INITIAL_MARGIN_RATIO")
	setDecimal(&cfg.Engine.DefaultDepth, "PERP_ENGINE_DEFAULT_DEPTH")
	setDuration(&cfg.Engine.DefaultTwapPeriod, "PERP_ENGINE_DEFAULT_TWAP_PERIOD")
	setStringSlice(&cfg.Engine.Assets, "PERP_ENGINE_ASSETS")
	setBool(&cfg.Engine.Faucet, "PERP_ENGINE_FAUCET")

	// ── Limits ──
	setDecimal(&cfg.Limits.MaxPerMarket, "PERP_LIMITS_MAX_PER_MARKET")
	setDecimal(&cfg.Limits.MaxCorrelated, "PERP_LIMITS_MAX_CORRELATED")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "PERP_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
