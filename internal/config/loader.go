package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path (skipped when path is empty) over the
// defaults, loads .env if present and applies ENGINE_* environment
// overrides. The result is not validated; call Config.Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Missing .env is fine.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose ENGINE_* variable is set, so
// deployments can inject DSNs and URLs without editing the file.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "ENGINE_SERVER_PORT")
	setDuration(&cfg.Server.ReadTimeout, "ENGINE_SERVER_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "ENGINE_SERVER_WRITE_TIMEOUT")
	setDuration(&cfg.Server.IdleTimeout, "ENGINE_SERVER_IDLE_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "ENGINE_SERVER_SHUTDOWN_TIMEOUT")
	setStringSlice(&cfg.Server.CORSOrigins, "ENGINE_SERVER_CORS_ORIGINS")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "ENGINE_POSTGRES_DSN")
	setInt(&cfg.Postgres.PoolMaxConns, "ENGINE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ENGINE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ENGINE_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "ENGINE_REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "ENGINE_REDIS_CACHE_TTL")

	// ── Risk ──
	setFloat64(&cfg.Risk.PerTradePct, "ENGINE_RISK_PER_TRADE_PCT")
	setFloat64(&cfg.Risk.TotalLockPct, "ENGINE_RISK_TOTAL_LOCK_PCT")
	setFloat64(&cfg.Risk.OptionShortMarginRate, "ENGINE_RISK_OPTION_SHORT_MARGIN_RATE")
	setFloat64(&cfg.Risk.LiquidationRatio, "ENGINE_RISK_LIQUIDATION_RATIO")

	// ── Feed ──
	setStr(&cfg.Feed.URL, "ENGINE_FEED_URL")
	setDuration(&cfg.Feed.InitialBackoff, "ENGINE_FEED_INITIAL_BACKOFF")
	setDuration(&cfg.Feed.MaxBackoff, "ENGINE_FEED_MAX_BACKOFF")
	setDuration(&cfg.Feed.LivenessTimeout, "ENGINE_FEED_LIVENESS_TIMEOUT")
	setDuration(&cfg.Feed.ResyncInterval, "ENGINE_FEED_RESYNC_INTERVAL")
	setFloat64(&cfg.Feed.ControlRate, "ENGINE_FEED_CONTROL_RATE")

	// ── MTM ──
	setInt(&cfg.MTM.Shards, "ENGINE_MTM_SHARDS")
	setInt(&cfg.MTM.QueueSize, "ENGINE_MTM_QUEUE_SIZE")

	// ── Settlement ──
	setDuration(&cfg.Settlement.Interval, "ENGINE_SETTLEMENT_INTERVAL")
	setDuration(&cfg.Settlement.LockTTL, "ENGINE_SETTLEMENT_LOCK_TTL")

	// ── Notify ──
	setStr(&cfg.Notify.WebhookURL, "ENGINE_NOTIFY_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ENGINE_NOTIFY_EVENTS")
	setInt(&cfg.Notify.QueueSize, "ENGINE_NOTIFY_QUEUE_SIZE")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "ENGINE_LOG_LEVEL")
}

// Each helper mutates the target only when the variable is non-empty and
// parses; malformed values leave the previous value in place.

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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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

func setDuration(dst *Duration, key string) {
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
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
