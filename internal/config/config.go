// Package config defines the engine configuration, its defaults and
// validation. Values come from a TOML file, a .env file and ENGINE_*
// environment variables, in that order of precedence (lowest first).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/trading-engine/internal/risk"
)

// Config is the top-level engine configuration.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	Risk       RiskConfig       `toml:"risk"`
	Feed       FeedConfig       `toml:"feed"`
	MTM        MTMConfig        `toml:"mtm"`
	Settlement SettlementConfig `toml:"settlement"`
	Notify     NotifyConfig     `toml:"notify"`
	LogLevel   string           `toml:"log_level"`
}

// Duration is a time.Duration decoded from TOML strings such as "5s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	ReadTimeout     Duration `toml:"read_timeout"`
	WriteTimeout    Duration `toml:"write_timeout"`
	IdleTimeout     Duration `toml:"idle_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
	CORSOrigins     []string `toml:"cors_origins"`
}

// PostgresConfig holds the database connection. An empty DSN selects the
// in-memory store.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds the cache and lock connection. An empty URL disables
// both.
type RedisConfig struct {
	URL      string   `toml:"url"`
	CacheTTL Duration `toml:"cache_ttl"`
}

// RiskConfig holds the pre-trade limits as fractions (0.30 = 30%).
type RiskConfig struct {
	PerTradePct           float64 `toml:"per_trade_pct"`
	TotalLockPct          float64 `toml:"total_lock_pct"`
	OptionShortMarginRate float64 `toml:"option_short_margin_rate"`
	LiquidationRatio      float64 `toml:"liquidation_ratio"`
}

// FeedConfig holds the upstream mark price feed parameters. An empty URL
// disables the feed.
type FeedConfig struct {
	URL             string   `toml:"url"`
	InitialBackoff  Duration `toml:"initial_backoff"`
	MaxBackoff      Duration `toml:"max_backoff"`
	LivenessTimeout Duration `toml:"liveness_timeout"`
	ResyncInterval  Duration `toml:"resync_interval"`
	ControlRate     float64  `toml:"control_rate"`
}

// MTMConfig sizes the mark-to-market dispatcher.
type MTMConfig struct {
	Shards    int `toml:"shards"`
	QueueSize int `toml:"queue_size"`
}

// SettlementConfig schedules the expiry sweep.
type SettlementConfig struct {
	Interval Duration `toml:"interval"`
	LockTTL  Duration `toml:"lock_ttl"`
}

// NotifyConfig holds the operator notification channel.
type NotifyConfig struct {
	WebhookURL string   `toml:"webhook_url"`
	Events     []string `toml:"events"`
	QueueSize  int      `toml:"queue_size"`
}

// Defaults returns a Config populated with the standard values.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration{10 * time.Second},
			WriteTimeout:    Duration{10 * time.Second},
			IdleTimeout:     Duration{60 * time.Second},
			ShutdownTimeout: Duration{5 * time.Second},
			CORSOrigins:     []string{"*"},
		},
		Postgres: PostgresConfig{
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			CacheTTL: Duration{30 * time.Second},
		},
		Risk: RiskConfig{
			PerTradePct:           0.30,
			TotalLockPct:          0.75,
			OptionShortMarginRate: 0.20,
			LiquidationRatio:      0.20,
		},
		Feed: FeedConfig{
			InitialBackoff:  Duration{5 * time.Second},
			MaxBackoff:      Duration{60 * time.Second},
			LivenessTimeout: Duration{60 * time.Second},
			ResyncInterval:  Duration{30 * time.Second},
			ControlRate:     5,
		},
		MTM: MTMConfig{
			Shards:    8,
			QueueSize: 256,
		},
		Settlement: SettlementConfig{
			Interval: Duration{time.Minute},
			LockTTL:  Duration{2 * time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{
				"margin_call",
				"liquidation",
				"settlement",
				"ledger_invariant",
			},
			QueueSize: 256,
		},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// Validate checks for invalid values and returns one error describing
// every problem found.
func (c *Config) Validate() error {
	var errs []string

	if _, ok := validLogLevels[strings.ToLower(c.LogLevel)]; !ok {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.ShutdownTimeout.Duration <= 0 {
		errs = append(errs, "server: shutdown_timeout must be positive")
	}

	if c.Postgres.DSN != "" {
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}
	if c.Redis.URL != "" && c.Redis.CacheTTL.Duration <= 0 {
		errs = append(errs, "redis: cache_ttl must be positive")
	}

	checkFraction := func(name string, v float64) {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Sprintf("risk: %s must be between 0 and 1, got %g", name, v))
		}
	}
	checkFraction("per_trade_pct", c.Risk.PerTradePct)
	checkFraction("total_lock_pct", c.Risk.TotalLockPct)
	checkFraction("option_short_margin_rate", c.Risk.OptionShortMarginRate)
	checkFraction("liquidation_ratio", c.Risk.LiquidationRatio)

	if c.Feed.URL != "" {
		if !strings.HasPrefix(c.Feed.URL, "ws://") && !strings.HasPrefix(c.Feed.URL, "wss://") {
			errs = append(errs, fmt.Sprintf("feed: url must be ws:// or wss://, got %q", c.Feed.URL))
		}
		if c.Feed.InitialBackoff.Duration <= 0 || c.Feed.MaxBackoff.Duration < c.Feed.InitialBackoff.Duration {
			errs = append(errs, "feed: need 0 < initial_backoff <= max_backoff")
		}
		if c.Feed.LivenessTimeout.Duration <= 0 {
			errs = append(errs, "feed: liveness_timeout must be positive")
		}
		if c.Feed.ControlRate <= 0 {
			errs = append(errs, "feed: control_rate must be positive")
		}
	}

	if c.MTM.Shards < 1 {
		errs = append(errs, "mtm: shards must be >= 1")
	}
	if c.MTM.QueueSize < 1 {
		errs = append(errs, "mtm: queue_size must be >= 1")
	}

	if c.Settlement.Interval.Duration <= 0 {
		errs = append(errs, "settlement: interval must be positive")
	}
	if c.Settlement.LockTTL.Duration < c.Settlement.Interval.Duration {
		errs = append(errs, "settlement: lock_ttl must be >= interval")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  - " + strings.Join(errs, "\n  - "))
	}
	return nil
}

// Level returns the slog level for LogLevel, defaulting to info.
func (c *Config) Level() slog.Level {
	if l, ok := validLogLevels[strings.ToLower(c.LogLevel)]; ok {
		return l
	}
	return slog.LevelInfo
}

// Limiter builds the pre-trade risk limiter from the risk section.
func (c *Config) Limiter() *risk.Limiter {
	return risk.NewLimiter(
		decimal.NewFromFloat(c.Risk.PerTradePct),
		decimal.NewFromFloat(c.Risk.TotalLockPct),
		decimal.NewFromFloat(c.Risk.OptionShortMarginRate),
	)
}

// LiquidationRatio returns the liquidation threshold as a decimal.
func (c *Config) LiquidationRatio() decimal.Decimal {
	return decimal.NewFromFloat(c.Risk.LiquidationRatio)
}
