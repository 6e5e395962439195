// Package config defines the arbcore configuration and its validation.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ARBCORE_* environment variables.
type Config struct {
	Mode string `toml:"mode"`

	Engine     EngineConfig           `toml:"engine"`
	DefaultFee FeeConfig              `toml:"default_fee"`
	Fees       map[string]FeeConfig   `toml:"fees"`
	Limits     map[string]LimitConfig `toml:"limits"`
	Paper      PaperConfig            `toml:"paper"`
	Feed       FeedConfig             `toml:"feed"`
	Postgres   PostgresConfig         `toml:"postgres"`
	Redis      RedisConfig            `toml:"redis"`
	S3         S3Config               `toml:"s3"`
	Archive    ArchiveConfig          `toml:"archive"`
	Server     ServerConfig           `toml:"server"`
	Notify     NotifyConfig           `toml:"notify"`
	Report     ReportConfig           `toml:"report"`
	Log        LogConfig              `toml:"log"`
}

// EngineConfig holds detection thresholds and order handling parameters.
// Decimal fields are written as strings ("0.05") in TOML.
type EngineConfig struct {
	Symbols   []string `toml:"symbols"`
	Exchanges []string `toml:"exchanges"`

	StalenessThresholdMs int64           `toml:"staleness_threshold_ms"`
	MinProfitMargin      decimal.Decimal `toml:"min_profit_margin"`
	MinProfitThreshold   decimal.Decimal `toml:"min_profit_threshold"`
	PerTradeQuantityCap  decimal.Decimal `toml:"per_trade_quantity_cap"`
	SlippageBps          decimal.Decimal `toml:"slippage_bps"`

	OrderRetryBudget    int   `toml:"order_retry_budget"`
	OrderTimeoutMs      int64 `toml:"order_timeout_ms"`
	RetryBackoffMs      int64 `toml:"retry_backoff_ms"`
	ReconcileIntervalMs int64 `toml:"reconcile_interval_ms"`
	MaxOpportunityAgeMs int64 `toml:"max_opportunity_age_ms"`

	// MaxDailyLoss trips the kill switch. Zero disables it.
	MaxDailyLoss decimal.Decimal `toml:"max_daily_loss"`

	// KellySizing shrinks each trade to the Kelly fraction of
	// per_trade_quantity_cap estimated from settled executions.
	KellySizing     bool            `toml:"kelly_sizing"`
	KellyMultiplier decimal.Decimal `toml:"kelly_multiplier"`
	KellyMinTrades  int             `toml:"kelly_min_trades"`
}

// Staleness returns StalenessThresholdMs as a duration.
func (e EngineConfig) Staleness() time.Duration {
	return time.Duration(e.StalenessThresholdMs) * time.Millisecond
}

// OrderTimeout returns OrderTimeoutMs as a duration.
func (e EngineConfig) OrderTimeout() time.Duration {
	return time.Duration(e.OrderTimeoutMs) * time.Millisecond
}

// RetryBackoff returns the base poll delay. When retry_backoff_ms is unset
// the reconcile interval is used.
func (e EngineConfig) RetryBackoff() time.Duration {
	if e.RetryBackoffMs > 0 {
		return time.Duration(e.RetryBackoffMs) * time.Millisecond
	}
	return time.Duration(e.ReconcileIntervalMs) * time.Millisecond
}

// MaxOpportunityAge returns MaxOpportunityAgeMs as a duration.
func (e EngineConfig) MaxOpportunityAge() time.Duration {
	return time.Duration(e.MaxOpportunityAgeMs) * time.Millisecond
}

// FeeConfig is one exchange's trading fee.
type FeeConfig struct {
	Flat     decimal.Decimal `toml:"flat"`
	TakerBps decimal.Decimal `toml:"taker_bps"`
}

// LimitConfig holds an exchange's lot limits. Zero means unbounded.
type LimitConfig struct {
	MinQuantity decimal.Decimal `toml:"min_quantity"`
	MaxQuantity decimal.Decimal `toml:"max_quantity"`
}

// PaperConfig tunes the simulated exchanges used in paper and full modes.
type PaperConfig struct {
	StartingQuote decimal.Decimal `toml:"starting_quote"`
	StartingBase  decimal.Decimal `toml:"starting_base"`
	LatencyMs     int64           `toml:"latency_ms"`
	RejectRate    float64         `toml:"reject_rate"`
	// JournalPath is the sqlite file for fills and performance snapshots.
	// Empty disables the journal.
	JournalPath      string   `toml:"journal_path"`
	SnapshotInterval duration `toml:"snapshot_interval"`
}

// FeedConfig selects the level sources.
type FeedConfig struct {
	WSURL          string   `toml:"ws_url"`
	BusEnabled     bool     `toml:"bus_enabled"`
	ReconnectDelay duration `toml:"reconnect_delay"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool     `toml:"enabled"`
	DSN           string   `toml:"dsn"`
	Host          string   `toml:"host"`
	Port          int      `toml:"port"`
	Database      string   `toml:"database"`
	User          string   `toml:"user"`
	Password      string   `toml:"password"`
	SSLMode       string   `toml:"ssl_mode"`
	PoolMaxConns  int      `toml:"pool_max_conns"`
	PoolMinConns  int      `toml:"pool_min_conns"`
	RunMigrations bool     `toml:"run_migrations"`
	Timeout       duration `toml:"connect_timeout"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	QuoteTTL   duration `toml:"quote_ttl"`
	// LockTTL bounds the per-symbol execution lock.
	LockTTL duration `toml:"lock_ttl"`
	// SubmitRateLimit caps order submissions per exchange per
	// SubmitRateWindow. Zero disables it.
	SubmitRateLimit  int      `toml:"submit_rate_limit"`
	SubmitRateWindow duration `toml:"submit_rate_window"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls the JSONL export of settled records to S3.
type ArchiveConfig struct {
	Interval      duration `toml:"interval"`
	RetentionDays int      `toml:"retention_days"`
}

// Retention returns RetentionDays as a duration.
func (a ArchiveConfig) Retention() time.Duration {
	return time.Duration(a.RetentionDays) * 24 * time.Hour
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

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Throttle          duration `toml:"throttle"`
}

// ReportConfig tunes delivery of lifecycle reports to the stores, the
// signal bus and the notifier.
type ReportConfig struct {
	QueueSize   int      `toml:"queue_size"`
	SinkTimeout duration `toml:"sink_timeout"`
}

// LogConfig controls the log level and the optional rotating log file.
type LogConfig struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Mode: "paper",
		Engine: EngineConfig{
			StalenessThresholdMs: 2000,
			MinProfitMargin:      decimal.Zero,
			MinProfitThreshold:   decimal.Zero,
			PerTradeQuantityCap:  decimal.NewFromInt(1),
			SlippageBps:          decimal.Zero,
			OrderRetryBudget:     3,
			OrderTimeoutMs:       3000,
			RetryBackoffMs:       200,
			ReconcileIntervalMs:  500,
			MaxOpportunityAgeMs:  1000,
			MaxDailyLoss:         decimal.Zero,
			KellyMultiplier:      decimal.RequireFromString("0.5"),
			KellyMinTrades:       20,
		},
		Fees:   map[string]FeeConfig{},
		Limits: map[string]LimitConfig{},
		Paper: PaperConfig{
			StartingQuote:    decimal.NewFromInt(10_000),
			StartingBase:     decimal.NewFromInt(1),
			LatencyMs:        50,
			JournalPath:      "data/paper.db",
			SnapshotInterval: duration{time.Minute},
		},
		Feed: FeedConfig{
			BusEnabled:     true,
			ReconnectDelay: duration{2 * time.Second},
		},
		Postgres: PostgresConfig{
			Enabled:       true,
			Host:          "localhost",
			Port:          5432,
			Database:      "arbcore",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
			Timeout:       duration{10 * time.Second},
		},
		Redis: RedisConfig{
			Enabled:          true,
			Addr:             "localhost:6379",
			PoolSize:         20,
			MaxRetries:       3,
			QuoteTTL:         duration{30 * time.Second},
			LockTTL:          duration{30 * time.Second},
			SubmitRateLimit:  10,
			SubmitRateWindow: duration{time.Second},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "arbcore-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Interval:      duration{time.Hour},
			RetentionDays: 7,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events:   []string{"execution", "compensation", "exposure", "kill_switch"},
			Throttle: duration{time.Minute},
		},
		Report: ReportConfig{
			QueueSize:   4096,
			SinkTimeout: duration{2 * time.Second},
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"monitor": true,
	"paper":   true,
	"server":  true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for LogConfig.Level.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Trading reports whether the mode runs the execution engine.
func (c *Config) Trading() bool {
	m := strings.ToLower(c.Mode)
	return m == "paper" || m == "full"
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: monitor, paper, server, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log: unknown level %q (valid: debug, info, warn, error)", c.Log.Level))
	}

	// Engine
	e := c.Engine
	if mode != "server" {
		if len(e.Symbols) == 0 {
			errs = append(errs, "engine: symbols must not be empty")
		}
		if len(e.Exchanges) < 2 {
			errs = append(errs, "engine: at least two exchanges are required")
		}
	}
	if e.StalenessThresholdMs <= 0 {
		errs = append(errs, "engine: staleness_threshold_ms must be > 0")
	}
	for name, d := range map[string]decimal.Decimal{
		"min_profit_margin":    e.MinProfitMargin,
		"min_profit_threshold": e.MinProfitThreshold,
		"slippage_bps":         e.SlippageBps,
		"max_daily_loss":       e.MaxDailyLoss,
	} {
		if d.IsNegative() {
			errs = append(errs, fmt.Sprintf("engine: %s must be >= 0", name))
		}
	}
	if !e.PerTradeQuantityCap.IsPositive() {
		errs = append(errs, "engine: per_trade_quantity_cap must be > 0")
	}
	if e.OrderRetryBudget < 1 {
		errs = append(errs, "engine: order_retry_budget must be >= 1")
	}
	if e.OrderTimeoutMs <= 0 {
		errs = append(errs, "engine: order_timeout_ms must be > 0")
	}
	if e.MaxOpportunityAgeMs <= 0 {
		errs = append(errs, "engine: max_opportunity_age_ms must be > 0")
	}
	if e.KellySizing {
		if !e.KellyMultiplier.IsPositive() || e.KellyMultiplier.GreaterThan(decimal.NewFromInt(1)) {
			errs = append(errs, "engine: kelly_multiplier must be within (0, 1]")
		}
		if e.KellyMinTrades < 1 {
			errs = append(errs, "engine: kelly_min_trades must be >= 1")
		}
	}

	// Fees and limits
	if c.DefaultFee.Flat.IsNegative() || c.DefaultFee.TakerBps.IsNegative() {
		errs = append(errs, "default_fee: flat and taker_bps must be >= 0")
	}
	for _, ex := range sortedKeys(c.Fees) {
		f := c.Fees[ex]
		if f.Flat.IsNegative() || f.TakerBps.IsNegative() {
			errs = append(errs, fmt.Sprintf("fees.%s: flat and taker_bps must be >= 0", ex))
		}
	}
	for _, ex := range sortedKeys(c.Limits) {
		l := c.Limits[ex]
		if l.MaxQuantity.IsPositive() && l.MinQuantity.GreaterThan(l.MaxQuantity) {
			errs = append(errs, fmt.Sprintf("limits.%s: min_quantity must not exceed max_quantity", ex))
		}
	}

	// Paper
	if c.Trading() {
		if c.Paper.StartingQuote.IsNegative() || c.Paper.StartingBase.IsNegative() {
			errs = append(errs, "paper: starting balances must be >= 0")
		}
		if c.Paper.RejectRate < 0 || c.Paper.RejectRate > 1 {
			errs = append(errs, "paper: reject_rate must be within [0, 1]")
		}
	}

	// Feed
	if mode != "server" && c.Feed.WSURL == "" && !c.Feed.BusEnabled {
		errs = append(errs, "feed: set ws_url or enable bus_enabled")
	}
	if c.Feed.BusEnabled && !c.Redis.Enabled {
		errs = append(errs, "feed: bus_enabled requires redis")
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be within [0, pool_max_conns]")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Redis.SubmitRateLimit > 0 && c.Redis.SubmitRateWindow.Duration <= 0 {
			errs = append(errs, "redis: submit_rate_window must be > 0 when submit_rate_limit is set")
		}
	}

	// S3 and archive
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if !c.Postgres.Enabled {
			errs = append(errs, "s3: archiving requires postgres")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
		if c.Archive.RetentionDays < 0 {
			errs = append(errs, "archive: retention_days must be >= 0")
		}
	}

	// Server
	if c.Server.Enabled || mode == "server" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	// Report
	if c.Report.QueueSize < 1 {
		errs = append(errs, "report: queue_size must be >= 1")
	}
	if c.Report.SinkTimeout.Duration <= 0 {
		errs = append(errs, "report: sink_timeout must be > 0")
	}

	// Log
	if c.Log.File != "" && c.Log.MaxSizeMB <= 0 {
		errs = append(errs, "log: max_size_mb must be > 0 when file is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
