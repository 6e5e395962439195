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

// envPrefix is prepended to every override variable.
const envPrefix = "ARBCORE_"

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ARBCORE_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ARBCORE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ──
	setStringSlice(&cfg.Engine.Symbols, "ENGINE_SYMBOLS")
	setStringSlice(&cfg.Engine.Exchanges, "ENGINE_EXCHANGES")
	setInt64(&cfg.Engine.StalenessThresholdMs, "ENGINE_STALENESS_THRESHOLD_MS")
	setDecimal(&cfg.Engine.MinProfitMargin, "ENGINE_MIN_PROFIT_MARGIN")
	setDecimal(&cfg.Engine.MinProfitThreshold, "ENGINE_MIN_PROFIT_THRESHOLD")
	setDecimal(&cfg.Engine.PerTradeQuantityCap, "ENGINE_PER_TRADE_QUANTITY_CAP")
	setDecimal(&cfg.Engine.SlippageBps, "ENGINE_SLIPPAGE_BPS")
	setInt(&cfg.Engine.OrderRetryBudget, "ENGINE_ORDER_RETRY_BUDGET")
	setInt64(&cfg.Engine.OrderTimeoutMs, "ENGINE_ORDER_TIMEOUT_MS")
	setInt64(&cfg.Engine.RetryBackoffMs, "ENGINE_RETRY_BACKOFF_MS")
	setInt64(&cfg.Engine.MaxOpportunityAgeMs, "ENGINE_MAX_OPPORTUNITY_AGE_MS")
	setDecimal(&cfg.Engine.MaxDailyLoss, "ENGINE_MAX_DAILY_LOSS")
	setBool(&cfg.Engine.KellySizing, "ENGINE_KELLY_SIZING")
	setDecimal(&cfg.Engine.KellyMultiplier, "ENGINE_KELLY_MULTIPLIER")
	setInt(&cfg.Engine.KellyMinTrades, "ENGINE_KELLY_MIN_TRADES")

	// ── Paper ──
	setDecimal(&cfg.Paper.StartingQuote, "PAPER_STARTING_QUOTE")
	setDecimal(&cfg.Paper.StartingBase, "PAPER_STARTING_BASE")
	setInt64(&cfg.Paper.LatencyMs, "PAPER_LATENCY_MS")
	setFloat64(&cfg.Paper.RejectRate, "PAPER_REJECT_RATE")
	setStr(&cfg.Paper.JournalPath, "PAPER_JOURNAL_PATH")

	// ── Feed ──
	setStr(&cfg.Feed.WSURL, "FEED_WS_URL")
	setBool(&cfg.Feed.BusEnabled, "FEED_BUS_ENABLED")
	setDuration(&cfg.Feed.ReconnectDelay, "FEED_RECONNECT_DELAY")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")
	setInt(&cfg.Redis.SubmitRateLimit, "REDIS_SUBMIT_RATE_LIMIT")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "S3_ENDPOINT")
	setStr(&cfg.S3.Region, "S3_REGION")
	setStr(&cfg.S3.Bucket, "S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setDuration(&cfg.Archive.Interval, "ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.RetentionDays, "ARCHIVE_RETENTION_DAYS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "NOTIFY_EVENTS")
	setDuration(&cfg.Notify.Throttle, "NOTIFY_THROTTLE")

	// ── Report ──
	setInt(&cfg.Report.QueueSize, "REPORT_QUEUE_SIZE")
	setDuration(&cfg.Report.SinkTimeout, "REPORT_SINK_TIMEOUT")

	// ── Log ──
	setStr(&cfg.Log.Level, "LOG_LEVEL")
	setStr(&cfg.Log.File, "LOG_FILE")

	// ── Top-level ──
	setStr(&cfg.Mode, "MODE")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func lookup(key string) string {
	return os.Getenv(envPrefix + key)
}

func setStr(dst *string, key string) {
	if v := lookup(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := lookup(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := lookup(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := lookup(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := lookup(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}

func setBool(dst *bool, key string) {
	if v := lookup(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := lookup(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := lookup(key); v != "" {
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
