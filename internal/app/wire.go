package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/arbcore/internal/blob/s3"
	"github.com/alanyoungcy/arbcore/internal/cache/redis"
	"github.com/alanyoungcy/arbcore/internal/config"
	"github.com/alanyoungcy/arbcore/internal/domain"
	"github.com/alanyoungcy/arbcore/internal/notify"
	"github.com/alanyoungcy/arbcore/internal/server/handler"
	"github.com/alanyoungcy/arbcore/internal/store/postgres"
	"github.com/alanyoungcy/arbcore/internal/store/sqlite"
)

// Dependencies bundles the infrastructure the application modes need. Every
// backend is optional; a disabled backend leaves its fields nil. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Opportunities domain.OpportunityStore
	Orders        domain.OrderStore
	Executions    domain.ExecutionStore
	Audit         domain.AuditStore
	Journal       domain.PaperJournal

	// Caches
	Quotes       domain.QuoteCache
	OppCache     domain.OpportunityCache
	TradeRecords *redis.TradeRecordCache
	RateLimiter  domain.RateLimiter
	Locks        domain.LockManager
	Bus          domain.SignalBus

	// Archival
	Archiver *s3blob.Archiver

	// Notifications
	Notifier *notify.Notifier

	// Checks are the health checks reported by /api/health.
	Checks map[string]handler.Pinger
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Checks: make(map[string]handler.Pinger)}

	// --- PostgreSQL ---
	var (
		audit   *postgres.AuditStore
		orders  *postgres.OrderStore
		execs   *postgres.ExecutionStore
		oppRecs *postgres.OpportunityStore
	)
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:            cfg.Postgres.DSN,
			Host:           cfg.Postgres.Host,
			Port:           cfg.Postgres.Port,
			Database:       cfg.Postgres.Database,
			User:           cfg.Postgres.User,
			Password:       cfg.Postgres.Password,
			SSLMode:        cfg.Postgres.SSLMode,
			MaxConns:       cfg.Postgres.PoolMaxConns,
			MinConns:       cfg.Postgres.PoolMinConns,
			ConnectTimeout: cfg.Postgres.Timeout.Duration,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		oppRecs = postgres.NewOpportunityStore(pool)
		orders = postgres.NewOrderStore(pool)
		execs = postgres.NewExecutionStore(pool)
		audit = postgres.NewAuditStore(pool)
		deps.Opportunities = oppRecs
		deps.Orders = orders
		deps.Executions = execs
		deps.Audit = audit
		deps.Checks["postgres"] = handler.PingFunc(pgClient.Ping)
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Quotes = redis.NewQuoteCache(redisClient, cfg.Redis.QuoteTTL.Duration)
		deps.OppCache = redis.NewOpportunityCache(redisClient)
		deps.TradeRecords = redis.NewTradeRecordCache(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.Locks = redis.NewLockManager(redisClient)
		deps.Bus = redis.NewSignalBus(redisClient)
		deps.Checks["redis"] = handler.PingFunc(redisClient.Ping)
	}

	// --- SQLite paper journal ---
	if cfg.Trading() && cfg.Paper.JournalPath != "" {
		journal, err := sqlite.Open(cfg.Paper.JournalPath)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: paper journal: %w", err)
		}
		closers = append(closers, func() { _ = journal.Close() })
		deps.Journal = journal
	}

	// --- S3 archive (needs postgres as its source) ---
	if cfg.S3.Enabled && audit != nil {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), execs, orders, oppRecs, audit, logger)
		deps.Checks["s3"] = handler.PingFunc(s3Client.Health)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.Throttle.Duration, logger)

	logger.InfoContext(ctx, "dependencies wired",
		slog.Bool("postgres", cfg.Postgres.Enabled),
		slog.Bool("redis", cfg.Redis.Enabled),
		slog.Bool("journal", deps.Journal != nil),
		slog.Bool("archive", deps.Archiver != nil),
		slog.Int("notify_senders", len(senders)),
	)
	return deps, cleanup, nil
}

// executionsSource picks the best available listing of recent executions:
// postgres, then the redis trade record cache, then the live engine.
func executionsSource(deps *Dependencies, recent func(int) []domain.Execution) handler.ExecutionsFunc {
	switch {
	case deps.Executions != nil:
		return deps.Executions.ListRecent
	case deps.TradeRecords != nil:
		return deps.TradeRecords.Recent
	case recent != nil:
		return func(_ context.Context, limit int) ([]domain.Execution, error) {
			return recent(limit), nil
		}
	default:
		return nil
	}
}
