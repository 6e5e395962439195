package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/arbcore/internal/arbitrage"
	"github.com/alanyoungcy/arbcore/internal/book"
	"github.com/alanyoungcy/arbcore/internal/config"
	"github.com/alanyoungcy/arbcore/internal/domain"
	"github.com/alanyoungcy/arbcore/internal/executor"
	"github.com/alanyoungcy/arbcore/internal/feed"
	"github.com/alanyoungcy/arbcore/internal/gateway"
	"github.com/alanyoungcy/arbcore/internal/gateway/paper"
	"github.com/alanyoungcy/arbcore/internal/server"
	"github.com/alanyoungcy/arbcore/internal/server/handler"
	"github.com/alanyoungcy/arbcore/internal/server/ws"
	"github.com/alanyoungcy/arbcore/internal/service"
	"github.com/alanyoungcy/arbcore/internal/view"
)

// subscriptionBuffer sizes each book store subscription.
const subscriptionBuffer = 256

// seedExecutions is how many persisted executions seed the performance
// tracker on startup.
const seedExecutions = 5000

// subsystems lists what a mode runs.
type subsystems struct {
	detect  bool // run the arbitrage detector
	trade   bool // run the execution engine on paper gateways
	serve   bool // run the HTTP/websocket server
	archive bool // run the S3 archiver
}

// core is the in-process pipeline: book store, view, detector and, when
// trading, the engine and its gateways.
type core struct {
	books    *book.Store
	quotes   *view.View
	tracker  *service.PerformanceTracker
	reporter *service.Reporter
	hub      *ws.Hub
	detector *arbitrage.Detector

	engine   *executor.Engine
	router   *gateway.Router
	gateways []*paper.Gateway
}

// MonitorMode ingests feeds, detects opportunities and reports them without
// trading.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	return a.start(ctx, deps, subsystems{detect: true, serve: a.cfg.Server.Enabled})
}

// PaperMode is monitor mode plus the execution engine trading against
// simulated exchanges.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	return a.start(ctx, deps, subsystems{detect: true, trade: true, serve: a.cfg.Server.Enabled})
}

// ServerMode serves the API only. Books stay live when levels arrive on the
// redis bus; nothing is detected or traded.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	return a.start(ctx, deps, subsystems{serve: true})
}

// FullMode starts every subsystem: feeds, detection, paper trading, the
// server and the archiver.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	return a.start(ctx, deps, subsystems{detect: true, trade: true, serve: true, archive: true})
}

func (a *App) start(ctx context.Context, deps *Dependencies, sub subsystems) error {
	a.logger.InfoContext(ctx, "starting mode",
		slog.String("mode", a.cfg.Mode),
		slog.Bool("detect", sub.detect),
		slog.Bool("trade", sub.trade),
		slog.Bool("serve", sub.serve),
		slog.Bool("archive", sub.archive),
	)

	c := a.buildCore(ctx, deps, sub.trade)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.hub.Run(ctx) })
	a.startFeeds(ctx, g, deps, c.books, sub.detect)

	if deps.Quotes != nil {
		updates := c.books.Subscribe(subscriptionBuffer)
		g.Go(func() error { return c.quotes.Mirror(ctx, updates) })
	}

	if sub.detect {
		var opps chan domain.Opportunity
		if c.engine != nil {
			opps = make(chan domain.Opportunity, 64)
			g.Go(func() error { return c.router.Run(ctx) })
			g.Go(func() error { return c.engine.Run(ctx, opps) })
			g.Go(func() error { return c.tracker.Run(ctx, a.cfg.Paper.SnapshotInterval.Duration) })
		}
		updates := c.books.Subscribe(subscriptionBuffer)
		g.Go(func() error {
			return c.detector.Run(ctx, updates, func(ctx context.Context, opp domain.Opportunity) {
				c.reporter.OpportunityDetected(ctx, opp)
				if opps == nil {
					return
				}
				select {
				case opps <- opp:
				case <-ctx.Done():
				}
			})
		})
	}

	if sub.archive {
		if deps.Archiver == nil {
			a.logger.WarnContext(ctx, "archiver not configured, skipping (enable s3 and postgres)")
		} else {
			g.Go(func() error {
				return deps.Archiver.Run(ctx, a.cfg.Archive.Interval.Duration, a.cfg.Archive.Retention())
			})
		}
	}

	if sub.serve {
		srv := a.newServer(deps, c)
		g.Go(func() error { return srv.Run(ctx) })
	}

	return g.Wait()
}

// buildCore constructs the pipeline and registers its teardown.
func (a *App) buildCore(ctx context.Context, deps *Dependencies, trade bool) *core {
	cfg := a.cfg
	c := &core{}

	c.tracker = service.NewPerformanceTracker(deps.Journal, a.logger)
	if deps.Executions != nil {
		if err := c.tracker.Load(ctx, deps.Executions, seedExecutions); err != nil {
			a.logger.WarnContext(ctx, "performance seed failed", slog.String("error", err.Error()))
		}
	}

	c.hub = ws.NewHub(deps.Bus, a.logger, ws.Config{
		Mode:      cfg.Mode,
		Channels:  []string{service.EventChannel, feed.LevelsChannel},
		StartedAt: time.Now(),
	})

	rd := service.ReporterDeps{
		Bus:           deps.Bus,
		Opportunities: deps.Opportunities,
		OppCache:      deps.OppCache,
		Orders:        deps.Orders,
		Executions:    deps.Executions,
		Audit:         deps.Audit,
		Hub:           c.hub,
		Tracker:       c.tracker,
	}
	if deps.TradeRecords != nil {
		rd.TradeRecords = deps.TradeRecords
	}
	if deps.Notifier != nil {
		rd.Notifier = deps.Notifier
	}
	c.reporter = service.NewReporter(rd, a.logger,
		service.WithQueueSize(cfg.Report.QueueSize),
		service.WithSinkTimeout(cfg.Report.SinkTimeout.Duration),
	)
	// Registered first among the core closers so it drains last.
	a.closers = append(a.closers, c.reporter.Close)

	c.books = book.New(cfg.Engine.Staleness(), a.logger, book.WithAnomalyHook(c.reporter.BookAnomaly))
	a.closers = append(a.closers, c.books.Close)
	c.quotes = view.New(c.books, deps.Quotes, a.logger)

	fees := feeSchedule(cfg)
	c.detector = arbitrage.NewDetector(arbitrage.Config{
		MinProfitMargin:    cfg.Engine.MinProfitMargin,
		MinProfitThreshold: cfg.Engine.MinProfitThreshold,
		QuantityCap:        cfg.Engine.PerTradeQuantityCap,
		SlippageBps:        cfg.Engine.SlippageBps,
		Fees:               fees,
		StalenessThreshold: cfg.Engine.Staleness(),
	}, c.quotes, a.logger)

	if !trade {
		return c
	}

	ledger := executor.NewLedger()
	fundLedger(ledger, cfg)

	gws := make(map[string]domain.Gateway, len(cfg.Engine.Exchanges))
	for _, ex := range cfg.Engine.Exchanges {
		pg := paper.New(ex, c.books, deps.Journal, paper.Config{
			Latency:    time.Duration(cfg.Paper.LatencyMs) * time.Millisecond,
			RejectRate: cfg.Paper.RejectRate,
			Fees:       fees,
		}, a.logger)
		c.gateways = append(c.gateways, pg)
		gws[ex] = pg
	}
	var routerOpts []gateway.Option
	if deps.RateLimiter != nil && cfg.Redis.SubmitRateLimit > 0 {
		routerOpts = append(routerOpts, gateway.WithRateLimit(deps.RateLimiter, cfg.Redis.SubmitRateLimit, cfg.Redis.SubmitRateWindow.Duration))
	}
	c.router = gateway.NewRouter(gws, a.logger, routerOpts...)

	risk := service.NewRiskService(service.RiskConfig{
		MaxOpportunityAge: cfg.Engine.MaxOpportunityAge(),
		QuantityCap:       cfg.Engine.PerTradeQuantityCap,
		Limits:            riskLimits(cfg),
		MaxDailyLoss:      cfg.Engine.MaxDailyLoss,
		Exchanges:         cfg.Engine.Exchanges,
	}, ledger, c.tracker, a.logger)

	engineOpts := []executor.Option{executor.WithReporter(c.reporter)}
	if deps.Locks != nil {
		engineOpts = append(engineOpts, executor.WithLocks(deps.Locks))
	}
	if cfg.Engine.KellySizing {
		engineOpts = append(engineOpts, executor.WithSizer(service.NewKellySizer(service.SizingConfig{
			QuantityCap: cfg.Engine.PerTradeQuantityCap,
			Multiplier:  cfg.Engine.KellyMultiplier,
			MinTrades:   cfg.Engine.KellyMinTrades,
		}, c.tracker, a.logger)))
	}
	ecfg := executor.DefaultConfig()
	ecfg.RetryBudget = cfg.Engine.OrderRetryBudget
	ecfg.OrderTimeout = cfg.Engine.OrderTimeout()
	ecfg.RetryBackoff = cfg.Engine.RetryBackoff()
	if cfg.Redis.LockTTL.Duration > 0 {
		ecfg.LockTTL = cfg.Redis.LockTTL.Duration
	}
	ecfg.Fees = fees
	c.engine = executor.New(ecfg, c.router, risk, ledger, c.books, a.logger, engineOpts...)

	// Closers run in reverse: the engine drains before its gateways stop.
	for _, pg := range c.gateways {
		a.closers = append(a.closers, pg.Close)
	}
	a.closers = append(a.closers, c.engine.Close)

	a.logger.InfoContext(ctx, "execution engine ready",
		slog.Any("exchanges", cfg.Engine.Exchanges),
		slog.Int("retry_budget", ecfg.RetryBudget),
		slog.Duration("order_timeout", ecfg.OrderTimeout),
		slog.Bool("kelly_sizing", cfg.Engine.KellySizing),
	)
	return c
}

// startFeeds adds the configured level sources to g. The websocket feed only
// runs in detecting modes; the bus feeder also keeps server mode's books
// current.
func (a *App) startFeeds(ctx context.Context, g *errgroup.Group, deps *Dependencies, books *book.Store, detect bool) {
	if detect && a.cfg.Feed.WSURL != "" {
		wsFeed := feed.NewWSFeed(a.cfg.Feed.WSURL, a.cfg.Engine.Symbols, books, a.cfg.Feed.ReconnectDelay.Duration, a.logger)
		g.Go(func() error { return wsFeed.Run(ctx) })
	}
	if a.cfg.Feed.BusEnabled && deps.Bus != nil {
		busFeed := feed.NewBusFeeder(deps.Bus, books, a.logger)
		g.Go(func() error { return busFeed.Run(ctx) })
	}
}

// newServer assembles the HTTP server over whatever sources the mode has.
func (a *App) newServer(deps *Dependencies, c *core) *server.Server {
	handlers := server.Handlers{
		Health: handler.NewHealthHandler(a.cfg.Mode, deps.Checks, a.logger),
		Books:  handler.NewBookHandler(c.books, c.quotes, a.logger),
	}
	if deps.Opportunities != nil || deps.OppCache != nil {
		handlers.Opportunities = handler.NewOpportunityHandler(deps.Opportunities, deps.OppCache, a.logger)
	}

	var (
		recent func(int) []domain.Execution
		state  handler.EngineState
	)
	if c.engine != nil {
		recent = c.engine.Recent
		state = c.engine
	}
	if src := executionsSource(deps, recent); src != nil {
		handlers.Executions = handler.NewExecutionHandler(src, deps.Orders, a.logger)
	}
	handlers.Stats = handler.NewStatsHandler(a.cfg.Mode, c.tracker, state, c.books)

	return server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, c.hub, deps.RateLimiter, a.logger)
}

func feeSchedule(cfg *config.Config) arbitrage.FeeSchedule {
	fs := arbitrage.FeeSchedule{
		Default:     arbitrage.Fee{Flat: cfg.DefaultFee.Flat, TakerBps: cfg.DefaultFee.TakerBps},
		PerExchange: make(map[string]arbitrage.Fee, len(cfg.Fees)),
	}
	for ex, f := range cfg.Fees {
		fs.PerExchange[ex] = arbitrage.Fee{Flat: f.Flat, TakerBps: f.TakerBps}
	}
	return fs
}

func riskLimits(cfg *config.Config) map[string]service.Limit {
	out := make(map[string]service.Limit, len(cfg.Limits))
	for ex, l := range cfg.Limits {
		out[ex] = service.Limit{MinQuantity: l.MinQuantity, MaxQuantity: l.MaxQuantity}
	}
	return out
}

// fundLedger deposits the paper starting balances: the quote allowance and
// the base allowance of every configured symbol, on every exchange.
func fundLedger(l *executor.Ledger, cfg *config.Config) {
	quotes := make(map[string]bool)
	bases := make(map[string]bool)
	for _, sym := range cfg.Engine.Symbols {
		base, quote := domain.SplitSymbol(sym)
		bases[base] = true
		quotes[quote] = true
	}
	for _, ex := range cfg.Engine.Exchanges {
		for q := range quotes {
			l.Deposit(ex, q, cfg.Paper.StartingQuote)
		}
		for b := range bases {
			l.Deposit(ex, b, cfg.Paper.StartingBase)
		}
	}
}
