// Package server exposes the read-only HTTP API and the websocket event
// stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/arbcore/internal/domain"
	"github.com/alanyoungcy/arbcore/internal/server/handler"
	"github.com/alanyoungcy/arbcore/internal/server/middleware"
	"github.com/alanyoungcy/arbcore/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // empty disables authentication

	// RateLimit caps requests per client per RateWindow when a limiter is
	// supplied. Zero disables it.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates the HTTP handlers. Books, Stats and Health are
// required; the rest are registered when non-nil.
type Handlers struct {
	Health        *handler.HealthHandler
	Books         *handler.BookHandler
	Opportunities *handler.OpportunityHandler
	Executions    *handler.ExecutionHandler
	Stats         *handler.StatsHandler
}

// Server is the headless HTTP + websocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers routes and wraps them in CORS, logging, auth and the
// optional rate limiter (outermost first).
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/books/{symbol...}", handlers.Books.GetBooks)
	mux.HandleFunc("GET /api/quotes/{symbol...}", handlers.Books.GetQuote)
	mux.HandleFunc("GET /api/performance", handlers.Stats.GetPerformance)
	mux.HandleFunc("GET /api/stats", handlers.Stats.GetStats)
	if handlers.Opportunities != nil {
		mux.HandleFunc("GET /api/opportunities", handlers.Opportunities.ListOpportunities)
	}
	if handlers.Executions != nil {
		mux.HandleFunc("GET /api/executions", handlers.Executions.ListExecutions)
		mux.HandleFunc("GET /api/orders", handlers.Executions.ListOrders)
	}
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var h http.Handler = mux
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}
	h = middleware.Auth(cfg.APIKey, "/api/health")(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start blocks serving requests until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	}
}
