// Package gateway routes orders to per-exchange gateways and merges their
// acknowledgement streams into one.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/arbcore/internal/domain"
)

// Option configures a Router.
type Option func(*Router)

// WithRateLimit caps submissions per exchange to limit per window using a
// shared limiter.
func WithRateLimit(l domain.RateLimiter, limit int, window time.Duration) Option {
	return func(r *Router) {
		r.limiter = l
		r.limit = limit
		r.window = window
	}
}

// Router implements domain.Gateway over a set of per-exchange gateways.
type Router struct {
	gateways map[string]domain.Gateway
	limiter  domain.RateLimiter
	limit    int
	window   time.Duration
	events   chan domain.GatewayEvent
	logger   *slog.Logger
}

// NewRouter creates a router over gateways keyed by exchange name.
func NewRouter(gateways map[string]domain.Gateway, logger *slog.Logger, opts ...Option) *Router {
	r := &Router{
		gateways: gateways,
		events:   make(chan domain.GatewayEvent, 1024),
		logger:   logger.With(slog.String("component", "gateway_router")),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Exchanges returns the routed exchange names, sorted.
func (r *Router) Exchanges() []string {
	out := make([]string, 0, len(r.gateways))
	for ex := range r.gateways {
		out = append(out, ex)
	}
	sort.Strings(out)
	return out
}

// Run forwards every gateway's events onto the merged stream until ctx is
// cancelled. It must be running for acknowledgements to reach the engine.
func (r *Router) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for ex, gw := range r.gateways {
		wg.Add(1)
		go func(ex string, src <-chan domain.GatewayEvent) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-src:
					if !ok {
						r.logger.Warn("gateway event stream closed", slog.String("exchange", ex))
						return
					}
					select {
					case r.events <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}(ex, gw.Events())
	}
	wg.Wait()
	return nil
}

func (r *Router) route(exchange string) (domain.Gateway, error) {
	gw, ok := r.gateways[exchange]
	if !ok {
		return nil, fmt.Errorf("gateway: %s: %w", exchange, domain.ErrUnknownExchange)
	}
	return gw, nil
}

// SubmitOrder rate-limits then forwards req to its exchange. A rate-limited
// submit is reported as a retriable transport error.
func (r *Router) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderHandle, error) {
	gw, err := r.route(req.Exchange)
	if err != nil {
		return domain.OrderHandle{}, err
	}
	if r.limiter != nil && r.limit > 0 {
		allowed, err := r.limiter.Allow(ctx, "ratelimit:submit:"+req.Exchange, r.limit, r.window)
		if err != nil {
			r.logger.WarnContext(ctx, "rate limiter unavailable",
				slog.String("exchange", req.Exchange),
				slog.String("error", err.Error()),
			)
		} else if !allowed {
			return domain.OrderHandle{}, &domain.TransportError{Op: "submit", Exchange: req.Exchange, Err: domain.ErrRateLimited}
		}
	}
	return gw.SubmitOrder(ctx, req)
}

// CancelOrder forwards to the handle's exchange.
func (r *Router) CancelOrder(ctx context.Context, h domain.OrderHandle) error {
	gw, err := r.route(h.Exchange)
	if err != nil {
		return err
	}
	return gw.CancelOrder(ctx, h)
}

// OrderStatus forwards to the handle's exchange.
func (r *Router) OrderStatus(ctx context.Context, h domain.OrderHandle) (domain.OrderStatusReport, error) {
	gw, err := r.route(h.Exchange)
	if err != nil {
		return domain.OrderStatusReport{}, err
	}
	return gw.OrderStatus(ctx, h)
}

// Events returns the merged acknowledgement stream.
func (r *Router) Events() <-chan domain.GatewayEvent {
	return r.events
}

var _ domain.Gateway = (*Router)(nil)
