package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbcore/internal/domain"
)

type stubGateway struct {
	exchange string
	events   chan domain.GatewayEvent
	submits  int
}

func (s *stubGateway) SubmitOrder(_ context.Context, req domain.OrderRequest) (domain.OrderHandle, error) {
	s.submits++
	return domain.OrderHandle{Exchange: s.exchange, ID: "h1", ClientID: req.ClientID}, nil
}

func (s *stubGateway) CancelOrder(context.Context, domain.OrderHandle) error { return nil }

func (s *stubGateway) OrderStatus(_ context.Context, h domain.OrderHandle) (domain.OrderStatusReport, error) {
	return domain.OrderStatusReport{Handle: h, State: domain.RemoteOpen}, nil
}

func (s *stubGateway) Events() <-chan domain.GatewayEvent { return s.events }

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) { return false, nil }

func newStub(ex string) *stubGateway {
	return &stubGateway{exchange: ex, events: make(chan domain.GatewayEvent, 4)}
}

func TestRouterRoutesByExchange(t *testing.T) {
	a, b := newStub("alpha"), newStub("beta")
	r := NewRouter(map[string]domain.Gateway{"alpha": a, "beta": b}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	req := domain.OrderRequest{ClientID: "c1", Exchange: "beta", Price: decimal.NewFromInt(1), Quantity: decimal.NewFromInt(1)}
	if _, err := r.SubmitOrder(context.Background(), req); err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if a.submits != 0 || b.submits != 1 {
		t.Errorf("Expected submit on beta only, got alpha=%d beta=%d", a.submits, b.submits)
	}

	req.Exchange = "gamma"
	if _, err := r.SubmitOrder(context.Background(), req); !errors.Is(err, domain.ErrUnknownExchange) {
		t.Errorf("Expected ErrUnknownExchange, got %v", err)
	}
	if got := r.Exchanges(); len(got) != 2 || got[0] != "alpha" {
		t.Errorf("Expected [alpha beta], got %v", got)
	}
}

func TestRouterMergesEvents(t *testing.T) {
	a, b := newStub("alpha"), newStub("beta")
	r := NewRouter(map[string]domain.Gateway{"alpha": a, "beta": b}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()

	a.events <- domain.GatewayEvent{ClientID: "a1"}
	b.events <- domain.GatewayEvent{ClientID: "b1"}
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-r.Events():
			seen[ev.ClientID] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for merged events")
		}
	}
	if !seen["a1"] || !seen["b1"] {
		t.Errorf("Expected events from both gateways, got %v", seen)
	}
	cancel()
	<-done
}

func TestRouterRateLimit(t *testing.T) {
	a := newStub("alpha")
	r := NewRouter(map[string]domain.Gateway{"alpha": a}, slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithRateLimit(denyLimiter{}, 5, time.Second))

	_, err := r.SubmitOrder(context.Background(), domain.OrderRequest{Exchange: "alpha"})
	if !errors.Is(err, domain.ErrRateLimited) || !domain.IsRetriable(err) {
		t.Fatalf("Expected retriable rate limit error, got %v", err)
	}
	if a.submits != 0 {
		t.Error("Expected no submit past the limiter")
	}
}
