package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbcore/internal/book"
	"github.com/alanyoungcy/arbcore/internal/domain"
	"github.com/alanyoungcy/arbcore/internal/server/handler"
	"github.com/alanyoungcy/arbcore/internal/service"
	"github.com/alanyoungcy/arbcore/internal/view"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func level(price, qty string) domain.PriceLevel {
	return domain.PriceLevel{Price: decimal.RequireFromString(price), Quantity: decimal.RequireFromString(qty)}
}

func newTestServer(t *testing.T, apiKey string) http.Handler {
	t.Helper()
	logger := testLogger()
	ctx := context.Background()

	books := book.New(time.Minute, logger)
	now := time.Now().UnixMilli()
	if err := books.ApplySnapshot(ctx, "alpha", "BTC/USD", domain.Orderbook{
		Bids:      []domain.PriceLevel{level("99", "1"), level("98", "2")},
		Asks:      []domain.PriceLevel{level("100", "1")},
		Timestamp: now,
	}); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	if err := books.ApplySnapshot(ctx, "beta", "BTC/USD", domain.Orderbook{
		Bids:      []domain.PriceLevel{level("105", "3")},
		Asks:      []domain.PriceLevel{level("106", "1")},
		Timestamp: now,
	}); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	quotes := view.New(books, nil, logger)

	at := time.Now()
	execs := []domain.Execution{{
		ID:        "e1",
		Outcome:   domain.OutcomeCaptured,
		Buy:       domain.Order{ID: "o1", ExecutionID: "e1", CreatedAt: at},
		Sell:      domain.Order{ID: "o2", ExecutionID: "e1", CreatedAt: at.Add(time.Millisecond)},
		StartedAt: at,
		SettledAt: &at,
	}}
	tracker := service.NewPerformanceTracker(nil, logger)
	tracker.Record(domain.Execution{ID: "e1", Outcome: domain.OutcomeCaptured, RealizedPnL: decimal.NewFromInt(5), SettledAt: &at})

	srv := NewServer(Config{APIKey: apiKey}, Handlers{
		Health: handler.NewHealthHandler("monitor", map[string]handler.Pinger{
			"redis": handler.PingFunc(func(context.Context) error { return nil }),
		}, logger),
		Books:         handler.NewBookHandler(books, quotes, logger),
		Opportunities: handler.NewOpportunityHandler(nil, nil, logger),
		Executions: handler.NewExecutionHandler(func(context.Context, int) ([]domain.Execution, error) {
			return execs, nil
		}, nil, logger),
		Stats: handler.NewStatsHandler("monitor", tracker, nil, books),
	}, nil, nil, logger)
	return srv.Handler()
}

func get(t *testing.T, h http.Handler, path string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if out != nil && rec.Code < 300 {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s: %v", rec.Body.String(), err)
		}
	}
	return rec.Code
}

func TestQuoteEndpoint(t *testing.T) {
	h := newTestServer(t, "")
	var resp struct {
		Quote  domain.ConsolidatedQuote `json:"quote"`
		Spread decimal.Decimal          `json:"spread"`
	}
	if code := get(t, h, "/api/quotes/BTC/USD", &resp); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if resp.Quote.BestBid == nil || resp.Quote.BestBid.Exchange != "beta" {
		t.Errorf("Expected best bid from beta, got %+v", resp.Quote.BestBid)
	}
	if resp.Quote.BestAsk == nil || resp.Quote.BestAsk.Exchange != "alpha" {
		t.Errorf("Expected best ask from alpha, got %+v", resp.Quote.BestAsk)
	}
	if !resp.Spread.Equal(decimal.NewFromInt(5)) {
		t.Errorf("Expected spread 5, got %s", resp.Spread)
	}

	if code := get(t, h, "/api/quotes/ETH/USD", nil); code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown symbol, got %d", code)
	}
}

func TestBooksEndpoint(t *testing.T) {
	h := newTestServer(t, "")
	var resp struct {
		Books []struct {
			Exchange string              `json:"exchange"`
			Bids     []domain.PriceLevel `json:"bids"`
		} `json:"books"`
	}
	if code := get(t, h, "/api/books/BTC/USD?depth=1", &resp); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if len(resp.Books) != 2 || resp.Books[0].Exchange != "alpha" {
		t.Fatalf("Expected alpha and beta books, got %+v", resp.Books)
	}
	if len(resp.Books[0].Bids) != 1 {
		t.Errorf("Expected depth truncated to 1, got %d", len(resp.Books[0].Bids))
	}
}

func TestExecutionsAndOrders(t *testing.T) {
	h := newTestServer(t, "")
	var execs struct {
		Executions []domain.Execution `json:"executions"`
	}
	if code := get(t, h, "/api/executions", &execs); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if len(execs.Executions) != 1 {
		t.Errorf("Expected 1 execution, got %d", len(execs.Executions))
	}

	var orders struct {
		Orders []domain.Order `json:"orders"`
	}
	if code := get(t, h, "/api/orders?execution_id=e1", &orders); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if len(orders.Orders) != 2 || orders.Orders[0].ID != "o2" {
		t.Errorf("Expected newest order o2 first, got %+v", orders.Orders)
	}
}

func TestOpportunitiesWithoutStore(t *testing.T) {
	h := newTestServer(t, "")
	if code := get(t, h, "/api/opportunities", nil); code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", code)
	}
}

func TestPerformanceAndStats(t *testing.T) {
	h := newTestServer(t, "")
	var perf domain.PerformanceSnapshot
	if code := get(t, h, "/api/performance", &perf); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if perf.TotalTrades != 1 || !perf.NetProfit.Equal(decimal.NewFromInt(5)) {
		t.Errorf("Expected 1 trade netting 5, got %d/%s", perf.TotalTrades, perf.NetProfit)
	}

	var stats struct {
		Books   book.Stats `json:"books"`
		Symbols []string   `json:"symbols"`
	}
	if code := get(t, h, "/api/stats", &stats); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if stats.Books.Books != 2 || len(stats.Symbols) != 1 {
		t.Errorf("Expected 2 books over 1 symbol, got %+v", stats)
	}
}

func TestAuthGuardsAPIButNotHealth(t *testing.T) {
	h := newTestServer(t, "secret")
	if code := get(t, h, "/api/health", nil); code != http.StatusOK {
		t.Errorf("Expected health open, got %d", code)
	}
	if code := get(t, h, "/api/stats", nil); code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", code)
	}
}
