package paper

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbcore/internal/arbitrage"
	"github.com/alanyoungcy/arbcore/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type staticBooks map[string]domain.Orderbook

func (b staticBooks) Get(exchange, symbol string) (domain.Orderbook, bool) {
	book, ok := b[exchange+":"+symbol]
	return book, ok
}

type memJournal struct {
	mu    sync.Mutex
	fills []domain.PaperFill
}

func (j *memJournal) RecordFill(_ context.Context, f domain.PaperFill) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.fills = append(j.fills, f)
	return nil
}

func (j *memJournal) RecordSnapshot(context.Context, domain.PerformanceSnapshot) error { return nil }

func (j *memJournal) Fills(context.Context, int) ([]domain.PaperFill, error) { return nil, nil }

func (j *memJournal) LatestSnapshot(context.Context) (domain.PerformanceSnapshot, error) {
	return domain.PerformanceSnapshot{}, domain.ErrNotFound
}

func newGateway(t *testing.T, cfg Config, journal domain.PaperJournal) *Gateway {
	t.Helper()
	books := staticBooks{"alpha:BTC/USD": {
		Exchange: "alpha", Symbol: "BTC/USD",
		Bids: []domain.PriceLevel{{Price: d("99"), Quantity: d("1")}},
		Asks: []domain.PriceLevel{
			{Price: d("100"), Quantity: d("1")},
			{Price: d("101"), Quantity: d("1")},
			{Price: d("103"), Quantity: d("5")},
		},
	}}
	g := New("alpha", books, journal, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(g.Close)
	return g
}

func next(t *testing.T, g *Gateway) domain.GatewayEvent {
	t.Helper()
	select {
	case ev := <-g.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for gateway event")
		return domain.GatewayEvent{}
	}
}

func buy(clientID, price, qty string) domain.OrderRequest {
	return domain.OrderRequest{ClientID: clientID, Exchange: "alpha", Symbol: "BTC/USD", Side: domain.OrderSideBuy, Price: d(price), Quantity: d(qty)}
}

func TestSubmitFillsAgainstBook(t *testing.T) {
	journal := &memJournal{}
	fees := arbitrage.FeeSchedule{Default: arbitrage.Fee{Flat: d("0.5")}}
	g := newGateway(t, Config{Fees: fees}, journal)

	h, err := g.SubmitOrder(context.Background(), buy("c1", "101", "2"))
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	ev := next(t, g)
	if ev.Kind != domain.GatewayFill || ev.ClientID != "c1" {
		t.Fatalf("Expected fill for c1, got %+v", ev)
	}
	if !ev.Quantity.Equal(d("2")) || !ev.Price.Equal(d("100.5")) || !ev.Fee.Equal(d("0.5")) {
		t.Errorf("Expected 2 @ 100.5 fee 0.5, got %s @ %s fee %s", ev.Quantity, ev.Price, ev.Fee)
	}

	rep, err := g.OrderStatus(context.Background(), h)
	if err != nil {
		t.Fatalf("OrderStatus: %v", err)
	}
	if rep.State != domain.RemoteFilled || !rep.FilledQuantity.Equal(d("2")) {
		t.Errorf("Expected filled 2, got %s %s", rep.State, rep.FilledQuantity)
	}
	if len(journal.fills) != 1 {
		t.Errorf("Expected 1 journaled fill, got %d", len(journal.fills))
	}

	again, err := g.SubmitOrder(context.Background(), buy("c1", "101", "2"))
	if err != nil || again.ID != h.ID {
		t.Errorf("Expected resubmission to return %s, got %s (%v)", h.ID, again.ID, err)
	}
}

func TestSubmitPartialThenCancel(t *testing.T) {
	g := newGateway(t, Config{}, nil)

	h, err := g.SubmitOrder(context.Background(), buy("c2", "100", "3"))
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	ev := next(t, g)
	if !ev.Quantity.Equal(d("1")) {
		t.Fatalf("Expected partial fill of 1, got %s", ev.Quantity)
	}
	if err := g.CancelOrder(context.Background(), h); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if ev := next(t, g); ev.Kind != domain.GatewayCancelAck {
		t.Errorf("Expected cancel ack, got %s", ev.Kind)
	}
	rep, _ := g.OrderStatus(context.Background(), domain.OrderHandle{Exchange: "alpha", ClientID: "c2"})
	if rep.State != domain.RemoteCancelled || !rep.FilledQuantity.Equal(d("1")) {
		t.Errorf("Expected cancelled with 1 filled, got %s %s", rep.State, rep.FilledQuantity)
	}
}

func TestSubmitRejects(t *testing.T) {
	g := newGateway(t, Config{RejectRate: 1}, nil)
	if _, err := g.SubmitOrder(context.Background(), buy("c3", "101", "1")); err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if ev := next(t, g); ev.Kind != domain.GatewayReject {
		t.Errorf("Expected reject, got %s", ev.Kind)
	}
}

func TestUnknownOrders(t *testing.T) {
	g := newGateway(t, Config{}, nil)
	rep, err := g.OrderStatus(context.Background(), domain.OrderHandle{Exchange: "alpha", ClientID: "nope"})
	if err != nil || rep.State != domain.RemoteUnknown {
		t.Errorf("Expected unknown, got %s (%v)", rep.State, err)
	}
	if err := g.CancelOrder(context.Background(), domain.OrderHandle{Exchange: "alpha", ID: "nope"}); err == nil {
		t.Error("Expected error cancelling an unknown order")
	}
	if _, err := g.SubmitOrder(context.Background(), domain.OrderRequest{ClientID: "x", Exchange: "beta", Price: d("1"), Quantity: d("1")}); err == nil {
		t.Error("Expected error for a foreign exchange")
	}
}
