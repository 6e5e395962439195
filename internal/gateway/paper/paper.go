// Package paper simulates an exchange against the live book store so the
// engine can trade without credentials.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbcore/internal/arbitrage"
	"github.com/alanyoungcy/arbcore/internal/domain"
)

// BookReader gives the simulator read access to current books.
type BookReader interface {
	Get(exchange, symbol string) (domain.Orderbook, bool)
}

// Config tunes the simulation.
type Config struct {
	// Latency delays every acknowledgement.
	Latency time.Duration
	// RejectRate is the probability in [0,1] that an order is rejected.
	RejectRate float64
	Fees       arbitrage.FeeSchedule
	Seed       int64
}

type order struct {
	req    domain.OrderRequest
	handle domain.OrderHandle
	state  domain.RemoteState
	filled decimal.Decimal
	avg    decimal.Decimal
	fee    decimal.Decimal
}

// Gateway is a simulated exchange. Orders fill immediately, after Latency,
// against resting liquidity at or better than their limit price. Anything
// left stays open until cancelled.
type Gateway struct {
	exchange string
	books    BookReader
	journal  domain.PaperJournal
	cfg      Config
	events   chan domain.GatewayEvent
	logger   *slog.Logger

	mu       sync.Mutex
	rng      *rand.Rand
	orders   map[string]*order // handle ID -> order
	byClient map[string]string // client ID -> handle ID

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a simulated gateway for exchange. journal may be nil.
func New(exchange string, books BookReader, journal domain.PaperJournal, cfg Config, logger *slog.Logger) *Gateway {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		exchange: exchange,
		books:    books,
		journal:  journal,
		cfg:      cfg,
		events:   make(chan domain.GatewayEvent, 1024),
		logger:   logger.With(slog.String("component", "paper_gateway"), slog.String("exchange", exchange)),
		rng:      rand.New(rand.NewSource(seed)),
		orders:   make(map[string]*order),
		byClient: make(map[string]string),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SubmitOrder accepts req and schedules its execution. Resubmitting a client
// ID returns the existing handle.
func (g *Gateway) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderHandle, error) {
	if err := ctx.Err(); err != nil {
		return domain.OrderHandle{}, &domain.TransportError{Op: "submit", Exchange: g.exchange, Err: err, Timeout: true}
	}
	if req.Exchange != g.exchange {
		return domain.OrderHandle{}, fmt.Errorf("paper: %s: %w", req.Exchange, domain.ErrUnknownExchange)
	}
	if !req.Quantity.IsPositive() || !req.Price.IsPositive() {
		return domain.OrderHandle{}, &domain.InvariantError{Op: "paper_submit", Detail: fmt.Sprintf("price %s quantity %s", req.Price, req.Quantity)}
	}

	g.mu.Lock()
	if id, ok := g.byClient[req.ClientID]; ok && req.ClientID != "" {
		h := g.orders[id].handle
		g.mu.Unlock()
		return h, nil
	}
	h := domain.OrderHandle{Exchange: g.exchange, ID: "paper-" + uuid.NewString(), ClientID: req.ClientID}
	o := &order{req: req, handle: h, state: domain.RemoteOpen}
	g.orders[h.ID] = o
	if req.ClientID != "" {
		g.byClient[req.ClientID] = h.ID
	}
	reject := g.cfg.RejectRate > 0 && g.rng.Float64() < g.cfg.RejectRate
	g.mu.Unlock()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if g.cfg.Latency > 0 {
			t := time.NewTimer(g.cfg.Latency)
			defer t.Stop()
			select {
			case <-g.ctx.Done():
				return
			case <-t.C:
			}
		}
		if reject {
			g.reject(o, "simulated reject")
			return
		}
		g.match(o)
	}()
	return h, nil
}

func (g *Gateway) reject(o *order, reason string) {
	g.mu.Lock()
	if o.state != domain.RemoteOpen {
		g.mu.Unlock()
		return
	}
	o.state = domain.RemoteRejected
	g.mu.Unlock()
	g.emit(domain.GatewayEvent{Kind: domain.GatewayReject, Handle: o.handle, ClientID: o.req.ClientID, Reason: reason})
}

// match fills o against the opposite side of the book at or better than its
// limit, in one fill at the volume-weighted price.
func (g *Gateway) match(o *order) {
	book, ok := g.books.Get(g.exchange, o.req.Symbol)
	if !ok {
		g.logger.Debug("no book to match against", slog.String("symbol", o.req.Symbol))
		return
	}

	g.mu.Lock()
	if o.state != domain.RemoteOpen {
		g.mu.Unlock()
		return
	}
	remaining := o.req.Quantity.Sub(o.filled)
	qty, notional := decimal.Zero, decimal.Zero
	for _, l := range book.Levels(o.req.Side.BookSide()) {
		if !remaining.IsPositive() {
			break
		}
		if o.req.Side == domain.OrderSideBuy && l.Price.GreaterThan(o.req.Price) ||
			o.req.Side == domain.OrderSideSell && l.Price.LessThan(o.req.Price) {
			break
		}
		take := decimal.Min(remaining, l.Quantity)
		qty = qty.Add(take)
		notional = notional.Add(take.Mul(l.Price))
		remaining = remaining.Sub(take)
	}
	if !qty.IsPositive() {
		g.mu.Unlock()
		return
	}
	price := notional.Div(qty)
	fee := g.cfg.Fees.For(g.exchange).Cost(notional)
	total := o.filled.Add(qty)
	o.avg = o.avg.Mul(o.filled).Add(notional).Div(total)
	o.filled = total
	o.fee = o.fee.Add(fee)
	if o.filled.GreaterThanOrEqual(o.req.Quantity) {
		o.state = domain.RemoteFilled
	} else {
		o.state = domain.RemotePartial
	}
	ev := domain.GatewayEvent{
		Kind:     domain.GatewayFill,
		Handle:   o.handle,
		ClientID: o.req.ClientID,
		Quantity: qty,
		Filled:   total,
		Price:    price,
		Fee:      fee,
		At:       time.Now(),
	}
	g.mu.Unlock()

	if g.journal != nil {
		err := g.journal.RecordFill(g.ctx, domain.PaperFill{
			OrderID:  o.req.ClientID,
			Exchange: g.exchange,
			Symbol:   o.req.Symbol,
			Side:     o.req.Side,
			Price:    price,
			Quantity: qty,
			Fee:      fee,
			At:       ev.At,
		})
		if err != nil {
			g.logger.Warn("journal fill failed", slog.String("error", err.Error()))
		}
	}
	g.emit(ev)
}

func (g *Gateway) lookup(h domain.OrderHandle) (*order, bool) {
	id := h.ID
	if id == "" {
		id = g.byClient[h.ClientID]
	}
	o, ok := g.orders[id]
	return o, ok
}

// CancelOrder cancels whatever remains of an open order. Cancelling an order
// that already finished is a no-op.
func (g *Gateway) CancelOrder(ctx context.Context, h domain.OrderHandle) error {
	if err := ctx.Err(); err != nil {
		return &domain.TransportError{Op: "cancel", Exchange: g.exchange, Err: err, Timeout: true}
	}
	g.mu.Lock()
	o, ok := g.lookup(h)
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("paper: cancel %s: %w", h, domain.ErrUnknownHandle)
	}
	if o.state != domain.RemoteOpen && o.state != domain.RemotePartial {
		g.mu.Unlock()
		return nil
	}
	o.state = domain.RemoteCancelled
	g.mu.Unlock()
	g.emit(domain.GatewayEvent{Kind: domain.GatewayCancelAck, Handle: o.handle, ClientID: o.req.ClientID})
	return nil
}

// OrderStatus reports the simulated state. Orders never seen are unknown.
func (g *Gateway) OrderStatus(ctx context.Context, h domain.OrderHandle) (domain.OrderStatusReport, error) {
	if err := ctx.Err(); err != nil {
		return domain.OrderStatusReport{}, &domain.TransportError{Op: "status", Exchange: g.exchange, Err: err, Timeout: true}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.lookup(h)
	if !ok {
		return domain.OrderStatusReport{Handle: h, State: domain.RemoteUnknown}, nil
	}
	return domain.OrderStatusReport{
		Handle:         o.handle,
		State:          o.state,
		FilledQuantity: o.filled,
		AvgPrice:       o.avg,
		Fee:            o.fee,
	}, nil
}

// Events returns the acknowledgement stream.
func (g *Gateway) Events() <-chan domain.GatewayEvent {
	return g.events
}

func (g *Gateway) emit(ev domain.GatewayEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case g.events <- ev:
	case <-g.ctx.Done():
	}
}

// Close stops pending simulations.
func (g *Gateway) Close() {
	g.cancel()
	g.wg.Wait()
}

var _ domain.Gateway = (*Gateway)(nil)
