// Package executor turns accepted opportunities into paired buy and sell
// orders, drives each order through its state machine, and closes out any
// imbalance before an execution is settled.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbcore/internal/arbitrage"
	"github.com/alanyoungcy/arbcore/internal/domain"
)

// Config controls order timing and retries.
type Config struct {
	// RetryBudget bounds submissions plus status polls per order.
	RetryBudget int
	// OrderTimeout bounds each gateway call and the wait for an
	// acknowledgement.
	OrderTimeout time.Duration
	// RetryBackoff is the base delay before a status poll, doubled per
	// attempt.
	RetryBackoff time.Duration
	// LockTTL is the lifetime of the distributed per-symbol lock.
	LockTTL time.Duration
	// DedupTTL is how long an opportunity ID stays consumed.
	DedupTTL time.Duration
	// Fees estimates the buy-leg fee reserved up front.
	Fees arbitrage.FeeSchedule
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		RetryBudget:  3,
		OrderTimeout: 3 * time.Second,
		RetryBackoff: 200 * time.Millisecond,
		LockTTL:      30 * time.Second,
		DedupTTL:     10 * time.Minute,
	}
}

// RiskChecker vets an opportunity before any balance is reserved.
type RiskChecker interface {
	PreTradeCheck(ctx context.Context, opp domain.Opportunity) error
}

// Sizer picks the quantity to trade for an opportunity. It may shrink the
// opportunity but never grow it.
type Sizer interface {
	Size(ctx context.Context, opp domain.Opportunity) (decimal.Decimal, error)
}

// BookAccess is the slice of the book store the engine needs.
type BookAccess interface {
	Get(exchange, symbol string) (domain.Orderbook, bool)
	ConsumeLiquidity(exchange, symbol string, side domain.Side, price, qty decimal.Decimal)
}

// Reporter receives every lifecycle transition. Implementations must not
// block for long and must not fail the trading path.
type Reporter interface {
	OpportunityAccepted(ctx context.Context, opp domain.Opportunity, executionID string)
	OpportunityRejected(ctx context.Context, opp domain.Opportunity, err error)
	OrderUpdated(ctx context.Context, order domain.Order)
	CompensationIssued(ctx context.Context, exec domain.Execution, order domain.Order)
	ExecutionSettled(ctx context.Context, exec domain.Execution)
}

type nopReporter struct{}

func (nopReporter) OpportunityAccepted(context.Context, domain.Opportunity, string)   {}
func (nopReporter) OpportunityRejected(context.Context, domain.Opportunity, error)    {}
func (nopReporter) OrderUpdated(context.Context, domain.Order)                        {}
func (nopReporter) CompensationIssued(context.Context, domain.Execution, domain.Order) {}
func (nopReporter) ExecutionSettled(context.Context, domain.Execution)                {}

// Option customizes an Engine.
type Option func(*Engine)

// WithReporter sets the lifecycle reporter.
func WithReporter(r Reporter) Option {
	return func(e *Engine) { e.reporter = r }
}

// WithLocks adds a distributed per-symbol lock on top of the local guard.
func WithLocks(l domain.LockManager) Option {
	return func(e *Engine) { e.locks = l }
}

// WithSizer sizes every opportunity before its risk check.
func WithSizer(s Sizer) Option {
	return func(e *Engine) { e.sizer = s }
}

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

const recentCapacity = 200

// Engine executes opportunities against a gateway. It owns every order it
// creates for the order's whole lifecycle.
type Engine struct {
	cfg      Config
	gw       domain.Gateway
	risk     RiskChecker
	sizer    Sizer
	ledger   *Ledger
	books    BookAccess
	guard    *Guard
	locks    domain.LockManager
	reporter Reporter
	mail     *mailbox
	logger   *slog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // executions and late close-outs
	done   chan struct{}  // closed when the event router exits

	mu     sync.Mutex
	closed bool
	recent []domain.Execution
}

// New creates an engine and starts routing gateway events. Call Close to
// stop it.
func New(cfg Config, gw domain.Gateway, risk RiskChecker, ledger *Ledger, books BookAccess, logger *slog.Logger, opts ...Option) *Engine {
	if cfg.RetryBudget < 1 {
		cfg.RetryBudget = 1
	}
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = DefaultConfig().OrderTimeout
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = DefaultConfig().DedupTTL
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:      cfg,
		gw:       gw,
		risk:     risk,
		ledger:   ledger,
		books:    books,
		guard:    NewGuard(cfg.DedupTTL),
		reporter: nopReporter{},
		mail:     newMailbox(),
		logger:   logger.With(slog.String("component", "executor")),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	go e.routeEvents()
	return e
}

// Submit accepts opp and executes it synchronously, returning the settled
// execution. Pre-trade failures return a *domain.RiskError and leave no
// orders behind. Once accepted, the execution runs to settlement even if
// ctx is cancelled.
func (e *Engine) Submit(ctx context.Context, opp domain.Opportunity) (domain.Execution, error) {
	if !e.begin() {
		return domain.Execution{}, domain.ErrEngineClosed
	}
	defer e.wg.Done()
	p, err := e.accept(ctx, opp)
	if err != nil {
		return domain.Execution{}, err
	}
	return e.execute(context.WithoutCancel(ctx), p), nil
}

// Run consumes opportunities until ctx is cancelled or opps is closed.
// Accepted executions run concurrently and are allowed to finish after ctx
// is cancelled; Run waits for them before returning.
func (e *Engine) Run(ctx context.Context, opps <-chan domain.Opportunity) error {
	e.logger.InfoContext(ctx, "execution engine started")
	defer e.logger.Info("execution engine stopped")

	cleanup := time.NewTicker(e.cfg.DedupTTL)
	defer cleanup.Stop()

	for {
		select {
		case now := <-cleanup.C:
			e.guard.Cleanup(now)
		case <-ctx.Done():
			e.wg.Wait()
			return ctx.Err()
		case opp, ok := <-opps:
			if !ok {
				e.wg.Wait()
				return nil
			}
			if !e.begin() {
				e.wg.Wait()
				return domain.ErrEngineClosed
			}
			p, err := e.accept(ctx, opp)
			if err != nil {
				e.wg.Done()
				continue
			}
			go func() {
				defer e.wg.Done()
				e.execute(context.WithoutCancel(ctx), p)
			}()
		}
	}
}

// InFlight returns the symbols currently being executed.
func (e *Engine) InFlight() []string {
	return e.guard.Symbols()
}

// Recent returns up to n settled executions, newest first.
func (e *Engine) Recent(n int) []domain.Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n <= 0 || n > len(e.recent) {
		n = len(e.recent)
	}
	out := make([]domain.Execution, 0, n)
	for i := len(e.recent) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, e.recent[i])
	}
	return out
}

// Balances returns the ledger balances.
func (e *Engine) Balances() []Balance {
	return e.ledger.Balances()
}

// Close refuses new work, waits for running executions to settle and stops
// the event router.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.wg.Wait()
	e.cancel()
	<-e.done
	e.wg.Wait() // close-outs started by the router while draining
}

// begin registers a unit of work unless the engine is closed. The closed
// check and the Add share e.mu so Close never waits on a stale count.
func (e *Engine) begin() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.wg.Add(1)
	return true
}

// pending is an accepted execution whose orders have not been placed yet.
type pending struct {
	exec    domain.Execution
	buy     *leg
	sell    *leg
	release func()
}

func (e *Engine) accept(ctx context.Context, opp domain.Opportunity) (*pending, error) {
	now := e.now()
	if e.guard.Seen(opp.ID, now) {
		return nil, e.reject(ctx, opp, &domain.RiskError{Reason: domain.RejectDuplicate, Detail: opp.ID})
	}
	if e.sizer != nil {
		qty, err := e.sizer.Size(ctx, opp)
		if err != nil {
			return nil, e.reject(ctx, opp, err)
		}
		if qty.LessThan(opp.MaxQuantity) {
			opp = e.resize(opp, qty)
		}
	}
	if e.risk != nil {
		if err := e.risk.PreTradeCheck(ctx, opp); err != nil {
			return nil, e.reject(ctx, opp, err)
		}
	}

	execID := uuid.NewString()
	if !e.guard.TryAcquire(opp.Symbol, execID) {
		return nil, e.reject(ctx, opp, &domain.RiskError{Reason: domain.RejectSymbolInFlight, Detail: opp.Symbol})
	}
	unlock := func() {}
	if e.locks != nil {
		u, err := e.locks.Acquire(ctx, "arbcore:exec:"+opp.Symbol, e.cfg.LockTTL)
		if err != nil {
			e.guard.Release(opp.Symbol, execID)
			if errors.Is(err, domain.ErrLockHeld) {
				err = &domain.RiskError{Reason: domain.RejectSymbolInFlight, Detail: opp.Symbol + " locked by another process"}
			} else {
				err = fmt.Errorf("executor: lock %s: %w", opp.Symbol, err)
			}
			return nil, e.reject(ctx, opp, err)
		}
		unlock = u
	}

	base, quote := domain.SplitSymbol(opp.Symbol)
	buyNotional := opp.BuyNotional()
	fee := e.cfg.Fees.Fee(opp.BuyExchange, buyNotional)
	err := e.ledger.Reserve(execID,
		Hold{Exchange: opp.BuyExchange, Asset: quote, Amount: buyNotional.Add(fee)},
		Hold{Exchange: opp.SellExchange, Asset: base, Amount: opp.MaxQuantity},
	)
	if err != nil {
		e.guard.Release(opp.Symbol, execID)
		unlock()
		return nil, e.reject(ctx, opp, err)
	}

	exec := domain.Execution{
		ID:          execID,
		Opportunity: opp,
		Outcome:     domain.OutcomePending,
		StartedAt:   now,
	}
	exec.Buy = e.newOrder(exec, domain.OrderSideBuy, opp.BuyExchange, opp.BuyPrice, opp.MaxQuantity)
	exec.Sell = e.newOrder(exec, domain.OrderSideSell, opp.SellExchange, opp.SellPrice, opp.MaxQuantity)

	p := &pending{
		exec: exec,
		buy:  e.newLeg(exec.Buy),
		sell: e.newLeg(exec.Sell),
		release: func() {
			e.ledger.Release(execID)
			e.guard.Release(opp.Symbol, execID)
			unlock()
		},
	}

	e.logger.InfoContext(ctx, "opportunity accepted",
		slog.String("execution_id", execID),
		slog.String("opportunity_id", opp.ID),
		slog.String("symbol", opp.Symbol),
		slog.String("buy", opp.BuyExchange),
		slog.String("sell", opp.SellExchange),
		slog.String("qty", opp.MaxQuantity.String()),
	)
	e.reporter.OpportunityAccepted(ctx, opp, execID)
	e.reporter.OrderUpdated(ctx, exec.Buy)
	e.reporter.OrderUpdated(ctx, exec.Sell)
	return p, nil
}

// resize shrinks opp to qty. Flat fees stay whole; the notional-based part
// of the estimated costs scales with the quantity.
func (e *Engine) resize(opp domain.Opportunity, qty decimal.Decimal) domain.Opportunity {
	flat := e.cfg.Fees.For(opp.BuyExchange).Flat.Add(e.cfg.Fees.For(opp.SellExchange).Flat)
	variable := opp.Fees.Sub(flat)
	if variable.IsNegative() {
		variable = decimal.Zero
	}
	if opp.MaxQuantity.IsPositive() {
		variable = variable.Mul(qty).Div(opp.MaxQuantity)
	}
	opp.MaxQuantity = qty
	opp.Fees = flat.Add(variable)
	opp.ExpectedNetProfit = opp.GrossSpread().Mul(qty).Sub(opp.Fees)
	return opp
}

func (e *Engine) reject(ctx context.Context, opp domain.Opportunity, err error) error {
	attrs := []any{
		slog.String("opportunity_id", opp.ID),
		slog.String("symbol", opp.Symbol),
		slog.String("error", err.Error()),
	}
	if _, ok := domain.AsRisk(err); ok {
		e.logger.InfoContext(ctx, "opportunity rejected", attrs...)
	} else {
		e.logger.WarnContext(ctx, "opportunity rejected", attrs...)
	}
	e.reporter.OpportunityRejected(ctx, opp, err)
	return err
}

func (e *Engine) newOrder(exec domain.Execution, side domain.OrderSide, exchange string, price, qty decimal.Decimal) domain.Order {
	return domain.Order{
		ID:            uuid.NewString(),
		OpportunityID: exec.Opportunity.ID,
		ExecutionID:   exec.ID,
		Leg:           side,
		Exchange:      exchange,
		Symbol:        exec.Opportunity.Symbol,
		Price:         price,
		Quantity:      qty,
		State:         domain.OrderCreated,
		CreatedAt:     e.now(),
	}
}

// routeEvents delivers gateway events to the inbox of their order until the
// engine is closed.
func (e *Engine) routeEvents() {
	defer close(e.done)
	events := e.gw.Events()
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.At.IsZero() {
				ev.At = e.now()
			}
			e.route(ev)
		}
	}
}

func (e *Engine) route(ev domain.GatewayEvent) {
	id := ev.ClientID
	if id == "" {
		id = ev.Handle.ClientID
	}
	if e.mail.deliver(id, ev) {
		return
	}
	if f, ok := e.mail.lookupFinished(id); ok && ev.Kind == domain.GatewayFill && ev.Quantity.IsPositive() {
		e.lateFill(ev, id, f)
		return
	}
	e.logger.Warn("orphan gateway event",
		slog.String("kind", string(ev.Kind)),
		slog.String("client_id", id),
		slog.String("handle", ev.Handle.String()),
	)
}

// lateFill closes out a fill that arrived after its order was settled. The
// position it opened is never left unreported.
func (e *Engine) lateFill(ev domain.GatewayEvent, orderID string, f finishedOrder) {
	e.logger.Error("late fill after settlement",
		slog.String("order_id", orderID),
		slog.String("execution_id", f.ExecutionID),
		slog.String("exchange", f.Exchange),
		slog.String("qty", ev.Quantity.String()),
	)
	e.ledger.ApplyFill(f.Exchange, f.Symbol, f.Leg, ev.Quantity, ev.Price, ev.Fee)

	side := f.Leg.Opposite()
	o := domain.Order{
		ID:           uuid.NewString(),
		ExecutionID:  f.ExecutionID,
		Leg:          side,
		Exchange:     f.Exchange,
		Symbol:       f.Symbol,
		Price:        e.closeOutPrice(f.Exchange, f.Symbol, side, ev.Price),
		Quantity:     ev.Quantity,
		State:        domain.OrderCreated,
		Compensating: true,
		Reason:       "late fill on " + orderID,
		CreatedAt:    e.now(),
	}
	l := e.newLeg(o)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx := context.WithoutCancel(e.ctx)
		e.reporter.OrderUpdated(ctx, o)
		if err := e.runLeg(ctx, l); err != nil {
			e.logger.Error("late fill close-out failed", slog.String("order_id", o.ID), slog.String("error", err.Error()))
		}
		e.settleLeg(ctx, l)
		o := l.order
		e.ledger.ApplyFill(o.Exchange, o.Symbol, o.Leg, o.FilledQuantity, o.AvgFillPrice, o.Fee)
	}()
}
