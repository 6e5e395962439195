package executor

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/arbcore/internal/domain"
)

// execute runs both legs concurrently, closes out any imbalance and settles.
func (e *Engine) execute(ctx context.Context, p *pending) domain.Execution {
	defer p.release()

	var g errgroup.Group
	g.Go(func() error { return e.runLeg(ctx, p.buy) })
	g.Go(func() error { return e.runLeg(ctx, p.sell) })
	if err := g.Wait(); err != nil {
		e.logger.ErrorContext(ctx, "leg failed",
			slog.String("execution_id", p.exec.ID),
			slog.String("error", err.Error()),
		)
	}

	exec := p.exec
	comp := e.compensate(ctx, &exec, p.buy, p.sell)
	return e.settle(ctx, exec, p.buy, p.sell, comp)
}

// compensate issues a close-out for the over-filled leg so the execution
// ends flat. It returns nil when the legs filled evenly.
func (e *Engine) compensate(ctx context.Context, exec *domain.Execution, buy, sell *leg) *leg {
	// Fills that raced a cancel may still be queued.
	_ = e.applyEvents(ctx, buy)
	_ = e.applyEvents(ctx, sell)
	exec.Buy, exec.Sell = buy.order, sell.order

	diff := buy.order.FilledQuantity.Sub(sell.order.FilledQuantity)
	if diff.IsZero() {
		return nil
	}
	src := buy.order
	if diff.IsNegative() {
		src = sell.order
		diff = diff.Neg()
	}
	side := src.Leg.Opposite()
	o := domain.Order{
		ID:            uuid.NewString(),
		OpportunityID: exec.Opportunity.ID,
		ExecutionID:   exec.ID,
		Leg:           side,
		Exchange:      src.Exchange,
		Symbol:        src.Symbol,
		Price:         e.closeOutPrice(src.Exchange, src.Symbol, side, src.AvgFillPrice),
		Quantity:      diff,
		State:         domain.OrderCreated,
		Compensating:  true,
		Reason:        "close out " + string(src.Leg) + " imbalance",
		CreatedAt:     e.now(),
	}
	l := e.newLeg(o)
	exec.Compensation = &o

	e.logger.WarnContext(ctx, "compensation issued",
		slog.String("execution_id", exec.ID),
		slog.String("exchange", o.Exchange),
		slog.String("side", string(o.Leg)),
		slog.String("qty", o.Quantity.String()),
		slog.String("price", o.Price.String()),
	)
	e.reporter.CompensationIssued(ctx, *exec, o)
	e.reporter.OrderUpdated(ctx, o)

	if err := e.runLeg(ctx, l); err != nil {
		e.logger.ErrorContext(ctx, "compensation failed",
			slog.String("execution_id", exec.ID),
			slog.String("error", err.Error()),
		)
	}
	return l
}

// settle moves every order to settled, books realized PnL and balances, and
// records the execution.
func (e *Engine) settle(ctx context.Context, exec domain.Execution, buy, sell, comp *leg) domain.Execution {
	legs := []*leg{buy, sell}
	if comp != nil {
		legs = append(legs, comp)
	}
	for _, l := range legs {
		e.settleLeg(ctx, l)
	}
	exec.Buy, exec.Sell = buy.order, sell.order
	if comp != nil {
		o := comp.order
		exec.Compensation = &o
	}

	buyFilled := exec.Buy.FilledQuantity
	sellFilled := exec.Sell.FilledQuantity
	switch {
	case buyFilled.IsZero() && sellFilled.IsZero():
		exec.Outcome = domain.OutcomeRejected
	case exec.Compensation == nil:
		exec.Outcome = domain.OutcomeCaptured
	case exec.Compensation.Remaining().IsPositive():
		exec.Outcome = domain.OutcomeExposed
	case buyFilled.IsZero() || sellFilled.IsZero():
		exec.Outcome = domain.OutcomeUnwound
	default:
		exec.Outcome = domain.OutcomePartial
	}

	cash, fees := decimal.Zero, decimal.Zero
	for _, o := range exec.Orders() {
		notional := o.FilledQuantity.Mul(o.AvgFillPrice)
		if o.Leg == domain.OrderSideBuy {
			cash = cash.Sub(notional)
		} else {
			cash = cash.Add(notional)
		}
		fees = fees.Add(o.Fee)
		e.ledger.ApplyFill(o.Exchange, o.Symbol, o.Leg, o.FilledQuantity, o.AvgFillPrice, o.Fee)
	}
	exec.Fees = fees
	exec.RealizedPnL = cash.Sub(fees)
	now := e.now()
	exec.SettledAt = &now

	e.mu.Lock()
	e.recent = append(e.recent, exec)
	if len(e.recent) > recentCapacity {
		e.recent = e.recent[len(e.recent)-recentCapacity:]
	}
	e.mu.Unlock()

	level := slog.LevelInfo
	if exec.Outcome == domain.OutcomeExposed {
		level = slog.LevelError
	}
	e.logger.Log(ctx, level, "execution settled",
		slog.String("execution_id", exec.ID),
		slog.String("symbol", exec.Opportunity.Symbol),
		slog.String("outcome", string(exec.Outcome)),
		slog.String("pnl", exec.RealizedPnL.String()),
		slog.String("fees", exec.Fees.String()),
	)
	e.reporter.ExecutionSettled(ctx, exec)
	return exec
}
