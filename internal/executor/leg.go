package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbcore/internal/domain"
)

// leg is one order being driven by the engine together with its exchange
// handle and event inbox.
type leg struct {
	order  domain.Order
	handle domain.OrderHandle
	box    *inbox
}

func (e *Engine) newLeg(o domain.Order) *leg {
	return &leg{
		order:  o,
		handle: domain.OrderHandle{Exchange: o.Exchange, ClientID: o.ID},
		box:    e.mail.register(o.ID),
	}
}

// runLeg drives l until the exchange has finished with it: filled, rejected
// or cancelled. Gateway failures never escape as errors; they become state.
// An error is returned only when the state machine itself is violated.
func (e *Engine) runLeg(ctx context.Context, l *leg) error {
	for {
		var err error
		switch l.order.State {
		case domain.OrderCreated:
			err = e.place(ctx, l)
		case domain.OrderSubmitted, domain.OrderPartiallyFilled:
			err = e.await(ctx, l)
		case domain.OrderPendingReconcile:
			if l.order.Attempts >= e.cfg.RetryBudget {
				return e.exhaust(ctx, l)
			}
			err = e.reconcile(ctx, l)
		default:
			return nil
		}
		if err != nil {
			return fmt.Errorf("executor: %s leg %s: %w", l.order.Leg, l.order.ID, err)
		}
	}
}

// move transitions the order and reports it.
func (e *Engine) move(ctx context.Context, l *leg, to domain.OrderState, reason string) error {
	if err := l.order.Transition(to, e.now()); err != nil {
		return err
	}
	if reason != "" {
		l.order.Reason = reason
	}
	e.reporter.OrderUpdated(ctx, l.order)
	return nil
}

// place submits the order. A transport failure or timeout leaves the
// outcome unknown, so the order goes to pending_reconcile rather than being
// resubmitted blind.
func (e *Engine) place(ctx context.Context, l *leg) error {
	l.order.Attempts++
	if err := e.move(ctx, l, domain.OrderSubmitted, ""); err != nil {
		return err
	}

	req := domain.OrderRequest{
		ClientID: l.order.ID,
		Exchange: l.order.Exchange,
		Symbol:   l.order.Symbol,
		Side:     l.order.Leg,
		Price:    l.order.Price,
		Quantity: l.order.Remaining(),
	}
	subCtx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
	h, err := e.gw.SubmitOrder(subCtx, req)
	cancel()

	if err == nil {
		if h.ClientID == "" {
			h.ClientID = l.order.ID
		}
		l.handle = h
		l.order.Handle = h.String()
		e.logger.DebugContext(ctx, "order submitted",
			slog.String("order_id", l.order.ID),
			slog.String("handle", l.order.Handle),
			slog.Int("attempt", l.order.Attempts),
		)
		return nil
	}

	if ctx.Err() != nil || domain.IsRetriable(err) || errors.Is(err, context.DeadlineExceeded) {
		e.logger.WarnContext(ctx, "order submit unconfirmed",
			slog.String("order_id", l.order.ID),
			slog.String("exchange", l.order.Exchange),
			slog.Int("attempt", l.order.Attempts),
			slog.String("error", err.Error()),
		)
		return e.move(ctx, l, domain.OrderPendingReconcile, err.Error())
	}
	e.logger.WarnContext(ctx, "order submit rejected",
		slog.String("order_id", l.order.ID),
		slog.String("exchange", l.order.Exchange),
		slog.String("error", err.Error()),
	)
	return e.move(ctx, l, domain.OrderRejected, err.Error())
}

// await waits for acknowledgements. If the order is still working after the
// order timeout it is cancelled.
func (e *Engine) await(ctx context.Context, l *leg) error {
	timer := time.NewTimer(e.cfg.OrderTimeout)
	defer timer.Stop()
	for {
		if err := e.applyEvents(ctx, l); err != nil {
			return err
		}
		if l.order.State != domain.OrderSubmitted && l.order.State != domain.OrderPartiallyFilled {
			return nil
		}
		select {
		case <-l.box.signal:
		case <-timer.C:
			return e.cancelAndWait(ctx, l)
		case <-ctx.Done():
			l.order.Attempts = e.cfg.RetryBudget
			return e.move(ctx, l, domain.OrderPendingReconcile, "shutdown")
		}
	}
}

func (e *Engine) cancelAndWait(ctx context.Context, l *leg) error {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
	err := e.gw.CancelOrder(cctx, l.handle)
	cancel()
	if err != nil {
		e.logger.WarnContext(ctx, "order cancel failed",
			slog.String("order_id", l.order.ID),
			slog.String("error", err.Error()),
		)
		return e.move(ctx, l, domain.OrderPendingReconcile, "cancel failed: "+err.Error())
	}

	timer := time.NewTimer(e.cfg.OrderTimeout)
	defer timer.Stop()
	for {
		if err := e.applyEvents(ctx, l); err != nil {
			return err
		}
		if l.order.State.Resolved() {
			return nil
		}
		select {
		case <-l.box.signal:
		case <-timer.C:
			return e.move(ctx, l, domain.OrderPendingReconcile, "cancel unacknowledged")
		case <-ctx.Done():
			l.order.Attempts = e.cfg.RetryBudget
			return e.move(ctx, l, domain.OrderPendingReconcile, "shutdown")
		}
	}
}

// reconcile polls the exchange for an order whose state is unknown. An
// order the exchange has never seen and that has no fills is resubmitted
// under the same client ID.
func (e *Engine) reconcile(ctx context.Context, l *leg) error {
	if err := sleep(ctx, backoff(e.cfg.RetryBackoff, l.order.Attempts)); err != nil {
		l.order.Attempts = e.cfg.RetryBudget
		return nil
	}
	if err := e.applyEvents(ctx, l); err != nil {
		return err
	}
	if l.order.State != domain.OrderPendingReconcile {
		return nil
	}

	l.order.Attempts++
	pctx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
	rep, err := e.gw.OrderStatus(pctx, l.handle)
	cancel()
	if err != nil {
		e.logger.WarnContext(ctx, "order status poll failed",
			slog.String("order_id", l.order.ID),
			slog.Int("attempt", l.order.Attempts),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if rep.Handle.ID != "" {
		l.handle = rep.Handle
		if l.handle.ClientID == "" {
			l.handle.ClientID = l.order.ID
		}
		l.order.Handle = l.handle.String()
	}

	if rep.State == domain.RemoteUnknown {
		if l.order.FilledQuantity.IsZero() && l.order.Attempts < e.cfg.RetryBudget {
			return e.place(ctx, l)
		}
		return nil
	}

	before := l.order
	next, err := applyStatus(l.order, rep, e.now())
	if err != nil {
		return err
	}
	l.order = next
	if delta := next.FilledQuantity.Sub(before.FilledQuantity); delta.IsPositive() {
		e.books.ConsumeLiquidity(next.Exchange, next.Symbol, next.Leg.BookSide(), next.Price, delta)
	}
	if next.State != before.State || !next.FilledQuantity.Equal(before.FilledQuantity) {
		e.reporter.OrderUpdated(ctx, l.order)
	}
	return nil
}

// exhaust gives up on an order whose retry budget is spent. Any fills it
// collected are kept so compensation can close them out.
func (e *Engine) exhaust(ctx context.Context, l *leg) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.OrderTimeout)
	if err := e.gw.CancelOrder(cctx, l.handle); err != nil {
		e.logger.DebugContext(ctx, "best-effort cancel failed",
			slog.String("order_id", l.order.ID),
			slog.String("error", err.Error()),
		)
	}
	cancel()
	if err := e.applyEvents(ctx, l); err != nil {
		return err
	}
	if l.order.State != domain.OrderPendingReconcile {
		return nil
	}

	next := domain.OrderRejected
	if l.order.FilledQuantity.IsPositive() {
		next = domain.OrderCancelled
	}
	e.logger.WarnContext(ctx, "order retry budget exhausted",
		slog.String("order_id", l.order.ID),
		slog.String("exchange", l.order.Exchange),
		slog.Int("attempts", l.order.Attempts),
		slog.String("filled", l.order.FilledQuantity.String()),
	)
	return e.move(ctx, l, next, "retry budget exhausted")
}

// applyEvents folds every queued acknowledgement into the order. Fills
// consume the matching liquidity from the book store.
func (e *Engine) applyEvents(ctx context.Context, l *leg) error {
	for _, ev := range l.box.drain() {
		before := l.order.FilledQuantity
		next, err := applyEvent(l.order, ev)
		if err != nil {
			if domain.IsInvariant(err) {
				e.logger.ErrorContext(ctx, "gateway event rejected",
					slog.String("order_id", l.order.ID),
					slog.String("kind", string(ev.Kind)),
					slog.String("error", err.Error()),
				)
				continue
			}
			return err
		}
		l.order = next
		if l.handle.ID == "" && ev.Handle.ID != "" {
			l.handle = ev.Handle
			l.order.Handle = ev.Handle.String()
		}
		if delta := next.FilledQuantity.Sub(before); delta.IsPositive() {
			price := ev.Price
			if price.IsZero() {
				price = next.Price
			}
			e.books.ConsumeLiquidity(next.Exchange, next.Symbol, next.Leg.BookSide(), price, delta)
		}
		e.reporter.OrderUpdated(ctx, l.order)
	}
	return nil
}

// settleLeg moves a resolved order to settled and closes its inbox.
func (e *Engine) settleLeg(ctx context.Context, l *leg) {
	_ = e.applyEvents(ctx, l)
	if l.order.State.Resolved() && l.order.State != domain.OrderSettled || l.order.State == domain.OrderPartiallyFilled {
		if err := e.move(ctx, l, domain.OrderSettled, ""); err != nil {
			e.logger.ErrorContext(ctx, "settle order", slog.String("order_id", l.order.ID), slog.String("error", err.Error()))
		}
	} else if l.order.State != domain.OrderSettled {
		e.logger.ErrorContext(ctx, "order left unresolved",
			slog.String("order_id", l.order.ID),
			slog.String("state", string(l.order.State)),
		)
	}
	e.mail.finish(l.order)
}

// closeOutPrice picks the best opposite level on the exchange for a
// close-out order, falling back to the given price.
func (e *Engine) closeOutPrice(exchange, symbol string, side domain.OrderSide, fallback decimal.Decimal) decimal.Decimal {
	book, ok := e.books.Get(exchange, symbol)
	if !ok {
		return fallback
	}
	var lvl domain.PriceLevel
	if side == domain.OrderSideSell {
		lvl, ok = book.BestBid()
	} else {
		lvl, ok = book.BestAsk()
	}
	if !ok {
		return fallback
	}
	return lvl.Price
}
