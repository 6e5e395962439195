package executor

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/arbcore/internal/domain"
)

// applyEvent folds one gateway acknowledgement into o and returns the new
// order. It has no side effects. Fills on an order that is already resolved
// (a fill racing a cancel) are recorded without changing state so the
// imbalance shows up in compensation.
func applyEvent(o domain.Order, ev domain.GatewayEvent) (domain.Order, error) {
	switch ev.Kind {
	case domain.GatewayFill:
		qty := ev.Quantity
		if ev.Filled.IsPositive() {
			qty = ev.Filled.Sub(o.FilledQuantity)
			if !qty.IsPositive() {
				return o, nil // replay of a fill already counted
			}
		}
		if !qty.IsPositive() {
			return o, &domain.InvariantError{Op: "apply_event", Detail: fmt.Sprintf("order %s: fill quantity %s", o.ID, ev.Quantity)}
		}
		if o.State == domain.OrderCreated {
			return o, &domain.InvariantError{Op: "apply_event", Detail: fmt.Sprintf("order %s: fill before submission", o.ID)}
		}
		o.RecordFill(qty, ev.Price)
		o.Fee = o.Fee.Add(ev.Fee)
		if o.State.Resolved() {
			return o, nil
		}
		next := domain.OrderPartiallyFilled
		if o.FullyFilled() {
			next = domain.OrderFilled
		}
		if err := o.Transition(next, ev.At); err != nil {
			return o, err
		}
		return o, nil

	case domain.GatewayReject:
		if o.State.Resolved() {
			return o, nil
		}
		next := domain.OrderRejected
		if o.FilledQuantity.IsPositive() {
			next = domain.OrderCancelled
		}
		if err := o.Transition(next, ev.At); err != nil {
			return o, err
		}
		o.Reason = ev.Reason
		return o, nil

	case domain.GatewayCancelAck:
		if o.State.Resolved() {
			return o, nil
		}
		if err := o.Transition(domain.OrderCancelled, ev.At); err != nil {
			return o, err
		}
		return o, nil
	}
	return o, &domain.InvariantError{Op: "apply_event", Detail: fmt.Sprintf("unknown event kind %q", ev.Kind)}
}

// applyStatus reconciles o against a status poll. Fills the poll reports
// beyond what o already knows are recorded at the implied price. A remote
// state of unknown leaves o untouched.
func applyStatus(o domain.Order, rep domain.OrderStatusReport, at time.Time) (domain.Order, error) {
	if rep.State == domain.RemoteUnknown {
		return o, nil
	}
	if delta := rep.FilledQuantity.Sub(o.FilledQuantity); delta.IsPositive() {
		price := rep.AvgPrice
		if o.FilledQuantity.IsPositive() {
			price = rep.AvgPrice.Mul(rep.FilledQuantity).Sub(o.AvgFillPrice.Mul(o.FilledQuantity)).Div(delta)
		}
		o.RecordFill(delta, price)
	}
	if rep.Fee.GreaterThan(o.Fee) {
		o.Fee = rep.Fee
	}

	var next domain.OrderState
	switch rep.State {
	case domain.RemoteOpen, domain.RemotePartial:
		next = domain.OrderSubmitted
		if o.FilledQuantity.IsPositive() {
			next = domain.OrderPartiallyFilled
		}
	case domain.RemoteFilled:
		next = domain.OrderFilled
	case domain.RemoteRejected:
		next = domain.OrderRejected
		if o.FilledQuantity.IsPositive() {
			next = domain.OrderCancelled
		}
	case domain.RemoteCancelled:
		next = domain.OrderCancelled
	default:
		return o, &domain.InvariantError{Op: "apply_status", Detail: fmt.Sprintf("unknown remote state %q", rep.State)}
	}
	if o.State == next {
		return o, nil
	}
	if err := o.Transition(next, at); err != nil {
		return o, err
	}
	return o, nil
}
