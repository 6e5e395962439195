package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether a leg buys or sells.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the side that closes a position opened by s.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// BookSide returns the book side an order of this side consumes.
func (s OrderSide) BookSide() Side {
	if s == OrderSideBuy {
		return SideAsk
	}
	return SideBid
}

// OrderState is the lifecycle state of an Order.
type OrderState string

const (
	OrderCreated          OrderState = "created"
	OrderSubmitted        OrderState = "submitted"
	OrderPartiallyFilled  OrderState = "partially_filled"
	OrderFilled           OrderState = "filled"
	OrderRejected         OrderState = "rejected"
	OrderCancelled        OrderState = "cancelled"
	OrderPendingReconcile OrderState = "pending_reconcile"
	OrderSettled          OrderState = "settled"
)

// transitions lists every allowed edge of the order state machine.
var transitions = map[OrderState][]OrderState{
	OrderCreated:          {OrderSubmitted, OrderRejected},
	OrderSubmitted:        {OrderPartiallyFilled, OrderFilled, OrderRejected, OrderCancelled, OrderPendingReconcile},
	OrderPartiallyFilled:  {OrderPartiallyFilled, OrderFilled, OrderCancelled, OrderPendingReconcile, OrderSettled},
	OrderPendingReconcile: {OrderSubmitted, OrderPartiallyFilled, OrderFilled, OrderRejected, OrderCancelled},
	OrderFilled:           {OrderSettled},
	OrderRejected:         {OrderSettled},
	OrderCancelled:        {OrderSettled},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to OrderState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Resolved reports whether the exchange has finished with the order: no
// further fills can arrive.
func (s OrderState) Resolved() bool {
	switch s {
	case OrderFilled, OrderRejected, OrderCancelled, OrderSettled:
		return true
	}
	return false
}

// Order is one leg sent to an exchange. Owned by the execution engine for its
// whole lifecycle.
type Order struct {
	ID             string          `json:"id"`
	OpportunityID  string          `json:"opportunity_id"`
	ExecutionID    string          `json:"execution_id"`
	Leg            OrderSide       `json:"leg"`
	Exchange       string          `json:"exchange"`
	Symbol         string          `json:"symbol"`
	Price          decimal.Decimal `json:"price"`
	Quantity       decimal.Decimal `json:"quantity"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price"`
	Fee            decimal.Decimal `json:"fee"`
	State          OrderState      `json:"state"`
	Handle         string          `json:"handle,omitempty"`
	Attempts       int             `json:"attempts"`
	Compensating   bool            `json:"compensating"`
	Reason         string          `json:"reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	SubmittedAt    *time.Time      `json:"submitted_at,omitempty"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
}

// Transition moves the order to the next state, stamping submission and
// resolution times. Illegal edges return *InvariantError and leave the order
// unchanged.
func (o *Order) Transition(to OrderState, at time.Time) error {
	if !CanTransition(o.State, to) {
		return &InvariantError{
			Op:     "order_transition",
			Detail: fmt.Sprintf("order %s: %s -> %s not allowed", o.ID, o.State, to),
		}
	}
	o.State = to
	switch {
	case to == OrderSubmitted && o.SubmittedAt == nil:
		t := at
		o.SubmittedAt = &t
	case to.Resolved() && to != OrderSettled && o.ResolvedAt == nil:
		t := at
		o.ResolvedAt = &t
	}
	return nil
}

// RecordFill folds an incremental fill into the order's filled quantity and
// volume-weighted average price.
func (o *Order) RecordFill(qty, price decimal.Decimal) {
	if !qty.IsPositive() {
		return
	}
	total := o.FilledQuantity.Add(qty)
	o.AvgFillPrice = o.AvgFillPrice.Mul(o.FilledQuantity).Add(price.Mul(qty)).Div(total)
	o.FilledQuantity = total
}

// Remaining returns the unfilled quantity.
func (o Order) Remaining() decimal.Decimal {
	r := o.Quantity.Sub(o.FilledQuantity)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// FullyFilled reports whether the filled quantity covers the order.
func (o Order) FullyFilled() bool {
	return o.FilledQuantity.GreaterThanOrEqual(o.Quantity)
}
