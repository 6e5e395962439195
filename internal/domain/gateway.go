package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// OrderRequest is what the engine asks a gateway to place.
type OrderRequest struct {
	ClientID string
	Exchange string
	Symbol   string
	Side     OrderSide
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// OrderHandle identifies an order on its exchange. ID is assigned by the
// exchange; ClientID is ours and lets reconciliation find an order whose
// submission was never acknowledged.
type OrderHandle struct {
	Exchange string `json:"exchange"`
	ID       string `json:"id"`
	ClientID string `json:"client_id"`
}

func (h OrderHandle) String() string {
	return h.Exchange + "/" + h.ID
}

// GatewayEventKind is the kind of asynchronous acknowledgement.
type GatewayEventKind string

const (
	GatewayFill      GatewayEventKind = "fill"
	GatewayReject    GatewayEventKind = "reject"
	GatewayCancelAck GatewayEventKind = "cancel_ack"
)

// GatewayEvent is an asynchronous acknowledgement from an exchange. Fill
// quantities are incremental. Filled, when set, is the cumulative filled
// quantity after this event and lets replays be recognised.
type GatewayEvent struct {
	Kind     GatewayEventKind
	Handle   OrderHandle
	ClientID string
	Quantity decimal.Decimal
	Filled   decimal.Decimal
	Price    decimal.Decimal
	Fee      decimal.Decimal
	Reason   string
	At       time.Time
}

// RemoteState is the exchange's view of an order, used by reconciliation.
type RemoteState string

const (
	RemoteOpen      RemoteState = "open"
	RemoteFilled    RemoteState = "filled"
	RemotePartial   RemoteState = "partially_filled"
	RemoteRejected  RemoteState = "rejected"
	RemoteCancelled RemoteState = "cancelled"
	RemoteUnknown   RemoteState = "unknown"
)

// OrderStatusReport answers a reconciliation poll.
type OrderStatusReport struct {
	Handle         OrderHandle
	State          RemoteState
	FilledQuantity decimal.Decimal
	AvgPrice       decimal.Decimal
	Fee            decimal.Decimal // cumulative
}

// Gateway is the execution engine's port to an exchange. Submit and cancel
// block until the exchange acknowledges receipt; fills, rejects and cancel
// acknowledgements arrive on Events.
type Gateway interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderHandle, error)
	CancelOrder(ctx context.Context, handle OrderHandle) error
	OrderStatus(ctx context.Context, handle OrderHandle) (OrderStatusReport, error)
	Events() <-chan GatewayEvent
}

// BalanceSource exposes free balances per exchange and asset.
type BalanceSource interface {
	Balance(exchange, asset string) decimal.Decimal
}
