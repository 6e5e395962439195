package executor

import (
	"testing"
	"time"

	"github.com/alanyoungcy/arbcore/internal/domain"
)

func submittedOrder() domain.Order {
	return domain.Order{ID: "o1", Leg: domain.OrderSideBuy, Quantity: d("3"), Price: d("10"), State: domain.OrderSubmitted}
}

func fill(qty, price string) domain.GatewayEvent {
	return domain.GatewayEvent{Kind: domain.GatewayFill, Quantity: d(qty), Price: d(price), At: time.Now()}
}

func TestApplyEvent(t *testing.T) {
	t.Run("partial then full fill", func(t *testing.T) {
		o, err := applyEvent(submittedOrder(), fill("1", "10"))
		if err != nil {
			t.Fatalf("applyEvent: %v", err)
		}
		if o.State != domain.OrderPartiallyFilled {
			t.Errorf("Expected partially_filled, got %s", o.State)
		}
		o, err = applyEvent(o, fill("2", "13"))
		if err != nil {
			t.Fatalf("applyEvent: %v", err)
		}
		if o.State != domain.OrderFilled {
			t.Errorf("Expected filled, got %s", o.State)
		}
		if !o.AvgFillPrice.Equal(d("12")) {
			t.Errorf("Expected vwap 12, got %s", o.AvgFillPrice)
		}
		if o.ResolvedAt == nil {
			t.Error("Expected resolved timestamp")
		}
	})

	t.Run("replayed cumulative fill is ignored", func(t *testing.T) {
		ev := fill("1", "10")
		ev.Filled = d("1")
		o, _ := applyEvent(submittedOrder(), ev)
		o, err := applyEvent(o, ev)
		if err != nil {
			t.Fatalf("applyEvent: %v", err)
		}
		if !o.FilledQuantity.Equal(d("1")) {
			t.Errorf("Expected filled 1, got %s", o.FilledQuantity)
		}
	})

	t.Run("reject after partial fill cancels", func(t *testing.T) {
		o, _ := applyEvent(submittedOrder(), fill("1", "10"))
		o, err := applyEvent(o, domain.GatewayEvent{Kind: domain.GatewayReject, Reason: "expired"})
		if err != nil {
			t.Fatalf("applyEvent: %v", err)
		}
		if o.State != domain.OrderCancelled || o.Reason != "expired" {
			t.Errorf("Expected cancelled/expired, got %s/%s", o.State, o.Reason)
		}
	})

	t.Run("fill after cancel keeps state", func(t *testing.T) {
		o, _ := applyEvent(submittedOrder(), domain.GatewayEvent{Kind: domain.GatewayCancelAck})
		o, err := applyEvent(o, fill("1", "10"))
		if err != nil {
			t.Fatalf("applyEvent: %v", err)
		}
		if o.State != domain.OrderCancelled || !o.FilledQuantity.Equal(d("1")) {
			t.Errorf("Expected cancelled with 1 filled, got %s with %s", o.State, o.FilledQuantity)
		}
	})

	t.Run("fill before submission", func(t *testing.T) {
		o := submittedOrder()
		o.State = domain.OrderCreated
		if _, err := applyEvent(o, fill("1", "10")); !domain.IsInvariant(err) {
			t.Errorf("Expected invariant error, got %v", err)
		}
	})
}

func TestApplyStatus(t *testing.T) {
	pendingOrder := func() domain.Order {
		o := submittedOrder()
		o.State = domain.OrderPendingReconcile
		return o
	}

	tests := []struct {
		name   string
		report domain.OrderStatusReport
		want   domain.OrderState
		filled string
	}{
		{"open", domain.OrderStatusReport{State: domain.RemoteOpen}, domain.OrderSubmitted, "0"},
		{"partial", domain.OrderStatusReport{State: domain.RemotePartial, FilledQuantity: d("1"), AvgPrice: d("10")}, domain.OrderPartiallyFilled, "1"},
		{"filled", domain.OrderStatusReport{State: domain.RemoteFilled, FilledQuantity: d("3"), AvgPrice: d("10")}, domain.OrderFilled, "3"},
		{"rejected", domain.OrderStatusReport{State: domain.RemoteRejected}, domain.OrderRejected, "0"},
		{"cancelled with fill", domain.OrderStatusReport{State: domain.RemoteCancelled, FilledQuantity: d("2"), AvgPrice: d("10")}, domain.OrderCancelled, "2"},
		{"unknown", domain.OrderStatusReport{State: domain.RemoteUnknown}, domain.OrderPendingReconcile, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := applyStatus(pendingOrder(), tt.report, time.Now())
			if err != nil {
				t.Fatalf("applyStatus: %v", err)
			}
			if o.State != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, o.State)
			}
			if !o.FilledQuantity.Equal(d(tt.filled)) {
				t.Errorf("Expected filled %s, got %s", tt.filled, o.FilledQuantity)
			}
		})
	}
}
