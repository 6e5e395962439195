package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbcore/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mapBalances map[string]decimal.Decimal

func (m mapBalances) Balance(exchange, asset string) decimal.Decimal {
	return m[exchange+":"+asset]
}

type fixedPnL struct {
	pnl decimal.Decimal
	err error
}

func (f fixedPnL) DailyPnL(context.Context) (decimal.Decimal, error) { return f.pnl, f.err }

func riskOpportunity(now time.Time) domain.Opportunity {
	return domain.Opportunity{
		ID:           "opp",
		Symbol:       "BTC/USD",
		BuyExchange:  "alpha",
		SellExchange: "beta",
		BuyPrice:     d("100"),
		SellPrice:    d("105"),
		MaxQuantity:  d("2"),
		DetectedAt:   now.Add(-100 * time.Millisecond),
	}
}

func TestPreTradeCheck(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg := RiskConfig{
		MaxOpportunityAge: time.Second,
		QuantityCap:       d("5"),
		Limits: map[string]Limit{
			"alpha": {MinQuantity: d("0.5"), MaxQuantity: d("3")},
		},
		MaxDailyLoss: d("50"),
		Exchanges:    []string{"alpha", "beta"},
	}
	funded := mapBalances{"alpha:USD": d("1000"), "beta:BTC": d("10")}

	tests := []struct {
		name     string
		mutate   func(*domain.Opportunity)
		balances mapBalances
		pnl      fixedPnL
		want     domain.RejectReason
	}{
		{name: "passes", balances: funded},
		{name: "same exchange", mutate: func(o *domain.Opportunity) { o.SellExchange = "alpha" }, balances: funded, want: domain.RejectSameExchange},
		{name: "unknown exchange", mutate: func(o *domain.Opportunity) { o.SellExchange = "gamma" }, balances: funded, want: domain.RejectUnknownExchange},
		{name: "stale", mutate: func(o *domain.Opportunity) { o.DetectedAt = now.Add(-2 * time.Second) }, balances: funded, want: domain.RejectStaleOpportunity},
		{name: "over cap", mutate: func(o *domain.Opportunity) { o.MaxQuantity = d("6") }, balances: funded, want: domain.RejectQuantityOverCap},
		{name: "over exchange max", mutate: func(o *domain.Opportunity) { o.MaxQuantity = d("4") }, balances: funded, want: domain.RejectQuantityOverCap},
		{name: "below exchange min", mutate: func(o *domain.Opportunity) { o.MaxQuantity = d("0.1") }, balances: funded, want: domain.RejectBelowMinimum},
		{name: "kill switch", balances: funded, pnl: fixedPnL{pnl: d("-50")}, want: domain.RejectKillSwitch},
		{name: "loss under limit", balances: funded, pnl: fixedPnL{pnl: d("-49.99")}},
		{name: "no quote balance", balances: mapBalances{"beta:BTC": d("10")}, want: domain.RejectInsufficientBalance},
		{name: "no base balance", balances: mapBalances{"alpha:USD": d("1000")}, want: domain.RejectInsufficientBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewRiskService(cfg, tt.balances, tt.pnl, testLogger())
			svc.SetClock(func() time.Time { return now })
			opp := riskOpportunity(now)
			if tt.mutate != nil {
				tt.mutate(&opp)
			}

			err := svc.PreTradeCheck(context.Background(), opp)
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Expected pass, got %v", err)
				}
				return
			}
			re, ok := domain.AsRisk(err)
			if !ok {
				t.Fatalf("Expected risk error %s, got %v", tt.want, err)
			}
			if re.Reason != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, re.Reason)
			}
		})
	}
}

func TestPreTradeCheckFailsClosedWithoutPnL(t *testing.T) {
	boom := errors.New("store down")
	svc := NewRiskService(RiskConfig{MaxDailyLoss: d("10")}, nil, fixedPnL{err: boom}, testLogger())
	err := svc.PreTradeCheck(context.Background(), riskOpportunity(time.Now()))
	if !errors.Is(err, boom) {
		t.Fatalf("Expected wrapped pnl error, got %v", err)
	}
}

func TestPreTradeCheckRejectsEmptyQuantity(t *testing.T) {
	svc := NewRiskService(RiskConfig{}, nil, nil, testLogger())
	opp := riskOpportunity(time.Now())
	opp.MaxQuantity = decimal.Zero
	if err := svc.PreTradeCheck(context.Background(), opp); !domain.IsInvariant(err) {
		t.Fatalf("Expected invariant error, got %v", err)
	}
}
