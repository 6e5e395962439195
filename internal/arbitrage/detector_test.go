package arbitrage

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

func side(ex, price, qty string, updated int64) domain.QuoteSide {
	return domain.QuoteSide{
		Exchange:  ex,
		Level:     domain.PriceLevel{Price: d(price), Quantity: d(qty)},
		UpdatedAt: updated,
	}
}

type fixedQuotes map[string][2][]domain.QuoteSide

func (f fixedQuotes) Sides(symbol string) ([]domain.QuoteSide, []domain.QuoteSide) {
	q := f[symbol]
	return q[0], q[1]
}

func newDetector(cfg Config, quotes QuoteSource) *Detector {
	det := NewDetector(cfg, quotes, slog.New(slog.NewTextHandler(io.Discard, nil)))
	det.SetClock(func() time.Time { return time.Unix(1_700_000_000, 0) })
	return det
}

func flatFees(fee string) FeeSchedule {
	return FeeSchedule{Default: Fee{Flat: d(fee)}}
}

func TestScanWorkedExample(t *testing.T) {
	quotes := fixedQuotes{"BTC/USDT": {
		{side("A", "102", "5", 1)},
		{side("B", "100", "3", 1)},
	}}
	det := newDetector(Config{Fees: flatFees("0.5")}, quotes)

	opps, err := det.Scan(context.Background(), "BTC/USDT")
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(opps) != 1 {
		t.Fatalf("Expected 1 opportunity, got %d", len(opps))
	}
	o := opps[0]
	if o.BuyExchange != "B" || o.SellExchange != "A" {
		t.Errorf("Expected buy B / sell A, got %s / %s", o.BuyExchange, o.SellExchange)
	}
	if !o.MaxQuantity.Equal(d("3")) {
		t.Errorf("Expected max quantity 3, got %s", o.MaxQuantity)
	}
	if !o.ExpectedNetProfit.Equal(d("5")) {
		t.Errorf("Expected net profit 5, got %s", o.ExpectedNetProfit)
	}
	if !o.Fees.Equal(d("1")) {
		t.Errorf("Expected fees 1, got %s", o.Fees)
	}
	if o.RiskScore != 0.3 {
		t.Errorf("Expected risk score 0.3 for a trade taking the whole ask level, got %v", o.RiskScore)
	}
}

func TestRiskScore(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	ms := at.UnixMilli()
	tests := []struct {
		name       string
		net        string
		bid, ask   domain.QuoteSide
		staleAfter time.Duration
		want       float64
	}{
		{"wide margin shallow take", "5", side("A", "105", "10", ms), side("B", "100", "10", ms), 0, 0.03},
		{"thin margin whole level", "0.1", side("A", "100.2", "1", ms), side("B", "100", "1", ms), 0, 0.66},
		{"half stale book", "5", side("A", "105", "10", ms), side("B", "100", "10", ms-1000), 2 * time.Second, 0.18},
		{"stale past threshold", "5", side("A", "105", "10", ms-5000), side("B", "100", "10", ms), 2 * time.Second, 0.33},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opp := domain.Opportunity{
				BuyPrice:          tt.ask.Level.Price,
				SellPrice:         tt.bid.Level.Price,
				MaxQuantity:       d("1"),
				ExpectedNetProfit: d(tt.net),
				DetectedAt:        at,
			}
			if got := RiskScore(opp, tt.bid, tt.ask, tt.staleAfter); got != tt.want {
				t.Errorf("Expected risk score %v, got %v", tt.want, got)
			}
		})
	}
}

func TestScanFiltersSameExchange(t *testing.T) {
	quotes := fixedQuotes{"ETH/USDT": {
		{side("A", "105", "1", 1), side("C", "101", "1", 1)},
		{side("A", "100", "1", 1)},
	}}
	det := newDetector(Config{Fees: flatFees("0")}, quotes)

	opps, _ := det.Scan(context.Background(), "ETH/USDT")
	if len(opps) != 1 {
		t.Fatalf("Expected only the cross-exchange pair, got %d", len(opps))
	}
	if opps[0].SellExchange != "C" || opps[0].BuyExchange != "A" {
		t.Errorf("Expected buy A / sell C, got %+v", opps[0])
	}
}

func TestScanThresholds(t *testing.T) {
	quotes := fixedQuotes{"X": {
		{side("A", "101", "10", 1)},
		{side("B", "100", "10", 1)},
	}}

	tests := []struct {
		name string
		cfg  Config
		want int
	}{
		{"spread equals hurdle is not an opportunity", Config{Fees: flatFees("0.5")}, 0},
		{"margin blocks", Config{Fees: flatFees("0.2"), MinProfitMargin: d("0.7")}, 0},
		{"clears hurdle", Config{Fees: flatFees("0.2")}, 1},
		{"below minimum net threshold", Config{Fees: flatFees("0.2"), MinProfitThreshold: d("100")}, 0},
		{"taker fees eat profit", Config{Fees: FeeSchedule{Default: Fee{TakerBps: d("60")}}}, 0},
		{"slippage eats profit", Config{SlippageBps: d("60")}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opps, _ := newDetector(tt.cfg, quotes).Scan(context.Background(), "X")
			if len(opps) != tt.want {
				t.Errorf("Expected %d opportunities, got %d", tt.want, len(opps))
			}
			for _, o := range opps {
				if !o.ExpectedNetProfit.IsPositive() {
					t.Errorf("Emitted non-positive profit %s", o.ExpectedNetProfit)
				}
			}
		})
	}
}

func TestScanClampsQuantity(t *testing.T) {
	quotes := fixedQuotes{"X": {
		{side("A", "110", "10", 1)},
		{side("B", "100", "8", 1)},
	}}
	det := newDetector(Config{QuantityCap: d("2.5")}, quotes)
	opps, _ := det.Scan(context.Background(), "X")
	if len(opps) != 1 || !opps[0].MaxQuantity.Equal(d("2.5")) {
		t.Fatalf("Expected quantity clamped to 2.5, got %+v", opps)
	}
	if !opps[0].ExpectedNetProfit.Equal(d("25")) {
		t.Errorf("Expected net 25, got %s", opps[0].ExpectedNetProfit)
	}
}

func TestScanPerExchangeFees(t *testing.T) {
	quotes := fixedQuotes{"X": {
		{side("cheap", "103", "1", 1), side("pricey", "103", "1", 1)},
		{side("B", "100", "1", 1)},
	}}
	fees := FeeSchedule{PerExchange: map[string]Fee{"pricey": {Flat: d("2")}}}
	opps, _ := newDetector(Config{Fees: fees}, quotes).Scan(context.Background(), "X")
	if len(opps) != 2 {
		t.Fatalf("Expected 2 opportunities, got %d", len(opps))
	}
	if opps[0].SellExchange != "cheap" {
		t.Errorf("Expected cheaper exchange ranked first, got %s", opps[0].SellExchange)
	}
	if !opps[1].ExpectedNetProfit.Equal(d("1")) {
		t.Errorf("Expected net 1 on pricey, got %s", opps[1].ExpectedNetProfit)
	}
}

func TestRank(t *testing.T) {
	t0 := time.Unix(100, 0)
	opps := []domain.Opportunity{
		{ID: "late", ExpectedNetProfit: d("5"), DetectedAt: t0.Add(time.Second)},
		{ID: "small", ExpectedNetProfit: d("1"), DetectedAt: t0},
		{ID: "early", ExpectedNetProfit: d("5"), DetectedAt: t0},
		{ID: "big", ExpectedNetProfit: d("9"), DetectedAt: t0.Add(time.Hour)},
	}
	Rank(opps)
	want := []string{"big", "early", "late", "small"}
	for i, id := range want {
		if opps[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, opps[i].ID)
		}
	}
}

type cancellingQuotes struct {
	fixedQuotes
	cancel context.CancelFunc
	calls  int
}

func (c *cancellingQuotes) Sides(symbol string) ([]domain.QuoteSide, []domain.QuoteSide) {
	c.calls++
	c.cancel()
	return c.fixedQuotes.Sides(symbol)
}

func TestScanAllCancelsBetweenSymbols(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := &cancellingQuotes{
		fixedQuotes: fixedQuotes{
			"A": {{side("x", "110", "1", 1)}, {side("y", "100", "1", 1)}},
			"B": {{side("x", "110", "1", 1)}, {side("y", "100", "1", 1)}},
		},
		cancel: cancel,
	}
	opps, err := newDetector(Config{}, q).ScanAll(ctx, []string{"A", "B"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if q.calls != 1 {
		t.Errorf("Expected scan to stop after first symbol, got %d calls", q.calls)
	}
	if len(opps) != 1 || opps[0].Symbol != "A" {
		t.Errorf("Expected partial result for A, got %+v", opps)
	}
}

func TestRunScansNotifiedSymbols(t *testing.T) {
	quotes := fixedQuotes{"X": {{side("A", "110", "1", 1)}, {side("B", "100", "1", 1)}}}
	det := newDetector(Config{}, quotes)

	updates := make(chan string, 3)
	updates <- "X"
	updates <- "X"
	updates <- "Y"
	close(updates)

	var got []domain.Opportunity
	err := det.Run(context.Background(), updates, func(_ context.Context, o domain.Opportunity) {
		got = append(got, o)
	})
	if err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if len(got) != 1 {
		t.Errorf("Expected one coalesced scan of X, got %d opportunities", len(got))
	}
}
