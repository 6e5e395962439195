package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbcore/internal/domain"
)

func setupJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestRecordAndListFills(t *testing.T) {
	j := setupJournal(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, price := range []string{"100.5", "101"} {
		err := j.RecordFill(ctx, domain.PaperFill{
			OrderID:  []string{"o1", "o2"}[i],
			Exchange: "alpha",
			Symbol:   "BTC/USD",
			Side:     domain.OrderSideBuy,
			Price:    decimal.RequireFromString(price),
			Quantity: decimal.NewFromInt(2),
			Fee:      decimal.RequireFromString("0.5"),
			At:       at.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("RecordFill failed: %v", err)
		}
	}

	fills, err := j.Fills(ctx, 10)
	if err != nil {
		t.Fatalf("Fills failed: %v", err)
	}
	if len(fills) != 2 {
		t.Fatalf("Expected 2 fills, got %d", len(fills))
	}
	if fills[0].OrderID != "o2" {
		t.Errorf("Expected newest fill first, got %s", fills[0].OrderID)
	}
	if !fills[1].Price.Equal(decimal.RequireFromString("100.5")) {
		t.Errorf("Expected price 100.5, got %s", fills[1].Price)
	}
	if fills[1].Side != domain.OrderSideBuy {
		t.Errorf("Expected side buy, got %s", fills[1].Side)
	}

	limited, err := j.Fills(ctx, 1)
	if err != nil {
		t.Fatalf("Fills failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("Expected 1 fill with limit, got %d", len(limited))
	}
}

func TestSnapshots(t *testing.T) {
	j := setupJournal(t)
	ctx := context.Background()

	if _, err := j.LatestSnapshot(ctx); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	for i := 1; i <= 2; i++ {
		snap := domain.PerformanceSnapshot{
			TotalTrades: i,
			NetProfit:   decimal.NewFromInt(int64(10 * i)),
			TakenAt:     time.Date(2026, 3, 1, i, 0, 0, 0, time.UTC),
		}
		if err := j.RecordSnapshot(ctx, snap); err != nil {
			t.Fatalf("RecordSnapshot failed: %v", err)
		}
	}

	latest, err := j.LatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("LatestSnapshot failed: %v", err)
	}
	if latest.TotalTrades != 2 {
		t.Errorf("Expected 2 trades, got %d", latest.TotalTrades)
	}
	if !latest.NetProfit.Equal(decimal.NewFromInt(20)) {
		t.Errorf("Expected net profit 20, got %s", latest.NetProfit)
	}
}
