package executor

import (
	"testing"
	"time"

	"github.com/alanyoungcy/arbcore/internal/domain"
)

func TestLedgerReserveIsAllOrNothing(t *testing.T) {
	l := NewLedger()
	l.Deposit("alpha", "USD", d("100"))
	l.Deposit("beta", "BTC", d("1"))

	err := l.Reserve("x1",
		Hold{Exchange: "alpha", Asset: "USD", Amount: d("50")},
		Hold{Exchange: "beta", Asset: "BTC", Amount: d("2")},
	)
	re, ok := domain.AsRisk(err)
	if !ok || re.Reason != domain.RejectInsufficientBalance {
		t.Fatalf("Expected insufficient_balance, got %v", err)
	}
	if got := l.Available("alpha", "USD"); !got.Equal(d("100")) {
		t.Errorf("Expected nothing reserved, got available %s", got)
	}

	if err := l.Reserve("x2", Hold{Exchange: "alpha", Asset: "USD", Amount: d("60")}); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := l.Reserve("x3", Hold{Exchange: "alpha", Asset: "USD", Amount: d("60")}); err == nil {
		t.Error("Expected second reservation to exceed the balance")
	}
	if err := l.Reserve("x2", Hold{Exchange: "alpha", Asset: "USD", Amount: d("1")}); !domain.IsInvariant(err) {
		t.Errorf("Expected invariant error for a reused id, got %v", err)
	}

	l.Release("x2")
	l.Release("unknown")
	if got := l.Available("alpha", "USD"); !got.Equal(d("100")) {
		t.Errorf("Expected 100 after release, got %s", got)
	}
}

func TestLedgerApplyFill(t *testing.T) {
	l := NewLedger()
	l.ApplyFill("alpha", "ETH-USDT", domain.OrderSideBuy, d("2"), d("10"), d("0.5"))
	l.ApplyFill("beta", "ETH-USDT", domain.OrderSideSell, d("2"), d("11"), d("0.5"))

	checks := []struct {
		exchange, asset, want string
	}{
		{"alpha", "ETH", "2"},
		{"alpha", "USDT", "-20.5"},
		{"beta", "ETH", "-2"},
		{"beta", "USDT", "21.5"},
	}
	for _, c := range checks {
		if got := l.Balance(c.exchange, c.asset); !got.Equal(d(c.want)) {
			t.Errorf("Expected %s %s = %s, got %s", c.exchange, c.asset, c.want, got)
		}
	}
	if n := len(l.Balances()); n != 4 {
		t.Errorf("Expected 4 balances, got %d", n)
	}
}

func TestGuard(t *testing.T) {
	g := NewGuard(time.Minute)
	now := time.Now()

	if g.Seen("o1", now) {
		t.Error("Expected first sighting to be new")
	}
	if !g.Seen("o1", now.Add(time.Second)) {
		t.Error("Expected repeat within ttl to be seen")
	}
	if g.Seen("o1", now.Add(2*time.Minute)) {
		t.Error("Expected id to expire after ttl")
	}

	if !g.TryAcquire("BTC/USD", "e1") {
		t.Fatal("Expected acquire to succeed")
	}
	if g.TryAcquire("BTC/USD", "e2") {
		t.Error("Expected second acquire to fail")
	}
	g.Release("BTC/USD", "e2")
	if got := g.Symbols(); len(got) != 1 {
		t.Errorf("Expected release by a non-holder to be ignored, got %v", got)
	}
	g.Release("BTC/USD", "e1")
	if got := g.Symbols(); len(got) != 0 {
		t.Errorf("Expected no symbols, got %v", got)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{20, maxBackoff},
	}
	for _, tt := range tests {
		if got := backoff(100*time.Millisecond, tt.attempt); got != tt.want {
			t.Errorf("backoff(%d): Expected %v, got %v", tt.attempt, tt.want, got)
		}
	}
}
