package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbcore/internal/config"
	"github.com/alanyoungcy/arbcore/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// offlineConfig disables every network backend.
func offlineConfig(t *testing.T) *config.Config {
	cfg := config.Defaults()
	cfg.Engine.Symbols = []string{"BTC/USD", "ETH/USDT"}
	cfg.Engine.Exchanges = []string{"alpha", "beta"}
	cfg.Postgres.Enabled = false
	cfg.Redis.Enabled = false
	cfg.Feed.BusEnabled = false
	cfg.Feed.WSURL = "ws://127.0.0.1:1/levels"
	cfg.Paper.JournalPath = filepath.Join(t.TempDir(), "paper.db")
	cfg.Fees = map[string]config.FeeConfig{
		"alpha": {Flat: decimal.RequireFromString("0.5"), TakerBps: decimal.NewFromInt(10)},
	}
	cfg.DefaultFee = config.FeeConfig{Flat: decimal.RequireFromString("0.1")}
	cfg.Limits = map[string]config.LimitConfig{
		"beta": {MinQuantity: decimal.RequireFromString("0.01")},
	}
	return &cfg
}

func TestOfflineConfigIsValid(t *testing.T) {
	if err := offlineConfig(t).Validate(); err != nil {
		t.Fatalf("Expected valid config, got %v", err)
	}
}

func TestFeeSchedule(t *testing.T) {
	fs := feeSchedule(offlineConfig(t))
	if got := fs.For("alpha"); !got.Flat.Equal(decimal.RequireFromString("0.5")) || !got.TakerBps.Equal(decimal.NewFromInt(10)) {
		t.Errorf("Expected alpha fee 0.5 + 10bps, got %+v", got)
	}
	if got := fs.For("gamma"); !got.Flat.Equal(decimal.RequireFromString("0.1")) {
		t.Errorf("Expected default fee for unknown exchange, got %+v", got)
	}
}

func TestRiskLimits(t *testing.T) {
	limits := riskLimits(offlineConfig(t))
	if l, ok := limits["beta"]; !ok || !l.MinQuantity.Equal(decimal.RequireFromString("0.01")) {
		t.Errorf("Expected beta min 0.01, got %+v", limits)
	}
}

func TestWireOffline(t *testing.T) {
	cfg := offlineConfig(t)
	deps, cleanup, err := Wire(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("Wire: %v", err)
	}
	defer cleanup()

	if deps.Journal == nil {
		t.Error("Expected paper journal to be opened")
	}
	if deps.Bus != nil || deps.Executions != nil || deps.Archiver != nil {
		t.Error("Expected disabled backends to stay nil")
	}
	if len(deps.Checks) != 0 {
		t.Errorf("Expected no health checks, got %d", len(deps.Checks))
	}
	if deps.Notifier == nil {
		t.Error("Expected a notifier even without senders")
	}
	if executionsSource(deps, nil) != nil {
		t.Error("Expected no executions source without stores or engine")
	}
}

func TestBuildCoreFundsPaperLedger(t *testing.T) {
	cfg := offlineConfig(t)
	a := New(cfg, testLogger())
	deps, cleanup, err := Wire(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("Wire: %v", err)
	}
	a.closers = append(a.closers, cleanup)
	defer a.Close()

	c := a.buildCore(context.Background(), deps, true)
	if c.engine == nil || c.router == nil {
		t.Fatal("Expected engine and router in trading core")
	}
	if got := c.router.Exchanges(); len(got) != 2 || got[0] != "alpha" {
		t.Errorf("Expected [alpha beta], got %v", got)
	}

	balances := make(map[string]decimal.Decimal)
	for _, b := range c.engine.Balances() {
		balances[b.Exchange+"/"+b.Asset] = b.Total
	}
	want := map[string]string{
		"alpha/USD": "10000", "alpha/USDT": "10000", "alpha/BTC": "1", "alpha/ETH": "1",
		"beta/USD": "10000", "beta/USDT": "10000", "beta/BTC": "1", "beta/ETH": "1",
	}
	for k, v := range want {
		if !balances[k].Equal(decimal.RequireFromString(v)) {
			t.Errorf("Expected %s = %s, got %s", k, v, balances[k])
		}
	}

	src := executionsSource(deps, c.engine.Recent)
	if src == nil {
		t.Fatal("Expected engine-backed executions source")
	}
	execs, err := src(context.Background(), 10)
	if err != nil || len(execs) != 0 {
		t.Errorf("Expected no executions yet, got %v, %v", execs, err)
	}
}

func TestBuildCoreMonitorHasNoEngine(t *testing.T) {
	cfg := offlineConfig(t)
	cfg.Mode = "monitor"
	a := New(cfg, testLogger())
	deps := &Dependencies{}
	c := a.buildCore(context.Background(), deps, false)
	defer a.Close()
	if c.engine != nil {
		t.Error("Expected no engine in monitor core")
	}
	if _, err := c.quotes.TopOfBook("BTC/USD"); err != domain.ErrNoQuote {
		t.Errorf("Expected ErrNoQuote on empty books, got %v", err)
	}
}
