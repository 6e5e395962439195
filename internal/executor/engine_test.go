package executor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbcore/internal/arbitrage"
	"github.com/alanyoungcy/arbcore/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeGateway behaves per exchange:
//
//	fill          acknowledge and fill in full at the requested price
//	reject        acknowledge and reject
//	timeout       every submit times out
//	timeout-once  first submit times out, later ones fill
type fakeGateway struct {
	mu        sync.Mutex
	behaviour map[string]string
	statuses  map[string]domain.OrderStatusReport
	fee       decimal.Decimal
	events    chan domain.GatewayEvent
	submits   []domain.OrderRequest
	cancels   []domain.OrderHandle
	calls     map[string]int
	// onSubmit runs before a submit is handled; a non-nil error fails it.
	onSubmit func(ctx context.Context, req domain.OrderRequest) error
}

var _ domain.Gateway = (*fakeGateway)(nil)

func newFakeGateway(behaviour map[string]string) *fakeGateway {
	return &fakeGateway{
		behaviour: behaviour,
		statuses:  make(map[string]domain.OrderStatusReport),
		events:    make(chan domain.GatewayEvent, 64),
		calls:     make(map[string]int),
	}
}

func (g *fakeGateway) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderHandle, error) {
	g.mu.Lock()
	g.submits = append(g.submits, req)
	g.calls[req.Exchange]++
	n := g.calls[req.Exchange]
	b := g.behaviour[req.Exchange]
	hook := g.onSubmit
	g.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, req); err != nil {
			return domain.OrderHandle{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return domain.OrderHandle{}, &domain.TransportError{Op: "submit", Exchange: req.Exchange, Err: err}
	}

	h := domain.OrderHandle{Exchange: req.Exchange, ID: "h-" + req.ClientID, ClientID: req.ClientID}
	timeout := &domain.TransportError{Op: "submit", Exchange: req.Exchange, Err: context.DeadlineExceeded, Timeout: true}
	switch {
	case b == "timeout", b == "timeout-once" && n == 1:
		return domain.OrderHandle{}, timeout
	case b == "reject":
		g.events <- domain.GatewayEvent{Kind: domain.GatewayReject, Handle: h, ClientID: req.ClientID, Reason: "insufficient margin"}
	default:
		g.events <- domain.GatewayEvent{
			Kind:     domain.GatewayFill,
			Handle:   h,
			ClientID: req.ClientID,
			Quantity: req.Quantity,
			Filled:   req.Quantity,
			Price:    req.Price,
			Fee:      g.fee,
		}
	}
	return h, nil
}

func (g *fakeGateway) CancelOrder(_ context.Context, h domain.OrderHandle) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels = append(g.cancels, h)
	if g.behaviour[h.Exchange] == "timeout" {
		return &domain.TransportError{Op: "cancel", Exchange: h.Exchange, Err: context.DeadlineExceeded, Timeout: true}
	}
	return nil
}

func (g *fakeGateway) OrderStatus(_ context.Context, h domain.OrderHandle) (domain.OrderStatusReport, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rep, ok := g.statuses[h.Exchange]
	if !ok {
		return domain.OrderStatusReport{Handle: h, State: domain.RemoteUnknown}, nil
	}
	rep.Handle = h
	return rep, nil
}

func (g *fakeGateway) Events() <-chan domain.GatewayEvent { return g.events }

func (g *fakeGateway) submitted() []domain.OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.OrderRequest(nil), g.submits...)
}

type fakeBooks struct {
	mu       sync.Mutex
	books    map[string]domain.Orderbook
	consumed decimal.Decimal
}

func (b *fakeBooks) Get(exchange, symbol string) (domain.Orderbook, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	book, ok := b.books[exchange+":"+symbol]
	return book, ok
}

func (b *fakeBooks) ConsumeLiquidity(_, _ string, _ domain.Side, _, qty decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consumed = b.consumed.Add(qty)
}

type recordingReporter struct {
	mu    sync.Mutex
	kinds []string
	errs  []error
}

func (r *recordingReporter) add(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
}

func (r *recordingReporter) OpportunityAccepted(context.Context, domain.Opportunity, string) {
	r.add("accepted")
}

func (r *recordingReporter) OpportunityRejected(_ context.Context, _ domain.Opportunity, err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
	r.add("rejected")
}

func (r *recordingReporter) OrderUpdated(context.Context, domain.Order) {}

func (r *recordingReporter) CompensationIssued(context.Context, domain.Execution, domain.Order) {
	r.add("compensation")
}

func (r *recordingReporter) ExecutionSettled(context.Context, domain.Execution) {
	r.add("settled")
}

func (r *recordingReporter) has(kind string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

var _ Reporter = (*recordingReporter)(nil)

type harness struct {
	engine   *Engine
	gw       *fakeGateway
	ledger   *Ledger
	books    *fakeBooks
	reporter *recordingReporter
}

func newHarness(t *testing.T, behaviour map[string]string) *harness {
	t.Helper()
	gw := newFakeGateway(behaviour)
	ledger := NewLedger()
	ledger.Deposit("alpha", "USD", d("1000"))
	ledger.Deposit("beta", "BTC", d("10"))
	books := &fakeBooks{books: map[string]domain.Orderbook{
		"alpha:BTC/USD": {
			Exchange: "alpha", Symbol: "BTC/USD",
			Bids: []domain.PriceLevel{{Price: d("99"), Quantity: d("5")}},
			Asks: []domain.PriceLevel{{Price: d("100"), Quantity: d("5")}},
		},
	}}
	rep := &recordingReporter{}
	cfg := Config{
		RetryBudget:  3,
		OrderTimeout: 200 * time.Millisecond,
		RetryBackoff: time.Millisecond,
		DedupTTL:     time.Minute,
	}
	e := New(cfg, gw, nil, ledger, books, testLogger(), WithReporter(rep))
	t.Cleanup(e.Close)
	return &harness{engine: e, gw: gw, ledger: ledger, books: books, reporter: rep}
}

func testOpportunity(id string) domain.Opportunity {
	return domain.Opportunity{
		ID:           id,
		Symbol:       "BTC/USD",
		BuyExchange:  "alpha",
		SellExchange: "beta",
		BuyPrice:     d("100"),
		SellPrice:    d("105"),
		MaxQuantity:  d("2"),
		DetectedAt:   time.Now(),
	}
}

func TestSubmitCapturesBothLegs(t *testing.T) {
	h := newHarness(t, map[string]string{"alpha": "fill", "beta": "fill"})

	exec, err := h.engine.Submit(context.Background(), testOpportunity("opp-1"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if exec.Outcome != domain.OutcomeCaptured {
		t.Errorf("Expected outcome captured, got %s", exec.Outcome)
	}
	if !exec.RealizedPnL.Equal(d("10")) {
		t.Errorf("Expected pnl 10, got %s", exec.RealizedPnL)
	}
	if exec.Buy.State != domain.OrderSettled || exec.Sell.State != domain.OrderSettled {
		t.Errorf("Expected both legs settled, got %s/%s", exec.Buy.State, exec.Sell.State)
	}
	if exec.Compensation != nil {
		t.Errorf("Expected no compensation, got %+v", exec.Compensation)
	}
	if !exec.Settled() {
		t.Error("Expected execution to be settled")
	}

	checks := []struct {
		exchange, asset string
		want            string
	}{
		{"alpha", "USD", "800"},
		{"alpha", "BTC", "2"},
		{"beta", "BTC", "8"},
		{"beta", "USD", "210"},
	}
	for _, c := range checks {
		if got := h.ledger.Available(c.exchange, c.asset); !got.Equal(d(c.want)) {
			t.Errorf("Expected %s %s = %s, got %s", c.exchange, c.asset, c.want, got)
		}
	}
	if !h.books.consumed.Equal(d("4")) {
		t.Errorf("Expected 4 consumed from books, got %s", h.books.consumed)
	}
	if len(h.engine.InFlight()) != 0 {
		t.Errorf("Expected no symbols in flight, got %v", h.engine.InFlight())
	}
	if recent := h.engine.Recent(10); len(recent) != 1 || recent[0].ID != exec.ID {
		t.Errorf("Expected the execution in Recent, got %d entries", len(recent))
	}
}

func TestSubmitCompensatesRejectedLeg(t *testing.T) {
	h := newHarness(t, map[string]string{"alpha": "fill", "beta": "reject"})

	exec, err := h.engine.Submit(context.Background(), testOpportunity("opp-2"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if exec.Sell.Reason != "insufficient margin" {
		t.Errorf("Expected sell rejection reason, got %q", exec.Sell.Reason)
	}
	if exec.Compensation == nil {
		t.Fatal("Expected a compensating order")
	}
	comp := exec.Compensation
	if comp.Exchange != "alpha" || comp.Leg != domain.OrderSideSell || !comp.Quantity.Equal(d("2")) {
		t.Errorf("Expected sell 2 on alpha, got %s %s on %s", comp.Leg, comp.Quantity, comp.Exchange)
	}
	if !comp.Price.Equal(d("99")) {
		t.Errorf("Expected close-out at best bid 99, got %s", comp.Price)
	}
	if comp.State != domain.OrderSettled || !comp.Compensating {
		t.Errorf("Expected settled compensating order, got %s", comp.State)
	}
	if exec.Outcome != domain.OutcomeUnwound {
		t.Errorf("Expected outcome unwound, got %s", exec.Outcome)
	}
	if !exec.RealizedPnL.Equal(d("-2")) {
		t.Errorf("Expected pnl -2, got %s", exec.RealizedPnL)
	}
	if got := h.ledger.Available("alpha", "USD"); !got.Equal(d("998")) {
		t.Errorf("Expected alpha USD 998, got %s", got)
	}
	if !h.reporter.has("compensation") || !h.reporter.has("settled") {
		t.Errorf("Expected compensation and settlement reported, got %v", h.reporter.kinds)
	}
}

func TestSubmitReconcilesTimedOutOrder(t *testing.T) {
	h := newHarness(t, map[string]string{"alpha": "fill", "beta": "timeout-once"})
	h.gw.statuses["beta"] = domain.OrderStatusReport{
		State:          domain.RemoteFilled,
		FilledQuantity: d("2"),
		AvgPrice:       d("105"),
	}

	exec, err := h.engine.Submit(context.Background(), testOpportunity("opp-3"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if exec.Outcome != domain.OutcomeCaptured {
		t.Errorf("Expected outcome captured, got %s", exec.Outcome)
	}
	if exec.Sell.Attempts != 2 {
		t.Errorf("Expected 2 sell attempts (submit + poll), got %d", exec.Sell.Attempts)
	}
	if !exec.Sell.AvgFillPrice.Equal(d("105")) {
		t.Errorf("Expected sell avg 105, got %s", exec.Sell.AvgFillPrice)
	}
}

func TestSubmitExhaustsRetryBudget(t *testing.T) {
	h := newHarness(t, map[string]string{"alpha": "fill", "beta": "timeout"})

	exec, err := h.engine.Submit(context.Background(), testOpportunity("opp-4"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if exec.Sell.Reason != "retry budget exhausted" {
		t.Errorf("Expected exhausted reason, got %q", exec.Sell.Reason)
	}
	if exec.Sell.Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", exec.Sell.Attempts)
	}
	if exec.Sell.ResolvedAt == nil {
		t.Error("Expected sell leg resolved")
	}
	if exec.Compensation == nil || exec.Compensation.Exchange != "alpha" {
		t.Fatalf("Expected close-out on alpha, got %+v", exec.Compensation)
	}
	if exec.Outcome != domain.OutcomeUnwound {
		t.Errorf("Expected outcome unwound, got %s", exec.Outcome)
	}
	if len(h.engine.InFlight()) != 0 {
		t.Errorf("Expected symbol released, got %v", h.engine.InFlight())
	}
}

func TestSubmitRejections(t *testing.T) {
	t.Run("symbol in flight", func(t *testing.T) {
		h := newHarness(t, map[string]string{"alpha": "fill", "beta": "fill"})
		h.engine.guard.TryAcquire("BTC/USD", "other")

		_, err := h.engine.Submit(context.Background(), testOpportunity("opp-5"))
		re, ok := domain.AsRisk(err)
		if !ok || re.Reason != domain.RejectSymbolInFlight {
			t.Fatalf("Expected symbol_in_flight, got %v", err)
		}
		if len(h.gw.submitted()) != 0 {
			t.Error("Expected no orders submitted")
		}
	})

	t.Run("duplicate opportunity", func(t *testing.T) {
		h := newHarness(t, map[string]string{"alpha": "fill", "beta": "fill"})
		opp := testOpportunity("opp-6")
		if _, err := h.engine.Submit(context.Background(), opp); err != nil {
			t.Fatalf("first Submit: %v", err)
		}
		_, err := h.engine.Submit(context.Background(), opp)
		re, ok := domain.AsRisk(err)
		if !ok || re.Reason != domain.RejectDuplicate {
			t.Fatalf("Expected duplicate_opportunity, got %v", err)
		}
	})

	t.Run("insufficient balance", func(t *testing.T) {
		h := newHarness(t, map[string]string{"alpha": "fill", "beta": "fill"})
		opp := testOpportunity("opp-7")
		opp.MaxQuantity = d("20")

		_, err := h.engine.Submit(context.Background(), opp)
		re, ok := domain.AsRisk(err)
		if !ok || re.Reason != domain.RejectInsufficientBalance {
			t.Fatalf("Expected insufficient_balance, got %v", err)
		}
		if !h.reporter.has("rejected") {
			t.Error("Expected rejection reported")
		}
		if len(h.engine.InFlight()) != 0 {
			t.Errorf("Expected symbol released, got %v", h.engine.InFlight())
		}
	})

	t.Run("closed engine", func(t *testing.T) {
		h := newHarness(t, map[string]string{"alpha": "fill", "beta": "fill"})
		h.engine.Close()
		if _, err := h.engine.Submit(context.Background(), testOpportunity("opp-8")); err != domain.ErrEngineClosed {
			t.Fatalf("Expected ErrEngineClosed, got %v", err)
		}
	})
}

func TestSubmitCompensatesAfterCallerCancel(t *testing.T) {
	h := newHarness(t, map[string]string{"alpha": "fill", "beta": "fill"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alphaFilled := make(chan struct{})
	var once sync.Once
	h.gw.onSubmit = func(_ context.Context, req domain.OrderRequest) error {
		switch req.Exchange {
		case "alpha":
			once.Do(func() { close(alphaFilled) })
		case "beta":
			<-alphaFilled
			cancel()
			return &domain.TransportError{Op: "submit", Exchange: req.Exchange, Err: context.Canceled}
		}
		return nil
	}

	exec, err := h.engine.Submit(ctx, testOpportunity("opp-cancel"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !exec.Buy.FilledQuantity.Equal(d("2")) {
		t.Fatalf("Expected buy filled 2, got %s", exec.Buy.FilledQuantity)
	}
	if exec.Compensation == nil {
		t.Fatal("Expected a compensation order")
	}
	if !exec.Compensation.FilledQuantity.Equal(d("2")) {
		t.Errorf("Expected compensation filled 2, got %s (%s)", exec.Compensation.FilledQuantity, exec.Compensation.Reason)
	}
	if exec.Outcome != domain.OutcomeUnwound {
		t.Errorf("Expected outcome unwound, got %s", exec.Outcome)
	}

	var closeOuts int
	for _, req := range h.gw.submitted() {
		if req.Exchange == "alpha" && req.Side == domain.OrderSideSell {
			closeOuts++
		}
	}
	if closeOuts != 1 {
		t.Errorf("Expected 1 close-out submit on alpha, got %d", closeOuts)
	}
}

func TestRunRefusesWorkAfterClose(t *testing.T) {
	h := newHarness(t, map[string]string{"alpha": "fill", "beta": "fill"})
	h.engine.Close()

	if h.engine.begin() {
		t.Fatal("Expected begin to refuse work on a closed engine")
	}
	opps := make(chan domain.Opportunity, 1)
	opps <- testOpportunity("opp-late")
	if err := h.engine.Run(context.Background(), opps); err != domain.ErrEngineClosed {
		t.Errorf("Expected ErrEngineClosed, got %v", err)
	}
	if n := len(h.gw.submitted()); n != 0 {
		t.Errorf("Expected no submits, got %d", n)
	}
}

type fixedSizer struct{ qty decimal.Decimal }

func (s fixedSizer) Size(context.Context, domain.Opportunity) (decimal.Decimal, error) {
	return s.qty, nil
}

func TestSubmitAppliesSizer(t *testing.T) {
	gw := newFakeGateway(map[string]string{"alpha": "fill", "beta": "fill"})
	ledger := NewLedger()
	ledger.Deposit("alpha", "USD", d("1000"))
	ledger.Deposit("beta", "BTC", d("10"))
	cfg := DefaultConfig()
	cfg.Fees = arbitrage.FeeSchedule{Default: arbitrage.Fee{Flat: d("0.5")}}
	e := New(cfg, gw, nil, ledger, &fakeBooks{}, testLogger(), WithSizer(fixedSizer{qty: d("0.5")}))
	defer e.Close()

	opp := testOpportunity("opp-sized")
	opp.Fees = d("1.2") // two flat fees of 0.5 plus 0.2 taker on qty 2
	exec, err := e.Submit(context.Background(), opp)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !exec.Buy.Quantity.Equal(d("0.5")) || !exec.Sell.Quantity.Equal(d("0.5")) {
		t.Errorf("Expected both legs sized to 0.5, got %s/%s", exec.Buy.Quantity, exec.Sell.Quantity)
	}
	if !exec.Opportunity.Fees.Equal(d("1.05")) {
		t.Errorf("Expected fees 1.05 after resize, got %s", exec.Opportunity.Fees)
	}
	if !exec.Opportunity.ExpectedNetProfit.Equal(d("1.45")) {
		t.Errorf("Expected net 1.45 after resize, got %s", exec.Opportunity.ExpectedNetProfit)
	}
	if got := ledger.Available("beta", "BTC"); !got.Equal(d("9.5")) {
		t.Errorf("Expected beta BTC 9.5, got %s", got)
	}
}

type denyRisk struct{}

func (denyRisk) PreTradeCheck(context.Context, domain.Opportunity) error {
	return &domain.RiskError{Reason: domain.RejectKillSwitch}
}

func TestSubmitConsultsRiskChecker(t *testing.T) {
	gw := newFakeGateway(map[string]string{"alpha": "fill", "beta": "fill"})
	ledger := NewLedger()
	ledger.Deposit("alpha", "USD", d("1000"))
	ledger.Deposit("beta", "BTC", d("10"))
	e := New(DefaultConfig(), gw, denyRisk{}, ledger, &fakeBooks{}, testLogger())
	defer e.Close()

	_, err := e.Submit(context.Background(), testOpportunity("opp-9"))
	re, ok := domain.AsRisk(err)
	if !ok || re.Reason != domain.RejectKillSwitch {
		t.Fatalf("Expected kill_switch, got %v", err)
	}
	if got := ledger.Available("alpha", "USD"); !got.Equal(d("1000")) {
		t.Errorf("Expected no reservation left behind, got %s", got)
	}
}

func TestLateFillIsClosedOut(t *testing.T) {
	h := newHarness(t, map[string]string{"alpha": "fill", "beta": "fill"})

	exec, err := h.engine.Submit(context.Background(), testOpportunity("opp-10"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.gw.events <- domain.GatewayEvent{
		Kind:     domain.GatewayFill,
		ClientID: exec.Buy.ID,
		Quantity: d("1"),
		Price:    d("100"),
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(h.gw.submitted()) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	subs := h.gw.submitted()
	if len(subs) != 3 {
		t.Fatalf("Expected a close-out submit, got %d submits", len(subs))
	}
	last := subs[2]
	if last.Exchange != "alpha" || last.Side != domain.OrderSideSell || !last.Quantity.Equal(d("1")) {
		t.Errorf("Expected sell 1 on alpha, got %s %s on %s", last.Side, last.Quantity, last.Exchange)
	}
}

func TestRunDrainsOnClose(t *testing.T) {
	h := newHarness(t, map[string]string{"alpha": "fill", "beta": "fill"})
	opps := make(chan domain.Opportunity, 1)
	opps <- testOpportunity("opp-11")
	close(opps)

	if err := h.engine.Run(context.Background(), opps); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if recent := h.engine.Recent(0); len(recent) != 1 {
		t.Fatalf("Expected 1 settled execution, got %d", len(recent))
	}
}
