package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbcore/internal/domain"
)

const dayLayout = "2006-01-02"

// PerformanceTracker aggregates realized results of settled executions. It
// is the PnL source for the daily loss kill switch.
type PerformanceTracker struct {
	mu      sync.RWMutex
	snap    domain.PerformanceSnapshot
	equity  decimal.Decimal
	peak    decimal.Decimal
	journal domain.PaperJournal
	now     func() time.Time
	logger  *slog.Logger
}

// NewPerformanceTracker creates an empty tracker. journal may be nil.
func NewPerformanceTracker(journal domain.PaperJournal, logger *slog.Logger) *PerformanceTracker {
	return &PerformanceTracker{
		snap:    domain.PerformanceSnapshot{DailyPnL: make(map[string]decimal.Decimal)},
		journal: journal,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "performance")),
	}
}

// SetClock overrides the clock used to pick "today".
func (t *PerformanceTracker) SetClock(now func() time.Time) {
	t.now = now
}

// Load seeds the tracker from persisted executions, oldest first.
func (t *PerformanceTracker) Load(ctx context.Context, execs domain.ExecutionStore, limit int) error {
	recent, err := execs.ListRecent(ctx, limit)
	if err != nil {
		return fmt.Errorf("performance: load executions: %w", err)
	}
	for i := len(recent) - 1; i >= 0; i-- {
		t.Record(recent[i])
	}
	t.logger.InfoContext(ctx, "performance seeded", slog.Int("executions", len(recent)))
	return nil
}

// Record folds a settled execution into the aggregates. Rejected executions
// moved no money and are not counted as trades.
func (t *PerformanceTracker) Record(exec domain.Execution) {
	if exec.Outcome == domain.OutcomeRejected || exec.Outcome == domain.OutcomePending {
		return
	}
	pnl := exec.RealizedPnL
	at := exec.StartedAt
	if exec.SettledAt != nil {
		at = *exec.SettledAt
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	s := &t.snap
	s.TotalTrades++
	switch {
	case pnl.IsPositive():
		s.Wins++
		s.GrossProfit = s.GrossProfit.Add(pnl)
	case pnl.IsNegative():
		s.Losses++
		s.GrossLoss = s.GrossLoss.Add(pnl.Neg())
	}
	if exec.Outcome == domain.OutcomeUnwound || exec.Outcome == domain.OutcomeExposed {
		s.Unwound++
	}
	s.TotalFees = s.TotalFees.Add(exec.Fees)
	s.NetProfit = s.NetProfit.Add(pnl)
	if s.TotalTrades == 1 || pnl.GreaterThan(s.MaxProfit) {
		s.MaxProfit = pnl
	}
	if s.TotalTrades == 1 || pnl.LessThan(s.MaxLoss) {
		s.MaxLoss = pnl
	}

	day := at.UTC().Format(dayLayout)
	s.DailyPnL[day] = s.DailyPnL[day].Add(pnl)

	t.equity = t.equity.Add(pnl)
	if t.equity.GreaterThan(t.peak) {
		t.peak = t.equity
	}
	if dd := t.peak.Sub(t.equity); dd.GreaterThan(s.MaxDrawdown) {
		s.MaxDrawdown = dd
	}
}

// Snapshot returns the current aggregates with derived ratios filled in.
func (t *PerformanceTracker) Snapshot() domain.PerformanceSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := t.snap
	out.DailyPnL = make(map[string]decimal.Decimal, len(t.snap.DailyPnL))
	for k, v := range t.snap.DailyPnL {
		out.DailyPnL[k] = v
	}
	if out.TotalTrades > 0 {
		out.WinRate = float64(out.Wins) / float64(out.TotalTrades)
		out.AvgPerTrade = out.NetProfit.Div(decimal.NewFromInt(int64(out.TotalTrades)))
	}
	if out.GrossLoss.IsPositive() {
		out.ProfitFactor = out.GrossProfit.Div(out.GrossLoss)
	}
	out.TakenAt = t.now()
	return out
}

// KellyFraction returns p - (1-p)/b over the recorded trades, where p is the
// share of winning trades among wins and losses and b is the average win over
// the average loss, clamped to [0, 1]. ok is false until at least minTrades
// trades, one win and one loss have been recorded.
func (t *PerformanceTracker) KellyFraction(minTrades int) (fraction decimal.Decimal, ok bool) {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	if s.TotalTrades < minTrades || s.Wins == 0 || s.Losses == 0 {
		return decimal.Zero, false
	}
	wins := decimal.NewFromInt(int64(s.Wins))
	losses := decimal.NewFromInt(int64(s.Losses))
	p := wins.Div(wins.Add(losses))
	b := s.GrossProfit.Div(wins).Div(s.GrossLoss.Div(losses))
	f := p.Sub(decimal.NewFromInt(1).Sub(p).Div(b))
	return decimal.Min(decimal.NewFromInt(1), decimal.Max(decimal.Zero, f)), true
}

// DailyPnL returns today's realized PnL (UTC day).
func (t *PerformanceTracker) DailyPnL(_ context.Context) (decimal.Decimal, error) {
	day := t.now().UTC().Format(dayLayout)
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snap.DailyPnL[day], nil
}

// Run writes a snapshot to the journal every interval until ctx is done.
func (t *PerformanceTracker) Run(ctx context.Context, interval time.Duration) error {
	if t.journal == nil || interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.persist(context.WithoutCancel(ctx))
			return nil
		case <-ticker.C:
			t.persist(ctx)
		}
	}
}

func (t *PerformanceTracker) persist(ctx context.Context) {
	if err := t.journal.RecordSnapshot(ctx, t.Snapshot()); err != nil {
		t.logger.WarnContext(ctx, "record performance snapshot failed",
			slog.String("error", err.Error()),
		)
	}
}

var _ PnLSource = (*PerformanceTracker)(nil)
