// Package arbitrage scans consolidated quotes for cross-exchange spreads that
// clear fees, slippage and the configured margin.
package arbitrage

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbcore/internal/domain"
)

// QuoteSource supplies the best level of every fresh book for a symbol, best
// first per side.
type QuoteSource interface {
	Sides(symbol string) (bids, asks []domain.QuoteSide)
}

// Config holds the detection thresholds.
type Config struct {
	// MinProfitMargin is the per-unit spread required on top of both flat fees.
	MinProfitMargin decimal.Decimal
	// MinProfitThreshold discards opportunities whose expected net profit is
	// below it.
	MinProfitThreshold decimal.Decimal
	// QuantityCap clamps max quantity per trade. Zero means no cap.
	QuantityCap decimal.Decimal
	// SlippageBps is charged on the notional of both legs.
	SlippageBps decimal.Decimal
	Fees        FeeSchedule
	// StalenessThreshold scales the book-age term of the risk score.
	StalenessThreshold time.Duration
}

// Detector turns quotes into ranked opportunities. It never mutates shared
// state.
type Detector struct {
	cfg    Config
	quotes QuoteSource
	now    func() time.Time
	logger *slog.Logger
}

// NewDetector creates a detector over quotes.
func NewDetector(cfg Config, quotes QuoteSource, logger *slog.Logger) *Detector {
	return &Detector{
		cfg:    cfg,
		quotes: quotes,
		now:    time.Now,
		logger: logger.With(slog.String("component", "arb_detector")),
	}
}

// SetClock overrides the clock used to stamp detections.
func (d *Detector) SetClock(now func() time.Time) {
	d.now = now
}

// Scan returns the opportunities for symbol, best first. Every fresh
// (bid exchange, ask exchange) pair is evaluated so that a same-exchange top
// of book does not hide a valid cross-exchange pair behind it.
func (d *Detector) Scan(ctx context.Context, symbol string) ([]domain.Opportunity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bids, asks := d.quotes.Sides(symbol)
	detectedAt := d.now()

	var out []domain.Opportunity
	for _, bid := range bids {
		for _, ask := range asks {
			if bid.Exchange == ask.Exchange {
				continue
			}
			if opp, ok := d.evaluate(symbol, bid, ask, detectedAt); ok {
				out = append(out, opp)
			}
		}
	}
	Rank(out)
	return out, nil
}

// evaluate prices one pair: buy at ask on ask.Exchange, sell at bid on
// bid.Exchange.
func (d *Detector) evaluate(symbol string, bid, ask domain.QuoteSide, at time.Time) (domain.Opportunity, bool) {
	buyFee := d.cfg.Fees.For(ask.Exchange)
	sellFee := d.cfg.Fees.For(bid.Exchange)

	spread := bid.Level.Price.Sub(ask.Level.Price)
	hurdle := buyFee.Flat.Add(sellFee.Flat).Add(d.cfg.MinProfitMargin)
	if spread.LessThanOrEqual(hurdle) {
		return domain.Opportunity{}, false
	}

	qty := decimal.Min(bid.Level.Quantity, ask.Level.Quantity)
	if d.cfg.QuantityCap.IsPositive() {
		qty = decimal.Min(qty, d.cfg.QuantityCap)
	}
	if !qty.IsPositive() {
		return domain.Opportunity{}, false
	}

	buyNotional := qty.Mul(ask.Level.Price)
	sellNotional := qty.Mul(bid.Level.Price)
	fees := d.cfg.Fees.Fee(ask.Exchange, buyNotional).Add(d.cfg.Fees.Fee(bid.Exchange, sellNotional))
	if d.cfg.SlippageBps.IsPositive() {
		fees = fees.Add(buyNotional.Add(sellNotional).Mul(d.cfg.SlippageBps).Div(tenThousand))
	}
	net := qty.Mul(spread).Sub(fees)
	if !net.IsPositive() || net.LessThan(d.cfg.MinProfitThreshold) {
		return domain.Opportunity{}, false
	}

	opp := domain.Opportunity{
		ID:                uuid.NewString(),
		Symbol:            symbol,
		BuyExchange:       ask.Exchange,
		SellExchange:      bid.Exchange,
		BuyPrice:          ask.Level.Price,
		SellPrice:         bid.Level.Price,
		MaxQuantity:       qty,
		Fees:              fees,
		ExpectedNetProfit: net,
		DetectedAt:        at,
	}
	opp.RiskScore = RiskScore(opp, bid, ask, d.cfg.StalenessThreshold)
	return opp, true
}

// ScanAll scans each symbol in turn. Cancellation is checked between symbols;
// on cancellation the opportunities found so far are returned with ctx.Err().
func (d *Detector) ScanAll(ctx context.Context, symbols []string) ([]domain.Opportunity, error) {
	var out []domain.Opportunity
	for _, sym := range symbols {
		if err := ctx.Err(); err != nil {
			Rank(out)
			return out, err
		}
		opps, err := d.Scan(ctx, sym)
		if err != nil {
			Rank(out)
			return out, err
		}
		out = append(out, opps...)
	}
	Rank(out)
	return out, nil
}

// Rank orders opportunities by expected net profit descending, then earlier
// detection, then by symbol and exchanges so the order is deterministic.
func Rank(opps []domain.Opportunity) {
	sort.SliceStable(opps, func(i, j int) bool {
		a, b := opps[i], opps[j]
		if c := a.ExpectedNetProfit.Cmp(b.ExpectedNetProfit); c != 0 {
			return c > 0
		}
		if !a.DetectedAt.Equal(b.DetectedAt) {
			return a.DetectedAt.Before(b.DetectedAt)
		}
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		if a.BuyExchange != b.BuyExchange {
			return a.BuyExchange < b.BuyExchange
		}
		return a.SellExchange < b.SellExchange
	})
}

// Sink receives every detected opportunity, best first per scan.
type Sink func(ctx context.Context, opp domain.Opportunity)

// Run scans every symbol notified on updates and hands the results to sink.
// Bursts of notifications are coalesced so each symbol is scanned once per
// wakeup. It blocks until ctx is cancelled or updates is closed.
func (d *Detector) Run(ctx context.Context, updates <-chan string, sink Sink) error {
	d.logger.InfoContext(ctx, "arb detector started")
	defer d.logger.Info("arb detector stopped")

	pending := make(map[string]struct{})
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sym, ok := <-updates:
			if !ok {
				return nil
			}
			pending[sym] = struct{}{}
		drain:
			for {
				select {
				case more, ok := <-updates:
					if !ok {
						break drain
					}
					pending[more] = struct{}{}
				default:
					break drain
				}
			}

			symbols := make([]string, 0, len(pending))
			for s := range pending {
				symbols = append(symbols, s)
				delete(pending, s)
			}
			sort.Strings(symbols)

			for _, s := range symbols {
				opps, err := d.Scan(ctx, s)
				if err != nil {
					return err
				}
				for _, opp := range opps {
					d.logger.DebugContext(ctx, "opportunity detected",
						slog.String("symbol", opp.Symbol),
						slog.String("buy", opp.BuyExchange),
						slog.String("sell", opp.SellExchange),
						slog.String("qty", opp.MaxQuantity.String()),
						slog.String("net", opp.ExpectedNetProfit.String()),
						slog.Float64("risk", opp.RiskScore),
					)
					sink(ctx, opp)
				}
			}
		}
	}
}
