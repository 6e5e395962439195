// Package view derives consolidated top-of-book quotes from the book store.
// Quotes are computed on request from copies, so any number of callers may
// run in parallel.
package view

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbcore/internal/book"
	"github.com/alanyoungcy/arbcore/internal/domain"
)

// BookSource is the read side of the book store.
type BookSource interface {
	FreshBooks(symbol string, now time.Time) []book.Snapshot
	Books(symbol string) []book.Snapshot
}

// View computes consolidated quotes.
type View struct {
	books  BookSource
	now    func() time.Time
	cache  domain.QuoteCache
	logger *slog.Logger
}

// New creates a View over books. cache may be nil.
func New(books BookSource, cache domain.QuoteCache, logger *slog.Logger) *View {
	return &View{
		books:  books,
		now:    time.Now,
		cache:  cache,
		logger: logger.With(slog.String("component", "view")),
	}
}

// SetClock overrides the clock used to judge staleness.
func (v *View) SetClock(now func() time.Time) {
	v.now = now
}

// Sides returns the best level of every fresh book for symbol, best first on
// each side. Bids rank by higher price, asks by lower price; equal prices
// prefer the larger quantity, then the most recently updated book.
func (v *View) Sides(symbol string) (bids, asks []domain.QuoteSide) {
	for _, snap := range v.books.FreshBooks(symbol, v.now()) {
		updated := snap.UpdatedAt.UnixMilli()
		if l, ok := snap.Book.BestBid(); ok {
			bids = append(bids, domain.QuoteSide{Exchange: snap.Book.Exchange, Level: l, UpdatedAt: updated})
		}
		if l, ok := snap.Book.BestAsk(); ok {
			asks = append(asks, domain.QuoteSide{Exchange: snap.Book.Exchange, Level: l, UpdatedAt: updated})
		}
	}
	sort.SliceStable(bids, func(i, j int) bool { return better(bids[i], bids[j], domain.SideBid) })
	sort.SliceStable(asks, func(i, j int) bool { return better(asks[i], asks[j], domain.SideAsk) })
	return bids, asks
}

func better(a, b domain.QuoteSide, side domain.Side) bool {
	if c := a.Level.Price.Cmp(b.Level.Price); c != 0 {
		if side == domain.SideBid {
			return c > 0
		}
		return c < 0
	}
	if c := a.Level.Quantity.Cmp(b.Level.Quantity); c != 0 {
		return c > 0
	}
	if a.UpdatedAt != b.UpdatedAt {
		return a.UpdatedAt > b.UpdatedAt
	}
	return a.Exchange < b.Exchange
}

// TopOfBook returns the best bid and best ask for symbol across every
// non-stale book. It returns domain.ErrNoQuote when no fresh book has a
// level on either side.
func (v *View) TopOfBook(symbol string) (domain.ConsolidatedQuote, error) {
	bids, asks := v.Sides(symbol)
	q := domain.ConsolidatedQuote{Symbol: symbol, ComputedAt: v.now().UnixMilli()}
	if len(bids) > 0 {
		b := bids[0]
		q.BestBid = &b
	}
	if len(asks) > 0 {
		a := asks[0]
		q.BestAsk = &a
	}
	if q.BestBid == nil && q.BestAsk == nil {
		return q, domain.ErrNoQuote
	}
	return q, nil
}

// Liquidity sums quantity and notional over the top n levels of side across
// every fresh book.
func (v *View) Liquidity(symbol string, side domain.Side, n int) (qty, notional decimal.Decimal) {
	for _, snap := range v.books.FreshBooks(symbol, v.now()) {
		q, nt := snap.Book.Depth(side, n)
		qty = qty.Add(q)
		notional = notional.Add(nt)
	}
	return qty, notional
}

// Mirror pushes the books and quote for every notified symbol into the quote
// cache until ctx is done or updates closes. Cache failures are logged only.
func (v *View) Mirror(ctx context.Context, updates <-chan string) error {
	if v.cache == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case symbol, ok := <-updates:
			if !ok {
				return nil
			}
			v.mirror(ctx, symbol)
		}
	}
}

func (v *View) mirror(ctx context.Context, symbol string) {
	for _, snap := range v.books.Books(symbol) {
		if err := v.cache.SetBook(ctx, snap.Book); err != nil {
			v.logger.DebugContext(ctx, "mirror book failed",
				slog.String("symbol", symbol),
				slog.String("exchange", snap.Book.Exchange),
				slog.String("error", err.Error()),
			)
		}
	}
	q, err := v.TopOfBook(symbol)
	if err != nil {
		return
	}
	if err := v.cache.SetQuote(ctx, q); err != nil {
		v.logger.DebugContext(ctx, "mirror quote failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
	}
}
