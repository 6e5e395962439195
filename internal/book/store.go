// Package book owns the per-(exchange, symbol) orderbooks. Mutations on the
// same key are serialized; different keys are applied in parallel. Every
// other component reads copies.
package book

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbcore/internal/domain"
)

// Snapshot is a read-only copy of a book plus the wall-clock time of its last
// mutation.
type Snapshot struct {
	Book      domain.Orderbook
	UpdatedAt time.Time
}

// Stats counts store activity since start.
type Stats struct {
	Books     int    `json:"books"`
	Applied   uint64 `json:"applied"`
	Dropped   uint64 `json:"dropped"`
	Anomalies uint64 `json:"anomalies"`
	Consumed  uint64 `json:"consumed"`
}

// AnomalyHook receives every rejected or dropped update.
type AnomalyHook func(ctx context.Context, a *domain.AnomalyError)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock used for staleness.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithAnomalyHook registers a hook for anomalies, in addition to logging.
func WithAnomalyHook(h AnomalyHook) Option {
	return func(s *Store) { s.hooks = append(s.hooks, h) }
}

// maxTombstones bounds the per-book memory of removed prices.
const maxTombstones = 4096

type entry struct {
	mu        sync.Mutex
	book      domain.Orderbook
	seen      map[string]int64 // side:price -> last applied feed timestamp, removed prices included
	floor     int64            // highest timestamp among pruned tombstones
	updatedAt time.Time
}

// Store holds one orderbook per (exchange, symbol).
type Store struct {
	mu       sync.RWMutex
	entries  map[domain.BookKey]*entry
	bySymbol map[string]map[string]struct{}

	staleAfter time.Duration
	now        func() time.Time
	hooks      []AnomalyHook
	logger     *slog.Logger

	subMu sync.Mutex
	subs  []chan string

	applied   atomic.Uint64
	dropped   atomic.Uint64
	anomalies atomic.Uint64
	consumed  atomic.Uint64
}

// New creates an empty store. Books older than staleAfter are considered
// stale.
func New(staleAfter time.Duration, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		entries:    make(map[domain.BookKey]*entry),
		bySymbol:   make(map[string]map[string]struct{}),
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "book_store")),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// StaleAfter returns the configured staleness threshold.
func (s *Store) StaleAfter() time.Duration {
	return s.staleAfter
}

func (s *Store) lookup(key domain.BookKey) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e, ok
}

func (s *Store) getOrCreate(key domain.BookKey) *entry {
	if e, ok := s.lookup(key); ok {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e
	}
	e := &entry{
		book: domain.Orderbook{Exchange: key.Exchange, Symbol: key.Symbol},
		seen: make(map[string]int64),
	}
	s.entries[key] = e
	ex, ok := s.bySymbol[key.Symbol]
	if !ok {
		ex = make(map[string]struct{})
		s.bySymbol[key.Symbol] = ex
	}
	ex[key.Exchange] = struct{}{}
	return e
}

// ApplyUpdate inserts, updates or removes (quantity zero) one price level.
//
// An update older than the last one applied at the same price is dropped and
// nil is returned. An update that would cross the book is rejected with an
// *domain.AnomalyError and the book is left unchanged. Malformed levels
// return *domain.InvariantError.
func (s *Store) ApplyUpdate(ctx context.Context, exchange, symbol string, side domain.Side, level domain.PriceLevel) error {
	if exchange == "" || symbol == "" {
		return &domain.InvariantError{Op: "apply_update", Detail: "exchange and symbol are required"}
	}
	if !side.Valid() {
		return &domain.InvariantError{Op: "apply_update", Detail: fmt.Sprintf("unknown side %q", side)}
	}
	if err := level.Check(); err != nil {
		return err
	}

	key := domain.BookKey{Exchange: exchange, Symbol: symbol}
	e := s.getOrCreate(key)

	e.mu.Lock()
	priceKey := levelKey(side, level.Price)
	last, known := e.seen[priceKey]
	if (known && level.Timestamp < last) || (!known && level.Timestamp < e.floor) {
		e.mu.Unlock()
		s.dropped.Add(1)
		s.logger.DebugContext(ctx, "dropped out-of-order level",
			slog.String("book", key.String()),
			slog.String("side", string(side)),
			slog.String("price", level.Price.String()),
			slog.Int64("ts", level.Timestamp),
			slog.Int64("last_ts", last),
		)
		return nil
	}

	levels := upsertLevel(e.book.Levels(side), side, level)
	next := e.book
	if side == domain.SideBid {
		next.Bids = levels
	} else {
		next.Asks = levels
	}
	if next.Crossed() {
		bid, _ := next.BestBid()
		ask, _ := next.BestAsk()
		e.mu.Unlock()
		a := &domain.AnomalyError{
			Kind:     domain.AnomalyCrossedBook,
			Exchange: exchange,
			Symbol:   symbol,
			Detail:   fmt.Sprintf("%s %s@%s would cross: bid %s >= ask %s", side, level.Quantity, level.Price, bid.Price, ask.Price),
		}
		s.reportAnomaly(ctx, a)
		return a
	}

	if level.Timestamp > next.Timestamp {
		next.Timestamp = level.Timestamp
	}
	e.book = next
	e.seen[priceKey] = level.Timestamp
	e.updatedAt = s.now()
	if len(e.seen) > maxTombstones {
		e.pruneTombstones()
	}
	e.mu.Unlock()

	s.applied.Add(1)
	s.notify(symbol)
	return nil
}

// ApplySnapshot replaces a book atomically. The snapshot must satisfy every
// book invariant; a snapshot older than the stored book is dropped.
func (s *Store) ApplySnapshot(ctx context.Context, exchange, symbol string, snap domain.Orderbook) error {
	snap.Exchange = exchange
	snap.Symbol = symbol
	if err := snap.Validate(); err != nil {
		if a, ok := err.(*domain.AnomalyError); ok {
			s.reportAnomaly(ctx, a)
		}
		return err
	}

	key := domain.BookKey{Exchange: exchange, Symbol: symbol}
	e := s.getOrCreate(key)
	book := snap.Clone()

	e.mu.Lock()
	if book.Timestamp < e.book.Timestamp {
		stored := e.book.Timestamp
		e.mu.Unlock()
		s.dropped.Add(1)
		s.logger.DebugContext(ctx, "dropped stale snapshot",
			slog.String("book", key.String()),
			slog.Int64("ts", book.Timestamp),
			slog.Int64("stored_ts", stored),
		)
		return nil
	}
	seen := make(map[string]int64, len(book.Bids)+len(book.Asks))
	for _, side := range []domain.Side{domain.SideBid, domain.SideAsk} {
		levels := book.Levels(side)
		for i := range levels {
			if levels[i].Timestamp == 0 || levels[i].Timestamp > book.Timestamp {
				levels[i].Timestamp = book.Timestamp
			}
			seen[levelKey(side, levels[i].Price)] = levels[i].Timestamp
		}
	}
	e.book = book
	e.seen = seen
	e.floor = book.Timestamp
	e.updatedAt = s.now()
	e.mu.Unlock()

	s.applied.Add(1)
	s.notify(symbol)
	return nil
}

// ConsumeLiquidity removes quantity taken by one of our own fills so the
// captured liquidity is not counted again before the feed catches up. It
// does not refresh the book's staleness clock.
func (s *Store) ConsumeLiquidity(exchange, symbol string, side domain.Side, price, qty decimal.Decimal) {
	e, ok := s.lookup(domain.BookKey{Exchange: exchange, Symbol: symbol})
	if !ok || !qty.IsPositive() {
		return
	}
	e.mu.Lock()
	levels := e.book.Levels(side)
	i, found := findLevel(levels, side, price)
	if !found {
		e.mu.Unlock()
		return
	}
	out := append([]domain.PriceLevel(nil), levels...)
	remaining := out[i].Quantity.Sub(qty)
	if remaining.IsPositive() {
		out[i].Quantity = remaining
	} else {
		out = append(out[:i], out[i+1:]...)
	}
	if side == domain.SideBid {
		e.book.Bids = out
	} else {
		e.book.Asks = out
	}
	e.mu.Unlock()

	s.consumed.Add(1)
	s.notify(symbol)
}

// Get returns a copy of the book for (exchange, symbol).
func (s *Store) Get(exchange, symbol string) (domain.Orderbook, bool) {
	snap, ok := s.snapshot(domain.BookKey{Exchange: exchange, Symbol: symbol})
	return snap.Book, ok
}

// IsStale reports whether the book has not been updated within the
// staleness threshold as of now. Unknown books are stale.
func (s *Store) IsStale(exchange, symbol string, now time.Time) bool {
	snap, ok := s.snapshot(domain.BookKey{Exchange: exchange, Symbol: symbol})
	if !ok {
		return true
	}
	return isStale(snap.UpdatedAt, now, s.staleAfter)
}

func isStale(updatedAt, now time.Time, staleAfter time.Duration) bool {
	if updatedAt.IsZero() {
		return true
	}
	return staleAfter > 0 && now.Sub(updatedAt) > staleAfter
}

// Books returns copies of every book for symbol, sorted by exchange.
func (s *Store) Books(symbol string) []Snapshot {
	s.mu.RLock()
	exchanges := make([]string, 0, len(s.bySymbol[symbol]))
	for ex := range s.bySymbol[symbol] {
		exchanges = append(exchanges, ex)
	}
	s.mu.RUnlock()
	sort.Strings(exchanges)

	out := make([]Snapshot, 0, len(exchanges))
	for _, ex := range exchanges {
		if snap, ok := s.snapshot(domain.BookKey{Exchange: ex, Symbol: symbol}); ok {
			out = append(out, snap)
		}
	}
	return out
}

// FreshBooks returns the books for symbol that are not stale at now.
func (s *Store) FreshBooks(symbol string, now time.Time) []Snapshot {
	all := s.Books(symbol)
	out := all[:0]
	for _, b := range all {
		if !isStale(b.UpdatedAt, now, s.staleAfter) {
			out = append(out, b)
		}
	}
	return out
}

// Symbols returns every symbol with at least one book, sorted.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.bySymbol))
	for sym := range s.bySymbol {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Stats returns the activity counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	n := len(s.entries)
	s.mu.RUnlock()
	return Stats{
		Books:     n,
		Applied:   s.applied.Load(),
		Dropped:   s.dropped.Load(),
		Anomalies: s.anomalies.Load(),
		Consumed:  s.consumed.Load(),
	}
}

// Subscribe returns a channel that receives the symbol of every mutated
// book. Sends never block; a slow reader misses notifications but always
// sees the latest state on its next read.
func (s *Store) Subscribe(buffer int) <-chan string {
	ch := make(chan string, buffer)
	s.subMu.Lock()
	s.subs = append(s.subs, ch)
	s.subMu.Unlock()
	return ch
}

// Close closes every subscription channel.
func (s *Store) Close() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
}

func (s *Store) notify(symbol string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- symbol:
		default:
		}
	}
}

func (s *Store) snapshot(key domain.BookKey) (Snapshot, bool) {
	e, ok := s.lookup(key)
	if !ok {
		return Snapshot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{Book: e.book.Clone(), UpdatedAt: e.updatedAt}, true
}

func (s *Store) reportAnomaly(ctx context.Context, a *domain.AnomalyError) {
	s.anomalies.Add(1)
	s.logger.WarnContext(ctx, "book anomaly",
		slog.String("kind", string(a.Kind)),
		slog.String("exchange", a.Exchange),
		slog.String("symbol", a.Symbol),
		slog.String("detail", a.Detail),
	)
	for _, h := range s.hooks {
		h(ctx, a)
	}
}

// levelKey identifies a price on one side of a book. Bids and asks at the
// same price age independently.
func levelKey(side domain.Side, price decimal.Decimal) string {
	return string(side) + ":" + price.String()
}

// pruneTombstones forgets removed prices and raises the floor so replays
// older than anything forgotten are still dropped.
func (e *entry) pruneTombstones() {
	live := make(map[string]struct{}, len(e.book.Bids)+len(e.book.Asks))
	for _, l := range e.book.Bids {
		live[levelKey(domain.SideBid, l.Price)] = struct{}{}
	}
	for _, l := range e.book.Asks {
		live[levelKey(domain.SideAsk, l.Price)] = struct{}{}
	}
	for p, ts := range e.seen {
		if _, ok := live[p]; ok {
			continue
		}
		if ts > e.floor {
			e.floor = ts
		}
		delete(e.seen, p)
	}
}
