package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Side identifies one side of an orderbook.
type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBid || s == SideAsk
}

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == SideBid {
		return SideAsk
	}
	return SideBid
}

// PriceLevel is a single price+quantity entry in an orderbook. A zero
// quantity on an incremental update means the price is removed.
type PriceLevel struct {
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Timestamp int64           `json:"ts"` // feed time, milliseconds
}

// IsRemoval reports whether the level deletes its price from the book.
func (l PriceLevel) IsRemoval() bool {
	return l.Quantity.IsZero()
}

// Check validates the value constraints of a single level.
func (l PriceLevel) Check() error {
	if !l.Price.IsPositive() {
		return &InvariantError{Op: "price_level", Detail: fmt.Sprintf("price must be > 0, got %s", l.Price)}
	}
	if l.Quantity.IsNegative() {
		return &InvariantError{Op: "price_level", Detail: fmt.Sprintf("quantity must be >= 0, got %s", l.Quantity)}
	}
	return nil
}

// Orderbook is the two-sided book for one (exchange, symbol) pair. Bids are
// sorted by descending price, asks by ascending price.
type Orderbook struct {
	Exchange  string       `json:"exchange"`
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp int64        `json:"ts"`
}

// BookKey identifies an orderbook.
type BookKey struct {
	Exchange string
	Symbol   string
}

func (k BookKey) String() string {
	return k.Exchange + ":" + k.Symbol
}

// Key returns the book's identity.
func (b Orderbook) Key() BookKey {
	return BookKey{Exchange: b.Exchange, Symbol: b.Symbol}
}

// BestBid returns the highest bid, if any.
func (b Orderbook) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest ask, if any.
func (b Orderbook) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// Levels returns the levels for the given side.
func (b Orderbook) Levels(side Side) []PriceLevel {
	if side == SideBid {
		return b.Bids
	}
	return b.Asks
}

// Depth sums quantity and notional over the first n levels of a side. n <= 0
// means the whole side.
func (b Orderbook) Depth(side Side, n int) (qty, notional decimal.Decimal) {
	levels := b.Levels(side)
	if n > 0 && n < len(levels) {
		levels = levels[:n]
	}
	for _, l := range levels {
		qty = qty.Add(l.Quantity)
		notional = notional.Add(l.Quantity.Mul(l.Price))
	}
	return qty, notional
}

// Clone returns a deep copy whose slices share nothing with b.
func (b Orderbook) Clone() Orderbook {
	out := b
	out.Bids = append([]PriceLevel(nil), b.Bids...)
	out.Asks = append([]PriceLevel(nil), b.Asks...)
	return out
}

// Crossed reports whether best bid >= best ask.
func (b Orderbook) Crossed() bool {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	return okB && okA && bid.Price.GreaterThanOrEqual(ask.Price)
}

// Validate checks the structural invariants of a full book. Ordering and
// value problems are returned as *InvariantError. A crossed book is reported
// as *AnomalyError since it reflects upstream data, not a contract breach.
func (b Orderbook) Validate() error {
	if b.Exchange == "" || b.Symbol == "" {
		return &InvariantError{Op: "orderbook", Detail: "exchange and symbol are required"}
	}
	if err := checkSide(b.Bids, SideBid); err != nil {
		return err
	}
	if err := checkSide(b.Asks, SideAsk); err != nil {
		return err
	}
	if b.Crossed() {
		bid, _ := b.BestBid()
		ask, _ := b.BestAsk()
		return &AnomalyError{
			Kind:     AnomalyCrossedBook,
			Exchange: b.Exchange,
			Symbol:   b.Symbol,
			Detail:   fmt.Sprintf("best bid %s >= best ask %s", bid.Price, ask.Price),
		}
	}
	return nil
}

func checkSide(levels []PriceLevel, side Side) error {
	for i, l := range levels {
		if err := l.Check(); err != nil {
			return err
		}
		if l.IsRemoval() {
			return &InvariantError{Op: "orderbook", Detail: fmt.Sprintf("%s level %s has zero quantity", side, l.Price)}
		}
		if i == 0 {
			continue
		}
		prev := levels[i-1].Price
		if l.Price.Equal(prev) {
			return &InvariantError{Op: "orderbook", Detail: fmt.Sprintf("duplicate %s price %s", side, l.Price)}
		}
		if side == SideBid && l.Price.GreaterThan(prev) {
			return &InvariantError{Op: "orderbook", Detail: fmt.Sprintf("bids not descending at %s", l.Price)}
		}
		if side == SideAsk && l.Price.LessThan(prev) {
			return &InvariantError{Op: "orderbook", Detail: fmt.Sprintf("asks not ascending at %s", l.Price)}
		}
	}
	return nil
}
