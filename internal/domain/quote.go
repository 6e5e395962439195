package domain

import "github.com/shopspring/decimal"

// QuoteSide attributes the best level on one side to its source exchange.
type QuoteSide struct {
	Exchange  string     `json:"exchange"`
	Level     PriceLevel `json:"level"`
	UpdatedAt int64      `json:"updated_at"` // wall clock ms of the book's last mutation
}

// ConsolidatedQuote is the best bid and best ask for a symbol across all
// fresh books. It is derived on demand and never persisted as a source of
// truth.
type ConsolidatedQuote struct {
	Symbol     string     `json:"symbol"`
	BestBid    *QuoteSide `json:"best_bid,omitempty"`
	BestAsk    *QuoteSide `json:"best_ask,omitempty"`
	ComputedAt int64      `json:"computed_at"`
}

// Spread returns bid - ask when both sides exist. A positive spread across
// exchanges is a raw arbitrage signal.
func (q ConsolidatedQuote) Spread() (decimal.Decimal, bool) {
	if q.BestBid == nil || q.BestAsk == nil {
		return decimal.Zero, false
	}
	return q.BestBid.Level.Price.Sub(q.BestAsk.Level.Price), true
}
