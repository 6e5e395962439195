package arbitrage

import "github.com/shopspring/decimal"

var tenThousand = decimal.NewFromInt(10_000)

// Fee is the cost of one trade on an exchange: a flat amount per trade plus
// an optional proportional taker rate.
type Fee struct {
	Flat     decimal.Decimal
	TakerBps decimal.Decimal
}

// Cost returns the fee charged on a trade of the given notional.
func (f Fee) Cost(notional decimal.Decimal) decimal.Decimal {
	if f.TakerBps.IsZero() {
		return f.Flat
	}
	return f.Flat.Add(notional.Mul(f.TakerBps).Div(tenThousand))
}

// FeeSchedule maps exchanges to their fees. Exchanges without an entry pay
// Default.
type FeeSchedule struct {
	Default     Fee
	PerExchange map[string]Fee
}

// For returns the fee for exchange.
func (s FeeSchedule) For(exchange string) Fee {
	if f, ok := s.PerExchange[exchange]; ok {
		return f
	}
	return s.Default
}

// Fee returns the cost of trading notional on exchange.
func (s FeeSchedule) Fee(exchange string, notional decimal.Decimal) decimal.Decimal {
	return s.For(exchange).Cost(notional)
}
