package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Opportunity is a detected cross-exchange spread: buy on BuyExchange at
// BuyPrice, sell on SellExchange at SellPrice. It is never mutated after
// creation; a newer detection produces a new record.
type Opportunity struct {
	ID                string          `json:"id"`
	Symbol            string          `json:"symbol"`
	BuyExchange       string          `json:"buy_exchange"`
	SellExchange      string          `json:"sell_exchange"`
	BuyPrice          decimal.Decimal `json:"buy_price"`
	SellPrice         decimal.Decimal `json:"sell_price"`
	MaxQuantity       decimal.Decimal `json:"max_quantity"`
	Fees              decimal.Decimal `json:"fees"`
	ExpectedNetProfit decimal.Decimal `json:"expected_net_profit"`
	// RiskScore is in [0, 1]; higher means a thinner, older or shallower
	// opportunity that is more likely to leave one leg unfilled.
	RiskScore  float64   `json:"risk_score"`
	DetectedAt time.Time `json:"detected_at"`
}

// GrossSpread is the per-unit price difference captured by the pair.
func (o Opportunity) GrossSpread() decimal.Decimal {
	return o.SellPrice.Sub(o.BuyPrice)
}

// BuyNotional is the quote amount needed for the buy leg.
func (o Opportunity) BuyNotional() decimal.Decimal {
	return o.BuyPrice.Mul(o.MaxQuantity)
}

// Age returns how long ago the opportunity was detected.
func (o Opportunity) Age(now time.Time) time.Duration {
	return now.Sub(o.DetectedAt)
}

// OpportunityStatus records how the engine consumed an opportunity.
type OpportunityStatus string

const (
	OpportunityDetected OpportunityStatus = "detected"
	OpportunityAccepted OpportunityStatus = "accepted"
	OpportunityRejected OpportunityStatus = "rejected"
	OpportunityExpired  OpportunityStatus = "expired"
)
