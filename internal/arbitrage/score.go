package arbitrage

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbcore/internal/domain"
)

// Risk score weights. They sum to one.
const (
	marginWeight = 0.4
	depthWeight  = 0.3
	ageWeight    = 0.3
)

// fullMargin is the net margin on the buy notional at which the margin term
// stops contributing risk.
var fullMargin = decimal.RequireFromString("0.01")

// RiskScore rates how likely an opportunity is to leave one leg unfilled, in
// [0, 1]. A thin net margin, a trade that takes the whole top level and a
// book close to the staleness threshold each push it towards 1. staleAfter
// of zero ignores book age.
func RiskScore(opp domain.Opportunity, bid, ask domain.QuoteSide, staleAfter time.Duration) float64 {
	margin := 1.0
	if notional := opp.BuyNotional(); notional.IsPositive() {
		ratio, _ := opp.ExpectedNetProfit.Div(notional).Div(fullMargin).Float64()
		margin = 1 - clamp01(ratio)
	}

	depth := 1.0
	if top := decimal.Min(bid.Level.Quantity, ask.Level.Quantity); top.IsPositive() {
		depth, _ = opp.MaxQuantity.Div(top).Float64()
		depth = clamp01(depth)
	}

	var age float64
	if staleAfter > 0 {
		oldest := min(bid.UpdatedAt, ask.UpdatedAt)
		elapsed := time.Duration(opp.DetectedAt.UnixMilli()-oldest) * time.Millisecond
		age = clamp01(float64(elapsed) / float64(staleAfter))
	}

	score := marginWeight*margin + depthWeight*depth + ageWeight*age
	return math.Round(score*1e4) / 1e4
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
