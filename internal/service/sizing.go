package service

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbcore/internal/domain"
)

// coldStartFraction sizes trades while there is too little history for a
// Kelly estimate.
var coldStartFraction = decimal.RequireFromString("0.5")

// quantityPlaces is the precision sized quantities are truncated to.
const quantityPlaces = 8

// KellySource estimates the Kelly fraction from settled results.
type KellySource interface {
	KellyFraction(minTrades int) (decimal.Decimal, bool)
}

// SizingConfig tunes Kelly position sizing.
type SizingConfig struct {
	// QuantityCap is the quantity a full Kelly fraction of 1 allows.
	QuantityCap decimal.Decimal
	// Multiplier scales the raw fraction; 0.5 is half Kelly.
	Multiplier decimal.Decimal
	// MinTrades is the history required before the estimate is trusted.
	MinTrades int
}

// KellySizer shrinks opportunities to the quantity the recorded edge
// supports. The fraction is further reduced by up to half for risky
// opportunities.
type KellySizer struct {
	cfg    SizingConfig
	stats  KellySource
	logger *slog.Logger
}

// NewKellySizer creates a sizer over stats.
func NewKellySizer(cfg SizingConfig, stats KellySource, logger *slog.Logger) *KellySizer {
	return &KellySizer{
		cfg:    cfg,
		stats:  stats,
		logger: logger.With(slog.String("component", "kelly_sizer")),
	}
}

// Size returns the quantity to trade for opp, never more than
// opp.MaxQuantity. A zero Kelly fraction rejects the opportunity with
// domain.RejectNoEdge.
func (s *KellySizer) Size(ctx context.Context, opp domain.Opportunity) (decimal.Decimal, error) {
	fraction := coldStartFraction
	if f, ok := s.stats.KellyFraction(s.cfg.MinTrades); ok {
		fraction = f.Mul(s.cfg.Multiplier)
	}
	risk := decimal.NewFromFloat(1 - opp.RiskScore/2)
	fraction = decimal.Min(decimal.NewFromInt(1), decimal.Max(decimal.Zero, fraction.Mul(risk)))

	limit := s.cfg.QuantityCap.Mul(fraction).Truncate(quantityPlaces)
	if !limit.IsPositive() {
		return decimal.Zero, &domain.RiskError{Reason: domain.RejectNoEdge, Detail: "kelly fraction " + fraction.String()}
	}
	if limit.LessThan(opp.MaxQuantity) {
		s.logger.DebugContext(ctx, "opportunity sized down",
			slog.String("opportunity_id", opp.ID),
			slog.String("fraction", fraction.String()),
			slog.String("from", opp.MaxQuantity.String()),
			slog.String("to", limit.String()),
		)
		return limit, nil
	}
	return opp.MaxQuantity, nil
}
