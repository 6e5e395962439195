package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbcore/internal/domain"
)

// Limit bounds the order quantity an exchange accepts. Zero means unbounded.
type Limit struct {
	MinQuantity decimal.Decimal
	MaxQuantity decimal.Decimal
}

// RiskConfig holds the tunable parameters for pre-trade risk checks.
type RiskConfig struct {
	MaxOpportunityAge time.Duration
	QuantityCap       decimal.Decimal
	Limits            map[string]Limit
	// MaxDailyLoss trips the kill switch once today's realized PnL falls to
	// -MaxDailyLoss. Zero disables it.
	MaxDailyLoss decimal.Decimal
	// Exchanges, when non-empty, is the set of exchanges orders may go to.
	Exchanges []string
}

// PnLSource reports today's realized PnL.
type PnLSource interface {
	DailyPnL(ctx context.Context) (decimal.Decimal, error)
}

// RiskService provides pre-trade risk checks so an opportunity never
// reaches a gateway outside the configured limits.
type RiskService struct {
	cfg       RiskConfig
	exchanges map[string]bool
	balances  domain.BalanceSource
	pnl       PnLSource
	now       func() time.Time
	logger    *slog.Logger
}

// NewRiskService creates a RiskService. balances and pnl may be nil, which
// skips the corresponding checks.
func NewRiskService(cfg RiskConfig, balances domain.BalanceSource, pnl PnLSource, logger *slog.Logger) *RiskService {
	known := make(map[string]bool, len(cfg.Exchanges))
	for _, ex := range cfg.Exchanges {
		known[ex] = true
	}
	return &RiskService{
		cfg:       cfg,
		exchanges: known,
		balances:  balances,
		pnl:       pnl,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "risk_service")),
	}
}

// SetClock overrides the clock used to age opportunities.
func (s *RiskService) SetClock(now func() time.Time) {
	s.now = now
}

// PreTradeCheck validates opp against the configured limits. It returns a
// *domain.RiskError for the first failed check, or nil if all pass.
//
// Checks performed:
//  1. Legs on distinct, known exchanges
//  2. Opportunity age
//  3. Quantity cap and per-exchange lot limits
//  4. Daily loss kill switch
//  5. Free balance on both exchanges
func (s *RiskService) PreTradeCheck(ctx context.Context, opp domain.Opportunity) error {
	if !opp.MaxQuantity.IsPositive() {
		return &domain.InvariantError{Op: "pre_trade_check", Detail: fmt.Sprintf("opportunity %s has quantity %s", opp.ID, opp.MaxQuantity)}
	}

	if opp.BuyExchange == opp.SellExchange {
		return s.deny(ctx, opp, domain.RejectSameExchange, opp.BuyExchange)
	}
	if len(s.exchanges) > 0 {
		for _, ex := range []string{opp.BuyExchange, opp.SellExchange} {
			if !s.exchanges[ex] {
				return s.deny(ctx, opp, domain.RejectUnknownExchange, ex)
			}
		}
	}

	if s.cfg.MaxOpportunityAge > 0 {
		if age := opp.Age(s.now()); age > s.cfg.MaxOpportunityAge {
			return s.deny(ctx, opp, domain.RejectStaleOpportunity,
				fmt.Sprintf("age %s exceeds %s", age, s.cfg.MaxOpportunityAge))
		}
	}

	qty := opp.MaxQuantity
	if s.cfg.QuantityCap.IsPositive() && qty.GreaterThan(s.cfg.QuantityCap) {
		return s.deny(ctx, opp, domain.RejectQuantityOverCap,
			fmt.Sprintf("%s exceeds cap %s", qty, s.cfg.QuantityCap))
	}
	for _, ex := range []string{opp.BuyExchange, opp.SellExchange} {
		lim, ok := s.cfg.Limits[ex]
		if !ok {
			continue
		}
		if lim.MinQuantity.IsPositive() && qty.LessThan(lim.MinQuantity) {
			return s.deny(ctx, opp, domain.RejectBelowMinimum,
				fmt.Sprintf("%s: %s below minimum %s", ex, qty, lim.MinQuantity))
		}
		if lim.MaxQuantity.IsPositive() && qty.GreaterThan(lim.MaxQuantity) {
			return s.deny(ctx, opp, domain.RejectQuantityOverCap,
				fmt.Sprintf("%s: %s above maximum %s", ex, qty, lim.MaxQuantity))
		}
	}

	if s.cfg.MaxDailyLoss.IsPositive() && s.pnl != nil {
		pnl, err := s.pnl.DailyPnL(ctx)
		if err != nil {
			// Without today's PnL the kill switch cannot be evaluated; fail closed.
			return fmt.Errorf("risk_service: daily pnl: %w", err)
		}
		if pnl.LessThanOrEqual(s.cfg.MaxDailyLoss.Neg()) {
			return s.deny(ctx, opp, domain.RejectKillSwitch,
				fmt.Sprintf("daily pnl %s at or below -%s", pnl, s.cfg.MaxDailyLoss))
		}
	}

	if s.balances != nil {
		base, quote := domain.SplitSymbol(opp.Symbol)
		if have := s.balances.Balance(opp.BuyExchange, quote); have.LessThan(opp.BuyNotional()) {
			return s.deny(ctx, opp, domain.RejectInsufficientBalance,
				fmt.Sprintf("%s %s: need %s, have %s", opp.BuyExchange, quote, opp.BuyNotional(), have))
		}
		if have := s.balances.Balance(opp.SellExchange, base); have.LessThan(qty) {
			return s.deny(ctx, opp, domain.RejectInsufficientBalance,
				fmt.Sprintf("%s %s: need %s, have %s", opp.SellExchange, base, qty, have))
		}
	}

	return nil
}

func (s *RiskService) deny(ctx context.Context, opp domain.Opportunity, reason domain.RejectReason, detail string) error {
	s.logger.DebugContext(ctx, "pre-trade check failed",
		slog.String("opportunity_id", opp.ID),
		slog.String("symbol", opp.Symbol),
		slog.String("reason", string(reason)),
		slog.String("detail", detail),
	)
	return &domain.RiskError{Reason: reason, Detail: detail}
}
