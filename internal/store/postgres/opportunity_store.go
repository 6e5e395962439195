package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/arbcore/internal/domain"
)

// OpportunityStore implements domain.OpportunityStore using PostgreSQL.
type OpportunityStore struct {
	db Querier
}

// NewOpportunityStore creates a new OpportunityStore.
func NewOpportunityStore(db Querier) *OpportunityStore {
	return &OpportunityStore{db: db}
}

const opportunityColumns = `id, symbol, buy_exchange, sell_exchange, buy_price::text, sell_price::text,
	max_quantity::text, fees::text, expected_net_profit::text, risk_score, detected_at, status, reason`

// Insert records a detection. Re-inserting the same ID is a no-op.
func (s *OpportunityStore) Insert(ctx context.Context, opp domain.Opportunity) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO opportunities (id, symbol, buy_exchange, sell_exchange, buy_price, sell_price,
			max_quantity, fees, expected_net_profit, risk_score, detected_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8::numeric, $9::numeric, $10, $11)
		ON CONFLICT (id) DO NOTHING`,
		opp.ID, opp.Symbol, opp.BuyExchange, opp.SellExchange, dec(opp.BuyPrice), dec(opp.SellPrice),
		dec(opp.MaxQuantity), dec(opp.Fees), dec(opp.ExpectedNetProfit), opp.RiskScore, opp.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert opportunity %s: %w", opp.ID, err)
	}
	return nil
}

// UpdateStatus records how the engine consumed the opportunity.
func (s *OpportunityStore) UpdateStatus(ctx context.Context, id string, status domain.OpportunityStatus, reason string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE opportunities SET status = $2, reason = $3, updated_at = NOW() WHERE id = $1`,
		id, string(status), reason,
	)
	if err != nil {
		return fmt.Errorf("postgres: update opportunity %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListRecent returns the newest opportunities first.
func (s *OpportunityStore) ListRecent(ctx context.Context, limit int) ([]domain.OpportunityRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+opportunityColumns+` FROM opportunities ORDER BY detected_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list opportunities: %w", err)
	}
	return collectOpportunities(rows)
}

// ListBefore returns every opportunity detected strictly before the cutoff.
func (s *OpportunityStore) ListBefore(ctx context.Context, before time.Time) ([]domain.OpportunityRecord, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+opportunityColumns+` FROM opportunities WHERE detected_at < $1 ORDER BY detected_at`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list opportunities before: %w", err)
	}
	return collectOpportunities(rows)
}

func collectOpportunities(rows pgx.Rows) ([]domain.OpportunityRecord, error) {
	defer rows.Close()
	var out []domain.OpportunityRecord
	for rows.Next() {
		var r domain.OpportunityRecord
		var buy, sell, qty, fees, net, status string
		if err := rows.Scan(&r.ID, &r.Symbol, &r.BuyExchange, &r.SellExchange, &buy, &sell,
			&qty, &fees, &net, &r.RiskScore, &r.DetectedAt, &status, &r.Reason); err != nil {
			return nil, fmt.Errorf("postgres: scan opportunity: %w", err)
		}
		var err error
		if r.BuyPrice, err = parseDec("buy_price", buy); err != nil {
			return nil, err
		}
		if r.SellPrice, err = parseDec("sell_price", sell); err != nil {
			return nil, err
		}
		if r.MaxQuantity, err = parseDec("max_quantity", qty); err != nil {
			return nil, err
		}
		if r.Fees, err = parseDec("fees", fees); err != nil {
			return nil, err
		}
		if r.ExpectedNetProfit, err = parseDec("expected_net_profit", net); err != nil {
			return nil, err
		}
		r.Status = domain.OpportunityStatus(status)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list opportunities rows: %w", err)
	}
	return out, nil
}

var _ domain.OpportunityStore = (*OpportunityStore)(nil)
