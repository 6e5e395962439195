package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbcore/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	db Querier
}

// NewOrderStore creates a new OrderStore.
func NewOrderStore(db Querier) *OrderStore {
	return &OrderStore{db: db}
}

const orderColumns = `id, opportunity_id, execution_id, leg, exchange, symbol, price::text, quantity::text,
	filled_quantity::text, avg_fill_price::text, fee::text, state, handle, attempts, compensating, reason,
	created_at, submitted_at, resolved_at`

// Upsert writes the order's latest state. Every transition calls it, so the
// row always mirrors the engine's copy.
func (s *OrderStore) Upsert(ctx context.Context, o domain.Order) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO orders (id, opportunity_id, execution_id, leg, exchange, symbol, price, quantity,
			filled_quantity, avg_fill_price, fee, state, handle, attempts, compensating, reason,
			created_at, submitted_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9::numeric, $10::numeric, $11::numeric,
			$12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (id) DO UPDATE SET
			filled_quantity = EXCLUDED.filled_quantity,
			avg_fill_price  = EXCLUDED.avg_fill_price,
			fee             = EXCLUDED.fee,
			state           = EXCLUDED.state,
			handle          = EXCLUDED.handle,
			attempts        = EXCLUDED.attempts,
			reason          = EXCLUDED.reason,
			submitted_at    = EXCLUDED.submitted_at,
			resolved_at     = EXCLUDED.resolved_at,
			updated_at      = NOW()`,
		o.ID, o.OpportunityID, o.ExecutionID, string(o.Leg), o.Exchange, o.Symbol,
		dec(o.Price), dec(o.Quantity), dec(o.FilledQuantity), dec(o.AvgFillPrice), dec(o.Fee),
		string(o.State), o.Handle, o.Attempts, o.Compensating, o.Reason,
		o.CreatedAt, o.SubmittedAt, o.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert order %s: %w", o.ID, err)
	}
	return nil
}

// GetByID returns domain.ErrNotFound for an unknown order.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	rows, err := s.db.Query(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	if err != nil {
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	orders, err := collectOrders(rows)
	if err != nil {
		return domain.Order{}, err
	}
	if len(orders) == 0 {
		return domain.Order{}, domain.ErrNotFound
	}
	return orders[0], nil
}

// ListByExecution returns every order of an execution, oldest first.
func (s *OrderStore) ListByExecution(ctx context.Context, executionID string) ([]domain.Order, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE execution_id = $1 ORDER BY created_at`, executionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders for %s: %w", executionID, err)
	}
	return collectOrders(rows)
}

// ListRecent returns orders newest first with optional time filtering.
func (s *OrderStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY created_at DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)
	argIdx++
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders: %w", err)
	}
	return collectOrders(rows)
}

// ListBefore returns orders created strictly before the cutoff.
func (s *OrderStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Order, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE created_at < $1 ORDER BY created_at`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders before: %w", err)
	}
	return collectOrders(rows)
}

func collectOrders(rows pgx.Rows) ([]domain.Order, error) {
	defer rows.Close()
	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list orders rows: %w", err)
	}
	return out, nil
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	var leg, state, price, qty, filled, avg, fee string
	err := row.Scan(&o.ID, &o.OpportunityID, &o.ExecutionID, &leg, &o.Exchange, &o.Symbol,
		&price, &qty, &filled, &avg, &fee, &state, &o.Handle, &o.Attempts, &o.Compensating, &o.Reason,
		&o.CreatedAt, &o.SubmittedAt, &o.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("postgres: scan order: %w", err)
	}
	o.Leg = domain.OrderSide(leg)
	o.State = domain.OrderState(state)
	for _, f := range []struct {
		col string
		src string
		dst *decimal.Decimal
	}{
		{"price", price, &o.Price},
		{"quantity", qty, &o.Quantity},
		{"filled_quantity", filled, &o.FilledQuantity},
		{"avg_fill_price", avg, &o.AvgFillPrice},
		{"fee", fee, &o.Fee},
	} {
		d, err := parseDec(f.col, f.src)
		if err != nil {
			return domain.Order{}, err
		}
		*f.dst = d
	}
	return o, nil
}

var _ domain.OrderStore = (*OrderStore)(nil)
