package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbcore/internal/domain"
)

// ExecutionStore implements domain.ExecutionStore using PostgreSQL. The
// summary columns are queryable; the full execution with its orders lives in
// payload.
type ExecutionStore struct {
	db Querier
}

// NewExecutionStore creates a new ExecutionStore.
func NewExecutionStore(db Querier) *ExecutionStore {
	return &ExecutionStore{db: db}
}

// Save inserts or replaces exec.
func (s *ExecutionStore) Save(ctx context.Context, exec domain.Execution) error {
	payload, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("postgres: marshal execution %s: %w", exec.ID, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO executions (id, opportunity_id, symbol, outcome, realized_pnl, fees, started_at, settled_at, payload)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			outcome      = EXCLUDED.outcome,
			realized_pnl = EXCLUDED.realized_pnl,
			fees         = EXCLUDED.fees,
			settled_at   = EXCLUDED.settled_at,
			payload      = EXCLUDED.payload`,
		exec.ID, exec.Opportunity.ID, exec.Opportunity.Symbol, string(exec.Outcome),
		dec(exec.RealizedPnL), dec(exec.Fees), exec.StartedAt, exec.SettledAt, payload,
	)
	if err != nil {
		return fmt.Errorf("postgres: save execution %s: %w", exec.ID, err)
	}
	return nil
}

// GetByID returns domain.ErrNotFound for an unknown execution.
func (s *ExecutionStore) GetByID(ctx context.Context, id string) (domain.Execution, error) {
	var payload []byte
	err := s.db.QueryRow(ctx, `SELECT payload FROM executions WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Execution{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Execution{}, fmt.Errorf("postgres: get execution %s: %w", id, err)
	}
	return decodeExecution(payload)
}

// ListRecent returns the most recent executions first.
func (s *ExecutionStore) ListRecent(ctx context.Context, limit int) ([]domain.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `SELECT payload FROM executions ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions: %w", err)
	}
	return collectExecutions(rows)
}

// ListBefore returns settled executions whose settlement is strictly before
// the cutoff.
func (s *ExecutionStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Execution, error) {
	rows, err := s.db.Query(ctx,
		`SELECT payload FROM executions WHERE settled_at IS NOT NULL AND settled_at < $1 ORDER BY settled_at`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions before: %w", err)
	}
	return collectExecutions(rows)
}

// SumPnL returns the realized PnL of executions settled since the given time.
func (s *ExecutionStore) SumPnL(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	var sum string
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(realized_pnl), 0)::text FROM executions WHERE settled_at >= $1`, since,
	).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: sum execution pnl: %w", err)
	}
	return parseDec("realized_pnl", sum)
}

func collectExecutions(rows pgx.Rows) ([]domain.Execution, error) {
	defer rows.Close()
	var out []domain.Execution
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("postgres: scan execution: %w", err)
		}
		exec, err := decodeExecution(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list executions rows: %w", err)
	}
	return out, nil
}

func decodeExecution(payload []byte) (domain.Execution, error) {
	var exec domain.Execution
	if err := json.Unmarshal(payload, &exec); err != nil {
		return domain.Execution{}, fmt.Errorf("postgres: decode execution: %w", err)
	}
	return exec, nil
}

var _ domain.ExecutionStore = (*ExecutionStore)(nil)
