package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// OpportunityStore persists detected opportunities and how they were consumed.
type OpportunityStore interface {
	Insert(ctx context.Context, opp Opportunity) error
	UpdateStatus(ctx context.Context, id string, status OpportunityStatus, reason string) error
	ListRecent(ctx context.Context, limit int) ([]OpportunityRecord, error)
	ListBefore(ctx context.Context, before time.Time) ([]OpportunityRecord, error)
}

// OpportunityRecord is a stored opportunity with its consumption status.
type OpportunityRecord struct {
	Opportunity
	Status OpportunityStatus `json:"status"`
	Reason string            `json:"reason,omitempty"`
}

// OrderStore persists order legs.
type OrderStore interface {
	Upsert(ctx context.Context, order Order) error
	GetByID(ctx context.Context, id string) (Order, error)
	ListByExecution(ctx context.Context, executionID string) ([]Order, error)
	ListRecent(ctx context.Context, opts ListOpts) ([]Order, error)
	ListBefore(ctx context.Context, before time.Time) ([]Order, error)
}

// ExecutionStore persists settled executions for PnL tracking.
type ExecutionStore interface {
	Save(ctx context.Context, exec Execution) error
	GetByID(ctx context.Context, id string) (Execution, error)
	ListRecent(ctx context.Context, limit int) ([]Execution, error)
	ListBefore(ctx context.Context, before time.Time) ([]Execution, error)
	SumPnL(ctx context.Context, since time.Time) (decimal.Decimal, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// PaperJournal records simulated fills and periodic performance snapshots
// for paper trading sessions.
type PaperJournal interface {
	RecordFill(ctx context.Context, fill PaperFill) error
	RecordSnapshot(ctx context.Context, snap PerformanceSnapshot) error
	Fills(ctx context.Context, limit int) ([]PaperFill, error)
	LatestSnapshot(ctx context.Context) (PerformanceSnapshot, error)
}
