package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionOutcome summarizes how an accepted opportunity settled.
type ExecutionOutcome string

const (
	OutcomePending  ExecutionOutcome = "pending"
	OutcomeCaptured ExecutionOutcome = "captured" // both legs filled
	OutcomePartial  ExecutionOutcome = "partial"  // legs filled unevenly, imbalance closed out
	OutcomeUnwound  ExecutionOutcome = "unwound"  // one leg failed, the filled leg was closed out
	OutcomeRejected ExecutionOutcome = "rejected" // neither leg filled
	OutcomeExposed  ExecutionOutcome = "exposed"  // close-out failed; position left open
)

// Execution records one accepted opportunity: its two legs, any compensating
// close-out order, and the realized PnL once settled.
type Execution struct {
	ID           string           `json:"id"`
	Opportunity  Opportunity      `json:"opportunity"`
	Buy          Order            `json:"buy"`
	Sell         Order            `json:"sell"`
	Compensation *Order           `json:"compensation,omitempty"`
	Outcome      ExecutionOutcome `json:"outcome"`
	RealizedPnL  decimal.Decimal  `json:"realized_pnl"`
	Fees         decimal.Decimal  `json:"fees"`
	StartedAt    time.Time        `json:"started_at"`
	SettledAt    *time.Time       `json:"settled_at,omitempty"`
}

// Settled reports whether the execution has reached its final state.
func (e Execution) Settled() bool {
	return e.SettledAt != nil
}

// Orders returns every order belonging to the execution.
func (e Execution) Orders() []Order {
	out := []Order{e.Buy, e.Sell}
	if e.Compensation != nil {
		out = append(out, *e.Compensation)
	}
	return out
}
