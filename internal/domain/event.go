package domain

import "time"

// EventKind names a telemetry event.
type EventKind string

const (
	EventOpportunityDetected EventKind = "opportunity_detected"
	EventOpportunityRejected EventKind = "opportunity_rejected"
	EventOrderState          EventKind = "order_state"
	EventCompensationIssued  EventKind = "compensation_issued"
	EventExecutionSettled    EventKind = "execution_settled"
	EventBookAnomaly         EventKind = "book_anomaly"
)

// Event is one record of the append-only telemetry stream. It is advisory:
// nothing in the trading path depends on its delivery.
type Event struct {
	ID            string         `json:"id"`
	Kind          EventKind      `json:"kind"`
	Symbol        string         `json:"symbol,omitempty"`
	OpportunityID string         `json:"opportunity_id,omitempty"`
	OrderID       string         `json:"order_id,omitempty"`
	Detail        map[string]any `json:"detail,omitempty"`
	At            time.Time      `json:"at"`
}
