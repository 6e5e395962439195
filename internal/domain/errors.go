package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrNoQuote         = errors.New("no fresh quote")
	ErrRateLimited     = errors.New("rate limited")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrLockHeld        = errors.New("lock already held")
	ErrUnknownExchange = errors.New("unknown exchange")
	ErrUnknownHandle   = errors.New("unknown order handle")
	ErrEngineClosed    = errors.New("engine closed")
)

// AnomalyKind classifies a data anomaly observed on a feed.
type AnomalyKind string

const (
	AnomalyCrossedBook AnomalyKind = "crossed_book"
	AnomalyOutOfOrder  AnomalyKind = "out_of_order"
	AnomalyStaleBook   AnomalyKind = "stale_book"
)

// AnomalyError reports upstream data that was rejected or dropped. It is
// advisory: callers log it and carry on.
type AnomalyError struct {
	Kind     AnomalyKind
	Exchange string
	Symbol   string
	Detail   string
}

func (e *AnomalyError) Error() string {
	return fmt.Sprintf("anomaly %s on %s:%s: %s", e.Kind, e.Exchange, e.Symbol, e.Detail)
}

// RejectReason is a machine-readable risk rejection code.
type RejectReason string

const (
	RejectInsufficientBalance RejectReason = "insufficient_balance"
	RejectSymbolInFlight      RejectReason = "symbol_in_flight"
	RejectQuantityOverCap     RejectReason = "quantity_over_cap"
	RejectBelowMinimum        RejectReason = "below_exchange_minimum"
	RejectStaleOpportunity    RejectReason = "stale_opportunity"
	RejectKillSwitch          RejectReason = "kill_switch"
	RejectSameExchange        RejectReason = "same_exchange"
	RejectUnknownExchange     RejectReason = "unknown_exchange"
	RejectDuplicate           RejectReason = "duplicate_opportunity"
	RejectNoEdge              RejectReason = "no_edge"
)

// RiskError is returned when an opportunity fails a pre-trade check.
type RiskError struct {
	Reason RejectReason
	Detail string
}

func (e *RiskError) Error() string {
	if e.Detail == "" {
		return "risk: " + string(e.Reason)
	}
	return fmt.Sprintf("risk: %s: %s", e.Reason, e.Detail)
}

// RetriableError is implemented by errors that may succeed on retry.
type RetriableError interface {
	error
	Retriable() bool
}

// IsRetriable reports whether err (or anything it wraps) is retriable.
func IsRetriable(err error) bool {
	var r RetriableError
	if errors.As(err, &r) {
		return r.Retriable()
	}
	return false
}

// TransportError wraps a failure talking to an exchange gateway.
type TransportError struct {
	Op       string
	Exchange string
	Err      error
	Timeout  bool
}

func (e *TransportError) Error() string {
	kind := "transport"
	if e.Timeout {
		kind = "timeout"
	}
	return fmt.Sprintf("%s %s on %s: %v", kind, e.Op, e.Exchange, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retriable is always true; the retry budget bounds the attempts.
func (e *TransportError) Retriable() bool { return true }

// InvariantError signals a programming-contract violation. The offending
// operation is aborted; the process keeps running.
type InvariantError struct {
	Op     string
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violated in %s: %s", e.Op, e.Detail)
}

// IsInvariant reports whether err is an invariant violation.
func IsInvariant(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}

// IsAnomaly reports whether err is a data anomaly.
func IsAnomaly(err error) bool {
	var ae *AnomalyError
	return errors.As(err, &ae)
}

// AsRisk extracts a risk rejection from err.
func AsRisk(err error) (*RiskError, bool) {
	var re *RiskError
	ok := errors.As(err, &re)
	return re, ok
}
