package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/arbcore/internal/domain"
	"github.com/alanyoungcy/arbcore/internal/notify"
)

const (
	// EventStream is the durable redis stream every event is appended to.
	EventStream = "arbcore:events"
	// EventChannel is the pub/sub channel live observers subscribe to.
	EventChannel = "events"
)

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Broadcaster pushes events straight to connected websocket clients. It is
// used when no signal bus is configured.
type Broadcaster interface {
	Broadcast(channel string, data []byte)
}

// TradeRecorder keeps a short-lived copy of settled executions.
type TradeRecorder interface {
	Save(ctx context.Context, exec domain.Execution) error
}

// ReporterDeps lists the sinks a Reporter fans out to. Any of them may be
// nil.
type ReporterDeps struct {
	Bus           domain.SignalBus
	Opportunities domain.OpportunityStore
	OppCache      domain.OpportunityCache
	Orders        domain.OrderStore
	Executions    domain.ExecutionStore
	TradeRecords  TradeRecorder
	Audit         domain.AuditStore
	Notifier      Notifier
	Hub           Broadcaster
	Tracker       *PerformanceTracker
}

// Reporter defaults.
const (
	DefaultReportQueue = 4096
	DefaultSinkTimeout = 2 * time.Second
)

// ReporterOption customizes a Reporter.
type ReporterOption func(*Reporter)

// WithQueueSize bounds the number of reports waiting for the sinks.
func WithQueueSize(n int) ReporterOption {
	return func(r *Reporter) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithSinkTimeout bounds every individual sink call.
func WithSinkTimeout(d time.Duration) ReporterOption {
	return func(r *Reporter) {
		if d > 0 {
			r.timeout = d
		}
	}
}

type report struct {
	ctx context.Context
	op  string
	run func(ctx context.Context)
}

// Reporter records every lifecycle transition of the trading core. Sink
// I/O runs on a single background worker in submission order, so a slow
// store never holds up an order; when the queue is full the report is
// dropped and counted. Sink failures are logged and never returned:
// reporting is advisory. Call Close to drain the queue.
type Reporter struct {
	deps      ReporterDeps
	now       func() time.Time
	logger    *slog.Logger
	queueSize int
	timeout   time.Duration

	queue   chan report
	done    chan struct{}
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// NewReporter creates a Reporter over deps and starts its worker.
func NewReporter(deps ReporterDeps, logger *slog.Logger, opts ...ReporterOption) *Reporter {
	r := &Reporter{
		deps:      deps,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "reporter")),
		queueSize: DefaultReportQueue,
		timeout:   DefaultSinkTimeout,
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	r.queue = make(chan report, r.queueSize)
	go r.drain()
	return r
}

// Close stops accepting reports and waits until the queued ones have been
// delivered. It is safe to call more than once.
func (r *Reporter) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
}

// Dropped returns how many reports were discarded because the queue was
// full or the reporter was closed.
func (r *Reporter) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Reporter) drain() {
	defer close(r.done)
	for rep := range r.queue {
		ctx, cancel := context.WithTimeout(rep.ctx, r.timeout)
		rep.run(ctx)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			r.logger.WarnContext(ctx, "report sinks timed out",
				slog.String("op", rep.op),
				slog.Duration("timeout", r.timeout),
			)
		}
		cancel()
	}
}

// enqueue hands fn to the worker without blocking the caller. The caller's
// cancellation does not reach fn; its values do.
func (r *Reporter) enqueue(ctx context.Context, op string, fn func(ctx context.Context)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.queue <- report{ctx: context.WithoutCancel(ctx), op: op, run: fn}:
	default:
		n := r.dropped.Add(1)
		r.logger.WarnContext(ctx, "report queue full, dropping",
			slog.String("op", op),
			slog.Uint64("dropped", n),
		)
	}
}

// OpportunityDetected caches and persists a fresh detection.
func (r *Reporter) OpportunityDetected(ctx context.Context, opp domain.Opportunity) {
	evt := r.stamp(domain.Event{
		Kind:          domain.EventOpportunityDetected,
		Symbol:        opp.Symbol,
		OpportunityID: opp.ID,
		Detail: map[string]any{
			"buy_exchange":        opp.BuyExchange,
			"sell_exchange":       opp.SellExchange,
			"buy_price":           opp.BuyPrice.String(),
			"sell_price":          opp.SellPrice.String(),
			"max_quantity":        opp.MaxQuantity.String(),
			"expected_net_profit": opp.ExpectedNetProfit.String(),
			"risk_score":          opp.RiskScore,
		},
	})
	r.enqueue(ctx, "opportunity_detected", func(ctx context.Context) {
		if r.deps.OppCache != nil {
			r.warn(ctx, "cache opportunity", r.deps.OppCache.Put(ctx, opp))
		}
		if r.deps.Opportunities != nil {
			r.warn(ctx, "insert opportunity", r.deps.Opportunities.Insert(ctx, opp))
		}
		r.emit(ctx, evt)
	})
}

// OpportunityAccepted marks the opportunity as consumed by an execution.
func (r *Reporter) OpportunityAccepted(ctx context.Context, opp domain.Opportunity, executionID string) {
	if r.deps.Opportunities == nil {
		return
	}
	r.enqueue(ctx, "opportunity_accepted", func(ctx context.Context) {
		r.warn(ctx, "update opportunity", r.deps.Opportunities.UpdateStatus(ctx, opp.ID, domain.OpportunityAccepted, executionID))
	})
}

// OpportunityRejected records why the engine refused an opportunity.
func (r *Reporter) OpportunityRejected(ctx context.Context, opp domain.Opportunity, err error) {
	reason := err.Error()
	status := domain.OpportunityRejected
	if re, ok := domain.AsRisk(err); ok {
		reason = string(re.Reason)
		if re.Reason == domain.RejectStaleOpportunity {
			status = domain.OpportunityExpired
		}
	}
	evt := r.stamp(domain.Event{
		Kind:          domain.EventOpportunityRejected,
		Symbol:        opp.Symbol,
		OpportunityID: opp.ID,
		Detail:        map[string]any{"reason": reason, "error": err.Error()},
	})
	re, ok := domain.AsRisk(err)
	killSwitch := ok && re.Reason == domain.RejectKillSwitch
	msg := err.Error()
	r.enqueue(ctx, "opportunity_rejected", func(ctx context.Context) {
		if r.deps.Opportunities != nil {
			r.warn(ctx, "update opportunity", r.deps.Opportunities.UpdateStatus(ctx, opp.ID, status, reason))
		}
		r.emit(ctx, evt)
		if killSwitch {
			r.alert(ctx, "kill_switch", notify.Alert("Kill switch active"), msg)
		}
	})
}

// OrderUpdated persists the order and emits its new state.
func (r *Reporter) OrderUpdated(ctx context.Context, order domain.Order) {
	evt := r.stamp(domain.Event{
		Kind:          domain.EventOrderState,
		Symbol:        order.Symbol,
		OpportunityID: order.OpportunityID,
		OrderID:       order.ID,
		Detail: map[string]any{
			"state":        string(order.State),
			"exchange":     order.Exchange,
			"leg":          string(order.Leg),
			"filled":       order.FilledQuantity.String(),
			"attempts":     order.Attempts,
			"compensating": order.Compensating,
			"reason":       order.Reason,
		},
	})
	r.enqueue(ctx, "order_updated", func(ctx context.Context) {
		if r.deps.Orders != nil {
			r.warn(ctx, "upsert order", r.deps.Orders.Upsert(ctx, order))
		}
		r.emit(ctx, evt)
	})
}

// CompensationIssued records a close-out and alerts the operator.
func (r *Reporter) CompensationIssued(ctx context.Context, exec domain.Execution, order domain.Order) {
	detail := map[string]any{
		"execution_id": exec.ID,
		"exchange":     order.Exchange,
		"side":         string(order.Leg),
		"quantity":     order.Quantity.String(),
		"price":        order.Price.String(),
	}
	evt := r.stamp(domain.Event{
		Kind:          domain.EventCompensationIssued,
		Symbol:        exec.Opportunity.Symbol,
		OpportunityID: exec.Opportunity.ID,
		OrderID:       order.ID,
		Detail:        detail,
	})
	msg := fmt.Sprintf("%s %s %s on %s at %s (execution %s)",
		order.Leg, order.Quantity, order.Symbol, order.Exchange, order.Price, exec.ID)
	r.enqueue(ctx, "compensation_issued", func(ctx context.Context) {
		r.audit(ctx, "compensation_issued", detail)
		r.emit(ctx, evt)
		r.alert(ctx, "compensation", "Compensation issued", msg)
	})
}

// ExecutionSettled folds the settled execution into the performance tracker
// at once, so the kill switch sees it before the next acceptance, and
// persists it in the background.
func (r *Reporter) ExecutionSettled(ctx context.Context, exec domain.Execution) {
	if r.deps.Tracker != nil {
		r.deps.Tracker.Record(exec)
	}
	detail := map[string]any{
		"execution_id": exec.ID,
		"outcome":      string(exec.Outcome),
		"realized_pnl": exec.RealizedPnL.String(),
		"fees":         exec.Fees.String(),
	}
	evt := r.stamp(domain.Event{
		Kind:          domain.EventExecutionSettled,
		Symbol:        exec.Opportunity.Symbol,
		OpportunityID: exec.Opportunity.ID,
		Detail:        detail,
	})
	event, title := "execution", "Execution settled"
	if exec.Outcome == domain.OutcomeExposed {
		event, title = "exposure", notify.Alert("Execution left exposed")
	}
	msg := fmt.Sprintf("%s %s buy %s / sell %s: %s, pnl %s",
		exec.Opportunity.Symbol, exec.ID, exec.Opportunity.BuyExchange, exec.Opportunity.SellExchange,
		exec.Outcome, exec.RealizedPnL)

	r.enqueue(ctx, "execution_settled", func(ctx context.Context) {
		if r.deps.Executions != nil {
			r.warn(ctx, "save execution", r.deps.Executions.Save(ctx, exec))
		}
		if r.deps.TradeRecords != nil {
			r.warn(ctx, "cache execution", r.deps.TradeRecords.Save(ctx, exec))
		}
		r.audit(ctx, "execution_settled", detail)
		r.emit(ctx, evt)
		r.alert(ctx, event, title, msg)
	})
}

// BookAnomaly records data rejected by the book store.
func (r *Reporter) BookAnomaly(ctx context.Context, a *domain.AnomalyError) {
	evt := r.stamp(domain.Event{
		Kind:   domain.EventBookAnomaly,
		Symbol: a.Symbol,
		Detail: map[string]any{
			"kind":     string(a.Kind),
			"exchange": a.Exchange,
			"detail":   a.Detail,
		},
	})
	r.enqueue(ctx, "book_anomaly", func(ctx context.Context) { r.emit(ctx, evt) })
}

// stamp fixes the event's identity and time when the transition happens,
// not when the worker gets to it.
func (r *Reporter) stamp(evt domain.Event) domain.Event {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.At.IsZero() {
		evt.At = r.now().UTC()
	}
	return evt
}

func (r *Reporter) emit(ctx context.Context, evt domain.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		r.warn(ctx, "marshal event", err)
		return
	}
	if r.deps.Bus != nil {
		r.warn(ctx, "append event", r.deps.Bus.StreamAppend(ctx, EventStream, payload))
		r.warn(ctx, "publish event", r.deps.Bus.Publish(ctx, EventChannel, payload))
		return
	}
	if r.deps.Hub != nil {
		r.deps.Hub.Broadcast(EventChannel, payload)
	}
}

func (r *Reporter) audit(ctx context.Context, event string, detail map[string]any) {
	if r.deps.Audit != nil {
		r.warn(ctx, "audit "+event, r.deps.Audit.Log(ctx, event, detail))
	}
}

func (r *Reporter) alert(ctx context.Context, event, title, message string) {
	if r.deps.Notifier != nil {
		r.warn(ctx, "notify "+event, r.deps.Notifier.Notify(ctx, event, title, message))
	}
}

func (r *Reporter) warn(ctx context.Context, op string, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	r.logger.WarnContext(ctx, op+" failed", slog.String("error", err.Error()))
}
