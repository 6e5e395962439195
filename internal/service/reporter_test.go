package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/arbcore/internal/domain"
	"github.com/alanyoungcy/arbcore/internal/executor"
)

var _ executor.Reporter = (*Reporter)(nil)

type memBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	stream    [][]byte
	fail      bool
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return errors.New("redis down")
	}
	if b.published == nil {
		b.published = make(map[string][][]byte)
	}
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

func (b *memBus) StreamAppend(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return errors.New("redis down")
	}
	b.stream = append(b.stream, payload)
	return nil
}

func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type memOpportunities struct {
	inserted []string
	statuses map[string]domain.OpportunityStatus
	reasons  map[string]string
}

func (m *memOpportunities) Insert(_ context.Context, opp domain.Opportunity) error {
	m.inserted = append(m.inserted, opp.ID)
	return nil
}

func (m *memOpportunities) UpdateStatus(_ context.Context, id string, status domain.OpportunityStatus, reason string) error {
	if m.statuses == nil {
		m.statuses = make(map[string]domain.OpportunityStatus)
		m.reasons = make(map[string]string)
	}
	m.statuses[id] = status
	m.reasons[id] = reason
	return nil
}

func (m *memOpportunities) ListRecent(context.Context, int) ([]domain.OpportunityRecord, error) {
	return nil, nil
}

func (m *memOpportunities) ListBefore(context.Context, time.Time) ([]domain.OpportunityRecord, error) {
	return nil, nil
}

type memNotifier struct{ events []string }

func (n *memNotifier) Notify(_ context.Context, event, _, _ string) error {
	n.events = append(n.events, event)
	return nil
}

type memHub struct{ msgs int }

func (h *memHub) Broadcast(string, []byte) { h.msgs++ }

func TestReporterFansOutEvents(t *testing.T) {
	bus := &memBus{}
	opps := &memOpportunities{}
	notifier := &memNotifier{}
	tracker := NewPerformanceTracker(nil, testLogger())
	r := NewReporter(ReporterDeps{Bus: bus, Opportunities: opps, Notifier: notifier, Tracker: tracker}, testLogger())
	ctx := context.Background()

	opp := riskOpportunity(time.Now())
	r.OpportunityDetected(ctx, opp)
	r.OpportunityRejected(ctx, opp, &domain.RiskError{Reason: domain.RejectStaleOpportunity})

	now := time.Now()
	r.ExecutionSettled(ctx, domain.Execution{ID: "e1", Opportunity: opp, Outcome: domain.OutcomeCaptured, RealizedPnL: d("3"), StartedAt: now, SettledAt: &now})
	if got := tracker.Snapshot().TotalTrades; got != 1 {
		t.Errorf("Expected tracker to record the execution before sinks drain, got %d trades", got)
	}

	r.Close()
	if len(opps.inserted) != 1 {
		t.Errorf("Expected 1 inserted opportunity, got %d", len(opps.inserted))
	}
	if opps.statuses[opp.ID] != domain.OpportunityExpired || opps.reasons[opp.ID] != "stale_opportunity" {
		t.Errorf("Expected expired/stale_opportunity, got %s/%s", opps.statuses[opp.ID], opps.reasons[opp.ID])
	}
	if len(notifier.events) != 1 || notifier.events[0] != "execution" {
		t.Errorf("Expected an execution notification, got %v", notifier.events)
	}

	if len(bus.stream) != 3 || len(bus.published[EventChannel]) != 3 {
		t.Fatalf("Expected 3 events on stream and channel, got %d/%d", len(bus.stream), len(bus.published[EventChannel]))
	}
	var evt domain.Event
	if err := json.Unmarshal(bus.stream[1], &evt); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if evt.Kind != domain.EventOpportunityRejected || evt.ID == "" || evt.OpportunityID != opp.ID {
		t.Errorf("Expected a stamped opportunity_rejected event, got %+v", evt)
	}
}

func TestReporterSwallowsSinkFailures(t *testing.T) {
	bus := &memBus{fail: true}
	r := NewReporter(ReporterDeps{Bus: bus}, testLogger())
	r.OrderUpdated(context.Background(), domain.Order{ID: "o1", State: domain.OrderSubmitted})
	r.BookAnomaly(context.Background(), &domain.AnomalyError{Kind: domain.AnomalyCrossedBook, Exchange: "alpha", Symbol: "BTC/USD"})
	r.Close()
	if r.Dropped() != 0 {
		t.Errorf("Expected failed reports to be attempted, not dropped, got %d dropped", r.Dropped())
	}
}

func TestReporterFallsBackToHub(t *testing.T) {
	hub := &memHub{}
	r := NewReporter(ReporterDeps{Hub: hub}, testLogger())
	r.OrderUpdated(context.Background(), domain.Order{ID: "o1", State: domain.OrderSubmitted})
	r.Close()
	if hub.msgs != 1 {
		t.Errorf("Expected 1 broadcast, got %d", hub.msgs)
	}
}
