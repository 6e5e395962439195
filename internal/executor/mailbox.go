package executor

import (
	"sync"

	"github.com/alanyoungcy/arbcore/internal/domain"
)

// inbox is an unbounded per-order event queue. push never blocks so the
// gateway dispatcher cannot stall behind a slow leg.
type inbox struct {
	mu     sync.Mutex
	queue  []domain.GatewayEvent
	signal chan struct{}
}

func newInbox() *inbox {
	return &inbox{signal: make(chan struct{}, 1)}
}

func (b *inbox) push(ev domain.GatewayEvent) {
	b.mu.Lock()
	b.queue = append(b.queue, ev)
	b.mu.Unlock()
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *inbox) drain() []domain.GatewayEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.queue
	b.queue = nil
	return out
}

// finishedOrder is what the engine remembers about a settled order so a late
// fill can still be closed out.
type finishedOrder struct {
	ExecutionID string
	Exchange    string
	Symbol      string
	Leg         domain.OrderSide
}

const finishedCapacity = 1024

// mailbox routes gateway events to the inbox of the order they belong to,
// keyed by client order ID.
type mailbox struct {
	mu       sync.Mutex
	boxes    map[string]*inbox
	finished map[string]finishedOrder
	order    []string
}

func newMailbox() *mailbox {
	return &mailbox{
		boxes:    make(map[string]*inbox),
		finished: make(map[string]finishedOrder),
	}
}

// register opens an inbox for orderID. It must be called before the order is
// submitted so no acknowledgement can arrive unrouted.
func (m *mailbox) register(orderID string) *inbox {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := newInbox()
	m.boxes[orderID] = b
	return b
}

// deliver queues ev for its order and reports whether an inbox was open.
func (m *mailbox) deliver(orderID string, ev domain.GatewayEvent) bool {
	m.mu.Lock()
	b, ok := m.boxes[orderID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	b.push(ev)
	return true
}

// finish closes the inbox of o and remembers it for late events.
func (m *mailbox) finish(o domain.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.boxes, o.ID)
	if _, ok := m.finished[o.ID]; !ok {
		m.order = append(m.order, o.ID)
	}
	m.finished[o.ID] = finishedOrder{ExecutionID: o.ExecutionID, Exchange: o.Exchange, Symbol: o.Symbol, Leg: o.Leg}
	for len(m.order) > finishedCapacity {
		delete(m.finished, m.order[0])
		m.order = m.order[1:]
	}
}

func (m *mailbox) lookupFinished(orderID string) (finishedOrder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.finished[orderID]
	return f, ok
}
