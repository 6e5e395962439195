package executor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbcore/internal/domain"
)

// Hold is an amount of one asset on one exchange set aside for an order.
type Hold struct {
	Exchange string
	Asset    string
	Amount   decimal.Decimal
}

type assetKey struct {
	exchange string
	asset    string
}

// Balance is the engine's view of one asset on one exchange.
type Balance struct {
	Exchange  string          `json:"exchange"`
	Asset     string          `json:"asset"`
	Total     decimal.Decimal `json:"total"`
	Reserved  decimal.Decimal `json:"reserved"`
	Available decimal.Decimal `json:"available"`
}

// Ledger tracks balances per (exchange, asset) and the holds placed against
// them by in-flight executions.
type Ledger struct {
	mu       sync.Mutex
	total    map[assetKey]decimal.Decimal
	reserved map[assetKey]decimal.Decimal
	holds    map[string][]Hold
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		total:    make(map[assetKey]decimal.Decimal),
		reserved: make(map[assetKey]decimal.Decimal),
		holds:    make(map[string][]Hold),
	}
}

// Deposit credits amount to (exchange, asset).
func (l *Ledger) Deposit(exchange, asset string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := assetKey{exchange, asset}
	l.total[k] = l.total[k].Add(amount)
}

// Available returns the unreserved balance of (exchange, asset).
func (l *Ledger) Available(exchange, asset string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := assetKey{exchange, asset}
	return l.total[k].Sub(l.reserved[k])
}

// Reserve places every hold under id, or none of them. A shortfall returns a
// *domain.RiskError with reason insufficient_balance.
func (l *Ledger) Reserve(id string, holds ...Hold) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.holds[id]; exists {
		return &domain.InvariantError{Op: "ledger_reserve", Detail: fmt.Sprintf("holds already placed for %s", id)}
	}

	need := make(map[assetKey]decimal.Decimal)
	for _, h := range holds {
		k := assetKey{h.Exchange, h.Asset}
		need[k] = need[k].Add(h.Amount)
	}
	for k, amt := range need {
		avail := l.total[k].Sub(l.reserved[k])
		if avail.LessThan(amt) {
			return &domain.RiskError{
				Reason: domain.RejectInsufficientBalance,
				Detail: fmt.Sprintf("%s %s: need %s, available %s", k.exchange, k.asset, amt, avail),
			}
		}
	}
	for k, amt := range need {
		l.reserved[k] = l.reserved[k].Add(amt)
	}
	l.holds[id] = holds
	return nil
}

// Release drops every hold placed under id. Releasing an unknown id is a
// no-op.
func (l *Ledger) Release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, h := range l.holds[id] {
		k := assetKey{h.Exchange, h.Asset}
		r := l.reserved[k].Sub(h.Amount)
		if r.IsNegative() {
			r = decimal.Zero
		}
		l.reserved[k] = r
	}
	delete(l.holds, id)
}

// ApplyFill moves balances for a fill of qty at price with fee charged in
// the quote asset.
func (l *Ledger) ApplyFill(exchange, symbol string, side domain.OrderSide, qty, price, fee decimal.Decimal) {
	if !qty.IsPositive() {
		return
	}
	base, quote := domain.SplitSymbol(symbol)
	notional := qty.Mul(price)

	l.mu.Lock()
	defer l.mu.Unlock()
	bk := assetKey{exchange, base}
	qk := assetKey{exchange, quote}
	if side == domain.OrderSideBuy {
		l.total[bk] = l.total[bk].Add(qty)
		l.total[qk] = l.total[qk].Sub(notional).Sub(fee)
	} else {
		l.total[bk] = l.total[bk].Sub(qty)
		l.total[qk] = l.total[qk].Add(notional).Sub(fee)
	}
}

// Balances returns every tracked balance sorted by exchange then asset.
func (l *Ledger) Balances() []Balance {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Balance, 0, len(l.total))
	for k, t := range l.total {
		r := l.reserved[k]
		out = append(out, Balance{Exchange: k.exchange, Asset: k.asset, Total: t, Reserved: r, Available: t.Sub(r)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Exchange != out[j].Exchange {
			return out[i].Exchange < out[j].Exchange
		}
		return out[i].Asset < out[j].Asset
	})
	return out
}

// Balance implements domain.BalanceSource with the available amount.
func (l *Ledger) Balance(exchange, asset string) decimal.Decimal {
	return l.Available(exchange, asset)
}

var _ domain.BalanceSource = (*Ledger)(nil)
