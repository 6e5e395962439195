package executor

import (
	"sort"
	"sync"
	"time"
)

// Guard enforces at most one in-flight execution per symbol and consumes
// each opportunity ID at most once within a TTL. It is safe for concurrent
// use.
type Guard struct {
	mu       sync.Mutex
	inflight map[string]string    // symbol -> execution ID
	seen     map[string]time.Time // opportunity ID -> first seen
	ttl      time.Duration
}

// NewGuard creates a Guard that remembers opportunity IDs for ttl.
func NewGuard(ttl time.Duration) *Guard {
	return &Guard{
		inflight: make(map[string]string),
		seen:     make(map[string]time.Time),
		ttl:      ttl,
	}
}

// Seen records oppID and reports whether it was already consumed within the
// TTL.
func (g *Guard) Seen(oppID string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if at, ok := g.seen[oppID]; ok && now.Sub(at) < g.ttl {
		return true
	}
	g.seen[oppID] = now
	return false
}

// TryAcquire claims symbol for execID. It returns false when another
// execution already holds the symbol.
func (g *Guard) TryAcquire(symbol, execID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.inflight[symbol]; busy {
		return false
	}
	g.inflight[symbol] = execID
	return true
}

// Release frees symbol if execID holds it.
func (g *Guard) Release(symbol, execID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inflight[symbol] == execID {
		delete(g.inflight, symbol)
	}
}

// Symbols returns the symbols currently under execution, sorted.
func (g *Guard) Symbols() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.inflight))
	for s := range g.inflight {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Cleanup forgets opportunity IDs older than the TTL.
func (g *Guard) Cleanup(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, at := range g.seen {
		if now.Sub(at) >= g.ttl {
			delete(g.seen, id)
		}
	}
}
