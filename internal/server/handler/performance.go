package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/arbcore/internal/book"
	"github.com/alanyoungcy/arbcore/internal/domain"
	"github.com/alanyoungcy/arbcore/internal/executor"
)

// PerformanceSource reports aggregated results.
type PerformanceSource interface {
	Snapshot() domain.PerformanceSnapshot
}

// EngineState exposes the execution engine's live state.
type EngineState interface {
	InFlight() []string
	Balances() []executor.Balance
}

// BookStats reports book store counters.
type BookStats interface {
	Stats() book.Stats
	Symbols() []string
}

// StatsHandler serves performance and runtime statistics. Any source may be
// nil when the running mode does not have it.
type StatsHandler struct {
	mode        string
	startedAt   time.Time
	performance PerformanceSource
	engine      EngineState
	books       BookStats
}

// NewStatsHandler creates a StatsHandler.
func NewStatsHandler(mode string, performance PerformanceSource, engine EngineState, books BookStats) *StatsHandler {
	return &StatsHandler{
		mode:        mode,
		startedAt:   time.Now(),
		performance: performance,
		engine:      engine,
		books:       books,
	}
}

// GetPerformance
// GET /api/performance
func (h *StatsHandler) GetPerformance(w http.ResponseWriter, r *http.Request) {
	if h.performance == nil {
		writeError(w, http.StatusServiceUnavailable, "performance tracking not enabled in this mode")
		return
	}
	writeJSON(w, http.StatusOK, h.performance.Snapshot())
}

// GetStats returns book counters, in-flight symbols and balances.
// GET /api/stats
func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"mode":           h.mode,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	}
	if h.books != nil {
		resp["books"] = h.books.Stats()
		resp["symbols"] = h.books.Symbols()
	}
	if h.engine != nil {
		inFlight := h.engine.InFlight()
		if inFlight == nil {
			inFlight = []string{}
		}
		resp["in_flight"] = inFlight
		resp["balances"] = h.engine.Balances()
	}
	writeJSON(w, http.StatusOK, resp)
}
