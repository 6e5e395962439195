package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/arbcore/internal/domain"
)

// OpportunityHandler serves detected opportunities. With ?symbol it lists
// the live ones from the cache; otherwise the persisted history.
type OpportunityHandler struct {
	store  domain.OpportunityStore
	cache  domain.OpportunityCache
	logger *slog.Logger
}

// NewOpportunityHandler creates an OpportunityHandler. Either source may be
// nil.
func NewOpportunityHandler(store domain.OpportunityStore, cache domain.OpportunityCache, logger *slog.Logger) *OpportunityHandler {
	return &OpportunityHandler{store: store, cache: cache, logger: logHandler(logger, "opportunity")}
}

// ListOpportunities
// GET /api/opportunities?symbol=&limit=
func (h *OpportunityHandler) ListOpportunities(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if symbol := r.URL.Query().Get("symbol"); symbol != "" && h.cache != nil {
		opps, err := h.cache.ListActive(ctx, symbol)
		if err != nil {
			h.logger.ErrorContext(ctx, "list active opportunities", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to list opportunities")
			return
		}
		if opps == nil {
			opps = []domain.Opportunity{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"source": "cache", "opportunities": opps})
		return
	}

	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "opportunity history not configured")
		return
	}
	recs, err := h.store.ListRecent(ctx, parseListOpts(r).Limit)
	if err != nil {
		h.logger.ErrorContext(ctx, "list opportunities", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list opportunities")
		return
	}
	if recs == nil {
		recs = []domain.OpportunityRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"source": "store", "opportunities": recs})
}
