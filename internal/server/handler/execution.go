package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"

	"github.com/alanyoungcy/arbcore/internal/domain"
)

// ExecutionsFunc returns up to limit executions, newest first.
type ExecutionsFunc func(ctx context.Context, limit int) ([]domain.Execution, error)

// ExecutionHandler serves executions and their orders.
type ExecutionHandler struct {
	executions ExecutionsFunc
	orders     domain.OrderStore
	logger     *slog.Logger
}

// NewExecutionHandler creates an ExecutionHandler. Without an order store
// orders are read out of the recent executions.
func NewExecutionHandler(executions ExecutionsFunc, orders domain.OrderStore, logger *slog.Logger) *ExecutionHandler {
	return &ExecutionHandler{executions: executions, orders: orders, logger: logHandler(logger, "execution")}
}

// ListExecutions
// GET /api/executions?limit=
func (h *ExecutionHandler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	execs, err := h.executions(r.Context(), parseListOpts(r).Limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list executions", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}
	if execs == nil {
		execs = []domain.Execution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

// ListOrders
// GET /api/orders?execution_id=&limit=&offset=&since=&until=
func (h *ExecutionHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	opts := parseListOpts(r)
	execID := r.URL.Query().Get("execution_id")

	var (
		orders []domain.Order
		err    error
	)
	switch {
	case h.orders != nil && execID != "":
		orders, err = h.orders.ListByExecution(ctx, execID)
	case h.orders != nil:
		orders, err = h.orders.ListRecent(ctx, opts)
	default:
		orders, err = h.ordersFromExecutions(ctx, execID, opts.Limit)
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "list orders", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (h *ExecutionHandler) ordersFromExecutions(ctx context.Context, execID string, limit int) ([]domain.Order, error) {
	execs, err := h.executions(ctx, limit)
	if err != nil {
		return nil, err
	}
	var out []domain.Order
	for _, e := range execs {
		if execID != "" && e.ID != execID {
			continue
		}
		out = append(out, e.Orders()...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
