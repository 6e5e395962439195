package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbcore/internal/book"
	"github.com/alanyoungcy/arbcore/internal/domain"
)

// BookSource lists the books held for a symbol.
type BookSource interface {
	Books(symbol string) []book.Snapshot
	IsStale(exchange, symbol string, now time.Time) bool
}

// QuoteSource derives the consolidated quote and depth for a symbol.
type QuoteSource interface {
	TopOfBook(symbol string) (domain.ConsolidatedQuote, error)
	Liquidity(symbol string, side domain.Side, n int) (qty, notional decimal.Decimal)
}

// BookHandler serves orderbooks and consolidated quotes.
type BookHandler struct {
	books  BookSource
	quotes QuoteSource
	logger *slog.Logger
}

// NewBookHandler creates a BookHandler.
func NewBookHandler(books BookSource, quotes QuoteSource, logger *slog.Logger) *BookHandler {
	return &BookHandler{books: books, quotes: quotes, logger: logHandler(logger, "book")}
}

type bookView struct {
	domain.Orderbook
	UpdatedAt time.Time `json:"updated_at"`
	Stale     bool      `json:"stale"`
}

// GetBooks returns every exchange's book for the symbol, truncated to
// ?depth levels per side (default 10).
// GET /api/books/{symbol...}
func (h *BookHandler) GetBooks(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")
	depth := queryInt(r, "depth", 10)
	now := time.Now()

	snaps := h.books.Books(symbol)
	if len(snaps) == 0 {
		writeError(w, http.StatusNotFound, "no books for "+symbol)
		return
	}
	out := make([]bookView, 0, len(snaps))
	for _, s := range snaps {
		b := s.Book
		if len(b.Bids) > depth {
			b.Bids = b.Bids[:depth]
		}
		if len(b.Asks) > depth {
			b.Asks = b.Asks[:depth]
		}
		out = append(out, bookView{
			Orderbook: b,
			UpdatedAt: s.UpdatedAt,
			Stale:     h.books.IsStale(b.Exchange, symbol, now),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbol": symbol, "books": out})
}

// GetQuote returns the consolidated top of book plus liquidity over the top
// ?depth levels (default 10).
// GET /api/quotes/{symbol...}
func (h *BookHandler) GetQuote(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")
	q, err := h.quotes.TopOfBook(symbol)
	if errors.Is(err, domain.ErrNoQuote) {
		writeError(w, http.StatusNotFound, "no fresh quote for "+symbol)
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "top of book failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "quote unavailable")
		return
	}

	depth := queryInt(r, "depth", 10)
	bidQty, bidNotional := h.quotes.Liquidity(symbol, domain.SideBid, depth)
	askQty, askNotional := h.quotes.Liquidity(symbol, domain.SideAsk, depth)

	resp := map[string]any{
		"quote": q,
		"liquidity": map[string]any{
			"depth":        depth,
			"bid_quantity": bidQty,
			"bid_notional": bidNotional,
			"ask_quantity": askQty,
			"ask_notional": askNotional,
		},
	}
	if spread, ok := q.Spread(); ok {
		resp["spread"] = spread
	}
	writeJSON(w, http.StatusOK, resp)
}

func queryInt(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
