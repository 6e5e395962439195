// Package feed delivers normalized level events into the book store from a
// websocket stream or the redis signal bus.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbcore/internal/domain"
)

// Message types.
const (
	TypeLevel    = "level"
	TypeSnapshot = "snapshot"
)

// Message is the normalized JSON shape every feed carries. A level message
// sets one price on one side; a snapshot replaces the whole book.
type Message struct {
	Type     string              `json:"type"`
	Exchange string              `json:"exchange"`
	Symbol   string              `json:"symbol"`
	Side     domain.Side         `json:"side,omitempty"`
	Price    decimal.Decimal     `json:"price"`
	Quantity decimal.Decimal     `json:"quantity"`
	Bids     []domain.PriceLevel `json:"bids,omitempty"`
	Asks     []domain.PriceLevel `json:"asks,omitempty"`
	TS       int64               `json:"ts"`
}

// BookSink receives decoded feed events. *book.Store implements it.
type BookSink interface {
	ApplyUpdate(ctx context.Context, exchange, symbol string, side domain.Side, level domain.PriceLevel) error
	ApplySnapshot(ctx context.Context, exchange, symbol string, snap domain.Orderbook) error
}

// Apply decodes data and applies it to sink.
func Apply(ctx context.Context, sink BookSink, data []byte) error {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("feed: decode: %w", err)
	}
	if m.Exchange == "" || m.Symbol == "" {
		return fmt.Errorf("feed: message without exchange or symbol")
	}
	switch m.Type {
	case TypeLevel, "":
		if !m.Side.Valid() {
			return fmt.Errorf("feed: invalid side %q", m.Side)
		}
		return sink.ApplyUpdate(ctx, m.Exchange, m.Symbol, m.Side, domain.PriceLevel{
			Price:     m.Price,
			Quantity:  m.Quantity,
			Timestamp: m.TS,
		})
	case TypeSnapshot:
		return sink.ApplySnapshot(ctx, m.Exchange, m.Symbol, domain.Orderbook{
			Exchange:  m.Exchange,
			Symbol:    m.Symbol,
			Bids:      m.Bids,
			Asks:      m.Asks,
			Timestamp: m.TS,
		})
	}
	return fmt.Errorf("feed: unknown message type %q", m.Type)
}

// logApplyError logs err at a level matching its class. Anomalies were
// already reported by the store.
func logApplyError(ctx context.Context, logger *slog.Logger, err error, payloadLen int) {
	switch {
	case domain.IsAnomaly(err):
		logger.DebugContext(ctx, "feed event rejected as anomaly", slog.String("error", err.Error()))
	default:
		logger.WarnContext(ctx, "feed event dropped",
			slog.String("error", err.Error()),
			slog.Int("payload_len", payloadLen),
		)
	}
}
