package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/arbcore/internal/domain"
)

// DefaultQuoteTTL bounds how long an unrefreshed mirror entry survives.
const DefaultQuoteTTL = 30 * time.Second

// QuoteCache implements domain.QuoteCache as JSON strings under
// "book:{exchange}:{symbol}" and "quote:{symbol}".
type QuoteCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewQuoteCache creates a QuoteCache whose entries expire after ttl.
func NewQuoteCache(c *Client, ttl time.Duration) *QuoteCache {
	if ttl <= 0 {
		ttl = DefaultQuoteTTL
	}
	return &QuoteCache{rdb: c.Underlying(), ttl: ttl}
}

func bookKey(exchange, symbol string) string {
	return "book:" + exchange + ":" + symbol
}

func quoteKey(symbol string) string {
	return "quote:" + symbol
}

// SetBook stores a snapshot of book.
func (qc *QuoteCache) SetBook(ctx context.Context, book domain.Orderbook) error {
	if err := qc.setJSON(ctx, bookKey(book.Exchange, book.Symbol), book); err != nil {
		return fmt.Errorf("redis: set book %s: %w", book.Key(), err)
	}
	return nil
}

// GetBook returns domain.ErrNotFound when no snapshot is cached.
func (qc *QuoteCache) GetBook(ctx context.Context, exchange, symbol string) (domain.Orderbook, error) {
	var book domain.Orderbook
	if err := qc.getJSON(ctx, bookKey(exchange, symbol), &book); err != nil {
		return domain.Orderbook{}, fmt.Errorf("redis: get book %s:%s: %w", exchange, symbol, err)
	}
	return book, nil
}

// SetQuote stores the consolidated quote for its symbol.
func (qc *QuoteCache) SetQuote(ctx context.Context, quote domain.ConsolidatedQuote) error {
	if err := qc.setJSON(ctx, quoteKey(quote.Symbol), quote); err != nil {
		return fmt.Errorf("redis: set quote %s: %w", quote.Symbol, err)
	}
	return nil
}

// GetQuote returns domain.ErrNotFound when no quote is cached.
func (qc *QuoteCache) GetQuote(ctx context.Context, symbol string) (domain.ConsolidatedQuote, error) {
	var q domain.ConsolidatedQuote
	if err := qc.getJSON(ctx, quoteKey(symbol), &q); err != nil {
		return domain.ConsolidatedQuote{}, fmt.Errorf("redis: get quote %s: %w", symbol, err)
	}
	return q, nil
}

func (qc *QuoteCache) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return qc.rdb.Set(ctx, key, data, qc.ttl).Err()
}

func (qc *QuoteCache) getJSON(ctx context.Context, key string, v any) error {
	data, err := qc.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

var _ domain.QuoteCache = (*QuoteCache)(nil)
