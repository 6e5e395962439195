package domain

import (
	"context"
	"time"
)

// QuoteCache mirrors books and consolidated quotes for external observers.
// The engine never reads it back for trading decisions.
type QuoteCache interface {
	SetBook(ctx context.Context, book Orderbook) error
	GetBook(ctx context.Context, exchange, symbol string) (Orderbook, error)
	SetQuote(ctx context.Context, quote ConsolidatedQuote) error
	GetQuote(ctx context.Context, symbol string) (ConsolidatedQuote, error)
}

// OpportunityCache holds recently detected opportunities with a TTL.
type OpportunityCache interface {
	Put(ctx context.Context, opp Opportunity) error
	Get(ctx context.Context, id string) (Opportunity, error)
	ListActive(ctx context.Context, symbol string) ([]Opportunity, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
