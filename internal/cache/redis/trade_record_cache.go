package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/arbcore/internal/domain"
)

const (
	tradeRecordTTL  = 30 * 24 * time.Hour
	tradeRecentKey  = "executions:recent"
	tradeRecentKeep = 500
)

// TradeRecordCache keeps settled executions for 30 days under
// "execution:{id}" plus a capped list of the most recent IDs, so the API can
// serve history without postgres.
type TradeRecordCache struct {
	rdb *redis.Client
}

// NewTradeRecordCache creates a TradeRecordCache backed by c.
func NewTradeRecordCache(c *Client) *TradeRecordCache {
	return &TradeRecordCache{rdb: c.Underlying()}
}

func executionKey(id string) string {
	return "execution:" + id
}

// Save records exec and pushes it onto the recent list.
func (tc *TradeRecordCache) Save(ctx context.Context, exec domain.Execution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("redis: marshal execution %s: %w", exec.ID, err)
	}
	pipe := tc.rdb.TxPipeline()
	pipe.Set(ctx, executionKey(exec.ID), data, tradeRecordTTL)
	pipe.LPush(ctx, tradeRecentKey, exec.ID)
	pipe.LTrim(ctx, tradeRecentKey, 0, tradeRecentKeep-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: save execution %s: %w", exec.ID, err)
	}
	return nil
}

// Recent returns up to limit executions, newest first. Expired entries are
// skipped.
func (tc *TradeRecordCache) Recent(ctx context.Context, limit int) ([]domain.Execution, error) {
	if limit <= 0 || limit > tradeRecentKeep {
		limit = tradeRecentKeep
	}
	ids, err := tc.rdb.LRange(ctx, tradeRecentKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list executions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = executionKey(id)
	}
	vals, err := tc.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: load executions: %w", err)
	}
	out := make([]domain.Execution, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var exec domain.Execution
		if err := json.Unmarshal([]byte(s), &exec); err != nil {
			continue
		}
		out = append(out, exec)
	}
	return out, nil
}
