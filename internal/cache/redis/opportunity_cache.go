package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/arbcore/internal/domain"
)

// OpportunityTTL is how long a detected opportunity stays listed.
const OpportunityTTL = 300 * time.Second

// OpportunityCache implements domain.OpportunityCache. Each opportunity is
// a JSON string at "opportunity:{id}"; a sorted set per symbol scored by
// detection time (ms) indexes the live ones.
type OpportunityCache struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

// NewOpportunityCache creates an OpportunityCache with OpportunityTTL.
func NewOpportunityCache(c *Client) *OpportunityCache {
	return &OpportunityCache{rdb: c.Underlying(), ttl: OpportunityTTL, now: time.Now}
}

func opportunityKey(id string) string {
	return "opportunity:" + id
}

func opportunityIndexKey(symbol string) string {
	return "opportunities:" + symbol
}

// Put stores opp and indexes it under its symbol.
func (oc *OpportunityCache) Put(ctx context.Context, opp domain.Opportunity) error {
	data, err := json.Marshal(opp)
	if err != nil {
		return fmt.Errorf("redis: marshal opportunity %s: %w", opp.ID, err)
	}
	idx := opportunityIndexKey(opp.Symbol)

	pipe := oc.rdb.TxPipeline()
	pipe.Set(ctx, opportunityKey(opp.ID), data, oc.ttl)
	pipe.ZAdd(ctx, idx, redis.Z{Score: float64(opp.DetectedAt.UnixMilli()), Member: opp.ID})
	pipe.Expire(ctx, idx, oc.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: put opportunity %s: %w", opp.ID, err)
	}
	return nil
}

// Get returns domain.ErrNotFound once the opportunity has expired.
func (oc *OpportunityCache) Get(ctx context.Context, id string) (domain.Opportunity, error) {
	data, err := oc.rdb.Get(ctx, opportunityKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Opportunity{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Opportunity{}, fmt.Errorf("redis: get opportunity %s: %w", id, err)
	}
	var opp domain.Opportunity
	if err := json.Unmarshal(data, &opp); err != nil {
		return domain.Opportunity{}, fmt.Errorf("redis: decode opportunity %s: %w", id, err)
	}
	return opp, nil
}

// ListActive returns the unexpired opportunities for symbol, newest first.
// Index entries older than the TTL are pruned as a side effect.
func (oc *OpportunityCache) ListActive(ctx context.Context, symbol string) ([]domain.Opportunity, error) {
	idx := opportunityIndexKey(symbol)
	cutoff := strconv.FormatInt(oc.now().Add(-oc.ttl).UnixMilli(), 10)

	if err := oc.rdb.ZRemRangeByScore(ctx, idx, "-inf", "("+cutoff).Err(); err != nil {
		return nil, fmt.Errorf("redis: prune opportunities %s: %w", symbol, err)
	}
	ids, err := oc.rdb.ZRevRangeByScore(ctx, idx, &redis.ZRangeBy{Min: cutoff, Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list opportunities %s: %w", symbol, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = opportunityKey(id)
	}
	vals, err := oc.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: load opportunities %s: %w", symbol, err)
	}

	out := make([]domain.Opportunity, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue // expired between the index read and MGET
		}
		var opp domain.Opportunity
		if err := json.Unmarshal([]byte(s), &opp); err != nil {
			continue
		}
		out = append(out, opp)
	}
	return out, nil
}

var _ domain.OpportunityCache = (*OpportunityCache)(nil)
