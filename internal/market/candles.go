package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eddiefleurent/bullwise/internal/broker"
)

// CandleCache stores daily candles per symbol between polling cycles.
type CandleCache interface {
	// Get returns the cached candles, newest first. ok is false on a miss.
	Get(ctx context.Context, symbol string) (candles []broker.HistoricalDataPoint, ok bool, err error)
	Set(ctx context.Context, symbol string, candles []broker.HistoricalDataPoint) error
}

// RedisCandleCache keeps candles as JSON values in Redis.
type RedisCandleCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCandleCache creates a cache on rdb. A zero ttl keeps entries until
// they are overwritten.
func NewRedisCandleCache(rdb *redis.Client, ttl time.Duration) *RedisCandleCache {
	return &RedisCandleCache{rdb: rdb, ttl: ttl}
}

func (c *RedisCandleCache) Get(ctx context.Context, symbol string) ([]broker.HistoricalDataPoint, bool, error) {
	data, err := c.rdb.Get(ctx, candlesKey(symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", candlesKey(symbol), err)
	}
	var candles []broker.HistoricalDataPoint
	if err := json.Unmarshal(data, &candles); err != nil {
		// a corrupt entry is a miss; the next Set overwrites it
		return nil, false, nil
	}
	return candles, true, nil
}

func (c *RedisCandleCache) Set(ctx context.Context, symbol string, candles []broker.HistoricalDataPoint) error {
	data, err := json.Marshal(candles)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, candlesKey(symbol), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", candlesKey(symbol), err)
	}
	return nil
}

func candlesKey(symbol string) string { return fmt.Sprintf("candles:%s", symbol) }

// MemoryCandleCache is a process-local CandleCache.
type MemoryCandleCache struct {
	data map[string][]broker.HistoricalDataPoint
	mu   sync.RWMutex
}

func NewMemoryCandleCache() *MemoryCandleCache {
	return &MemoryCandleCache{data: make(map[string][]broker.HistoricalDataPoint)}
}

func (c *MemoryCandleCache) Get(_ context.Context, symbol string) ([]broker.HistoricalDataPoint, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	candles, ok := c.data[symbol]
	if !ok {
		return nil, false, nil
	}
	out := make([]broker.HistoricalDataPoint, len(candles))
	copy(out, candles)
	return out, true, nil
}

func (c *MemoryCandleCache) Set(_ context.Context, symbol string, candles []broker.HistoricalDataPoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored := make([]broker.HistoricalDataPoint, len(candles))
	copy(stored, candles)
	c.data[symbol] = stored
	return nil
}
