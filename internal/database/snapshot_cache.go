package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/edgelab/signalforge/internal/config"
	"github.com/edgelab/signalforge/internal/logging"
	"github.com/edgelab/signalforge/internal/models"
	"github.com/edgelab/signalforge/internal/strategy"
)

// SnapshotCache keeps the latest strategy performance rows per signal key in
// Redis so routing decisions skip a database round trip. A miss is always
// answered from the store; the cache is purely an accelerator.
type SnapshotCache struct {
	client *redis.Client
	cfg    config.RedisConfig
	logger *logging.Logger
}

func NewSnapshotCache(cfg config.RedisConfig, logger *logging.Logger) (*SnapshotCache, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &SnapshotCache{client: client, cfg: cfg, logger: logger}, nil
}

func snapshotKey(symbol string, direction strategy.Direction, source string) string {
	return fmt.Sprintf("signalforge:perf:%s:%s:%s", symbol, direction, source)
}

// Put stores the rows for the key, replacing any previous snapshot.
func (c *SnapshotCache) Put(ctx context.Context, symbol string, direction strategy.Direction, source string, perfs []models.StrategyPerformance) error {
	payload, err := json.Marshal(perfs)
	if err != nil {
		return fmt.Errorf("encode performance snapshot: %w", err)
	}
	if err := c.client.Set(ctx, snapshotKey(symbol, direction, source), payload, c.cfg.TTL()).Err(); err != nil {
		return fmt.Errorf("cache performance snapshot: %w", err)
	}
	return nil
}

// Get returns the cached rows, or ok=false on a miss.
func (c *SnapshotCache) Get(ctx context.Context, symbol string, direction strategy.Direction, source string) ([]models.StrategyPerformance, bool, error) {
	payload, err := c.client.Get(ctx, snapshotKey(symbol, direction, source)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read performance snapshot: %w", err)
	}

	var perfs []models.StrategyPerformance
	if err := json.Unmarshal(payload, &perfs); err != nil {
		// A corrupt snapshot behaves like a miss; the store is authoritative.
		c.logger.WithError(err).Warn("dropping undecodable performance snapshot")
		_ = c.client.Del(ctx, snapshotKey(symbol, direction, source)).Err()
		return nil, false, nil
	}
	return perfs, true, nil
}

// Invalidate drops the snapshot for the key. Called after every
// regeneration commit.
func (c *SnapshotCache) Invalidate(ctx context.Context, symbol string, direction strategy.Direction, source string) error {
	return c.client.Del(ctx, snapshotKey(symbol, direction, source)).Err()
}

// Close releases the Redis connection.
func (c *SnapshotCache) Close() error {
	return c.client.Close()
}
