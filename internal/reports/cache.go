// Package reports stores count reports and fans them out to subscribers.
package reports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-inventory/internal/inventory"
)

var ErrCacheMiss = errors.New("cache miss")

// Cache keeps the newest report per device in Redis.
type Cache struct {
	Redis *redis.Client
	TTL   time.Duration
}

func NewCache(r *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{Redis: r, TTL: ttl}
}

func latestKey(deviceID string) string {
	return fmt.Sprintf("inv:latest:%s", deviceID)
}

func (c *Cache) SaveLatest(ctx context.Context, r inventory.Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return c.Redis.Set(ctx, latestKey(r.DeviceID), data, c.TTL).Err()
}

func (c *Cache) GetLatest(ctx context.Context, deviceID string) (*inventory.Report, error) {
	data, err := c.Redis.Get(ctx, latestKey(deviceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	var r inventory.Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode cached report: %w", err)
	}
	return &r, nil
}
