// Package cache keeps the most recent reading per topic in Redis so
// dashboards can read current state without touching the database. The
// cache is best-effort: Postgres stays the source of truth and a cache
// failure never fails ingestion.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gridpoint/sensorhub/errors"
	"github.com/gridpoint/sensorhub/reading"
)

// Entries expire so dead sensors fall out of the cache on their own.
const DefaultTTL = 24 * time.Hour

const keyPrefix = "sensor:latest:"

// LatestCache stores the newest reading per topic
type LatestCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// New connects to Redis at addr. A nil *LatestCache is valid and
// disables caching, so callers never branch on configuration.
func New(ctx context.Context, addr string, logger *slog.Logger) (*LatestCache, error) {
	if addr == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"LatestCache", "New", "redis address required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.WrapTransient(err, "LatestCache", "New", "ping redis")
	}

	logger.Info("connected to Redis", "addr", addr)
	return &LatestCache{client: client, ttl: DefaultTTL, logger: logger}, nil
}

// SetTTL overrides the entry expiry
func (c *LatestCache) SetTTL(ttl time.Duration) {
	if c == nil || ttl <= 0 {
		return
	}
	c.ttl = ttl
}

// SetLatest records r as the newest reading on its topic
func (c *LatestCache) SetLatest(ctx context.Context, r *reading.CanonicalReading) error {
	if c == nil {
		return nil
	}

	data, err := json.Marshal(r)
	if err != nil {
		return errors.WrapInvalid(err, "LatestCache", "SetLatest", "encode reading")
	}
	if err := c.client.Set(ctx, keyPrefix+r.Topic, data, c.ttl).Err(); err != nil {
		return errors.WrapTransient(err, "LatestCache", "SetLatest",
			fmt.Sprintf("cache reading for %s", r.Topic))
	}
	return nil
}

// Latest returns the cached newest reading for a topic, or ErrNotFound
// when the topic has no live entry.
func (c *LatestCache) Latest(ctx context.Context, topic string) (*reading.CanonicalReading, error) {
	if c == nil {
		return nil, errors.Wrap(errors.ErrNotFound, "LatestCache", "Latest", "cache disabled")
	}

	data, err := c.client.Get(ctx, keyPrefix+topic).Bytes()
	if err == redis.Nil {
		return nil, errors.Wrap(errors.ErrNotFound, "LatestCache", "Latest",
			fmt.Sprintf("no cached reading for %s", topic))
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "LatestCache", "Latest", "read from redis")
	}

	var r reading.CanonicalReading
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrap(err, "LatestCache", "Latest", "decode cached reading")
	}
	return &r, nil
}

// Ping verifies the Redis connection is alive
func (c *LatestCache) Ping(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if err := c.client.Ping(ctx).Err(); err != nil {
		return errors.WrapTransient(err, "LatestCache", "Ping", "ping redis")
	}
	return nil
}

// Close releases the Redis connection
func (c *LatestCache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
