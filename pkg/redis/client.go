package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const driverLocationsKey = "driver:locations"

// DefaultTTL is how long cached hashes live when no TTL is configured.
const DefaultTTL = 24 * time.Hour

// Client wraps the Redis connection.
type Client struct {
	rdb *goredis.Client
	ttl time.Duration
}

// NewClient connects to Redis, retrying for up to attempts pings.
func NewClient(ctx context.Context, addr string, ttl time.Duration, attempts int, logger *slog.Logger) (*Client, error) {
	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			logger.Info("connected to redis", "addr", addr)
			return New(rdb, ttl), nil
		}
		logger.Warn("waiting for redis", "attempt", i+1, "of", attempts, "err", err)
		select {
		case <-ctx.Done():
			rdb.Close()
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	rdb.Close()
	return nil, fmt.Errorf("redis: failed to connect after %d attempts", attempts)
}

// New wraps an existing go-redis client.
func New(rdb *goredis.Client, ttl time.Duration) *Client {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Client{rdb: rdb, ttl: ttl}
}

// SetDriverLocation stores a driver's position in a Redis GEO set.
func (c *Client) SetDriverLocation(ctx context.Context, driverID string, lat, lon float64) error {
	return c.rdb.GeoAdd(ctx, driverLocationsKey, &goredis.GeoLocation{
		Name:      driverID,
		Longitude: lon,
		Latitude:  lat,
	}).Err()
}

// GetNearbyDrivers returns driver IDs within radiusKm of (lat,lon), nearest first.
func (c *Client) GetNearbyDrivers(ctx context.Context, lat, lon, radiusKm float64, count int) ([]string, error) {
	return c.rdb.GeoSearch(ctx, driverLocationsKey, &goredis.GeoSearchQuery{
		Longitude:  lon,
		Latitude:   lat,
		Radius:     radiusKm,
		RadiusUnit: "km",
		Count:      count,
		Sort:       "ASC",
	}).Result()
}

// RemoveDriverLocation removes a driver from the GEO set (e.g. when assigned).
func (c *Client) RemoveDriverLocation(ctx context.Context, driverID string) error {
	return c.rdb.ZRem(ctx, driverLocationsKey, driverID).Err()
}

// CacheHash stores a flat hash under key and refreshes its TTL.
func (c *Client) CacheHash(ctx context.Context, key string, data map[string]string) error {
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, data)
	pipe.Expire(ctx, key, c.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// GetHash returns the hash at key; a missing key yields an empty map.
func (c *Client) GetHash(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, key).Result()
}

// Delete drops a cached key.
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

// Ping reports whether Redis is reachable.
func (c *Client) Ping(ctx context.Context) error { return c.rdb.Ping(ctx).Err() }

// Close tears down the Redis connection.
func (c *Client) Close() error { return c.rdb.Close() }
