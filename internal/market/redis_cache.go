// Package market caches the latest polled bar per symbol in Redis so the
// operational surface can report prices without touching the broker.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/equityfunk/internal/broker"
	"github.com/ajitpratap0/equityfunk/internal/config"
	"github.com/ajitpratap0/equityfunk/internal/metrics"
)

const (
	keyPrefix = "equityfunk:price:"

	opTimeout = 500 * time.Millisecond
)

// PriceCache stores the latest bar per symbol. A nil *PriceCache is valid
// and behaves as an always-missing cache.
type PriceCache struct {
	client *redis.Client
	ttl    time.Duration
}

// CachedBar is the stored form of a bar
type CachedBar struct {
	broker.Bar
	CachedAt time.Time `json:"cached_at"`
}

// NewRedisClient builds a client from config, or returns nil when Redis is
// disabled
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	if !cfg.Enabled {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.GetRedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewPriceCache creates a cache on client. If client is nil, returns nil.
func NewPriceCache(client *redis.Client, ttl time.Duration) *PriceCache {
	if client == nil {
		return nil
	}
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return &PriceCache{client: client, ttl: ttl}
}

// Put stores bar as the latest for its symbol
func (c *PriceCache) Put(ctx context.Context, bar broker.Bar) error {
	if c == nil {
		return nil
	}

	data, err := json.Marshal(CachedBar{Bar: bar, CachedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal bar: %w", err)
	}

	cacheCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.client.Set(cacheCtx, buildKey(bar.Symbol), data, c.ttl).Err(); err != nil {
		metrics.CacheOperations.WithLabelValues("put", metrics.ResultFailure).Inc()
		log.Warn().Err(err).Str("symbol", bar.Symbol).Msg("Failed to cache bar")
		return err
	}

	metrics.CacheOperations.WithLabelValues("put", metrics.ResultSuccess).Inc()
	return nil
}

// Get returns the latest cached bar for symbol. Misses and Redis errors both
// report false.
func (c *PriceCache) Get(ctx context.Context, symbol string) (*CachedBar, bool) {
	if c == nil {
		return nil, false
	}

	cacheCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := buildKey(symbol)
	raw, err := c.client.Get(cacheCtx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			metrics.CacheOperations.WithLabelValues("get", "miss").Inc()
		} else {
			metrics.CacheOperations.WithLabelValues("get", metrics.ResultFailure).Inc()
			log.Debug().Err(err).Str("key", key).Msg("Redis get error - treating as cache miss")
		}
		return nil, false
	}

	var entry CachedBar
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		metrics.CacheOperations.WithLabelValues("get", metrics.ResultFailure).Inc()
		log.Warn().Err(err).Str("key", key).Msg("Failed to unmarshal cached bar")
		return nil, false
	}

	metrics.CacheOperations.WithLabelValues("get", "hit").Inc()
	return &entry, true
}

// Delete drops the cached bar for symbol
func (c *PriceCache) Delete(ctx context.Context, symbol string) error {
	if c == nil {
		return nil
	}

	cacheCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.client.Del(cacheCtx, buildKey(symbol)).Err(); err != nil {
		return fmt.Errorf("failed to delete cache key: %w", err)
	}
	return nil
}

// Symbols lists the symbols that currently have a cached bar
func (c *PriceCache) Symbols(ctx context.Context) ([]string, error) {
	if c == nil {
		return nil, nil
	}

	scanCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var symbols []string
	iter := c.client.Scan(scanCtx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(scanCtx) {
		symbols = append(symbols, strings.TrimPrefix(iter.Val(), keyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("cache scan error: %w", err)
	}
	return symbols, nil
}

// Health pings Redis
func (c *PriceCache) Health(ctx context.Context) error {
	if c == nil {
		return fmt.Errorf("cache not initialized")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Close releases the Redis client
func (c *PriceCache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}

func buildKey(symbol string) string {
	return keyPrefix + strings.ToUpper(symbol)
}
