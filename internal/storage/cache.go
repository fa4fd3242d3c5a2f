package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rewired-gh/polyscore/internal/models"
)

// DefaultPriceTTL bounds how long a cached true price is served.
const DefaultPriceTTL = time.Hour

// CacheConfig holds Redis connection settings.
type CacheConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// PriceCache keeps the latest true price per market in Redis for fast
// reads by presentation layers. The database stays authoritative.
type PriceCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewPriceCache connects to Redis and verifies it answers.
func NewPriceCache(ctx context.Context, cfg CacheConfig) (*PriceCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newPriceCache(client, cfg.TTL), nil
}

func newPriceCache(client *redis.Client, ttl time.Duration) *PriceCache {
	if ttl <= 0 {
		ttl = DefaultPriceTTL
	}
	return &PriceCache{client: client, ttl: ttl}
}

// Close closes the Redis connection.
func (c *PriceCache) Close() error {
	return c.client.Close()
}

// PriceKey is the cache key for a market's latest true price.
func PriceKey(marketID string) string {
	return "market:" + marketID + ":true_price"
}

// PutTruePrice caches rec as the latest value for its market.
func (c *PriceCache) PutTruePrice(ctx context.Context, rec models.TruePriceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal true price: %w", err)
	}
	if err := c.client.Set(ctx, PriceKey(rec.MarketID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache true price: %w", err)
	}
	return nil
}

// GetTruePrice returns the cached record, or nil on a miss.
func (c *PriceCache) GetTruePrice(ctx context.Context, marketID string) (*models.TruePriceRecord, error) {
	data, err := c.client.Get(ctx, PriceKey(marketID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached true price: %w", err)
	}
	var rec models.TruePriceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode cached true price: %w", err)
	}
	return &rec, nil
}
