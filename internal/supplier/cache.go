package supplier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"keybridge/internal/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ProductGetter is the single-product lookup the cache wraps.
type ProductGetter interface {
	GetProduct(ctx context.Context, productID string) (*Product, error)
}

// RedisClient is the subset of go-redis used by the stock cache.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// CachedProducts is a read-through stock snapshot cache. Snapshots are only
// used for reservation checks; placement always goes to the supplier, which
// stays authoritative.
type CachedProducts struct {
	next  ProductGetter
	redis RedisClient
	ttl   time.Duration
}

func NewCachedProducts(next ProductGetter, client RedisClient, ttl time.Duration) *CachedProducts {
	return &CachedProducts{next: next, redis: client, ttl: ttl}
}

type cachedProduct struct {
	Found   bool     `json:"found"`
	Product *Product `json:"product,omitempty"`
}

func cacheKey(productID string) string {
	return fmt.Sprintf("supplier:product:%s", productID)
}

func (c *CachedProducts) GetProduct(ctx context.Context, productID string) (*Product, error) {
	log := logger.FromCtx(ctx).With(zap.String("supplier_product_id", productID))
	key := cacheKey(productID)

	if c.redis != nil {
		raw, err := c.redis.Get(ctx, key).Result()
		switch {
		case err == nil:
			var cp cachedProduct
			if err := json.Unmarshal([]byte(raw), &cp); err == nil {
				if !cp.Found {
					return nil, nil
				}
				return cp.Product, nil
			}
			log.Warn("discarding malformed stock snapshot")
		case !errors.Is(err, redis.Nil):
			log.Warn("stock cache read failed", zap.Error(err))
		}
	}

	p, err := c.next.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}

	if c.redis != nil {
		data, _ := json.Marshal(cachedProduct{Found: p != nil, Product: p})
		if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
			log.Warn("stock cache write failed", zap.Error(err))
		}
	}
	return p, nil
}

// NewRedisClient connects to addr and returns nil when the server cannot be
// reached, in which case callers run without a cache.
func NewRedisClient(addr, password string) *redis.Client {
	if addr == "" {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.L().Warn("redis unreachable, stock cache disabled", zap.String("addr", addr), zap.Error(err))
		_ = client.Close()
		return nil
	}
	return client
}
