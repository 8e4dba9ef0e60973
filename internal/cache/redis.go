package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/billguard/internal/domain"
	"github.com/redis/go-redis/v9"
)

// noExpiry scores index members whose run was cached without a TTL.
const noExpiry = float64(1 << 53)

// RedisCache shares cached runs between replicas.
//
// Keys live under billguard:<tenant>:. Every run key is also recorded in the
// sorted set billguard:<tenant>:runs, scored by its expiry in unix millis, so
// PurgeRuns can drop a tenant's runs without scanning the keyspace.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to the Redis named by cfg and verifies it answers.
func NewRedisCache(cfg domain.CacheConfig) (*RedisCache, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     cfg.RedisPoolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisCache{client: client}, nil
}

func (c *RedisCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}

	val, err := c.client.Get(ctx, c.makeKey(tenantID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

// Set stores value for ttl. A non-positive ttl keeps the key until deleted.
func (c *RedisCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	if strings.HasPrefix(key, runKeyPrefix) {
		return c.setIndexed(ctx, tenantID, key, value, ttl)
	}
	if err := c.client.Set(ctx, c.makeKey(tenantID, key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return ErrTenantRequired
	}

	fullKey := c.makeKey(tenantID, key)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, fullKey)
		if strings.HasPrefix(key, runKeyPrefix) {
			pipe.ZRem(ctx, c.runIndex(tenantID), fullKey)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete %s: %w", key, err)
	}
	return nil
}

// GetRun retrieves a cached validation run by batch fingerprint.
func (c *RedisCache) GetRun(ctx context.Context, tenantID string, fingerprint string) (*domain.ValidationRun, error) {
	return getRun(ctx, c, tenantID, fingerprint)
}

// SetRun caches a validation run and records it in the tenant's run index.
func (c *RedisCache) SetRun(ctx context.Context, tenantID string, run *domain.ValidationRun, ttl time.Duration) error {
	return setRun(ctx, c, tenantID, run, ttl)
}

// PurgeRuns deletes every indexed run of the tenant together with the index.
func (c *RedisCache) PurgeRuns(ctx context.Context, tenantID string) (int, error) {
	if tenantID == "" {
		return 0, ErrTenantRequired
	}

	index := c.runIndex(tenantID)
	keys, err := c.client.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("redis read run index: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	var deleted *redis.IntCmd
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, keys...)
		pipe.Del(ctx, index)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis purge runs: %w", err)
	}
	return int(deleted.Val()), nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// setIndexed writes a run key and its index entry in one transaction.
// Index members whose runs already expired are trimmed on the way.
func (c *RedisCache) setIndexed(ctx context.Context, tenantID, key string, value []byte, ttl time.Duration) error {
	now := time.Now()
	score := noExpiry
	if ttl > 0 {
		score = float64(now.Add(ttl).UnixMilli())
	}

	fullKey := c.makeKey(tenantID, key)
	index := c.runIndex(tenantID)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, fullKey, value, ttl)
		pipe.ZRemRangeByScore(ctx, index, "-inf", strconv.FormatInt(now.UnixMilli(), 10))
		pipe.ZAdd(ctx, index, redis.Z{Score: score, Member: fullKey})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) makeKey(tenantID, key string) string {
	return "billguard:" + tenantID + ":" + key
}

func (c *RedisCache) runIndex(tenantID string) string {
	return "billguard:" + tenantID + ":runs"
}
