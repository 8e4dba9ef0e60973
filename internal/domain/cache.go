package domain

import (
	"context"
	"time"
)

// Cache stores validation runs for reuse when an identical batch is
// submitted again. Every method is scoped to a tenant.
type Cache interface {
	// Get returns nil, nil when the key is absent or expired.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, tenantID string, key string) error

	// GetRun looks a run up by batch fingerprint.
	GetRun(ctx context.Context, tenantID string, fingerprint string) (*ValidationRun, error)

	// SetRun caches a run under its batch fingerprint.
	SetRun(ctx context.Context, tenantID string, run *ValidationRun, ttl time.Duration) error

	// PurgeRuns drops every cached run of the tenant and reports how many
	// were removed. Called after the tenant's rules change.
	PurgeRuns(ctx context.Context, tenantID string) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `json:"type" yaml:"type"`

	// In-process cache limits. An entry is evicted when either limit is hit.
	LocalMaxSize  int           `json:"localMaxSize" yaml:"local_max_size"`
	LocalMaxBytes int64         `json:"localMaxBytes" yaml:"local_max_bytes"`
	LocalTTL      time.Duration `json:"localTtl" yaml:"local_ttl"`

	// RunTTL is how long a validation run stays reusable for an identical batch
	RunTTL time.Duration `json:"runTtl" yaml:"run_ttl"`

	// Redis settings (Pro tier)
	RedisAddr     string `json:"redisAddr" yaml:"redis_addr"`
	RedisPassword string `json:"-" yaml:"redis_password"`
	RedisDB       int    `json:"redisDb" yaml:"redis_db"`
	RedisPoolSize int    `json:"redisPoolSize" yaml:"redis_pool_size"`

	// EnableTwoPhase keeps an in-process copy in front of Redis.
	EnableTwoPhase bool `json:"enableTwoPhase" yaml:"enable_two_phase"`
}
