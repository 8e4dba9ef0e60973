// Package cache provides caching implementations for billguard.
//
// The main use is reusing a validation run when the same batch is submitted
// again under the same rule configuration: runs are keyed by the batch
// fingerprint.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/billguard/internal/domain"
)

const runKeyPrefix = "run:"

var (
	// ErrTenantRequired is returned for calls without a tenant.
	ErrTenantRequired = errors.New("tenantID is required")
	// ErrTooLarge is returned when a value exceeds the in-process byte budget.
	ErrTooLarge = errors.New("value exceeds cache budget")
)

// New builds the cache named by cfg.Type. A "redis" cache with two-phase
// enabled keeps an in-process copy in front of Redis.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize, cfg.LocalMaxBytes), nil

	case "redis":
		remote, err := NewRedisCache(cfg)
		if err != nil {
			return nil, err
		}
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(NewLRUCache(cfg.LocalMaxSize, cfg.LocalMaxBytes), remote, cfg.LocalTTL), nil
		}
		return remote, nil

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

func runKey(fingerprint string) string {
	return runKeyPrefix + fingerprint
}

func encodeRun(run *domain.ValidationRun) ([]byte, error) {
	if run == nil || run.Fingerprint == "" {
		return nil, errors.New("run fingerprint is required")
	}
	data, err := json.Marshal(run)
	if err != nil {
		return nil, fmt.Errorf("encode run %s: %w", run.ID, err)
	}
	return data, nil
}

func decodeRun(data []byte) (*domain.ValidationRun, error) {
	var run domain.ValidationRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to decode cached run: %w", err)
	}
	return &run, nil
}

// getRun and setRun implement GetRun/SetRun on top of any byte cache.
func getRun(ctx context.Context, c domain.Cache, tenantID, fingerprint string) (*domain.ValidationRun, error) {
	data, err := c.Get(ctx, tenantID, runKey(fingerprint))
	if err != nil || data == nil {
		return nil, err
	}
	return decodeRun(data)
}

func setRun(ctx context.Context, c domain.Cache, tenantID string, run *domain.ValidationRun, ttl time.Duration) error {
	data, err := encodeRun(run)
	if err != nil {
		return err
	}
	return c.Set(ctx, tenantID, runKey(run.Fingerprint), data, ttl)
}

// TwoPhaseCache serves runs from an in-process LRU and falls back to a
// shared remote cache. Local copies live at most l1TTL so a purge on another
// replica is picked up within that window.
type TwoPhaseCache struct {
	local  *LRUCache
	remote domain.Cache
	l1TTL  time.Duration
}

// NewTwoPhaseCache layers local in front of remote.
func NewTwoPhaseCache(local *LRUCache, remote domain.Cache, l1TTL time.Duration) *TwoPhaseCache {
	if l1TTL <= 0 {
		l1TTL = 5 * time.Minute
	}
	return &TwoPhaseCache{
		local:  local,
		remote: remote,
		l1TTL:  l1TTL,
	}
}

// localTTL caps ttl at the L1 lifetime. A non-positive ttl means the remote
// entry never expires, and the local copy still gets l1TTL.
func (c *TwoPhaseCache) localTTL(ttl time.Duration) time.Duration {
	if ttl > 0 && ttl < c.l1TTL {
		return ttl
	}
	return c.l1TTL
}

func (c *TwoPhaseCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	val, err := c.local.Get(ctx, tenantID, key)
	if err != nil || val != nil {
		return val, err
	}

	val, err = c.remote.Get(ctx, tenantID, key)
	if err != nil {
		return nil, err
	}
	if val != nil {
		c.fill(ctx, tenantID, key, val)
	}
	return val, nil
}

func (c *TwoPhaseCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if err := c.remote.Set(ctx, tenantID, key, value, ttl); err != nil {
		return err
	}
	if err := c.local.Set(ctx, tenantID, key, value, c.localTTL(ttl)); err != nil && !errors.Is(err, ErrTooLarge) {
		return err
	}
	return nil
}

func (c *TwoPhaseCache) Delete(ctx context.Context, tenantID string, key string) error {
	if err := c.local.Delete(ctx, tenantID, key); err != nil {
		return err
	}
	return c.remote.Delete(ctx, tenantID, key)
}

// GetRun checks the local copy before asking the remote cache.
func (c *TwoPhaseCache) GetRun(ctx context.Context, tenantID string, fingerprint string) (*domain.ValidationRun, error) {
	if data, err := c.local.Get(ctx, tenantID, runKey(fingerprint)); err != nil {
		return nil, err
	} else if data != nil {
		return decodeRun(data)
	}

	run, err := c.remote.GetRun(ctx, tenantID, fingerprint)
	if err != nil || run == nil {
		return run, err
	}
	if data, err := encodeRun(run); err == nil {
		c.fill(ctx, tenantID, runKey(fingerprint), data)
	}
	return run, nil
}

// SetRun writes the remote cache through its own SetRun so backends that
// index runs per tenant stay consistent.
func (c *TwoPhaseCache) SetRun(ctx context.Context, tenantID string, run *domain.ValidationRun, ttl time.Duration) error {
	data, err := encodeRun(run)
	if err != nil {
		return err
	}
	if err := c.remote.SetRun(ctx, tenantID, run, ttl); err != nil {
		return err
	}
	if err := c.local.Set(ctx, tenantID, runKey(run.Fingerprint), data, c.localTTL(ttl)); err != nil && !errors.Is(err, ErrTooLarge) {
		return err
	}
	return nil
}

// PurgeRuns clears both layers and reports the remote count.
func (c *TwoPhaseCache) PurgeRuns(ctx context.Context, tenantID string) (int, error) {
	if _, err := c.local.PurgeRuns(ctx, tenantID); err != nil {
		return 0, err
	}
	return c.remote.PurgeRuns(ctx, tenantID)
}

func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.local.Ping(ctx); err != nil {
		return fmt.Errorf("L1 ping failed: %w", err)
	}
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("L2 ping failed: %w", err)
	}
	return nil
}

func (c *TwoPhaseCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}

// Stats reports the local layer.
func (c *TwoPhaseCache) Stats() LRUStats {
	return c.local.Stats()
}

// fill copies a remote value into the local layer. A value too large for
// the local budget is simply served from the remote cache.
func (c *TwoPhaseCache) fill(ctx context.Context, tenantID, key string, value []byte) {
	_ = c.local.Set(ctx, tenantID, key, value, c.l1TTL)
}
