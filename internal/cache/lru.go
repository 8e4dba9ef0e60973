package cache

import (
	"container/list"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/opensource-finance/billguard/internal/domain"
)

// Default in-process limits.
const (
	DefaultMaxEntries = 1000
	DefaultMaxBytes   = 64 << 20
)

// LRUCache keeps validation runs in process. It evicts the least recently
// used entry once either the entry count or the byte budget is exceeded, so
// a few very large batches cannot crowd the heap.
type LRUCache struct {
	mu         sync.Mutex
	maxEntries int
	maxBytes   int64
	bytes      int64
	items      map[entryKey]*list.Element
	order      *list.List
	perTenant  map[string]int

	hits      int64
	misses    int64
	evictions int64
	expired   int64
}

type entryKey struct {
	tenant string
	key    string
}

type lruEntry struct {
	entryKey
	value     []byte
	expiresAt time.Time // zero never expires
}

// LRUStats is a snapshot of an LRUCache.
type LRUStats struct {
	Entries    int   `json:"entries"`
	MaxEntries int   `json:"maxEntries"`
	Bytes      int64 `json:"bytes"`
	MaxBytes   int64 `json:"maxBytes"`
	Tenants    int   `json:"tenants"`
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	Evictions  int64 `json:"evictions"`
	Expired    int64 `json:"expired"`
}

// NewLRUCache creates an in-process cache. Non-positive limits fall back to
// DefaultMaxEntries and DefaultMaxBytes.
func NewLRUCache(maxEntries int, maxBytes int64) *LRUCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &LRUCache{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		items:      make(map[entryKey]*list.Element),
		order:      list.New(),
		perTenant:  make(map[string]int),
	}
}

func (c *LRUCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[entryKey{tenantID, key}]
	if !ok {
		c.misses++
		return nil, nil
	}
	e := elem.Value.(*lruEntry)
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		c.remove(elem)
		c.expired++
		c.misses++
		return nil, nil
	}

	c.order.MoveToFront(elem)
	c.hits++
	return e.value, nil
}

// Set stores value for ttl. A non-positive ttl keeps the entry until it is
// evicted. Values larger than the whole byte budget are refused.
func (c *LRUCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	size := int64(len(value))
	if size > c.maxBytes {
		return fmt.Errorf("%w: %d bytes, budget %d", ErrTooLarge, size, c.maxBytes)
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	k := entryKey{tenantID, key}
	if elem, ok := c.items[k]; ok {
		e := elem.Value.(*lruEntry)
		c.bytes += size - int64(len(e.value))
		e.value = value
		e.expiresAt = expiresAt
		c.order.MoveToFront(elem)
	} else {
		c.items[k] = c.order.PushFront(&lruEntry{entryKey: k, value: value, expiresAt: expiresAt})
		c.bytes += size
		c.perTenant[tenantID]++
	}

	for c.order.Len() > c.maxEntries || c.bytes > c.maxBytes {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.remove(oldest)
		c.evictions++
	}
	return nil
}

func (c *LRUCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return ErrTenantRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[entryKey{tenantID, key}]; ok {
		c.remove(elem)
	}
	return nil
}

// GetRun retrieves a cached validation run by batch fingerprint.
func (c *LRUCache) GetRun(ctx context.Context, tenantID string, fingerprint string) (*domain.ValidationRun, error) {
	return getRun(ctx, c, tenantID, fingerprint)
}

// SetRun caches a validation run under its fingerprint.
func (c *LRUCache) SetRun(ctx context.Context, tenantID string, run *domain.ValidationRun, ttl time.Duration) error {
	return setRun(ctx, c, tenantID, run, ttl)
}

// PurgeRuns drops the tenant's cached runs. Other keys of the tenant stay.
func (c *LRUCache) PurgeRuns(ctx context.Context, tenantID string) (int, error) {
	if tenantID == "" {
		return 0, ErrTenantRequired
	}
	if c.perTenantCount(tenantID) == 0 {
		return 0, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		e := elem.Value.(*lruEntry)
		if e.tenant == tenantID && strings.HasPrefix(e.key, runKeyPrefix) {
			c.remove(elem)
			removed++
		}
		elem = next
	}
	return removed, nil
}

func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close drops every entry. Counters survive so a final Stats call still
// reports the lifetime totals.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[entryKey]*list.Element)
	c.order.Init()
	c.perTenant = make(map[string]int)
	c.bytes = 0
	return nil
}

func (c *LRUCache) Stats() LRUStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return LRUStats{
		Entries:    c.order.Len(),
		MaxEntries: c.maxEntries,
		Bytes:      c.bytes,
		MaxBytes:   c.maxBytes,
		Tenants:    len(c.perTenant),
		Hits:       c.hits,
		Misses:     c.misses,
		Evictions:  c.evictions,
		Expired:    c.expired,
	}
}

func (c *LRUCache) perTenantCount(tenantID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.perTenant[tenantID]
}

// remove unlinks elem and keeps the byte and tenant tallies in step.
// Callers hold c.mu.
func (c *LRUCache) remove(elem *list.Element) {
	e := c.order.Remove(elem).(*lruEntry)
	delete(c.items, e.entryKey)
	c.bytes -= int64(len(e.value))
	if c.perTenant[e.tenant]--; c.perTenant[e.tenant] <= 0 {
		delete(c.perTenant, e.tenant)
	}
}
