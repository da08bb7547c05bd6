// Package cache is the two-tier result cache: a bounded in-process LRU in
// front of a durable namespace in the store. Values are held as their JSON
// encoding so an L1 hit is byte-identical to the L2 row.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basket/go-inquest/internal/otel"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const defaultCapacity = 512

// Store is the durable tier. persistence.Store and persistence.Session
// both satisfy it.
type Store interface {
	CacheGet(ctx context.Context, namespace, key string) ([]byte, bool, error)
	CacheSet(ctx context.Context, namespace, key string, value []byte) error
	CacheDelete(ctx context.Context, namespace, key string) error
	CacheClear(ctx context.Context, namespace string) error
}

type Options struct {
	Capacity int
	// Store may be nil, in which case the cache is L1 only.
	Store   Store
	Logger  *slog.Logger
	Metrics *otel.Metrics
}

// Cache is safe for concurrent use. Entries never expire; only Clear
// removes them from the durable tier.
type Cache struct {
	namespace string
	store     Store
	logger    *slog.Logger
	metrics   *otel.Metrics

	mu sync.Mutex
	l1 *simplelru.LRU[string, []byte]
	// gen advances on every Clear and Delete; an L2 read only promotes into
	// L1 when no removal happened while it was in flight.
	gen uint64
}

// New builds the cache for one namespace.
func New(namespace string, opts Options) (*Cache, error) {
	if namespace == "" {
		return nil, fmt.Errorf("cache namespace required")
	}
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	l1, err := simplelru.NewLRU[string, []byte](capacity, nil)
	if err != nil {
		return nil, fmt.Errorf("create l1: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		namespace: namespace,
		store:     opts.Store,
		logger:    logger.With("cache", namespace),
		metrics:   opts.Metrics,
		l1:        l1,
	}, nil
}

func (c *Cache) Namespace() string { return c.namespace }

// Get decodes the cached value for key into dst and reports whether it was
// found. A durable value that fails to decode is deleted and reported as a
// miss.
func (c *Cache) Get(ctx context.Context, key string, dst any) bool {
	c.mu.Lock()
	raw, ok := c.l1.Get(key)
	gen := c.gen
	c.mu.Unlock()
	if ok {
		if err := json.Unmarshal(raw, dst); err == nil {
			c.metrics.RecordCacheLookup(ctx, c.namespace, "l1")
			return true
		}
		c.mu.Lock()
		c.l1.Remove(key)
		c.mu.Unlock()
	}

	if c.store == nil {
		c.metrics.RecordCacheLookup(ctx, c.namespace, "miss")
		return false
	}
	raw, found, err := c.store.CacheGet(ctx, c.namespace, key)
	if err != nil {
		c.logger.Warn("cache l2 read failed", "key", key, "error", err)
		c.metrics.RecordCacheLookup(ctx, c.namespace, "miss")
		return false
	}
	if !found {
		c.metrics.RecordCacheLookup(ctx, c.namespace, "miss")
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.logger.Warn("cache l2 value corrupt, deleting", "key", key, "error", err)
		if derr := c.store.CacheDelete(ctx, c.namespace, key); derr != nil {
			c.logger.Warn("cache l2 delete failed", "key", key, "error", derr)
		}
		c.metrics.RecordCacheLookup(ctx, c.namespace, "miss")
		return false
	}

	c.mu.Lock()
	if c.gen == gen {
		c.l1.Add(key, raw)
	}
	c.mu.Unlock()
	c.metrics.RecordCacheLookup(ctx, c.namespace, "l2")
	return true
}

// Set writes value to both tiers. Only an encoding failure is returned; a
// durable write failure is logged and the L1 entry still serves reads.
func (c *Cache) Set(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value: %w", err)
	}
	c.mu.Lock()
	c.l1.Add(key, raw)
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.CacheSet(ctx, c.namespace, key, raw); err != nil {
			c.logger.Warn("cache l2 write failed", "key", key, "error", err)
		}
	}
	return nil
}

// Delete removes key from both tiers.
func (c *Cache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	c.l1.Remove(key)
	c.gen++
	c.mu.Unlock()
	if c.store == nil {
		return nil
	}
	if err := c.store.CacheDelete(ctx, c.namespace, key); err != nil {
		return fmt.Errorf("delete %s: %w", c.namespace, err)
	}
	return nil
}

// Clear empties L1 and the durable namespace.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.l1.Purge()
	c.gen++
	c.mu.Unlock()
	if c.store == nil {
		return nil
	}
	if err := c.store.CacheClear(ctx, c.namespace); err != nil {
		return fmt.Errorf("clear %s: %w", c.namespace, err)
	}
	return nil
}

// Resident reports whether key is in L1 without touching its recency.
func (c *Cache) Resident(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.l1.Contains(key)
}

// Len is the number of L1 entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.l1.Len()
}

// Key hashes the parts into a fixed-length cache key.
func Key(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0x1f})
	}
	return hex.EncodeToString(h.Sum(nil))
}
