package security

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nimasrn/notifyhub-gateway/pkg/logger"
	"github.com/nimasrn/notifyhub-gateway/pkg/redis"
)

// Cache is the TTL store behind the guard: ban entries and sliding
// violation counters.
type Cache interface {
	Put(key string, value []byte, ttl time.Duration) error
	// Get reports false when the key is absent or expired.
	Get(key string) ([]byte, bool, error)
	// Incr increments key and restarts its ttl.
	Incr(key string, ttl time.Duration) (int64, error)
}

type memoryItem struct {
	value   []byte
	count   int64
	expires time.Time
}

// MemoryCache keeps entries in process memory. Expired entries are dropped on
// access and by Purge.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]*memoryItem
	now   func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		items: make(map[string]*memoryItem),
		now:   time.Now,
	}
}

func (c *MemoryCache) Put(key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = &memoryItem{value: value, expires: c.now().Add(ttl)}
	return nil
}

func (c *MemoryCache) Get(key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.live(key)
	if !ok {
		return nil, false, nil
	}
	return it.value, true, nil
}

func (c *MemoryCache) Incr(key string, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.live(key)
	if !ok {
		it = &memoryItem{}
		c.items[key] = it
	}
	it.count++
	it.expires = c.now().Add(ttl)
	return it.count, nil
}

// live must be called with mu held.
func (c *MemoryCache) live(key string) (*memoryItem, bool) {
	it, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(it.expires) {
		delete(c.items, key)
		return nil, false
	}
	return it, true
}

// Purge drops every expired entry and returns how many were removed.
func (c *MemoryCache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for k, it := range c.items {
		if !now.Before(it.expires) {
			delete(c.items, k)
			n++
		}
	}
	return n
}

func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// RunPurge calls Purge every interval until ctx is done.
func (c *MemoryCache) RunPurge(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := c.Purge(); n > 0 {
				logger.Debug("guard cache purged", "removed", n, "remaining", c.Len())
			}
		}
	}
}

// RedisCache shares guard state between API instances.
type RedisCache struct {
	r redis.RedisAdapter
}

func NewRedisCache(r redis.RedisAdapter) *RedisCache {
	return &RedisCache{r: r}
}

func (c *RedisCache) Put(key string, value []byte, ttl time.Duration) error {
	return c.r.Set(key, value, ttl)
}

func (c *RedisCache) Get(key string) ([]byte, bool, error) {
	v, err := c.r.Get(key)
	if err != nil {
		if errors.Is(err, redis.NilError) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return v, true, nil
}

func (c *RedisCache) Incr(key string, ttl time.Duration) (int64, error) {
	return c.r.IncrWithTTL(key, ttl)
}
