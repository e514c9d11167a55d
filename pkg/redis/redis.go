package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

var NilError = goredis.Nil

type Options = goredis.UniversalOptions

// DefaultOpTimeout bounds every adapter call, the adapter methods take no
// context of their own.
const DefaultOpTimeout = 2 * time.Second

type RedisAdapter interface {
	Set(key string, value []byte, ttl time.Duration) error
	SetNX(key string, value []byte, ttl time.Duration) (bool, error)
	Get(key string) ([]byte, error)
	Del(key string) error
	// IncrWithTTL increments key and (re)sets its expiry in one round trip.
	IncrWithTTL(key string, ttl time.Duration) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

type redisAdapter struct {
	name      string
	prefix    string
	opTimeout time.Duration
	client    goredis.UniversalClient
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]*redisAdapter)
)

// NewRedisAdapter connects and registers an adapter under name. A second call
// with the same name returns the registered adapter.
func NewRedisAdapter(name string, keysPrefix string, opts *goredis.UniversalOptions) (RedisAdapter, error) {
	registryMu.RLock()
	existing, ok := registry[name]
	registryMu.RUnlock()
	if ok {
		return existing, nil
	}

	c := goredis.NewUniversalClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), DefaultOpTimeout)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis %s: %w", name, err)
	}

	registryMu.Lock()
	defer registryMu.Unlock()
	if existing, ok := registry[name]; ok {
		_ = c.Close()
		return existing, nil
	}
	a := &redisAdapter{name: name, prefix: keysPrefix, opTimeout: DefaultOpTimeout, client: c}
	registry[name] = a
	return a, nil
}

// GetRedis returns the adapter registered under name, or "default".
func GetRedis(name ...string) RedisAdapter {
	registryMu.RLock()
	defer registryMu.RUnlock()

	if len(name) > 0 && name[0] != "" {
		if a, ok := registry[name[0]]; ok {
			return a
		}
	}
	if a, ok := registry["default"]; ok {
		return a
	}
	return nil
}

func (r *redisAdapter) op() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.opTimeout)
}

func (r *redisAdapter) Set(key string, value []byte, ttl time.Duration) error {
	ctx, cancel := r.op()
	defer cancel()
	return r.client.Set(ctx, r.prefix+key, value, ttl).Err()
}

func (r *redisAdapter) SetNX(key string, value []byte, ttl time.Duration) (bool, error) {
	ctx, cancel := r.op()
	defer cancel()
	return r.client.SetNX(ctx, r.prefix+key, value, ttl).Result()
}

func (r *redisAdapter) Get(key string) ([]byte, error) {
	ctx, cancel := r.op()
	defer cancel()
	return r.client.Get(ctx, r.prefix+key).Bytes()
}

func (r *redisAdapter) Del(key string) error {
	ctx, cancel := r.op()
	defer cancel()
	return r.client.Del(ctx, r.prefix+key).Err()
}

func (r *redisAdapter) IncrWithTTL(key string, ttl time.Duration) (int64, error) {
	ctx, cancel := r.op()
	defer cancel()
	var incr *goredis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		incr = p.Incr(ctx, r.prefix+key)
		p.Expire(ctx, r.prefix+key, ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return incr.Val(), nil
}

func (r *redisAdapter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the connection pool and forgets the adapter.
func (r *redisAdapter) Close() error {
	registryMu.Lock()
	if registry[r.name] == r {
		delete(registry, r.name)
	}
	registryMu.Unlock()
	return r.client.Close()
}
