package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nimasrn/notifyhub-gateway/internal/model"
	"github.com/nimasrn/notifyhub-gateway/pkg/logger"
	"github.com/nimasrn/notifyhub-gateway/pkg/redis"
)

var (
	// ErrRequestInFlight is returned when a request with the same
	// Idempotency-Key is still being processed.
	ErrRequestInFlight = errors.New("request with this idempotency key is in progress")
)

const MaxIdempotencyKeyLength = 128

type IdempotencyConfig struct {
	// OutcomeTTL is how long a finished outcome is replayed.
	OutcomeTTL time.Duration

	LockTTL time.Duration

	OutcomeKeyPrefix string

	LockKeyPrefix string
}

func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{
		OutcomeTTL:       24 * time.Hour,
		LockTTL:          time.Minute,
		OutcomeKeyPrefix: "idem:",
		LockKeyPrefix:    "idem-lock:",
	}
}

// Deduplicator remembers send outcomes per tenant and Idempotency-Key.
type Deduplicator struct {
	redis  redis.RedisAdapter
	config IdempotencyConfig
}

func NewDeduplicator(redisAdapter redis.RedisAdapter, config IdempotencyConfig) *Deduplicator {
	def := DefaultIdempotencyConfig()
	if config.OutcomeTTL <= 0 {
		config.OutcomeTTL = def.OutcomeTTL
	}
	if config.LockTTL <= 0 {
		config.LockTTL = def.LockTTL
	}
	if config.OutcomeKeyPrefix == "" {
		config.OutcomeKeyPrefix = def.OutcomeKeyPrefix
	}
	if config.LockKeyPrefix == "" {
		config.LockKeyPrefix = def.LockKeyPrefix
	}
	return &Deduplicator{redis: redisAdapter, config: config}
}

// Claim returns the stored outcome when key was already used by tenant.
// Otherwise it takes the in-flight lock and returns nil; the caller must
// then call Complete or Release.
func (d *Deduplicator) Claim(ctx context.Context, tenant, key string) (*model.SendOutcome, error) {
	if prev, err := d.lookup(tenant, key); err != nil {
		// A broken cache must not block sending.
		logger.Warn("idempotency lookup failed", "tenant", tenant, "error", err)
	} else if prev != nil {
		logger.Info("idempotent replay", "tenant", tenant, "email_id", prev.ID)
		return prev, nil
	}

	lockValue := []byte(fmt.Sprintf("%d", time.Now().UnixNano()))
	acquired, err := d.redis.SetNX(d.lockKey(tenant, key), lockValue, d.config.LockTTL)
	if err != nil {
		logger.Warn("idempotency lock failed", "tenant", tenant, "error", err)
		return nil, nil
	}
	if !acquired {
		return nil, ErrRequestInFlight
	}

	// another request may have completed between the lookup and the lock
	if prev, err := d.lookup(tenant, key); err == nil && prev != nil {
		d.Release(ctx, tenant, key)
		logger.Info("idempotent replay", "tenant", tenant, "email_id", prev.ID)
		return prev, nil
	}
	return nil, nil
}

// Complete stores the outcome and drops the lock.
func (d *Deduplicator) Complete(ctx context.Context, tenant, key string, outcome *model.SendOutcome) {
	raw, err := json.Marshal(outcome)
	if err == nil {
		err = d.redis.Set(d.outcomeKey(tenant, key), raw, d.config.OutcomeTTL)
	}
	if err != nil {
		logger.Error("failed to store idempotent outcome", "tenant", tenant, "email_id", outcome.ID, "error", err)
	}
	d.Release(ctx, tenant, key)
}

// Release drops the in-flight lock without storing anything, so the same key
// may be retried.
func (d *Deduplicator) Release(ctx context.Context, tenant, key string) {
	if err := d.redis.Del(d.lockKey(tenant, key)); err != nil {
		logger.Warn("failed to release idempotency lock", "tenant", tenant, "error", err)
	}
}

func (d *Deduplicator) lookup(tenant, key string) (*model.SendOutcome, error) {
	raw, err := d.redis.Get(d.outcomeKey(tenant, key))
	if err != nil {
		if errors.Is(err, redis.NilError) {
			return nil, nil
		}
		return nil, err
	}
	var out model.SendOutcome
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (d *Deduplicator) outcomeKey(tenant, key string) string {
	return d.config.OutcomeKeyPrefix + tenant + ":" + key
}

func (d *Deduplicator) lockKey(tenant, key string) string {
	return d.config.LockKeyPrefix + tenant + ":" + key
}
