// Package bootstrap builds the shared dependencies of the gateway processes
// from the loaded configuration.
package bootstrap

import (
	"context"
	"fmt"
	"os"

	"github.com/nimasrn/notifyhub-gateway/internal/config"
	gateway "github.com/nimasrn/notifyhub-gateway/internal/gateways"
	"github.com/nimasrn/notifyhub-gateway/internal/repository"
	"github.com/nimasrn/notifyhub-gateway/internal/scheduler"
	"github.com/nimasrn/notifyhub-gateway/internal/services"
	"github.com/nimasrn/notifyhub-gateway/pkg/logger"
	"github.com/nimasrn/notifyhub-gateway/pkg/pg"
	"github.com/nimasrn/notifyhub-gateway/pkg/prom"
	"github.com/nimasrn/notifyhub-gateway/pkg/redis"
)

func ReadConfig(c *config.Config) pg.Config {
	return pg.Config{
		User:     c.PostgresReadUser,
		Host:     c.PostgresReadHost,
		Port:     c.PostgresReadPort,
		Password: c.PostgresReadPassword,
		Database: c.PostgresReadDatabase,
		SSLMode:  c.PostgresSSLMode,

		MaxOpenConns:    c.PostgresMaxOpenConns,
		ConnMaxLifetime: c.PostgresConnMaxLifetime,
	}
}

func WriteConfig(c *config.Config) pg.Config {
	return pg.Config{
		User:     c.PostgresWriteUser,
		Host:     c.PostgresWriteHost,
		Port:     c.PostgresWritePort,
		Password: c.PostgresWritePassword,
		Database: c.PostgresWriteDatabase,
		SSLMode:  c.PostgresSSLMode,

		MaxOpenConns:    c.PostgresMaxOpenConns,
		ConnMaxLifetime: c.PostgresConnMaxLifetime,
	}
}

// OpenDB connects the read and write pools and checks the write side.
func OpenDB(ctx context.Context, c *config.Config) (*pg.DB, error) {
	db, err := pg.CreateReadWrite(ReadConfig(c), WriteConfig(c), c.AppDebug)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// OpenRedis returns nil without error when no redis address is configured.
func OpenRedis(c *config.Config) (redis.RedisAdapter, error) {
	if c.RedisAddr == "" {
		return nil, nil
	}
	r, err := redis.NewRedisAdapter("default", c.RedisUniversalKeyPrefix, &redis.Options{
		Addrs:      []string{c.RedisAddr},
		ClientName: c.AppName,
		DB:         c.RedisDatabase,
		Username:   c.RedisUsername,
		Password:   c.RedisPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return r, nil
}

// NewTransport selects the mail transport named by NOTIFYHUB_TRANSPORT.
func NewTransport(c *config.Config) (services.MailTransport, error) {
	switch c.Transport {
	case "relay":
		g, err := gateway.NewRelayGateway(gateway.RelayConfig{
			URL:                     c.RelayURL,
			FromEmail:               c.SmtpFromEmail,
			FromName:                c.SmtpFromName,
			MaxConns:                c.RelayMaxConns,
			Timeout:                 c.SendTimeout,
			CircuitBreakerThreshold: c.RelayCircuitBreakerThreshold,
			CircuitBreakerTimeout:   c.RelayCircuitBreakerTimeout,
		})
		if err != nil {
			return nil, err
		}
		return g, nil
	case "smtp", "":
		g, err := gateway.NewSMTPGateway(gateway.SMTPConfig{
			Host:      c.SmtpHost,
			Port:      c.SmtpPort,
			UseSSL:    c.SmtpUseSSL,
			Username:  c.SmtpUsername,
			Password:  c.SmtpPassword,
			FromEmail: c.SmtpFromEmail,
			FromName:  c.SmtpFromName,
			HelloName: c.SmtpHelloName,
		})
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", c.Transport)
	}
}

func DeliveryConfig(c *config.Config) services.DeliveryConfig {
	return services.DeliveryConfig{
		SendTimeout:      c.SendTimeout,
		MaxRetryAttempts: c.RetryMaxAttempts,
		RetryDelay:       c.RetryDelay,
		Limits: services.Limits{
			MaxRecipients:    c.MaxRecipients,
			MaxSubjectLength: c.MaxSubjectLength,
			MaxBodyLength:    c.MaxBodyLength,
		},
	}
}

// NewDeliveryService wires the store and the transport. Idempotency-Key
// handling is enabled only when redis is available.
func NewDeliveryService(c *config.Config, db *pg.DB, transport services.MailTransport, r redis.RedisAdapter) *services.DeliveryService {
	var opts []services.Option
	if r != nil {
		idem := services.DefaultIdempotencyConfig()
		if c.IdempotencyTTL > 0 {
			idem.OutcomeTTL = c.IdempotencyTTL
		}
		opts = append(opts, services.WithDeduplicator(services.NewDeduplicator(r, idem)))
	} else {
		logger.Info("redis not configured, Idempotency-Key is ignored")
	}
	return services.NewDeliveryService(repository.NewDeliveryRepository(db), transport, DeliveryConfig(c), opts...)
}

func SchedulerConfig(c *config.Config) scheduler.Config {
	return scheduler.Config{
		CheckInterval: c.RetryCheckInterval,
		BatchSize:     c.RetryBatchSize,
		Pause:         c.RetryPause,
		Workers:       c.RetryWorkers,
	}
}

// StartMetrics registers the collectors when enabled. The returned function
// serves them until ctx is done.
func StartMetrics(c *config.Config) (func(ctx context.Context) error, error) {
	if !c.PromEnabled {
		return func(ctx context.Context) error { return nil }, nil
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if err := prom.Create(hostname, c.AppEnv, c.PromNamespace); err != nil {
		return nil, fmt.Errorf("create prometheus metrics: %w", err)
	}

	return func(ctx context.Context) error {
		return prom.ListenAndServer(ctx, c.PromListenAddr, c.PromURI)
	}, nil
}
