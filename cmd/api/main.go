package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nimasrn/notifyhub-gateway/internal/apikey"
	"github.com/nimasrn/notifyhub-gateway/internal/bootstrap"
	"github.com/nimasrn/notifyhub-gateway/internal/config"
	gateway "github.com/nimasrn/notifyhub-gateway/internal/gateways"
	"github.com/nimasrn/notifyhub-gateway/internal/handlers"
	"github.com/nimasrn/notifyhub-gateway/internal/scheduler"
	"github.com/nimasrn/notifyhub-gateway/internal/security"
	"github.com/nimasrn/notifyhub-gateway/pkg/logger"
	"golang.org/x/sync/errgroup"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		logger.Error("api stopped with error", "error", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

func run() error {
	if err := config.Load(config.ArgEnvPath(os.Args)); err != nil {
		return err
	}
	cfg := config.Get()
	if cfg.AppVersion == "dev" {
		cfg.AppVersion = version
	}
	logger.Info("starting notifyhub api", "version", cfg.AppVersion, "commit", commit, "date", date,
		"env", cfg.AppEnv, "transport", cfg.Transport)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	registry, err := apikey.Load(cfg.ApiKeyFile)
	if err != nil {
		return err
	}
	logger.Info("api keys loaded", "tenants", registry.Tenants())

	db, err := bootstrap.OpenDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	redisAdapter, err := bootstrap.OpenRedis(cfg)
	if err != nil {
		return err
	}
	if redisAdapter != nil {
		defer redisAdapter.Close()
	}

	transport, err := bootstrap.NewTransport(cfg)
	if err != nil {
		return err
	}
	if relay, ok := transport.(*gateway.RelayGateway); ok {
		defer relay.Close()
	}

	serveMetrics, err := bootstrap.StartMetrics(cfg)
	if err != nil {
		return err
	}

	svc := bootstrap.NewDeliveryService(cfg, db, transport, redisAdapter)

	g, gctx := errgroup.WithContext(ctx)

	var cache security.Cache
	if redisAdapter != nil {
		cache = security.NewRedisCache(redisAdapter)
	} else {
		mem := security.NewMemoryCache()
		g.Go(func() error {
			mem.RunPurge(gctx, time.Minute)
			return nil
		})
		cache = mem
	}
	guard := security.NewGuard(cache, guardOptions(cfg))

	health := handlers.NewHealthHandler(svc, handlers.AppInfo{
		Name:    cfg.AppName,
		Version: cfg.AppVersion,
		Env:     cfg.AppEnv,
	}).WithDetail("transport", func() any { return transportInfo(transport) })
	if redisAdapter != nil {
		health.WithDetail("redis", func() any {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := redisAdapter.Ping(pingCtx); err != nil {
				return "disconnected"
			}
			return "connected"
		})
	}

	var retries *scheduler.Scheduler
	if cfg.RetryEnabled {
		retries = scheduler.New(svc, bootstrap.SchedulerConfig(cfg))
		health.WithDetail("scheduler", func() any { return retries.Stats() })
		g.Go(func() error { return retries.Run(gctx) })
	} else {
		logger.Info("retry scheduler disabled")
	}
	sweeper := scheduler.NewSweeper(svc, cfg.CleanupInterval, cfg.Retention, nil)
	g.Go(func() error { return sweeper.Run(gctx) })

	g.Go(func() error { return serveMetrics(gctx) })

	s := newEngine(cfg, serverDeps{
		registry: registry,
		guard:    guard,
		delivery: svc,
		health:   health,
	})
	g.Go(func() error {
		s.ShutdownOnDone(gctx)
		return nil
	})
	g.Go(func() error {
		if err := s.ListenAndServe(cfg.HttpListenAddr); err != nil {
			return err
		}
		// a clean return means Shutdown was called
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func guardOptions(cfg *config.Config) security.Options {
	opt := security.DefaultOptions()
	opt.BlacklistBan = cfg.BlacklistBan
	opt.PayloadBan = cfg.PayloadBan
	opt.ScannerBan = cfg.ScannerBan
	opt.AbnormalBan = cfg.AbnormalBan
	opt.ViolationThreshold = cfg.ViolationThreshold
	opt.ViolationWindow = cfg.ViolationWindow
	opt.NotFoundThreshold = cfg.NotFoundThreshold
	opt.NotFoundWindow = cfg.NotFoundWindow
	opt.SensitiveThreshold = cfg.SensitivePathLimit
	opt.SensitiveWindow = cfg.SensitivePathWindow
	return opt
}

func transportInfo(t interface{ Name() string }) any {
	if relay, ok := t.(*gateway.RelayGateway); ok {
		return relay.Stats()
	}
	return map[string]string{"name": t.Name()}
}
