package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/nimasrn/notifyhub-gateway/internal/bootstrap"
	"github.com/nimasrn/notifyhub-gateway/internal/config"
	gateway "github.com/nimasrn/notifyhub-gateway/internal/gateways"
	"github.com/nimasrn/notifyhub-gateway/internal/scheduler"
	"github.com/nimasrn/notifyhub-gateway/pkg/logger"
	"golang.org/x/sync/errgroup"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// The standalone scheduler retries failed emails and sweeps expired ones for
// deployments where the API runs with NOTIFYHUB_RETRY_ENABLED=false.
func main() {
	if err := run(); err != nil {
		logger.Error("scheduler stopped with error", "error", err)
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
	logger.Info("starting notifyhub scheduler", "version", version, "commit", commit, "date", date,
		"env", cfg.AppEnv, "transport", cfg.Transport)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	db, err := bootstrap.OpenDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

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

	// retries never carry an Idempotency-Key, redis is not needed here
	svc := bootstrap.NewDeliveryService(cfg, db, transport, nil)
	retries := scheduler.New(svc, bootstrap.SchedulerConfig(cfg))
	sweeper := scheduler.NewSweeper(svc, cfg.CleanupInterval, cfg.Retention, nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return retries.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error { return serveMetrics(gctx) })

	err = g.Wait()
	st := retries.Stats()
	logger.Info("scheduler finished", "cycles", st.Cycles, "retried", st.Retried,
		"succeeded", st.Succeeded, "failed", st.Failed)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
