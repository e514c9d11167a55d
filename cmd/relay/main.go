package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type relayConfig struct {
	Port         string        `env:"RELAY_PORT,default=8081"`
	DeliveryRate float64       `env:"RELAY_DELIVERY_RATE,default=1"`
	MinDelay     time.Duration `env:"RELAY_MIN_DELAY,default=100ms"`
	MaxDelay     time.Duration `env:"RELAY_MAX_DELAY,default=1s"`
	GinMode      string        `env:"GIN_MODE,default=release"`
}

// A mock HTTP mail relay for local runs of the relay transport.
func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if len(os.Args) > 1 {
		if err := godotenv.Load(os.Args[1]); err != nil {
			log.Warn().Err(err).Str("path", os.Args[1]).Msg("env file not loaded")
		}
	}
	var cfg relayConfig
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid relay configuration")
	}
	gin.SetMode(cfg.GinMode)

	log.Info().
		Str("port", cfg.Port).
		Float64("delivery_rate", cfg.DeliveryRate).
		Dur("min_delay", cfg.MinDelay).
		Dur("max_delay", cfg.MaxDelay).
		Msg("starting mock mail relay")

	relay := NewMockRelay(cfg.DeliveryRate, cfg.MinDelay, cfg.MaxDelay)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      SetupRouter(NewHandler(relay)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server exited")
}
