package main

import (
	"github.com/nimasrn/notifyhub-gateway/internal/apikey"
	"github.com/nimasrn/notifyhub-gateway/internal/config"
	"github.com/nimasrn/notifyhub-gateway/internal/handlers"
	"github.com/nimasrn/notifyhub-gateway/internal/security"
	xhttp "github.com/nimasrn/notifyhub-gateway/pkg/http"
	"github.com/nimasrn/notifyhub-gateway/pkg/prom"
)

type serverDeps struct {
	registry *apikey.Registry
	guard    *security.Guard
	delivery handlers.DeliveryService
	health   *handlers.HealthHandler
}

// newEngine builds the HTTP engine. The admission order is fixed here: the
// abuse guard sees a request before body validation so that probes get
// banned rather than merely refused, and authentication comes last.
func newEngine(cfg *config.Config, d serverDeps) *xhttp.Engine {
	opt := xhttp.DefaultServerOption
	opt.ReadTimeout = cfg.HttpServerReadTimeout
	opt.WriteTimeout = cfg.HttpServerWriteTimeout
	opt.MaxRequestBodySize = 2 * cfg.MaxRequestBodyBytes
	opt.Name = cfg.AppName

	s := xhttp.NewServer(opt)
	s.Router = xhttp.CreateDefaultRouter(func(ctx *xhttp.RequestCtx) {
		handlers.WriteRejection(ctx, xhttp.StatusNotFound, "Resource not found")
	})

	validation := xhttp.DefaultRequestValidationOption
	validation.MaxBodyBytes = cfg.MaxRequestBodyBytes
	validation.Reject = handlers.WriteRejection

	s.Use(xhttp.RecoverMiddleware)
	s.Use(xhttp.RequestIDMiddleware)
	s.Use(xhttp.RequestLoggerMiddleware)
	if cfg.PromEnabled {
		s.Use(prom.Middleware)
	}
	if cfg.HttpCompressLevel > 0 {
		s.Use(xhttp.CompressMiddleware(cfg.HttpCompressLevel))
	}
	s.Use(xhttp.SecurityHeadersMiddleware)
	s.Use(d.guard.Middleware)
	s.Use(xhttp.RequestValidationMiddleware(validation))
	s.Use(xhttp.TimeoutMiddleware(cfg.HttpRequestTimeout))
	s.Use(apikey.Middleware(d.registry, handlers.WriteRejection))

	handlers.RegisterHealthRoutes(s.Router, d.health)
	handlers.RegisterDeliveryRoutes(s.Router.Group("/api/email"), handlers.NewDeliveryHandler(d.delivery))
	return s
}
