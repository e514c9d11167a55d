package handlers

import (
	"context"
	"sort"

	"github.com/fasthttp/router"
	"github.com/nimasrn/notifyhub-gateway/internal/model"
	xhttp "github.com/nimasrn/notifyhub-gateway/pkg/http"
	"github.com/nimasrn/notifyhub-gateway/pkg/logger"
)

type HealthService interface {
	Ping(ctx context.Context) error
}

type AppInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Env     string `json:"environment"`
}

type HealthHandler struct {
	svc     HealthService
	info    AppInfo
	details map[string]func() any
}

// RegisterHealthRoutes mounts the unauthenticated probes on the root router.
func RegisterHealthRoutes(r *router.Router, h *HealthHandler) {
	r.GET("/health", h.GetHealth)
	r.GET("/api/email/health", h.GetHealth)
	r.GET("/info", h.GetInfo)
	r.GET("/", h.GetInfo)
}

func NewHealthHandler(svc HealthService, info AppInfo) *HealthHandler {
	return &HealthHandler{
		svc:     svc,
		info:    info,
		details: map[string]func() any{},
	}
}

// WithDetail adds a named section to /info, fn is evaluated per request.
func (h *HealthHandler) WithDetail(name string, fn func() any) *HealthHandler {
	h.details[name] = fn
	return h
}

func (h *HealthHandler) GetHealth(ctx *xhttp.RequestCtx) {
	resp := model.HealthResponse{
		Status:    "healthy",
		Database:  "connected",
		Version:   h.info.Version,
		Env:       h.info.Env,
		Timestamp: now().UTC(),
	}
	if err := h.svc.Ping(ctx); err != nil {
		logger.Error("health check failed", "error", err)
		resp.Status = "unhealthy"
		resp.Database = "disconnected"
		writeJSON(ctx, xhttp.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, resp)
}

func (h *HealthHandler) GetInfo(ctx *xhttp.RequestCtx) {
	out := map[string]any{
		"name":        h.info.Name,
		"version":     h.info.Version,
		"environment": h.info.Env,
	}
	names := make([]string, 0, len(h.details))
	for name := range h.details {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out[name] = h.details[name]()
	}
	writeJSON(ctx, xhttp.StatusOK, out)
}
