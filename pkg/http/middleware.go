package xhttp

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/notifyhub-gateway/pkg/logger"
	"github.com/valyala/fasthttp"
)

const slowThreshold = 500 * time.Millisecond

const requestIDKey = "request_id"

var skipPaths = []string{"/health", "/metrics", "/api/email/health"}

type MiddlewareFunc func(next RequestHandler) RequestHandler
type RequestCtx = fasthttp.RequestCtx
type RequestHandler = fasthttp.RequestHandler

func TimeoutMiddleware(timeout time.Duration) MiddlewareFunc {
	return func(next RequestHandler) RequestHandler {
		return fasthttp.TimeoutWithCodeHandler(next, timeout, StatusText(StatusRequestTimeout), StatusRequestTimeout)
	}
}

func CompressMiddleware(level int) MiddlewareFunc {
	return func(next RequestHandler) RequestHandler {
		return fasthttp.CompressHandlerBrotliLevel(next, level, level)
	}
}

func RecoverMiddleware(next RequestHandler) RequestHandler {
	return func(ctx *RequestCtx) {
		defer func() {
			if err := recover(); err != nil {
				ctx.Error(StatusText(StatusInternalServerError), StatusInternalServerError)
				logger.Error("[xhttp] panic recovered", "error", err, "path", string(ctx.Path()))
			}
		}()
		next(ctx)
	}
}

// RequestIDMiddleware keeps the caller's X-Request-Id or assigns a short one,
// and echoes it on the response.
func RequestIDMiddleware(next RequestHandler) RequestHandler {
	return func(ctx *RequestCtx) {
		rid := requestIDHeader(ctx)
		if rid == "" || len(rid) > 50 {
			rid = strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		}
		ctx.SetUserValue(requestIDKey, rid)
		ctx.Response.Header.Set("X-Request-Id", rid)
		next(ctx)
	}
}

// RequestID returns the id assigned by RequestIDMiddleware, falling back to the header.
func RequestID(ctx *RequestCtx) string {
	if v, ok := ctx.UserValue(requestIDKey).(string); ok {
		return v
	}
	return requestIDHeader(ctx)
}

func RequestLoggerMiddleware(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		path := string(ctx.Path())
		if shouldSkip(path) {
			next(ctx)
			return
		}

		start := time.Now()
		next(ctx)

		latency := time.Since(start)
		status := ctx.Response.StatusCode()
		kv := []any{
			"status", status,
			"method", string(ctx.Method()),
			"path", path,
			"latency", latency.String(),
			"bytes_in", len(ctx.PostBody()),
			"bytes_out", len(ctx.Response.Body()),
			"ip", ClientIP(ctx),
			"ua", string(ctx.Request.Header.UserAgent()),
			"request_id", RequestID(ctx),
		}

		lg := logger.GetLogger()
		switch {
		case status >= 500:
			lg.Error("http_request", kv...)
		case status >= 400 || latency > slowThreshold:
			lg.Warn("http_request", kv...)
		default:
			lg.Info("http_request", kv...)
		}
	}
}

func shouldSkip(p string) bool {
	for _, sp := range skipPaths {
		if strings.HasPrefix(p, sp) {
			return true
		}
	}
	return false
}

func requestIDHeader(ctx *fasthttp.RequestCtx) string {
	if v := ctx.Request.Header.Peek("X-Request-Id"); len(v) > 0 {
		return string(v)
	}
	if v := ctx.Request.Header.Peek("X-Request-ID"); len(v) > 0 { // common variant
		return string(v)
	}
	return ""
}
