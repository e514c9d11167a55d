package apikey

import (
	"strings"

	xhttp "github.com/nimasrn/notifyhub-gateway/pkg/http"
	"github.com/nimasrn/notifyhub-gateway/pkg/logger"
	"github.com/nimasrn/notifyhub-gateway/pkg/prom"
)

const tenantKey = "tenant_id"

const UnauthorizedMessage = "Invalid or missing API key"

// DefaultExcludedPaths are served without a key. Entries ending in "*" match
// as a prefix.
var DefaultExcludedPaths = []string{"/", "/info", "/metrics", "/health*", "/api/email/health"}

// Middleware admits requests carrying a configured key and stores the owning
// tenant on the request. Missing and unknown keys get the same rejection.
func Middleware(reg *Registry, reject xhttp.RejectFunc, excluded ...string) xhttp.MiddlewareFunc {
	if reject == nil {
		reject = func(ctx *xhttp.RequestCtx, status int, message string) {
			ctx.Error(message, status)
		}
	}
	if len(excluded) == 0 {
		excluded = DefaultExcludedPaths
	}

	return func(next xhttp.RequestHandler) xhttp.RequestHandler {
		return func(ctx *xhttp.RequestCtx) {
			path := string(ctx.Path())
			if isExcluded(path, excluded) {
				next(ctx)
				return
			}

			key := extractKey(ctx)
			tenant, ok := reg.TenantOf(key)
			if !ok {
				prom.IncAuthFailed()
				if key == "" {
					logger.Warn("api key missing", "path", path, "ip", xhttp.ClientIP(ctx),
						"user_agent", string(ctx.UserAgent()))
				} else {
					logger.Warn("api key rejected", "key", Mask(key), "path", path, "ip", xhttp.ClientIP(ctx))
				}
				reject(ctx, xhttp.StatusUnauthorized, UnauthorizedMessage)
				return
			}

			ctx.SetUserValue(tenantKey, tenant)
			logger.Debug("api key accepted", "tenant", tenant, "path", path)
			next(ctx)
		}
	}
}

// Tenant returns the tenant stored by Middleware, empty when the request was
// not authenticated.
func Tenant(ctx *xhttp.RequestCtx) string {
	if v, ok := ctx.UserValue(tenantKey).(string); ok {
		return v
	}
	return ""
}

// WithTenant stores a tenant on the request, handler tests use it.
func WithTenant(ctx *xhttp.RequestCtx, tenant string) {
	ctx.SetUserValue(tenantKey, tenant)
}

func extractKey(ctx *xhttp.RequestCtx) string {
	const bearer = "bearer "
	if auth := string(ctx.Request.Header.Peek("Authorization")); len(auth) > len(bearer) &&
		strings.EqualFold(auth[:len(bearer)], bearer) {
		return strings.TrimSpace(auth[len(bearer):])
	}
	return strings.TrimSpace(string(ctx.Request.Header.Peek("X-API-Key")))
}

func isExcluded(path string, excluded []string) bool {
	for _, p := range excluded {
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			if len(path) >= len(prefix) && strings.EqualFold(path[:len(prefix)], prefix) {
				return true
			}
			continue
		}
		if strings.EqualFold(path, p) {
			return true
		}
	}
	return false
}
