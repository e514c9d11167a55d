package xhttp

// SecurityHeadersMiddleware sets the response headers every API response carries.
func SecurityHeadersMiddleware(next RequestHandler) RequestHandler {
	return func(ctx *RequestCtx) {
		h := &ctx.Response.Header
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Cache-Control", "no-store")
		next(ctx)
	}
}
