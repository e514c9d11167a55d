package xhttp

import (
	"github.com/fasthttp/router"
)

type Router = router.Router

// CreateDefaultRouter returns a router with fixed-path redirects and matched
// path capture enabled. notFound answers unknown routes and unsupported
// methods alike, nil selects a plain text 404.
func CreateDefaultRouter(notFound RequestHandler) *Router {
	if notFound == nil {
		notFound = NotFoundHandler
	}
	r := router.New()
	r.RedirectFixedPath = true
	r.RedirectTrailingSlash = true
	r.SaveMatchedRoutePath = true
	r.HandleOPTIONS = false
	r.HandleMethodNotAllowed = true
	r.NotFound = notFound
	r.MethodNotAllowed = notFound
	return r
}

func NotFoundHandler(ctx *RequestCtx) {
	ctx.Error(StatusText(StatusNotFound), StatusNotFound)
}
