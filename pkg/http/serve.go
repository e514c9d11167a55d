package xhttp

import (
	"context"
	"crypto/tls"
	"net"
	"reflect"
	"runtime"
	"time"

	"github.com/nimasrn/notifyhub-gateway/pkg/logger"
	"github.com/valyala/fasthttp"
)

type RequestHeader = fasthttp.RequestHeader
type ResponseHeader = fasthttp.ResponseHeader
type Server = fasthttp.Server

// DefaultServerOption suits a JSON API behind a load balancer. Callers copy it
// and override the timeouts and the body limit from their configuration.
var DefaultServerOption = ServerOption{
	IdleTimeout:           10 * time.Second,
	MaxIdleWorkerDuration: time.Minute,
	TCPKeepalivePeriod:    2 * time.Hour, // linux default
	// the validation middleware answers 413 well below this
	MaxRequestBodySize: 2 * 1024 * 1024,
	// also the max header size
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
	ReadTimeout:     2500 * time.Millisecond,
	WriteTimeout:    2500 * time.Millisecond,
	Concurrency:     30_000,
	// max open files on linux is 65,535
	MaxConnsPerIP:         10_000,
	NoDefaultServerHeader: true,
	NoDefaultDate:         true,
	NoDefaultContentType:  true,
	CloseOnShutdown:       true,
	TCPKeepalive:          true,
	LogAllErrors:          true,
}

type ServerOption struct {
	// Name is sent in the Server header when set.
	Name string

	// Idle keep-alive connections are closed after IdleTimeout, too many of
	// them end in "too many open files".
	IdleTimeout           time.Duration
	MaxIdleWorkerDuration time.Duration
	TCPKeepalivePeriod    time.Duration
	TCPKeepalive          bool

	MaxRequestBodySize int
	ReadBufferSize     int
	WriteBufferSize    int
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration

	Concurrency        int
	MaxConnsPerIP      int
	MaxRequestsPerConn int

	NoDefaultServerHeader bool
	NoDefaultDate         bool
	NoDefaultContentType  bool
	CloseOnShutdown       bool
	LogAllErrors          bool

	ErrorHandler func(ctx *RequestCtx, err error)
	ConnState    func(net.Conn, fasthttp.ConnState)
	TLSConfig    *tls.Config
	Logger       logger.Logger
}

type Engine struct {
	*Router
	*Server
	option ServerOption
	middle []MiddlewareFunc
}

func newServer(o ServerOption) *fasthttp.Server {
	if o.Logger == nil {
		o.Logger = logger.GetLogger()
	}
	if o.ErrorHandler == nil {
		o.ErrorHandler = func(ctx *RequestCtx, err error) {
			logger.Warn("xhttp: connection error", "error", err, "remote", ctx.RemoteIP().String())
			ctx.Error(StatusText(StatusBadRequest), StatusBadRequest)
		}
	}
	return &fasthttp.Server{
		Name:                         o.Name,
		ErrorHandler:                 o.ErrorHandler,
		Concurrency:                  o.Concurrency,
		ReadBufferSize:               o.ReadBufferSize,
		WriteBufferSize:              o.WriteBufferSize,
		ReadTimeout:                  o.ReadTimeout,
		WriteTimeout:                 o.WriteTimeout,
		IdleTimeout:                  o.IdleTimeout,
		MaxConnsPerIP:                o.MaxConnsPerIP,
		MaxRequestsPerConn:           o.MaxRequestsPerConn,
		MaxIdleWorkerDuration:        o.MaxIdleWorkerDuration,
		TCPKeepalivePeriod:           o.TCPKeepalivePeriod,
		TCPKeepalive:                 o.TCPKeepalive,
		MaxRequestBodySize:           o.MaxRequestBodySize,
		DisablePreParseMultipartForm: true,
		LogAllErrors:                 o.LogAllErrors,
		NoDefaultServerHeader:        o.NoDefaultServerHeader && o.Name == "",
		NoDefaultDate:                o.NoDefaultDate,
		NoDefaultContentType:         o.NoDefaultContentType,
		CloseOnShutdown:              o.CloseOnShutdown,
		ConnState:                    o.ConnState,
		Logger:                       o.Logger,
		TLSConfig:                    o.TLSConfig,
	}
}

// NewServer returns an engine with the default router. The router can be
// replaced before the first Serve.
func NewServer(options ServerOption) *Engine {
	return &Engine{
		Server: newServer(options),
		Router: CreateDefaultRouter(nil),
		option: options,
	}
}

// Use appends a middleware. The first registered middleware is the outermost
// one, so it sees every request before the others.
func (e *Engine) Use(middleware MiddlewareFunc) {
	e.middle = append(e.middle, middleware)
}

// Handler returns the router wrapped by the registered middlewares.
func (e *Engine) Handler() RequestHandler {
	h := e.Router.Handler
	for i := len(e.middle) - 1; i >= 0; i-- {
		h = e.middle[i](h)
	}
	return h
}

// DoRouting installs the wrapped handler and logs the routes and middlewares.
func (e *Engine) DoRouting() {
	for method, routes := range e.Router.List() {
		for _, r := range routes {
			logger.Debug("xhttp: route", "method", method, "path", r)
		}
	}
	for i, m := range e.middle {
		logger.Debug("xhttp: middleware", "position", i+1, "name", runtime.FuncForPC(reflect.ValueOf(m).Pointer()).Name())
	}
	e.Server.Handler = e.Handler()
}

func (e *Engine) ListenAndServe(addr string) error {
	e.DoRouting()
	logger.Info("xhttp: listening", "addr", addr, "name", e.option.Name)
	return e.Server.ListenAndServe(addr)
}

// Serve accepts connections from ln, tests hand it an in-memory listener.
func (e *Engine) Serve(ln net.Listener) error {
	e.DoRouting()
	return e.Server.Serve(ln)
}

// ShutdownOnDone shuts the server down once ctx is done.
func (e *Engine) ShutdownOnDone(ctx context.Context) {
	<-ctx.Done()
	e.Shutdown()
}

// Shutdown waits for active connections to finish their current request.
func (e *Engine) Shutdown() {
	logger.Info("xhttp: shutting down", "name", e.option.Name)
	if err := e.Server.Shutdown(); err != nil {
		logger.Warn("xhttp: shutdown failed", "error", err)
	}
}
