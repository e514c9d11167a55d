package main

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nimasrn/notifyhub-gateway/internal/apikey"
	"github.com/nimasrn/notifyhub-gateway/internal/config"
	gateway "github.com/nimasrn/notifyhub-gateway/internal/gateways"
	"github.com/nimasrn/notifyhub-gateway/internal/handlers"
	"github.com/nimasrn/notifyhub-gateway/internal/model"
	"github.com/nimasrn/notifyhub-gateway/internal/repository"
	"github.com/nimasrn/notifyhub-gateway/internal/security"
	"github.com/nimasrn/notifyhub-gateway/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

const (
	acmeKey   = "acme-secret-key-0001"
	globexKey = "globex-secret-key-0002"
)

type countingTransport struct {
	calls atomic.Int32
}

func (c *countingTransport) Send(ctx context.Context, msg *gateway.Message) error {
	c.calls.Add(1)
	return nil
}

func (c *countingTransport) Name() string { return "counting" }

type testGateway struct {
	client    *fasthttp.Client
	transport *countingTransport
}

func startGateway(t *testing.T) *testGateway {
	t.Helper()

	cfg := &config.Config{
		AppName:                "notifyhub",
		AppVersion:             "test",
		AppEnv:                 "test",
		HttpRequestTimeout:     5 * time.Second,
		HttpServerReadTimeout:  5 * time.Second,
		HttpServerWriteTimeout: 5 * time.Second,
		MaxRequestBodyBytes:    64 * 1024,
	}

	registry, err := apikey.NewRegistry(map[string]string{"acme": acmeKey, "globex": globexKey})
	require.NoError(t, err)

	tr := &countingTransport{}
	svc := services.NewDeliveryService(repository.NewTestRepository(t), tr, services.DefaultDeliveryConfig())
	health := handlers.NewHealthHandler(svc, handlers.AppInfo{Name: cfg.AppName, Version: cfg.AppVersion, Env: cfg.AppEnv})

	s := newEngine(cfg, serverDeps{
		registry: registry,
		guard:    security.NewGuard(security.NewMemoryCache(), security.DefaultOptions()),
		delivery: svc,
		health:   health,
	})
	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = s.Serve(ln) }()
	t.Cleanup(func() {
		_ = s.Server.Shutdown()
		_ = ln.Close()
	})

	return &testGateway{
		client: &fasthttp.Client{
			Dial: func(addr string) (net.Conn, error) { return ln.Dial() },
		},
		transport: tr,
	}
}

type call struct {
	method  string
	path    string
	body    string
	ctype   string
	key     string
	client  string
	headers map[string]string
}

func (g *testGateway) do(t *testing.T, c call) *fasthttp.Response {
	t.Helper()
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	req.SetRequestURI("http://gateway" + c.path)
	req.Header.SetMethod(c.method)
	if c.body != "" {
		req.SetBodyString(c.body)
		ctype := c.ctype
		if ctype == "" {
			ctype = "application/json"
		}
		req.Header.SetContentType(ctype)
	}
	if c.key != "" {
		req.Header.Set("X-API-Key", c.key)
	}
	client := c.client
	if client == "" {
		client = "198.51.100.10"
	}
	req.Header.Set("X-Forwarded-For", client)
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp := &fasthttp.Response{}
	require.NoError(t, g.client.DoTimeout(req, resp, 5*time.Second))
	return resp
}

type envelope struct {
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
	RequestID string          `json:"requestId"`
	ErrorCode string          `json:"errorCode"`
}

func decode(t *testing.T, resp *fasthttp.Response) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(resp.Body(), &env), string(resp.Body()))
	return env
}

const sendBody = `{"to":["alice@example.com"],"cc":["bob@example.com"],"subject":"Welcome","body":"Hello","category":"onboarding"}`

func TestGateway_SendAndStatus(t *testing.T) {
	g := startGateway(t)

	resp := g.do(t, call{method: "POST", path: "/api/email/send", body: sendBody, key: acmeKey,
		headers: map[string]string{"X-Request-Id": "req00001"}})
	require.Equal(t, fasthttp.StatusAccepted, resp.StatusCode(), string(resp.Body()))
	assert.Equal(t, "req00001", string(resp.Header.Peek("X-Request-Id")))

	env := decode(t, resp)
	assert.True(t, env.Success)
	assert.Equal(t, "req00001", env.RequestID)
	var out model.SendOutcome
	require.NoError(t, json.Unmarshal(env.Data, &out))
	assert.Equal(t, model.StatusSent, out.Status)
	assert.Equal(t, int32(1), g.transport.calls.Load())

	resp = g.do(t, call{method: "GET", path: "/api/email/status/" + out.ID.String(), key: acmeKey})
	require.Equal(t, fasthttp.StatusOK, resp.StatusCode())
	var rec model.DeliveryRecord
	require.NoError(t, json.Unmarshal(decode(t, resp).Data, &rec))
	assert.Equal(t, model.StatusSent, rec.Status)
	assert.Equal(t, []string{"bob@example.com"}, rec.Cc)
	assert.Equal(t, "req00001", rec.RequestID)

	// another tenant cannot see the record
	resp = g.do(t, call{method: "GET", path: "/api/email/status/" + out.ID.String(), key: globexKey})
	assert.Equal(t, fasthttp.StatusNotFound, resp.StatusCode())

	resp = g.do(t, call{method: "GET", path: "/api/email/history", key: globexKey})
	require.Equal(t, fasthttp.StatusOK, resp.StatusCode())
	var page model.HistoryPage
	require.NoError(t, json.Unmarshal(decode(t, resp).Data, &page))
	assert.Equal(t, int64(0), page.Total)

	resp = g.do(t, call{method: "POST", path: "/api/email/cancel/" + out.ID.String(), key: acmeKey})
	assert.Equal(t, fasthttp.StatusConflict, resp.StatusCode())
}

func TestGateway_ValidationFailureCreatesNothing(t *testing.T) {
	g := startGateway(t)

	body := strings.Replace(sendBody, "alice@example.com", "not-an-address", 1)
	resp := g.do(t, call{method: "POST", path: "/api/email/send", body: body, key: acmeKey})
	require.Equal(t, fasthttp.StatusBadRequest, resp.StatusCode())
	assert.Equal(t, "InvalidEmailFormat", decode(t, resp).ErrorCode)
	assert.Equal(t, int32(0), g.transport.calls.Load())

	resp = g.do(t, call{method: "GET", path: "/api/email/history", key: acmeKey})
	var page model.HistoryPage
	require.NoError(t, json.Unmarshal(decode(t, resp).Data, &page))
	assert.Equal(t, int64(0), page.Total)
}

func TestGateway_Admission(t *testing.T) {
	g := startGateway(t)

	t.Run("missing key", func(t *testing.T) {
		resp := g.do(t, call{method: "POST", path: "/api/email/send", body: sendBody})
		require.Equal(t, fasthttp.StatusUnauthorized, resp.StatusCode())
		env := decode(t, resp)
		assert.False(t, env.Success)
		assert.Equal(t, "Unauthorized", env.ErrorCode)
		assert.Equal(t, apikey.UnauthorizedMessage, env.Message)
	})

	t.Run("invalid key looks the same", func(t *testing.T) {
		missing := g.do(t, call{method: "GET", path: "/api/email/history"})
		invalid := g.do(t, call{method: "GET", path: "/api/email/history", key: "guess"})
		assert.Equal(t, missing.StatusCode(), invalid.StatusCode())
		assert.Equal(t, decode(t, missing).Message, decode(t, invalid).Message)
	})

	t.Run("health needs no key", func(t *testing.T) {
		for _, p := range []string{"/health", "/api/email/health", "/info"} {
			resp := g.do(t, call{method: "GET", path: p})
			assert.Equal(t, fasthttp.StatusOK, resp.StatusCode(), p)
		}
	})

	t.Run("security headers", func(t *testing.T) {
		resp := g.do(t, call{method: "GET", path: "/health"})
		assert.Equal(t, "nosniff", string(resp.Header.Peek("X-Content-Type-Options")))
	})

	t.Run("unsupported media type", func(t *testing.T) {
		resp := g.do(t, call{method: "POST", path: "/api/email/send", body: "<mail/>", ctype: "application/xml", key: acmeKey})
		require.Equal(t, fasthttp.StatusUnsupportedMediaType, resp.StatusCode())
		assert.Equal(t, "ValidationError", decode(t, resp).ErrorCode)
	})

	t.Run("body too large", func(t *testing.T) {
		body := `{"to":["alice@example.com"],"subject":"s","category":"c","body":"` + strings.Repeat("x", 70*1024) + `"}`
		resp := g.do(t, call{method: "POST", path: "/api/email/send", body: body, key: acmeKey})
		require.Equal(t, fasthttp.StatusRequestEntityTooLarge, resp.StatusCode())
		assert.Equal(t, "EmailSizeExceeded", decode(t, resp).ErrorCode)
	})

	t.Run("probe bans the client before authentication", func(t *testing.T) {
		const attacker = "203.0.113.66"
		resp := g.do(t, call{method: "GET", path: "/.env", client: attacker, key: acmeKey})
		assert.Equal(t, fasthttp.StatusForbidden, resp.StatusCode())

		resp = g.do(t, call{method: "GET", path: "/health", client: attacker})
		assert.Equal(t, fasthttp.StatusForbidden, resp.StatusCode())
		assert.Equal(t, "Access Denied", string(resp.Body()))

		resp = g.do(t, call{method: "GET", path: "/health"})
		assert.Equal(t, fasthttp.StatusOK, resp.StatusCode())
	})

	t.Run("unknown route", func(t *testing.T) {
		resp := g.do(t, call{method: "GET", path: "/api/email/nothing-here", key: acmeKey})
		require.Equal(t, fasthttp.StatusNotFound, resp.StatusCode())
		assert.Equal(t, "NotFound", decode(t, resp).ErrorCode)
	})
}
