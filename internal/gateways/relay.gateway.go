package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nimasrn/notifyhub-gateway/pkg/logger"
	"github.com/nimasrn/notifyhub-gateway/pkg/prom"
	"github.com/valyala/fasthttp"
)

const RelaySendPath = "/api/v1/mail/send"

var ErrCircuitOpen = errors.New("relay circuit breaker open")

type RelayStatus string

const (
	RelayDelivered RelayStatus = "DELIVERED"
	RelayFailed    RelayStatus = "FAILED"
	RelayPending   RelayStatus = "PENDING"
)

// RelayRequest is the JSON body posted to the relay.
type RelayRequest struct {
	MessageID string   `json:"message_id"`
	From      string   `json:"from"`
	FromName  string   `json:"from_name,omitempty"`
	To        []string `json:"to"`
	Cc        []string `json:"cc,omitempty"`
	Bcc       []string `json:"bcc,omitempty"`
	Subject   string   `json:"subject"`
	Body      string   `json:"body"`
	IsHTML    bool     `json:"is_html"`
	Priority  string   `json:"priority"`
}

type RelayResponse struct {
	MessageID   string      `json:"message_id"`
	Status      RelayStatus `json:"status"`
	DeliveredAt *time.Time  `json:"delivered_at,omitempty"`
	ErrorCode   string      `json:"error_code,omitempty"`
	ErrorMsg    string      `json:"error_message,omitempty"`
	RelayID     string      `json:"relay_id"`
	ProcessedAt time.Time   `json:"processed_at"`
}

type RelayMetrics struct {
	TotalRequests    atomic.Int64
	SuccessfulReqs   atomic.Int64
	FailedReqs       atomic.Int64
	TotalLatencyMs   atomic.Int64
	LastLatencyMs    atomic.Int64
	ConsecutiveFails atomic.Int32
	LastErrorTime    atomic.Int64
	LastSuccessTime  atomic.Int64

	mu             sync.RWMutex
	latencyHistory []int64
	maxHistorySize int
}

func NewRelayMetrics() *RelayMetrics {
	return &RelayMetrics{
		latencyHistory: make([]int64, 0, 100),
		maxHistorySize: 100,
	}
}

func (m *RelayMetrics) RecordSuccess(latencyMs int64) {
	m.TotalRequests.Add(1)
	m.SuccessfulReqs.Add(1)
	m.TotalLatencyMs.Add(latencyMs)
	m.LastLatencyMs.Store(latencyMs)
	m.ConsecutiveFails.Store(0)
	m.LastSuccessTime.Store(time.Now().Unix())

	m.mu.Lock()
	if len(m.latencyHistory) >= m.maxHistorySize {
		m.latencyHistory = m.latencyHistory[1:]
	}
	m.latencyHistory = append(m.latencyHistory, latencyMs)
	m.mu.Unlock()
}

func (m *RelayMetrics) RecordFailure() {
	m.TotalRequests.Add(1)
	m.FailedReqs.Add(1)
	m.ConsecutiveFails.Add(1)
	m.LastErrorTime.Store(time.Now().Unix())
}

func (m *RelayMetrics) AvgLatencyMs() int64 {
	ok := m.SuccessfulReqs.Load()
	if ok == 0 {
		return 0
	}
	return m.TotalLatencyMs.Load() / ok
}

func (m *RelayMetrics) SuccessRate() float64 {
	total := m.TotalRequests.Load()
	if total == 0 {
		return 1.0
	}
	return float64(m.SuccessfulReqs.Load()) / float64(total)
}

func (m *RelayMetrics) P95LatencyMs() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.latencyHistory) == 0 {
		return 0
	}
	sorted := make([]int64, len(m.latencyHistory))
	copy(sorted, m.latencyHistory)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * 0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

type RelayConfig struct {
	URL                     string
	FromEmail               string
	FromName                string
	MaxConns                int
	Timeout                 time.Duration
	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration
}

// RelayGateway posts messages to an HTTP mail relay. Consecutive failures open
// a circuit breaker, while it is open Send fails without calling the relay.
type RelayGateway struct {
	cfg              RelayConfig
	client           *fasthttp.Client
	metrics          *RelayMetrics
	circuitOpenUntil atomic.Int64
	now              func() time.Time
}

func NewRelayGateway(cfg RelayConfig) (*RelayGateway, error) {
	if cfg.URL == "" {
		return nil, errors.New("relay gateway: url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.CircuitBreakerThreshold <= 0 {
		cfg.CircuitBreakerThreshold = 5
	}
	if cfg.CircuitBreakerTimeout <= 0 {
		cfg.CircuitBreakerTimeout = time.Minute
	}

	g := &RelayGateway{
		cfg: cfg,
		client: &fasthttp.Client{
			MaxConnsPerHost:     cfg.MaxConns,
			ReadTimeout:         cfg.Timeout,
			WriteTimeout:        cfg.Timeout,
			MaxIdleConnDuration: 60 * time.Second,
		},
		metrics: NewRelayMetrics(),
		now:     time.Now,
	}

	logger.Info("relay gateway initialized", "url", cfg.URL, "timeout", cfg.Timeout,
		"breaker_threshold", cfg.CircuitBreakerThreshold)
	return g, nil
}

func (g *RelayGateway) Name() string {
	return "relay"
}

func (g *RelayGateway) Metrics() *RelayMetrics {
	return g.metrics
}

// CircuitOpen reports whether sends are currently short-circuited.
func (g *RelayGateway) CircuitOpen() bool {
	return g.now().UnixNano() < g.circuitOpenUntil.Load()
}

func (g *RelayGateway) Send(ctx context.Context, msg *Message) error {
	if msg == nil {
		return newTransportError(KindProtocolError, errors.New("message is required"))
	}
	if g.CircuitOpen() {
		return newTransportError(KindConnectionFailed, ErrCircuitOpen)
	}

	from := g.cfg.FromEmail
	if msg.From != "" {
		from = msg.From
	}
	fromName := g.cfg.FromName
	if msg.FromName != "" {
		fromName = msg.FromName
	}
	body, err := json.Marshal(RelayRequest{
		MessageID: msg.MessageID,
		From:      from,
		FromName:  fromName,
		To:        msg.To,
		Cc:        msg.Cc,
		Bcc:       msg.Bcc,
		Subject:   msg.Subject,
		Body:      msg.Body,
		IsHTML:    msg.IsHTML,
		Priority:  msg.Priority.String(),
	})
	if err != nil {
		return newTransportError(KindProtocolError, fmt.Errorf("marshal request: %w", err))
	}

	start := time.Now()
	resp, err := g.doRequest(ctx, RelaySendPath, body)
	latency := time.Since(start)

	if err == nil && resp.Status != RelayDelivered {
		err = newTransportError(KindProtocolError,
			fmt.Errorf("relay rejected message: status=%s code=%s: %s", resp.Status, resp.ErrorCode, resp.ErrorMsg))
	}
	if err != nil {
		g.metrics.RecordFailure()
		g.checkCircuitBreaker()
		prom.ObserveTransport(g.Name(), "failure", latency.Seconds())
		logger.Warn("relay delivery failed", "message_id", msg.MessageID, "kind", KindOf(err).String(), "error", err)
		return err
	}

	g.metrics.RecordSuccess(latency.Milliseconds())
	prom.ObserveTransport(g.Name(), "success", latency.Seconds())
	logger.Info("relay accepted message", "message_id", msg.MessageID, "relay_id", resp.RelayID,
		"latency_ms", latency.Milliseconds())
	return nil
}

func (g *RelayGateway) doRequest(ctx context.Context, path string, body []byte) (*RelayResponse, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(g.cfg.URL + path)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(g.cfg.Timeout)
	}

	if err := g.client.DoDeadline(req, resp, deadline); err != nil {
		if errors.Is(err, fasthttp.ErrTimeout) || ctx.Err() != nil {
			return nil, newTransportError(KindTimeout, fmt.Errorf("request failed: %w", err))
		}
		return nil, newTransportError(KindConnectionFailed, fmt.Errorf("request failed: %w", err))
	}

	code := resp.StatusCode()
	switch {
	case code == fasthttp.StatusUnauthorized || code == fasthttp.StatusForbidden:
		return nil, newTransportError(KindAuthFailed, fmt.Errorf("unexpected status code: %d", code))
	case code >= 500:
		return nil, newTransportError(KindConnectionFailed, fmt.Errorf("unexpected status code: %d, body: %s", code, resp.Body()))
	case code != fasthttp.StatusOK && code != fasthttp.StatusAccepted:
		return nil, newTransportError(KindProtocolError, fmt.Errorf("unexpected status code: %d, body: %s", code, resp.Body()))
	}

	var out RelayResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, newTransportError(KindProtocolError, fmt.Errorf("unmarshal response: %w", err))
	}
	return &out, nil
}

func (g *RelayGateway) checkCircuitBreaker() {
	fails := g.metrics.ConsecutiveFails.Load()
	if fails < int32(g.cfg.CircuitBreakerThreshold) {
		return
	}
	g.circuitOpenUntil.Store(g.now().Add(g.cfg.CircuitBreakerTimeout).UnixNano())
	logger.Warn("relay circuit breaker opened", "consecutive_fails", fails, "timeout", g.cfg.CircuitBreakerTimeout)
}

// RelayStats is a snapshot of the relay client metrics for the info endpoint.
type RelayStats struct {
	URL              string  `json:"url"`
	CircuitOpen      bool    `json:"circuitOpen"`
	TotalRequests    int64   `json:"totalRequests"`
	SuccessfulReqs   int64   `json:"successfulRequests"`
	FailedReqs       int64   `json:"failedRequests"`
	SuccessRate      float64 `json:"successRate"`
	AvgLatencyMs     int64   `json:"avgLatencyMs"`
	P95LatencyMs     int64   `json:"p95LatencyMs"`
	ConsecutiveFails int32   `json:"consecutiveFails"`
}

func (g *RelayGateway) Stats() RelayStats {
	return RelayStats{
		URL:              g.cfg.URL,
		CircuitOpen:      g.CircuitOpen(),
		TotalRequests:    g.metrics.TotalRequests.Load(),
		SuccessfulReqs:   g.metrics.SuccessfulReqs.Load(),
		FailedReqs:       g.metrics.FailedReqs.Load(),
		SuccessRate:      g.metrics.SuccessRate(),
		AvgLatencyMs:     g.metrics.AvgLatencyMs(),
		P95LatencyMs:     g.metrics.P95LatencyMs(),
		ConsecutiveFails: g.metrics.ConsecutiveFails.Load(),
	}
}

// Close releases idle connections.
func (g *RelayGateway) Close() error {
	g.client.CloseIdleConnections()
	logger.Info("relay gateway closed")
	return nil
}
