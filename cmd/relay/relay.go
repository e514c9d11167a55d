package main

import (
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gateway "github.com/nimasrn/notifyhub-gateway/internal/gateways"
	"github.com/rs/zerolog/log"
)

type HealthResponse struct {
	Status       string    `json:"status"`
	RelayID      string    `json:"relay_id"`
	Timestamp    time.Time `json:"timestamp"`
	DeliveryRate float64   `json:"delivery_rate"`
	Delivered    int       `json:"delivered"`
}

var errorMessages = map[string]string{
	"MAILBOX_UNAVAILABLE": "The recipient mailbox does not exist or is unavailable",
	"NETWORK_ERROR":       "Network connectivity issue with the upstream MTA",
	"TIMEOUT":             "Upstream MTA did not answer in time",
	"REJECTED_SPAM":       "Message was rejected as spam by the receiving server",
	"MESSAGE_TOO_LARGE":   "Message exceeds the size accepted by the receiving server",
	"RELAY_DENIED":        "Relaying to this domain is not permitted",
}

var errorCodes = []string{
	"MAILBOX_UNAVAILABLE", "NETWORK_ERROR", "TIMEOUT", "REJECTED_SPAM", "MESSAGE_TOO_LARGE", "RELAY_DENIED",
}

// MockRelay simulates an HTTP mail relay with a configurable delivery rate
// and latency. Processed messages are remembered for status lookups.
type MockRelay struct {
	mu           sync.Mutex
	deliveryRate float64
	minDelay     time.Duration
	maxDelay     time.Duration
	relayID      string
	rng          *rand.Rand
	processed    map[string]*gateway.RelayResponse
	sleep        func(time.Duration)
}

func NewMockRelay(deliveryRate float64, minDelay, maxDelay time.Duration) *MockRelay {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &MockRelay{
		deliveryRate: deliveryRate,
		minDelay:     minDelay,
		maxDelay:     maxDelay,
		relayID:      "MOCK_RELAY_" + uuid.New().String()[:8],
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		processed:    make(map[string]*gateway.RelayResponse),
		sleep:        time.Sleep,
	}
}

func (m *MockRelay) simulateDelivery(req *gateway.RelayRequest) *gateway.RelayResponse {
	delay := m.randomDelay()
	// high priority mail skips half of the queueing delay
	if strings.EqualFold(req.Priority, "high") {
		delay = delay / 2
	}
	m.sleep(delay)

	resp := &gateway.RelayResponse{
		MessageID:   req.MessageID,
		RelayID:     m.relayID,
		ProcessedAt: time.Now().UTC(),
	}

	if m.shouldSucceed() {
		now := time.Now().UTC()
		resp.Status = gateway.RelayDelivered
		resp.DeliveredAt = &now

		log.Info().
			Str("message_id", req.MessageID).
			Int("recipients", len(req.To)+len(req.Cc)+len(req.Bcc)).
			Dur("delay", delay).
			Msg("mail delivered")
	} else {
		resp.Status = gateway.RelayFailed
		resp.ErrorCode = m.randomErrorCode()
		resp.ErrorMsg = errorMessages[resp.ErrorCode]

		log.Warn().
			Str("message_id", req.MessageID).
			Str("error_code", resp.ErrorCode).
			Msg("mail delivery failed")
	}

	m.mu.Lock()
	m.processed[req.MessageID] = resp
	m.mu.Unlock()
	return resp
}

func (m *MockRelay) randomDelay() time.Duration {
	delta := m.maxDelay - m.minDelay
	if delta <= 0 {
		return m.minDelay
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.minDelay + time.Duration(m.rng.Int63n(int64(delta)))
}

func (m *MockRelay) shouldSucceed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rng.Float64() < m.deliveryRate
}

func (m *MockRelay) randomErrorCode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return errorCodes[m.rng.Intn(len(errorCodes))]
}

func (m *MockRelay) lookup(id string) (*gateway.RelayResponse, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.processed[id]
	return r, ok
}

type Handler struct {
	relay *MockRelay
}

func NewHandler(relay *MockRelay) *Handler {
	return &Handler{relay: relay}
}

func (h *Handler) Send(c *gin.Context) {
	var req gateway.RelayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}
	if req.MessageID == "" || req.From == "" || len(req.To) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message_id, from and to are required"})
		return
	}

	log.Info().
		Str("message_id", req.MessageID).
		Str("from", req.From).
		Str("priority", req.Priority).
		Msg("received mail send request")

	resp := h.relay.simulateDelivery(&req)

	status := http.StatusOK
	if resp.Status == gateway.RelayFailed {
		// accepted but not delivered
		status = http.StatusAccepted
	}
	c.JSON(status, resp)
}

func (h *Handler) Status(c *gin.Context) {
	id := c.Param("message_id")
	resp, ok := h.relay.lookup(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown message_id"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) Health(c *gin.Context) {
	h.relay.mu.Lock()
	resp := HealthResponse{
		Status:       "healthy",
		RelayID:      h.relay.relayID,
		Timestamp:    time.Now().UTC(),
		DeliveryRate: h.relay.deliveryRate,
		Delivered:    len(h.relay.processed),
	}
	h.relay.mu.Unlock()
	c.JSON(http.StatusOK, resp)
}

// UpdateConfig changes the delivery rate at runtime.
func (h *Handler) UpdateConfig(c *gin.Context) {
	var body struct {
		DeliveryRate *float64 `json:"delivery_rate"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	h.relay.mu.Lock()
	if body.DeliveryRate != nil && *body.DeliveryRate >= 0 && *body.DeliveryRate <= 1.0 {
		h.relay.deliveryRate = *body.DeliveryRate
		log.Info().Float64("rate", *body.DeliveryRate).Msg("updated delivery rate")
	}
	rate := h.relay.deliveryRate
	h.relay.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"message": "Configuration updated", "delivery_rate": rate})
}

func SetupRouter(h *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("request processed")
	})

	router.POST(gateway.RelaySendPath, h.Send)
	v1 := router.Group("/api/v1/mail")
	{
		v1.GET("/status/:message_id", h.Status)
		v1.PUT("/config", h.UpdateConfig)
	}
	router.GET("/health", h.Health)
	return router
}
