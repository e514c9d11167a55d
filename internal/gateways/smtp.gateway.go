package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/quotedprintable"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nimasrn/notifyhub-gateway/internal/model"
	"github.com/nimasrn/notifyhub-gateway/pkg/logger"
	"github.com/nimasrn/notifyhub-gateway/pkg/prom"
)

const implicitTLSPort = 465

type SMTPConfig struct {
	Host      string
	Port      int
	UseSSL    bool
	Username  string
	Password  string
	FromEmail string
	FromName  string
	HelloName string
}

// Dialer is satisfied by *net.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type SMTPOption func(*SMTPGateway)

// WithTLSConfig replaces the TLS configuration. nil disables STARTTLS.
func WithTLSConfig(cfg *tls.Config) SMTPOption {
	return func(g *SMTPGateway) {
		g.tlsConfig = cfg
	}
}

func WithDialer(d Dialer) SMTPOption {
	return func(g *SMTPGateway) {
		if d != nil {
			g.dialer = d
		}
	}
}

func WithClock(now func() time.Time) SMTPOption {
	return func(g *SMTPGateway) {
		if now != nil {
			g.now = now
		}
	}
}

// SMTPGateway delivers messages over one SMTP session per send.
type SMTPGateway struct {
	cfg       SMTPConfig
	auth      smtp.Auth
	tlsConfig *tls.Config
	dialer    Dialer
	now       func() time.Time
}

func NewSMTPGateway(cfg SMTPConfig, opts ...SMTPOption) (*SMTPGateway, error) {
	cfg.Host = strings.TrimSpace(cfg.Host)
	cfg.FromEmail = strings.TrimSpace(cfg.FromEmail)
	if cfg.Host == "" {
		return nil, errors.New("smtp gateway: host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("smtp gateway: invalid port %d", cfg.Port)
	}
	if _, err := mail.ParseAddress(cfg.FromEmail); err != nil {
		return nil, fmt.Errorf("smtp gateway: invalid from address %q: %w", cfg.FromEmail, err)
	}
	if strings.TrimSpace(cfg.HelloName) == "" {
		cfg.HelloName = "localhost"
	}

	g := &SMTPGateway{
		cfg:    cfg,
		dialer: &net.Dialer{Timeout: 30 * time.Second},
		now:    time.Now,
		tlsConfig: &tls.Config{
			ServerName: cfg.Host,
			MinVersion: tls.VersionTLS12,
		},
	}
	if cfg.Username != "" {
		g.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}

	logger.Info("smtp gateway initialized", "host", cfg.Host, "port", cfg.Port, "ssl", cfg.UseSSL,
		"auth", g.auth != nil)
	return g, nil
}

func (g *SMTPGateway) Name() string {
	return "smtp"
}

func (g *SMTPGateway) Send(ctx context.Context, msg *Message) error {
	if msg == nil {
		return newTransportError(KindProtocolError, errors.New("message is required"))
	}
	recipients := msg.Recipients()
	if len(recipients) == 0 {
		return newTransportError(KindProtocolError, errors.New("at least one recipient is required"))
	}

	from := g.cfg.FromEmail
	if msg.From != "" {
		from = msg.From
	}
	data := g.buildMessage(msg, from)

	start := time.Now()
	err := g.deliver(ctx, from, recipients, data)
	result := "success"
	if err != nil {
		result = "failure"
	}
	prom.ObserveTransport(g.Name(), result, time.Since(start).Seconds())

	if err != nil {
		logger.Warn("smtp delivery failed", "message_id", msg.MessageID, "kind", KindOf(err).String(), "error", err)
		return err
	}
	logger.Debug("smtp delivery accepted", "message_id", msg.MessageID, "recipients", len(recipients))
	return nil
}

func (g *SMTPGateway) deliver(ctx context.Context, from string, recipients []string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return newTransportError(KindTimeout, err)
	}

	addr := net.JoinHostPort(g.cfg.Host, strconv.Itoa(g.cfg.Port))
	conn, err := g.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return g.classify(ctx, KindConnectionFailed, fmt.Errorf("dial %s: %w", addr, err))
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	implicit := g.cfg.UseSSL && g.cfg.Port == implicitTLSPort && g.tlsConfig != nil
	if implicit {
		tlsConn := tls.Client(conn, g.tlsConfig.Clone())
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return g.classify(ctx, KindConnectionFailed, fmt.Errorf("tls handshake: %w", err))
		}
		conn = tlsConn
	}

	client, err := smtp.NewClient(conn, g.cfg.Host)
	if err != nil {
		return g.classify(ctx, KindConnectionFailed, fmt.Errorf("greeting: %w", err))
	}
	defer client.Close()

	if err := client.Hello(g.cfg.HelloName); err != nil {
		return g.classify(ctx, KindProtocolError, fmt.Errorf("hello: %w", err))
	}

	if !implicit && g.tlsConfig != nil {
		ok, _ := client.Extension("STARTTLS")
		if ok {
			if err := client.StartTLS(g.tlsConfig.Clone()); err != nil {
				return g.classify(ctx, KindConnectionFailed, fmt.Errorf("starttls: %w", err))
			}
		} else if g.cfg.UseSSL {
			return newTransportError(KindProtocolError, errors.New("server does not offer STARTTLS"))
		}
	}

	if g.auth != nil {
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(g.auth); err != nil {
				return g.classify(ctx, KindAuthFailed, fmt.Errorf("auth: %w", err))
			}
		}
	}

	if err := client.Mail(from); err != nil {
		return g.classify(ctx, KindProtocolError, fmt.Errorf("mail from: %w", err))
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return g.classify(ctx, KindProtocolError, fmt.Errorf("rcpt to %s: %w", rcpt, err))
		}
	}

	w, err := client.Data()
	if err != nil {
		return g.classify(ctx, KindProtocolError, fmt.Errorf("data: %w", err))
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return g.classify(ctx, KindProtocolError, fmt.Errorf("data write: %w", err))
	}
	if err := w.Close(); err != nil {
		return g.classify(ctx, KindProtocolError, fmt.Errorf("data close: %w", err))
	}

	if err := client.Quit(); err != nil && !errors.Is(err, io.EOF) {
		logger.Debug("smtp quit failed", "error", err)
	}
	return nil
}

// classify maps a session error to a transport error. fallback is used when
// neither the context, the network nor the reply code says otherwise.
func (g *SMTPGateway) classify(ctx context.Context, fallback ErrorKind, err error) *TransportError {
	if ctx.Err() != nil {
		return newTransportError(KindTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newTransportError(KindTimeout, err)
	}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		switch tpErr.Code {
		case 530, 534, 535:
			return newTransportError(KindAuthFailed, err)
		}
		if fallback == KindAuthFailed {
			return newTransportError(KindAuthFailed, err)
		}
		return newTransportError(KindProtocolError, err)
	}
	return newTransportError(fallback, err)
}

func (g *SMTPGateway) buildMessage(msg *Message, from string) []byte {
	fromName := g.cfg.FromName
	if msg.FromName != "" {
		fromName = msg.FromName
	}

	headers := map[string]string{
		"From":                      (&mail.Address{Name: sanitizeHeader(fromName), Address: from}).String(),
		"To":                        strings.Join(msg.To, ", "),
		"Subject":                   mime.QEncoding.Encode("utf-8", sanitizeHeader(msg.Subject)),
		"Date":                      g.now().UTC().Format(time.RFC1123Z),
		"MIME-Version":              "1.0",
		"Content-Transfer-Encoding": "quoted-printable",
	}
	if len(msg.Cc) > 0 {
		headers["Cc"] = strings.Join(msg.Cc, ", ")
	}
	if msg.MessageID != "" {
		headers["Message-ID"] = "<" + sanitizeHeader(msg.MessageID) + "@" + domainOf(from) + ">"
	}
	if msg.IsHTML {
		headers["Content-Type"] = "text/html; charset=UTF-8"
	} else {
		headers["Content-Type"] = "text/plain; charset=UTF-8"
	}
	switch msg.Priority {
	case model.PriorityHigh:
		headers["X-Priority"] = "1"
		headers["Priority"] = "urgent"
		headers["Importance"] = "high"
	case model.PriorityLow:
		headers["X-Priority"] = "5"
		headers["Priority"] = "non-urgent"
		headers["Importance"] = "low"
	}

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		if headers[k] == "" {
			continue
		}
		buf.WriteString(k)
		buf.WriteString(": ")
		buf.WriteString(headers[k])
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")

	// bytes.Buffer writes cannot fail
	qp := quotedprintable.NewWriter(&buf)
	_, _ = qp.Write([]byte(normalizeBody(msg.Body)))
	_ = qp.Close()
	return buf.Bytes()
}

func normalizeBody(body string) string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\r", "\n")
	return strings.ReplaceAll(body, "\n", "\r\n")
}

// sanitizeHeader prevents header injection through CR or LF.
func sanitizeHeader(v string) string {
	v = strings.ReplaceAll(v, "\r", " ")
	v = strings.ReplaceAll(v, "\n", " ")
	return strings.TrimSpace(v)
}

func domainOf(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return "localhost"
}
