package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/nimasrn/notifyhub-gateway/internal/model"
)

// Transport hands a message to an outbound mail system. The deadline is
// carried by ctx.
type Transport interface {
	Send(ctx context.Context, msg *Message) error
	Name() string
}

var (
	_ Transport = (*SMTPGateway)(nil)
	_ Transport = (*RelayGateway)(nil)
)

type Message struct {
	MessageID string
	From      string
	FromName  string
	To        []string
	Cc        []string
	Bcc       []string
	Subject   string
	Body      string
	IsHTML    bool
	Priority  model.Priority
}

// Recipients returns every envelope recipient, duplicates removed, in
// To, Cc, Bcc order.
func (m *Message) Recipients() []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	for _, group := range [][]string{m.To, m.Cc, m.Bcc} {
		for _, addr := range group {
			if addr == "" {
				continue
			}
			if _, ok := seen[addr]; ok {
				continue
			}
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}

type ErrorKind int

const (
	KindConnectionFailed ErrorKind = iota + 1
	KindAuthFailed
	KindTimeout
	KindProtocolError
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnectionFailed:
		return "connection_failed"
	case KindAuthFailed:
		return "auth_failed"
	case KindTimeout:
		return "timeout"
	case KindProtocolError:
		return "protocol_error"
	default:
		return "unknown"
	}
}

// TransportError is returned by every Transport on failure.
type TransportError struct {
	Kind ErrorKind
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func newTransportError(kind ErrorKind, err error) *TransportError {
	return &TransportError{Kind: kind, Err: err}
}

// KindOf returns the kind of a transport failure, 0 when err is not one.
func KindOf(err error) ErrorKind {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind
	}
	return 0
}
