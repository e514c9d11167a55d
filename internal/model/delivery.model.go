package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Field limits of a delivery record.
const (
	MaxRecipients        = 100
	MaxSubjectLength     = 500
	MaxBodyLength        = 50000
	MaxCategoryLength    = 100
	MaxAddressListLength = 1000
	MaxErrorLength       = 2000
)

// DeliveryStatus is the lifecycle state of an email delivery record.
type DeliveryStatus int

const (
	StatusPending DeliveryStatus = iota
	StatusSent
	StatusFailed
	StatusRetrying
	StatusCancelled
)

var statusNames = []string{"Pending", "Sent", "Failed", "Retrying", "Cancelled"}

func (s DeliveryStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "Unknown(" + strconv.Itoa(int(s)) + ")"
	}
	return statusNames[s]
}

// IsTerminal reports whether no further transition is allowed.
func (s DeliveryStatus) IsTerminal() bool {
	return s == StatusSent || s == StatusCancelled
}

func (s DeliveryStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *DeliveryStatus) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := ParseDeliveryStatus(v)
		if err != nil {
			return err
		}
		*s = parsed
	case float64:
		parsed, err := ParseDeliveryStatus(strconv.Itoa(int(v)))
		if err != nil {
			return err
		}
		*s = parsed
	default:
		return fmt.Errorf("invalid status %s", string(b))
	}
	return nil
}

// ParseDeliveryStatus accepts a status name (case-insensitive) or its number.
func ParseDeliveryStatus(v string) (DeliveryStatus, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		if n < 0 || n >= len(statusNames) {
			return 0, fmt.Errorf("invalid status %q", v)
		}
		return DeliveryStatus(n), nil
	}
	for i, name := range statusNames {
		if strings.EqualFold(name, v) {
			return DeliveryStatus(i), nil
		}
	}
	return 0, fmt.Errorf("invalid status %q", v)
}

type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

var priorityNames = []string{"Low", "Normal", "High"}

func (p Priority) String() string {
	if p < 0 || int(p) >= len(priorityNames) {
		return "Unknown(" + strconv.Itoa(int(p)) + ")"
	}
	return priorityNames[p]
}

func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityHigh
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts both the numeric and the named form.
func (p *Priority) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*p = Priority(int(v))
	case string:
		for i, name := range priorityNames {
			if strings.EqualFold(name, v) {
				*p = Priority(i)
				return nil
			}
		}
		return fmt.Errorf("invalid priority %q", v)
	case nil:
		*p = PriorityNormal
	default:
		return fmt.Errorf("invalid priority %s", string(b))
	}
	return nil
}

// DeliveryRecord is the persisted audit trail of one send request.
type DeliveryRecord struct {
	ID           uuid.UUID      `json:"id"`
	To           []string       `json:"to"`
	Cc           []string       `json:"cc,omitempty"`
	Bcc          []string       `json:"bcc,omitempty"`
	Subject      string         `json:"subject"`
	Body         string         `json:"-"`
	IsHTML       bool           `json:"isHtml"`
	Priority     Priority       `json:"priority"`
	Category     string         `json:"category"`
	TenantID     string         `json:"-"`
	Status       DeliveryStatus `json:"status"`
	ErrorMessage *string        `json:"errorMessage,omitempty"`
	RetryCount   int            `json:"retryCount"`
	LastRetryAt  *time.Time     `json:"lastRetryAt,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	SentAt       *time.Time     `json:"sentAt,omitempty"`
	RequestID    string         `json:"requestId,omitempty"`
}

// SendRequest is the body of POST /api/email/send.
type SendRequest struct {
	To       []string `json:"to"       validate:"required,min=1,dive,mailaddr"`
	Cc       []string `json:"cc"       validate:"omitempty,dive,mailaddr"`
	Bcc      []string `json:"bcc"      validate:"omitempty,dive,mailaddr"`
	Subject  string   `json:"subject"  validate:"required,notblank,max=500"`
	Body     string   `json:"body"     validate:"required,notblank,max=50000"`
	Priority Priority `json:"priority" validate:"gte=0,lte=2"`
	Category string   `json:"category" validate:"required,notblank,max=100"`
	IsHTML   bool     `json:"isHtml"`
}

// Recipients returns the total number of addresses across To, Cc and Bcc.
func (r SendRequest) Recipients() int {
	return len(r.To) + len(r.Cc) + len(r.Bcc)
}

// SendOutcome is what a send or an idempotent replay returns to the caller.
type SendOutcome struct {
	ID        uuid.UUID      `json:"emailId"`
	Status    DeliveryStatus `json:"status"`
	RequestID string         `json:"requestId"`
	Message   string         `json:"message"`
	Error     string         `json:"error,omitempty"`
}

// HistoryFilter controls history queries. TenantID is always set by the service.
type HistoryFilter struct {
	TenantID string
	Category string
	Status   *DeliveryStatus
	From     *time.Time
	To       *time.Time
	Page     int // 1-indexed
	PageSize int
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Normalize applies the paging defaults and clamps the page size to [1, MaxPageSize].
func (f *HistoryFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	switch {
	case f.PageSize == 0:
		f.PageSize = DefaultPageSize
	case f.PageSize < 1:
		f.PageSize = 1
	case f.PageSize > MaxPageSize:
		f.PageSize = MaxPageSize
	}
}

func (f HistoryFilter) Offset() int {
	return (f.Page - 1) * f.PageSize
}

// StatusStats counts a tenant's records per status.
type StatusStats struct {
	Total     int64            `json:"total"`
	ByStatus  map[string]int64 `json:"byStatus"`
	Since     *time.Time       `json:"since,omitempty"`
	Generated time.Time        `json:"generatedAt"`
}
