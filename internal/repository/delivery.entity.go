package repository

import (
	"strings"
	"time"

	"github.com/nimasrn/notifyhub-gateway/internal/model"
	"github.com/nimasrn/notifyhub-gateway/pkg/pg"
)

const (
	addressSeparator  = ";"
	maxErrorMessage   = 2000
	emailRecordsTable = "email_records"
)

type DeliveryEntity struct {
	pg.Model
	ToAddresses  string     `gorm:"column:to_addresses;size:1000;not null"`
	CcAddresses  *string    `gorm:"column:cc_addresses;size:1000"`
	BccAddresses *string    `gorm:"column:bcc_addresses;size:1000"`
	Subject      string     `gorm:"column:subject;size:500;not null"`
	Body         string     `gorm:"column:body;not null"`
	IsHTML       bool       `gorm:"column:is_html;not null;default:false"`
	Priority     int        `gorm:"column:priority;not null"`
	Category     string     `gorm:"column:category;size:100;not null;index"`
	TenantID     string     `gorm:"column:tenant_id;size:100;not null;index"`
	Status       int        `gorm:"column:status;not null;default:0;index;index:idx_email_records_status_retry,priority:1"`
	ErrorMessage *string    `gorm:"column:error_message;size:2000"`
	RetryCount   int        `gorm:"column:retry_count;not null;default:0;index:idx_email_records_status_retry,priority:2"`
	LastRetryAt  *time.Time `gorm:"column:last_retry_at"`
	SentAt       *time.Time `gorm:"column:sent_at"`
	RequestID    string     `gorm:"column:request_id;size:50"`
}

func (DeliveryEntity) TableName() string {
	return emailRecordsTable
}

func joinAddresses(addrs []string) string {
	return strings.Join(addrs, addressSeparator)
}

func joinOptional(addrs []string) *string {
	if len(addrs) == 0 {
		return nil
	}
	s := joinAddresses(addrs)
	return &s
}

func splitAddresses(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, addressSeparator)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitOptional(s *string) []string {
	if s == nil {
		return nil
	}
	return splitAddresses(*s)
}

// truncateError cuts msg to the column width in runes.
func truncateError(msg string) string {
	if r := []rune(msg); len(r) > maxErrorMessage {
		return string(r[:maxErrorMessage])
	}
	return msg
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func toDeliveryEntity(m *model.DeliveryRecord) *DeliveryEntity {
	if m == nil {
		return nil
	}
	e := &DeliveryEntity{
		ToAddresses:  joinAddresses(m.To),
		CcAddresses:  joinOptional(m.Cc),
		BccAddresses: joinOptional(m.Bcc),
		Subject:      m.Subject,
		Body:         m.Body,
		IsHTML:       m.IsHTML,
		Priority:     int(m.Priority),
		Category:     m.Category,
		TenantID:     m.TenantID,
		Status:       int(m.Status),
		RetryCount:   m.RetryCount,
		LastRetryAt:  utcPtr(m.LastRetryAt),
		SentAt:       utcPtr(m.SentAt),
		RequestID:    m.RequestID,
	}
	if m.ErrorMessage != nil {
		msg := truncateError(*m.ErrorMessage)
		e.ErrorMessage = &msg
	}
	e.ID = m.ID
	if !m.CreatedAt.IsZero() {
		e.CreatedAt = m.CreatedAt.UTC()
	}
	return e
}

func toDeliveryModel(e *DeliveryEntity) *model.DeliveryRecord {
	if e == nil {
		return nil
	}
	return &model.DeliveryRecord{
		ID:           e.ID,
		To:           splitAddresses(e.ToAddresses),
		Cc:           splitOptional(e.CcAddresses),
		Bcc:          splitOptional(e.BccAddresses),
		Subject:      e.Subject,
		Body:         e.Body,
		IsHTML:       e.IsHTML,
		Priority:     model.Priority(e.Priority),
		Category:     e.Category,
		TenantID:     e.TenantID,
		Status:       model.DeliveryStatus(e.Status),
		ErrorMessage: e.ErrorMessage,
		RetryCount:   e.RetryCount,
		LastRetryAt:  e.LastRetryAt,
		CreatedAt:    e.CreatedAt,
		SentAt:       e.SentAt,
		RequestID:    e.RequestID,
	}
}

func toDeliveryModels(entities []*DeliveryEntity) []*model.DeliveryRecord {
	if entities == nil {
		return nil
	}
	models := make([]*model.DeliveryRecord, len(entities))
	for i, e := range entities {
		models[i] = toDeliveryModel(e)
	}
	return models
}
