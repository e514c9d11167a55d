package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	gateway "github.com/nimasrn/notifyhub-gateway/internal/gateways"
	"github.com/nimasrn/notifyhub-gateway/internal/model"
	"github.com/nimasrn/notifyhub-gateway/internal/repository"
	"github.com/nimasrn/notifyhub-gateway/pkg/logger"
	"github.com/nimasrn/notifyhub-gateway/pkg/prom"
)

var (
	ErrNotFound     = errors.New("email record not found")
	ErrAlreadyFinal = errors.New("email record is already sent or cancelled")
)

type DeliveryRepository interface {
	Create(ctx context.Context, rec *model.DeliveryRecord) (*model.DeliveryRecord, error)
	Get(ctx context.Context, id uuid.UUID) (*model.DeliveryRecord, error)
	MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, msg string) error
	BeginRetry(ctx context.Context, id uuid.UUID, now time.Time, maxAttempts int) error
	Cancel(ctx context.Context, id uuid.UUID, tenant string) error
	List(ctx context.Context, f model.HistoryFilter) ([]*model.DeliveryRecord, int64, error) // results, totalCount
	ListRetryable(ctx context.Context, maxAttempts int, olderThan time.Time, limit int) ([]*model.DeliveryRecord, error)
	DeleteFailedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Stats(ctx context.Context, tenant string, since *time.Time) (*model.StatusStats, error)
	Ping(ctx context.Context) error
}

type MailTransport interface {
	Send(ctx context.Context, msg *gateway.Message) error
	Name() string
}

type DeliveryConfig struct {
	SendTimeout      time.Duration
	MaxRetryAttempts int
	RetryDelay       time.Duration
	Limits           Limits
}

func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		SendTimeout:      30 * time.Second,
		MaxRetryAttempts: 3,
		RetryDelay:       5 * time.Minute,
		Limits:           DefaultLimits(),
	}
}

// SendMeta carries request scoped values of a send.
type SendMeta struct {
	RequestID      string
	IdempotencyKey string
}

type DeliveryService struct {
	repo      DeliveryRepository
	transport MailTransport
	validator *RequestValidator
	dedup     *Deduplicator
	config    DeliveryConfig
	now       func() time.Time
}

type Option func(*DeliveryService)

// WithDeduplicator enables Idempotency-Key handling.
func WithDeduplicator(d *Deduplicator) Option {
	return func(s *DeliveryService) {
		s.dedup = d
	}
}

func WithNow(now func() time.Time) Option {
	return func(s *DeliveryService) {
		if now != nil {
			s.now = now
		}
	}
}

func NewDeliveryService(repo DeliveryRepository, transport MailTransport, config DeliveryConfig, opts ...Option) *DeliveryService {
	def := DefaultDeliveryConfig()
	if config.SendTimeout <= 0 {
		config.SendTimeout = def.SendTimeout
	}
	if config.MaxRetryAttempts < 0 {
		config.MaxRetryAttempts = def.MaxRetryAttempts
	}
	if config.RetryDelay < 0 {
		config.RetryDelay = def.RetryDelay
	}

	s := &DeliveryService{
		repo:      repo,
		transport: transport,
		validator: NewRequestValidator(config.Limits),
		config:    config,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send validates, persists and delivers one email. A transport failure is not
// an error: the record is stored as Failed and the outcome carries its id.
func (s *DeliveryService) Send(ctx context.Context, req model.SendRequest, tenant string, meta SendMeta) (*model.SendOutcome, error) {
	req.To = trimAll(req.To)
	req.Cc = trimAll(req.Cc)
	req.Bcc = trimAll(req.Bcc)
	req.Category = strings.TrimSpace(req.Category)

	if err := s.validator.Validate(&req); err != nil {
		logger.Info("send request rejected", "tenant", tenant, "request_id", meta.RequestID, "error", err)
		return nil, err
	}

	dedup := s.dedup != nil && meta.IdempotencyKey != ""
	if dedup {
		prev, err := s.dedup.Claim(ctx, tenant, meta.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if prev != nil {
			return prev, nil
		}
	}

	rec, err := s.repo.Create(ctx, &model.DeliveryRecord{
		To:        req.To,
		Cc:        req.Cc,
		Bcc:       req.Bcc,
		Subject:   req.Subject,
		Body:      req.Body,
		IsHTML:    req.IsHTML,
		Priority:  req.Priority,
		Category:  req.Category,
		TenantID:  tenant,
		Status:    model.StatusPending,
		CreatedAt: s.now().UTC(),
		RequestID: meta.RequestID,
	})
	if err != nil {
		if dedup {
			s.dedup.Release(ctx, tenant, meta.IdempotencyKey)
		}
		return nil, fmt.Errorf("create email record: %w", err)
	}

	outcome := &model.SendOutcome{ID: rec.ID, RequestID: meta.RequestID}
	if sendErr := s.deliver(ctx, rec, "send"); sendErr != nil {
		outcome.Status = model.StatusFailed
		outcome.Message = "Email accepted but delivery failed, it will be retried"
		outcome.Error = sendErr.Error()
	} else {
		outcome.Status = model.StatusSent
		outcome.Message = "Email sent successfully"
	}

	if dedup {
		s.dedup.Complete(ctx, tenant, meta.IdempotencyKey, outcome)
	}
	return outcome, nil
}

// Retry makes one more delivery attempt for a failed record and reports
// whether it succeeded. Already sent records report true without sending.
func (s *DeliveryService) Retry(ctx context.Context, id uuid.UUID) (bool, error) {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return s.retry(ctx, rec)
}

// RetryOwned is Retry for API callers: records of other tenants do not exist.
func (s *DeliveryService) RetryOwned(ctx context.Context, id uuid.UUID, tenant string) (bool, error) {
	rec, err := s.Status(ctx, id, tenant)
	if err != nil {
		return false, err
	}
	return s.retry(ctx, rec)
}

func (s *DeliveryService) retry(ctx context.Context, rec *model.DeliveryRecord) (bool, error) {
	if rec.Status.IsTerminal() {
		// a record sent by an earlier attempt counts as delivered
		return rec.Status == model.StatusSent, nil
	}

	if err := s.repo.BeginRetry(ctx, rec.ID, s.now().UTC(), s.config.MaxRetryAttempts); err != nil {
		if errors.Is(err, repository.ErrConcurrentUpdate) {
			logger.Info("retry skipped, record not eligible or taken", "email_id", rec.ID, "status", rec.Status.String())
			return false, nil
		}
		return false, err
	}

	rec.RetryCount++
	logger.Info("retrying email", "email_id", rec.ID, "attempt", rec.RetryCount, "tenant", rec.TenantID)
	return s.deliver(ctx, rec, "retry") == nil, nil
}

// deliver calls the transport under the send timeout and persists the result.
func (s *DeliveryService) deliver(ctx context.Context, rec *model.DeliveryRecord, kind string) error {
	sendCtx, cancel := context.WithTimeout(ctx, s.config.SendTimeout)
	defer cancel()

	sendErr := s.transport.Send(sendCtx, &gateway.Message{
		MessageID: rec.ID.String(),
		To:        rec.To,
		Cc:        rec.Cc,
		Bcc:       rec.Bcc,
		Subject:   rec.Subject,
		Body:      rec.Body,
		IsHTML:    rec.IsHTML,
		Priority:  rec.Priority,
	})

	// The outcome is persisted even when the caller has gone away.
	storeCtx := context.WithoutCancel(ctx)
	if sendErr != nil {
		prom.IncDeliveryAttempt(kind, "failure")
		logger.Warn("email delivery failed", "email_id", rec.ID, "kind", kind, "transport", s.transport.Name(),
			"error_kind", gateway.KindOf(sendErr).String(), "error", sendErr)
		if err := s.repo.MarkFailed(storeCtx, rec.ID, sendErr.Error()); err != nil {
			logger.Error("failed to mark email failed", "email_id", rec.ID, "error", err)
		}
		return sendErr
	}

	prom.IncDeliveryAttempt(kind, "success")
	if err := s.repo.MarkSent(storeCtx, rec.ID, s.now().UTC()); err != nil {
		logger.Error("email sent but status update failed", "email_id", rec.ID, "error", err)
	}
	logger.Info("email sent", "email_id", rec.ID, "kind", kind, "category", rec.Category, "tenant", rec.TenantID)
	return nil
}

// Status returns a record owned by tenant.
func (s *DeliveryService) Status(ctx context.Context, id uuid.UUID, tenant string) (*model.DeliveryRecord, error) {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if rec.TenantID != tenant {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (s *DeliveryService) History(ctx context.Context, f model.HistoryFilter, tenant string) ([]*model.DeliveryRecord, int64, error) {
	f.TenantID = tenant
	f.Normalize()
	return s.repo.List(ctx, f)
}

func (s *DeliveryService) Cancel(ctx context.Context, id uuid.UUID, tenant string) error {
	err := s.repo.Cancel(ctx, id, tenant)
	switch {
	case err == nil:
		logger.Info("email cancelled", "email_id", id, "tenant", tenant)
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, repository.ErrTerminalState):
		return ErrAlreadyFinal
	default:
		return err
	}
}

func (s *DeliveryService) Stats(ctx context.Context, tenant string, since *time.Time) (*model.StatusStats, error) {
	stats, err := s.repo.Stats(ctx, tenant, since)
	if err != nil {
		return nil, err
	}
	stats.Generated = s.now().UTC()
	return stats, nil
}

// PendingRetries lists failed records that are due for another attempt.
func (s *DeliveryService) PendingRetries(ctx context.Context, limit int) ([]*model.DeliveryRecord, error) {
	return s.repo.ListRetryable(ctx, s.config.MaxRetryAttempts, s.now().UTC().Add(-s.config.RetryDelay), limit)
}

// CleanupExpired deletes failed records older than retention.
func (s *DeliveryService) CleanupExpired(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.now().UTC().Add(-retention)
	n, err := s.repo.DeleteFailedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	prom.AddSwept(n)
	if n > 0 {
		logger.Info("expired failed emails deleted", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

func (s *DeliveryService) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

func trimAll(list []string) []string {
	if len(list) == 0 {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		out = append(out, strings.TrimSpace(v))
	}
	return out
}
