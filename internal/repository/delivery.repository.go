package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/notifyhub-gateway/internal/model"
	"github.com/nimasrn/notifyhub-gateway/pkg/pg"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a delivery record does not exist.
	ErrNotFound = errors.New("delivery record not found")
	// ErrConcurrentUpdate is returned when a conditional update matched no row.
	ErrConcurrentUpdate = errors.New("delivery record changed concurrently")
	ErrTerminalState    = errors.New("delivery record is in a terminal state")
)

type DeliveryRepository struct {
	*pg.DB
}

func NewDeliveryRepository(db *pg.DB) *DeliveryRepository {
	return &DeliveryRepository{
		db,
	}
}

func (r *DeliveryRepository) Create(ctx context.Context, rec *model.DeliveryRecord) (*model.DeliveryRecord, error) {
	entity := toDeliveryEntity(rec)
	if entity.ID == uuid.Nil {
		entity.ID = uuid.New()
	}
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = time.Now().UTC()
	}

	if err := r.Write(ctx).Create(entity).Error; err != nil {
		return nil, err
	}

	return toDeliveryModel(entity), nil
}

func (r *DeliveryRepository) Get(ctx context.Context, id uuid.UUID) (*model.DeliveryRecord, error) {
	var entity DeliveryEntity
	err := r.Read(ctx).Where("id = ?", id).First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return toDeliveryModel(&entity), nil
}

// MarkSent records the first successful delivery. A record that already has
// SentAt, or was cancelled meanwhile, is left untouched.
func (r *DeliveryRepository) MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error {
	res := r.Write(ctx).Model(&DeliveryEntity{}).
		Where("id = ? AND sent_at IS NULL AND status <> ?", id, int(model.StatusCancelled)).
		Updates(map[string]any{
			"status":        int(model.StatusSent),
			"sent_at":       sentAt.UTC(),
			"error_message": nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConcurrentUpdate
	}
	return nil
}

func (r *DeliveryRepository) MarkFailed(ctx context.Context, id uuid.UUID, msg string) error {
	res := r.Write(ctx).Model(&DeliveryEntity{}).
		Where("id = ? AND status NOT IN ?", id, []int{int(model.StatusSent), int(model.StatusCancelled)}).
		Updates(map[string]any{
			"status":        int(model.StatusFailed),
			"error_message": truncateError(msg),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConcurrentUpdate
	}
	return nil
}

// BeginRetry moves a Failed record to Retrying in one conditional statement,
// so of two concurrent callers at most one proceeds.
func (r *DeliveryRepository) BeginRetry(ctx context.Context, id uuid.UUID, now time.Time, maxAttempts int) error {
	res := r.Write(ctx).Model(&DeliveryEntity{}).
		Where("id = ? AND status = ? AND retry_count < ?", id, int(model.StatusFailed), maxAttempts).
		Updates(map[string]any{
			"status":        int(model.StatusRetrying),
			"retry_count":   gorm.Expr("retry_count + ?", 1),
			"last_retry_at": now.UTC(),
			"error_message": nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConcurrentUpdate
	}
	return nil
}

// Cancel moves a non-terminal record owned by tenant to Cancelled.
func (r *DeliveryRepository) Cancel(ctx context.Context, id uuid.UUID, tenant string) error {
	res := r.Write(ctx).Model(&DeliveryEntity{}).
		Where("id = ? AND tenant_id = ? AND status IN ?", id, tenant,
			[]int{int(model.StatusPending), int(model.StatusFailed), int(model.StatusRetrying)}).
		Update("status", int(model.StatusCancelled))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	rec, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.TenantID != tenant {
		return ErrNotFound
	}
	return ErrTerminalState
}

func (r *DeliveryRepository) List(ctx context.Context, f model.HistoryFilter) ([]*model.DeliveryRecord, int64, error) {
	f.Normalize()
	q := r.Read(ctx).Model(&DeliveryEntity{}).Where("tenant_id = ?", f.TenantID)

	if f.Category != "" {
		q = q.Where("category = ?", f.Category)
	}
	if f.Status != nil {
		q = q.Where("status = ?", int(*f.Status))
	}
	if f.From != nil {
		q = q.Where("created_at >= ?", f.From.UTC())
	}
	if f.To != nil {
		q = q.Where("created_at <= ?", f.To.UTC())
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var entities []*DeliveryEntity
	if err := q.Order("created_at DESC").Limit(f.PageSize).Offset(f.Offset()).Find(&entities).Error; err != nil {
		return nil, 0, err
	}

	return toDeliveryModels(entities), total, nil
}

// ListRetryable returns Failed records with attempts left whose last retry is
// not newer than olderThan, oldest first.
func (r *DeliveryRepository) ListRetryable(ctx context.Context, maxAttempts int, olderThan time.Time, limit int) ([]*model.DeliveryRecord, error) {
	var entities []*DeliveryEntity
	err := r.Read(ctx).
		Where("status = ? AND retry_count < ?", int(model.StatusFailed), maxAttempts).
		Where("(last_retry_at IS NULL OR last_retry_at <= ?)", olderThan.UTC()).
		Order("created_at ASC").
		Limit(limit).
		Find(&entities).Error
	if err != nil {
		return nil, err
	}
	return toDeliveryModels(entities), nil
}

// DeleteFailedBefore removes Failed records created before cutoff.
func (r *DeliveryRepository) DeleteFailedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.Write(ctx).
		Where("status = ? AND created_at < ?", int(model.StatusFailed), cutoff.UTC()).
		Delete(&DeliveryEntity{})
	return res.RowsAffected, res.Error
}

type statusCount struct {
	Status int
	Count  int64
}

func (r *DeliveryRepository) Stats(ctx context.Context, tenant string, since *time.Time) (*model.StatusStats, error) {
	q := r.Read(ctx).Model(&DeliveryEntity{}).Where("tenant_id = ?", tenant)
	if since != nil {
		q = q.Where("created_at >= ?", since.UTC())
	}

	var rows []statusCount
	if err := q.Select("status, COUNT(*) AS count").Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}

	stats := &model.StatusStats{
		ByStatus:  make(map[string]int64, 5),
		Since:     since,
		Generated: time.Now().UTC(),
	}
	for s := model.StatusPending; s <= model.StatusCancelled; s++ {
		stats.ByStatus[s.String()] = 0
	}
	for _, row := range rows {
		stats.ByStatus[model.DeliveryStatus(row.Status).String()] = row.Count
		stats.Total += row.Count
	}
	return stats, nil
}
