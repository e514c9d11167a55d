package handlers

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/google/uuid"
	"github.com/nimasrn/notifyhub-gateway/internal/apikey"
	"github.com/nimasrn/notifyhub-gateway/internal/model"
	"github.com/nimasrn/notifyhub-gateway/internal/services"
	xhttp "github.com/nimasrn/notifyhub-gateway/pkg/http"
)

type DeliveryService interface {
	Send(ctx context.Context, req model.SendRequest, tenant string, meta services.SendMeta) (*model.SendOutcome, error)
	Status(ctx context.Context, id uuid.UUID, tenant string) (*model.DeliveryRecord, error)
	RetryOwned(ctx context.Context, id uuid.UUID, tenant string) (bool, error)
	Cancel(ctx context.Context, id uuid.UUID, tenant string) error
	History(ctx context.Context, f model.HistoryFilter, tenant string) ([]*model.DeliveryRecord, int64, error)
	Stats(ctx context.Context, tenant string, since *time.Time) (*model.StatusStats, error)
}

type DeliveryHandler struct {
	svc DeliveryService
}

func RegisterDeliveryRoutes(e *router.Group, h *DeliveryHandler) {
	e.POST("/send", h.Send)
	e.GET("/status/{id}", h.Status)
	e.POST("/retry/{id}", h.Retry)
	e.POST("/cancel/{id}", h.Cancel)
	e.GET("/history", h.History)
	e.GET("/stats", h.Stats)
}

func NewDeliveryHandler(svc DeliveryService) *DeliveryHandler {
	return &DeliveryHandler{svc: svc}
}

type retryResponse struct {
	Success bool `json:"success"`
}

/* --------------------------------- Routes ----------------------------------- */

func (h *DeliveryHandler) Send(ctx *xhttp.RequestCtx) {
	req := model.SendRequest{Priority: model.PriorityNormal}
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, xhttp.StatusBadRequest, model.ErrorValidation, "Invalid JSON: "+err.Error(), nil)
		return
	}

	key := strings.TrimSpace(string(ctx.Request.Header.Peek("Idempotency-Key")))
	if len(key) > services.MaxIdempotencyKeyLength {
		writeError(ctx, xhttp.StatusBadRequest, model.ErrorInvalidParameter,
			"Idempotency-Key must be at most "+strconv.Itoa(services.MaxIdempotencyKeyLength)+" characters", nil)
		return
	}

	out, err := h.svc.Send(ctx, req, apikey.Tenant(ctx), services.SendMeta{
		RequestID:      xhttp.RequestID(ctx),
		IdempotencyKey: key,
	})
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeSuccess(ctx, xhttp.StatusAccepted, out.Message, out)
}

func (h *DeliveryHandler) Status(ctx *xhttp.RequestCtx) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	rec, err := h.svc.Status(ctx, id, apikey.Tenant(ctx))
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeSuccess(ctx, xhttp.StatusOK, "Email status retrieved", rec)
}

func (h *DeliveryHandler) Retry(ctx *xhttp.RequestCtx) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	sent, err := h.svc.RetryOwned(ctx, id, apikey.Tenant(ctx))
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	msg := "Email retry failed"
	if sent {
		msg = "Email retry succeeded"
	}
	writeSuccess(ctx, xhttp.StatusOK, msg, retryResponse{Success: sent})
}

func (h *DeliveryHandler) Cancel(ctx *xhttp.RequestCtx) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	if err := h.svc.Cancel(ctx, id, apikey.Tenant(ctx)); err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeSuccess(ctx, xhttp.StatusOK, "Email cancelled", nil)
}

func (h *DeliveryHandler) History(ctx *xhttp.RequestCtx) {
	var f model.HistoryFilter

	f.Category = strings.TrimSpace(query(ctx, "category"))
	if v := query(ctx, "status"); v != "" {
		st, err := model.ParseDeliveryStatus(v)
		if err != nil {
			writeError(ctx, xhttp.StatusBadRequest, model.ErrorInvalidParameter, err.Error(), nil)
			return
		}
		f.Status = &st
	}
	if v := query(ctx, "from"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			writeError(ctx, xhttp.StatusBadRequest, model.ErrorInvalidParameter, "invalid from date", nil)
			return
		}
		f.From = &t
	}
	if v := query(ctx, "to"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			writeError(ctx, xhttp.StatusBadRequest, model.ErrorInvalidParameter, "invalid to date", nil)
			return
		}
		f.To = &t
	}
	if v := query(ctx, "page"); v != "" {
		if n, e := strconv.Atoi(v); e == nil {
			f.Page = n
		}
	}
	if v := query(ctx, "pageSize"); v != "" {
		if n, e := strconv.Atoi(v); e == nil {
			f.PageSize = n
		}
	}

	items, total, err := h.svc.History(ctx, f, apikey.Tenant(ctx))
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	f.Normalize()
	if items == nil {
		items = []*model.DeliveryRecord{}
	}
	writeSuccess(ctx, xhttp.StatusOK, "Email history retrieved", model.HistoryPage{
		Items:    items,
		Total:    total,
		Page:     f.Page,
		PageSize: f.PageSize,
	})
}

func (h *DeliveryHandler) Stats(ctx *xhttp.RequestCtx) {
	var since *time.Time
	if v := query(ctx, "since"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			writeError(ctx, xhttp.StatusBadRequest, model.ErrorInvalidParameter, "invalid since date", nil)
			return
		}
		since = &t
	}
	stats, err := h.svc.Stats(ctx, apikey.Tenant(ctx), since)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeSuccess(ctx, xhttp.StatusOK, "Email statistics retrieved", stats)
}

// pathID parses the {id} route parameter, writing a 400 when it is not a uuid.
func pathID(ctx *xhttp.RequestCtx) (uuid.UUID, bool) {
	raw, _ := ctx.UserValue("id").(string)
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(ctx, xhttp.StatusBadRequest, model.ErrorInvalidParameter, "invalid email id", nil)
		return uuid.Nil, false
	}
	return id, true
}

func query(ctx *xhttp.RequestCtx, key string) string {
	return string(ctx.QueryArgs().Peek(key))
}

func parseTime(s string) (time.Time, error) {
	// Accept RFC3339 or YYYY-MM-DD
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
