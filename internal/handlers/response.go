package handlers

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/nimasrn/notifyhub-gateway/internal/model"
	"github.com/nimasrn/notifyhub-gateway/internal/services"
	xhttp "github.com/nimasrn/notifyhub-gateway/pkg/http"
	"github.com/nimasrn/notifyhub-gateway/pkg/logger"
)

var now = time.Now

func readJSON(ctx *xhttp.RequestCtx, dst any) error {
	return json.Unmarshal(ctx.PostBody(), dst)
}

func writeJSON(ctx *xhttp.RequestCtx, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		logger.Error("failed to encode response", "error", err)
		ctx.Error(xhttp.StatusText(xhttp.StatusInternalServerError), xhttp.StatusInternalServerError)
		return
	}
	ctx.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	ctx.Response.SetStatusCode(status)
	ctx.Response.SetBodyRaw(b)
}

func writeSuccess(ctx *xhttp.RequestCtx, status int, message string, data any) {
	writeJSON(ctx, status, model.StandardApiResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		RequestID: xhttp.RequestID(ctx),
		Timestamp: now().UTC(),
	})
}

func writeError(ctx *xhttp.RequestCtx, status int, code model.ErrorCode, message string, details any) {
	writeJSON(ctx, status, model.StandardApiResponse{
		Success:   false,
		Message:   message,
		RequestID: xhttp.RequestID(ctx),
		Timestamp: now().UTC(),
		ErrorCode: &code,
		Details:   details,
	})
}

// WriteRejection renders refusals of the admission middlewares as envelopes.
func WriteRejection(ctx *xhttp.RequestCtx, status int, message string) {
	writeError(ctx, status, rejectionCode(status), message, nil)
}

func rejectionCode(status int) model.ErrorCode {
	switch status {
	case xhttp.StatusUnauthorized:
		return model.ErrorUnauthorized
	case xhttp.StatusForbidden:
		return model.ErrorUnauthorized
	case xhttp.StatusRequestEntityTooLarge:
		return model.ErrorEmailSizeExceeded
	case xhttp.StatusBadRequest, xhttp.StatusUnsupportedMediaType:
		return model.ErrorValidation
	case xhttp.StatusNotFound:
		return model.ErrorNotFound
	case xhttp.StatusTooManyRequests:
		return model.ErrorRateLimitExceeded
	case xhttp.StatusRequestTimeout, xhttp.StatusServiceUnavailable:
		return model.ErrorServiceUnavailable
	default:
		return model.ErrorServer
	}
}

// writeServiceError maps errors returned by the delivery service.
func writeServiceError(ctx *xhttp.RequestCtx, err error) {
	var verr *services.ValidationError
	switch {
	case errors.As(err, &verr):
		code := model.ErrorValidation
		if verr.InvalidAddress {
			code = model.ErrorInvalidEmailFormat
		}
		writeError(ctx, xhttp.StatusBadRequest, code, "Validation failed", verr.Fields)
	case errors.Is(err, services.ErrNotFound):
		writeError(ctx, xhttp.StatusNotFound, model.ErrorNotFound, "Email record not found", nil)
	case errors.Is(err, services.ErrAlreadyFinal):
		writeError(ctx, xhttp.StatusConflict, model.ErrorConflict, "Email is already sent or cancelled", nil)
	case errors.Is(err, services.ErrRequestInFlight):
		writeError(ctx, xhttp.StatusConflict, model.ErrorConflict, "A request with this idempotency key is in progress", nil)
	default:
		logger.Error("request failed", "path", string(ctx.Path()), "request_id", xhttp.RequestID(ctx), "error", err)
		writeError(ctx, xhttp.StatusInternalServerError, model.ErrorDatabase, "An internal error occurred", nil)
	}
}
