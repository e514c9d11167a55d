package xhttp

import "github.com/valyala/fasthttp"

const (
	StatusOK                    = fasthttp.StatusOK
	StatusAccepted              = fasthttp.StatusAccepted
	StatusBadRequest            = fasthttp.StatusBadRequest
	StatusUnauthorized          = fasthttp.StatusUnauthorized
	StatusForbidden             = fasthttp.StatusForbidden
	StatusNotFound              = fasthttp.StatusNotFound
	StatusRequestTimeout        = fasthttp.StatusRequestTimeout
	StatusConflict              = fasthttp.StatusConflict
	StatusTooManyRequests       = fasthttp.StatusTooManyRequests
	StatusRequestEntityTooLarge = fasthttp.StatusRequestEntityTooLarge
	StatusUnsupportedMediaType  = fasthttp.StatusUnsupportedMediaType
	StatusInternalServerError   = fasthttp.StatusInternalServerError
	StatusServiceUnavailable    = fasthttp.StatusServiceUnavailable
)

// StatusText returns the reason phrase for the status code.
func StatusText(code int) string {
	return fasthttp.StatusMessage(code)
}
