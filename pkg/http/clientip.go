package xhttp

import (
	"net"
	"strings"
)

// ClientIP returns the first X-Forwarded-For hop when it parses as an IP address,
// otherwise the peer address of the connection. The header is caller controlled,
// only its format is checked.
func ClientIP(ctx *RequestCtx) string {
	if xff := ctx.Request.Header.Peek("X-Forwarded-For"); len(xff) > 0 {
		first := string(xff)
		if i := strings.IndexByte(first, ','); i >= 0 {
			first = first[:i]
		}
		first = strings.TrimSpace(first)
		if ip := net.ParseIP(first); ip != nil {
			return ip.String()
		}
	}
	return ctx.RemoteIP().String()
}
