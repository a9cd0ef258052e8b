package middleware

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/fatflowers/chanseller/pkg/tool"
)

const (
	HeaderRequestID = "X-Request-ID"

	maxTraceIDLen = 128
)

// TraceMiddleware stores a trace id under "traceID" on both the gin and the
// request context. A caller-supplied X-Request-ID is kept when it is usable,
// so gateway retries and bot calls can be followed across services.
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(HeaderRequestID)
		if !usableTraceID(traceID) {
			traceID = tool.GenerateUUIDV7()
		}

		c.Set("traceID", traceID)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), "traceID", traceID))
		c.Next()
	}
}

// usableTraceID rejects empty, oversized and non-printable ids; they end up
// in log lines and response headers.
func usableTraceID(id string) bool {
	if id == "" || len(id) > maxTraceIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
