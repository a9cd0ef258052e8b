package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequestLoggerMiddleware attaches a request-scoped logger enriched with
// trace_id to gin.Context and request context. AuthMiddleware later adds
// the operator id to it.
func RequestLoggerMiddleware(base *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID, _ := c.Get("traceID")

		reqLogger := base.With("trace_id", traceID)
		setLogger(c, reqLogger)

		if s, ok := traceID.(string); ok && s != "" {
			c.Writer.Header().Set(HeaderRequestID, s)
		}

		c.Next()
	}
}

func setLogger(c *gin.Context, l *zap.SugaredLogger) {
	c.Set("logger", l)
	ctx := context.WithValue(c.Request.Context(), "logger", l)
	c.Request = c.Request.WithContext(ctx)
}
