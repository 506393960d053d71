package middleware

import (
	"net/http"
	"time"

	"fleetdesk/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	requestIDHeader     = "X-Request-ID"
	requestIDContextKey = "request_id"
)

// RequestLogMiddleware assigns a request id (honoring an incoming
// X-Request-ID) and logs every request with it once the handler returns.
func RequestLogMiddleware(log *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDContextKey, id)
		c.Header(requestIDHeader, id)
		ctx := logger.WithRequestID(c.Request.Context(), id)
		if agentID := c.Param("id"); agentID != "" {
			ctx = logger.WithAgentID(ctx, agentID)
		}
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		status := c.Writer.Status()
		if status >= http.StatusInternalServerError && len(c.Errors) > 0 {
			log.LogError(c.Request.Context(), c.Errors.Last().Err, "request failed")
		}
		log.LogRequest(c.Request.Context(), c.Request.Method, path, status, time.Since(start).Milliseconds())
	}
}
