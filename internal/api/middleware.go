package api

import (
	"time"

	"dashboard-stream/internal/logging"

	"github.com/gin-gonic/gin"
)

const traceHeader = "X-Trace-ID"

// requestLogger tags each request with a trace id and logs its completion
func requestLogger(base *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		traceID := c.GetHeader(traceHeader)
		if traceID == "" {
			traceID = logging.GenerateTraceID()
		}

		l := base.WithTraceID(traceID).WithFields(map[string]interface{}{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"remote_addr": c.ClientIP(),
		})
		c.Request = c.Request.WithContext(logging.NewContext(c.Request.Context(), l))
		c.Header(traceHeader, traceID)

		c.Next()

		l = l.WithDuration(time.Since(start)).WithField("status_code", c.Writer.Status())
		switch {
		case c.Writer.Status() >= 500:
			l.Error("request completed")
		case c.Request.URL.Path == "/health":
			l.Debug("request completed")
		default:
			l.Info("request completed")
		}
	}
}
