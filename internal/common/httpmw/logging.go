package httpmw

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/common/logger"
)

// RequestLogger logs each HTTP request once the handler returns. The gateway
// serves two kinds of traffic: plain endpoints like /health, and WebSocket
// upgrades that hijack the connection and answer 101. Upgrades get their own
// log line here; the connection lifetime itself is logged by the gateway.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	log = log.WithFields(zap.String("component", "http"))
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("remote_addr", c.ClientIP()),
			zap.Int("status", status),
			zap.Duration("elapsed", time.Since(start)),
		}
		switch {
		case status == http.StatusSwitchingProtocols:
			log.Debug("websocket upgrade", fields...)
		case status >= http.StatusInternalServerError:
			log.Error("request failed", fields...)
		default:
			log.Debug("request served", fields...)
		}
	}
}
