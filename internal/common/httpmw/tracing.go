package httpmw

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/agentgate/agentgate/internal/common/tracing"
)

// Tracing wraps each request in an OTel span named after the route. A no-op
// when no OTEL_EXPORTER_OTLP_ENDPOINT is configured. For WebSocket upgrades
// the span covers the whole hijacked connection, not just the handshake.
func Tracing(service string) gin.HandlerFunc {
	tracer := tracing.Tracer(service)

	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		ctx, span := tracer.Start(c.Request.Context(), fmt.Sprintf("%s %s", c.Request.Method, path))
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(
			semconv.HTTPRequestMethodKey.String(c.Request.Method),
			semconv.HTTPRouteKey.String(path),
			semconv.HTTPResponseStatusCodeKey.Int(status),
			semconv.ClientAddressKey.String(c.ClientIP()),
		)
		if status == http.StatusSwitchingProtocols {
			span.SetAttributes(attribute.Bool("websocket.upgraded", true))
		}
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
		}
	}
}
