package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// Logging writes one record per request. Health probes are logged at debug.
func Logging(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		level := slog.LevelInfo
		if path == "/health" {
			level = slog.LevelDebug
		}
		if c.Writer.Status() >= 500 {
			level = slog.LevelError
		}

		attrs := []any{
			"component", "http",
			"request_id", c.GetString(RequestIDKey),
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start).String(),
			"client_ip", c.ClientIP(),
		}
		if raw := c.Request.URL.RawQuery; raw != "" {
			attrs = append(attrs, "query", raw)
		}
		if msg := c.Errors.ByType(gin.ErrorTypePrivate).String(); msg != "" {
			attrs = append(attrs, "error", msg)
		}

		logger.Log(c.Request.Context(), level, "HTTP request", attrs...)
	}
}
