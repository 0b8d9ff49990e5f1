package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/response"
)

// RequestLogger attaches a logger carrying the request ID to the request
// context and writes one access line per request. Streaming routes log on
// disconnect.
func RequestLogger(log zerolog.Logger) gin.HandlerFunc {
	base := log.With().Str("component", "http").Logger()
	return func(c *gin.Context) {
		start := time.Now()
		reqLog := base.With().Str("request_id", response.RequestID(c)).Logger()
		c.Request = c.Request.WithContext(reqLog.WithContext(c.Request.Context()))

		c.Next()

		status := c.Writer.Status()
		ev := reqLog.Info()
		switch {
		case status >= 500:
			ev = reqLog.Error()
		case status >= 400:
			ev = reqLog.Warn()
		}
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", c.Errors.String())
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("Request handled")
	}
}

// Logger returns the request-scoped logger, or a disabled logger when
// RequestLogger is not installed.
func Logger(c *gin.Context) *zerolog.Logger {
	return zerolog.Ctx(c.Request.Context())
}
