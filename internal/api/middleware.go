// Package api exposes the diagnostics HTTP surface: read-only group/health
// status endpoints, plus a debug-only state-override endpoint registered
// only when Options.DebugAPI is set. Grounded on cmd/zmux-server/main.go's gin
// wiring — the ZapLogger middleware, the CORS dev gate, gin.Recovery as
// the outermost middleware — reused near-verbatim since request logging
// and panic recovery are domain-agnostic concerns.
package api

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ZapLogger logs every request through log, mirroring
// cmd/zmux-server/main.go's middleware exactly (route, status, latency,
// client IP, joined per-request errors).
func ZapLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		var errs []error
		for _, ge := range c.Errors {
			if ge.Err != nil {
				errs = append(errs, ge.Err)
			}
		}
		joinedErr := errors.Join(errs...)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.String("client_ip", c.ClientIP()),
			zap.Duration("latency", latency),
		}
		if joinedErr != nil {
			fields = append(fields, zap.Error(joinedErr))
		}

		switch {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}
