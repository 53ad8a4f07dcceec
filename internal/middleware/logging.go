// Package middleware provides Echo middleware for logging, metrics and security.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hypothesis/viahtml/internal/metrics"
	"github.com/hypothesis/viahtml/internal/model"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Proxied requests also carry the admission outcome and the target URL.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			attrs := []any{
				"method", req.Method,
				"path_prefix", metrics.NormalizePath(req.URL.Path),
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			}
			if outcome, ok := c.Get(model.OutcomeKey).(string); ok {
				attrs = append(attrs, "outcome", outcome)
			}
			if rc, ok := model.FromContext(req.Context()); ok && rc.ProxiedURL() != "" {
				attrs = append(attrs, "target", rc.ProxiedURL())
			}

			logger.Info("request", attrs...)

			return err
		}
	}
}
