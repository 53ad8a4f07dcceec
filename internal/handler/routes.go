package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hypothesis/viahtml/internal/config"
	"github.com/hypothesis/viahtml/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Every path
// not served by the gateway itself names a page to proxy.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, status *StatusHandler, admission *AdmissionHandler, proxy *ProxyHandler) {
	if cfg.Rewrite.RoutingHost != "" {
		e.GET("/", status.Root)
	}
	e.GET("/_status", status.Status)
	e.GET("/robots.txt", status.Robots)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	e.Any("/*", proxy.Handle, admission.Middleware)
}
