package handler

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/hypothesis/viahtml/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

const robotsTxt = "User-agent: *\nDisallow: /\n"

// StatusHandler serves the gateway's own endpoints: status, robots and the
// root redirect.
type StatusHandler struct {
	cfg     *config.Config
	version Version
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(cfg *config.Config, v Version) *StatusHandler {
	return &StatusHandler{cfg: cfg, version: v}
}

// Status returns a simple okay response for load balancer probes.
func (h *StatusHandler) Status(c echo.Context) error {
	c.Response().Header().Set("Cache-Control", "no-cache")
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "okay",
		"version": string(h.version),
	})
}

// Robots asks crawlers to stay away from every proxied page.
func (h *StatusHandler) Robots(c echo.Context) error {
	c.Response().Header().Set("Cache-Control", "public, max-age=1800")
	return c.String(http.StatusOK, robotsTxt)
}

// Root sends visitors of the bare gateway host to the routing host.
func (h *StatusHandler) Root(c echo.Context) error {
	c.Response().Header().Set("Cache-Control", "public, max-age=300, stale-while-revalidate=86400")
	return c.Redirect(http.StatusTemporaryRedirect, strings.TrimRight(h.cfg.Rewrite.RoutingHost, "/")+"/")
}
