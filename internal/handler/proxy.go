package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/hypothesis/viahtml/internal/client"
	"github.com/hypothesis/viahtml/internal/config"
	"github.com/hypothesis/viahtml/internal/headers"
	"github.com/hypothesis/viahtml/internal/metrics"
	"github.com/hypothesis/viahtml/internal/model"
	"github.com/hypothesis/viahtml/internal/rewrite"
)

// errNoRequestContext means a response came back for a request that never
// passed admission.
var errNoRequestContext = errors.New("request context missing")

// ProxyHandler hands admitted requests to the rewriting engine and applies
// the gateway's response policy to what comes back.
type ProxyHandler struct {
	rules   *headers.RuleSet
	hooks   *rewrite.Hooks
	logger  *slog.Logger
	metrics *metrics.Metrics
	handle  echo.HandlerFunc
}

// NewProxyHandler creates a ProxyHandler forwarding to upstream.base_url.
// The metrics parameter is optional; pass nil to disable recording.
func NewProxyHandler(cfg *config.Config, transport *client.EngineTransport, rules *headers.RuleSet, hooks *rewrite.Hooks, logger *slog.Logger, m *metrics.Metrics) (*ProxyHandler, error) {
	target, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}

	h := &ProxyHandler{
		rules:   rules,
		hooks:   hooks,
		logger:  logger.With("component", "proxy_handler"),
		metrics: m,
	}

	proxy := echomw.ProxyWithConfig(echomw.ProxyConfig{
		Balancer:       echomw.NewRoundRobinBalancer([]*echomw.ProxyTarget{{Name: "engine", URL: target}}),
		Transport:      transport,
		ModifyResponse: h.modifyResponse,
		ErrorHandler:   h.mapError,
	})
	h.handle = proxy(func(echo.Context) error { return echo.ErrNotFound })

	return h, nil
}

// Handle proxies the request to the rewriting engine and streams the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	// Let the transport negotiate compression so HTML arrives decoded.
	c.Request().Header.Del("Accept-Encoding")
	return h.handle(c)
}

func (h *ProxyHandler) modifyResponse(resp *http.Response) error {
	rc, ok := model.FromContext(resp.Request.Context())
	if !ok {
		return errNoRequestContext
	}

	resp.Header = h.rules.FilterOutbound(resp.Header)

	if rewrite.IsRedirect(resp.StatusCode) {
		if location := resp.Header.Get("Location"); location != "" {
			if rewritten := h.hooks.ModifyRedirectLocation(rc, location); rewritten != location {
				resp.Header.Set("Location", rewritten)
				if h.metrics != nil {
					h.metrics.RedirectsRewritten.Inc()
				}
			}
		}
	}

	if rewrite.IsFilterable(resp.Header) {
		resp.Body = h.hooks.FilterBody(rc, resp.Body)
		resp.Header.Del("Content-Length")
		resp.ContentLength = -1
	}

	addHeaders(resp.Header, rc)
	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("engine error",
		"err", err,
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, errNoRequestContext) {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "request was not admitted",
		})
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "engine request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "engine request timed out",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "engine host unreachable",
		})
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "engine connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "engine request failed",
	})
}
