package handler

import (
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/hypothesis/viahtml/internal/config"
	"github.com/hypothesis/viahtml/internal/gateway"
	"github.com/hypothesis/viahtml/internal/headers"
	"github.com/hypothesis/viahtml/internal/model"
)

const htmlContentType = "text/html; charset=utf-8"

const unauthorizedPage = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<link rel="icon" href="data:,">
<title>401 Unauthorized</title>
</head>
<body>
<h1>401 Unauthorized</h1>
<p>This page cannot be proxied from here.</p>
</body>
</html>
`

// AdmissionHandler runs every proxied request through the gateway before
// the rewriting engine sees it.
type AdmissionHandler struct {
	gateway *gateway.Gateway
	rules   *headers.RuleSet
	debug   bool
	logger  *slog.Logger
}

// NewAdmissionHandler creates an AdmissionHandler.
func NewAdmissionHandler(cfg *config.Config, gw *gateway.Gateway, rules *headers.RuleSet, logger *slog.Logger) *AdmissionHandler {
	return &AdmissionHandler{
		gateway: gw,
		rules:   rules,
		debug:   cfg.Debug,
		logger:  logger.With("component", "admission"),
	}
}

// Middleware answers denied, blocked and bad requests itself and passes
// admitted ones on with sanitised headers and the request context attached.
func (h *AdmissionHandler) Middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		rc := model.NewRequestContext(req, c.Scheme(), h.debug)

		d := h.gateway.Evaluate(req.Context(), rc, req)
		c.Set(model.OutcomeKey, d.Outcome.String())

		switch d.Outcome {
		case model.OutcomeDenied:
			return c.Blob(http.StatusUnauthorized, htmlContentType, []byte(unauthorizedPage))

		case model.OutcomeBadURL:
			body := fmt.Sprintf("<p>Bad URL: %s</p>\n", html.EscapeString(d.Err.Error()))
			return c.Blob(http.StatusBadRequest, htmlContentType, []byte(body))

		case model.OutcomeBlocked:
			addHeaders(c.Response().Header(), rc)
			return c.Redirect(http.StatusTemporaryRedirect, d.Block.PresentationURL)
		}

		admitted := req.Clone(model.WithRequestContext(req.Context(), rc))
		admitted.Header = h.rules.FilterInbound(req.Header)
		admitted.URL.RawQuery = strings.TrimPrefix(model.StripViaParams("", req.URL.RawQuery), "?")
		admitted.RequestURI = ""
		c.SetRequest(admitted)

		return next(c)
	}
}

func addHeaders(dst http.Header, rc *model.RequestContext) {
	for _, hd := range rc.Headers() {
		dst.Add(hd.Name, hd.Value)
	}
}
