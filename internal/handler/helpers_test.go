package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hypothesis/viahtml/internal/checkmate"
	"github.com/hypothesis/viahtml/internal/client"
	"github.com/hypothesis/viahtml/internal/config"
	"github.com/hypothesis/viahtml/internal/gateway"
	"github.com/hypothesis/viahtml/internal/headers"
	"github.com/hypothesis/viahtml/internal/metrics"
	"github.com/hypothesis/viahtml/internal/rewrite"
	"github.com/hypothesis/viahtml/internal/trust"
)

type stubChecker struct {
	block *checkmate.BlockResponse
	err   error
	urls  []string
}

func (s *stubChecker) CheckURL(_ context.Context, rawURL string, _ checkmate.CheckOptions) (*checkmate.BlockResponse, error) {
	s.urls = append(s.urls, rawURL)
	return s.block, s.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(engineURL string) *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			BaseURL:         engineURL,
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
		Auth:    config.AuthConfig{Required: true},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// newTestServer builds the full route table in front of engineURL.
func newTestServer(t *testing.T, cfg *config.Config, checker checkmate.URLChecker) (*echo.Echo, *metrics.Metrics) {
	t.Helper()

	logger := testLogger()
	m := metrics.New()
	rules := headers.Default(headers.Options{
		CDNMinCacheSeconds:  1800,
		DefaultCacheControl: "no-store",
		AbusePolicyURL:      "https://example.org/abuse",
		ComplaintsURL:       "https://example.org/complaints",
	})
	gw := gateway.New(trust.NewEvaluator(cfg.Auth.AllowedReferrers, false), checker,
		gateway.Options{AuthRequired: cfg.Auth.Required}, logger, m)
	hooks := rewrite.NewHooks(nil, nil, time.Hour)

	proxy, err := NewProxyHandler(cfg, client.NewEngineTransport(cfg, logger, m), rules, hooks, logger, m)
	if err != nil {
		t.Fatalf("NewProxyHandler: %v", err)
	}

	e := echo.New()
	RegisterRoutes(e, cfg, m,
		NewStatusHandler(cfg, "test"),
		NewAdmissionHandler(cfg, gw, rules, logger),
		proxy,
	)
	return e, m
}

func serve(e *echo.Echo, method, target string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, http.NoBody)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

var sameOrigin = map[string]string{"Sec-Fetch-Site": "same-origin"}
