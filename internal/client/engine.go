// Package client provides the HTTP transport to the rewriting engine.
package client

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/hypothesis/viahtml/internal/config"
	"github.com/hypothesis/viahtml/internal/metrics"
)

// EngineTransport carries admitted requests to the rewriting engine and
// records how it answered.
type EngineTransport struct {
	base    http.RoundTripper
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewEngineTransport creates an EngineTransport with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable engine metrics recording.
func NewEngineTransport(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *EngineTransport {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		// The engine fetches the third-party page before it answers, so the
		// whole budget goes to the response headers. Bodies stream afterwards.
		ResponseHeaderTimeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
	}

	return &EngineTransport{
		base:    transport,
		logger:  logger.With("component", "engine_client"),
		metrics: m,
	}
}

// RoundTrip implements http.RoundTripper.
// The caller is responsible for closing the response body.
func (t *EngineTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.logger.Debug("engine request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := t.base.RoundTrip(req) //nolint:bodyclose // body ownership transfers to caller
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if t.metrics != nil {
			t.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("engine request: %w", err)
	}

	if t.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		t.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		t.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return resp, nil
}
