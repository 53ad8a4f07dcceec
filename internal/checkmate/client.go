// Package checkmate is a client for the Checkmate URL reputation service.
package checkmate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hypothesis/viahtml/internal/config"
	"github.com/hypothesis/viahtml/internal/metrics"
	"github.com/hypothesis/viahtml/internal/traces"
)

var (
	// ErrServiceUnavailable covers every fault of the service itself. Callers
	// treat it as "not blocked".
	ErrServiceUnavailable = errors.New("checkmate service unavailable")
	// ErrMalformedResponse is returned for a 2xx body that fails validation.
	ErrMalformedResponse = fmt.Errorf("%w: malformed response", ErrServiceUnavailable)
	// ErrBadURL is returned for URLs that must never be proxied.
	ErrBadURL = errors.New("bad url")
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 64 * 1024

// CheckOptions are the per-request parameters of a check.
type CheckOptions struct {
	// AllowAll skips the service's positive allow-list.
	AllowAll bool
	// BlockedFor names the calling application so the block page can be tailored.
	BlockedFor string
	// IgnoreReasons are reason codes the service should disregard.
	IgnoreReasons []string
}

// URLChecker decides whether a URL should be blocked. It returns nil when the
// URL may be proxied.
type URLChecker interface {
	CheckURL(ctx context.Context, rawURL string, opts CheckOptions) (*BlockResponse, error)
}

// Client queries the Checkmate service.
type Client struct {
	host       string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// New creates a Client with a short fixed timeout. The metrics parameter is
// optional; pass nil to disable recording.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Client {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Checkmate.Timeout(),
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &Client{
		host:   strings.TrimRight(cfg.Checkmate.Host, "/"),
		apiKey: cfg.Checkmate.APIKey,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Checkmate.Timeout(),
		},
		logger:  logger.With("component", "checkmate_client"),
		metrics: m,
	}
}

// CheckURL asks the service whether rawURL should be blocked. It makes one
// attempt; any fault of the service is reported as ErrServiceUnavailable.
func (c *Client) CheckURL(ctx context.Context, rawURL string, opts CheckOptions) (*BlockResponse, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "checkmate.check_url",
		traces.TargetURL(rawURL),
		traces.AllowAll(opts.AllowAll),
		traces.BlockedFor(opts.BlockedFor),
	)
	defer span.End()

	start := time.Now()
	block, err := c.check(ctx, rawURL, opts)
	c.observe(start, block, err)

	if err != nil {
		traces.Fail(span, err, "")
		return nil, err
	}
	if block != nil {
		span.SetAttributes(traces.ReasonCodes(block.ReasonCodes))
	}
	return block, nil
}

func (c *Client) check(ctx context.Context, rawURL string, opts CheckOptions) (*BlockResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(rawURL, opts), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrServiceUnavailable, err)
	}
	req.SetBasicAuth(c.apiKey, "")
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("checking url", "url", rawURL, "allow_all", opts.AllowAll)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrServiceUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrServiceUnavailable, err)
	}
	return ParseBlockResponse(body)
}

func (c *Client) endpoint(rawURL string, opts CheckOptions) string {
	q := url.Values{"url": {rawURL}}
	if opts.AllowAll {
		q.Set("allow_all", "true")
	}
	if opts.BlockedFor != "" {
		q.Set("blocked_for", opts.BlockedFor)
	}
	if len(opts.IgnoreReasons) > 0 {
		q.Set("ignore_reasons", strings.Join(opts.IgnoreReasons, ","))
	}
	return c.host + "/api/check?" + q.Encode()
}

func (c *Client) observe(start time.Time, block *BlockResponse, err error) {
	if c.metrics == nil {
		return
	}
	result := "clear"
	switch {
	case errors.Is(err, ErrMalformedResponse):
		result = "malformed"
	case errors.Is(err, context.DeadlineExceeded), isTimeout(err):
		result = "timeout"
	case err != nil:
		result = "error"
	case block != nil:
		result = "blocked"
	}
	c.metrics.CheckmateDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Result labels an outcome of CheckURL for logs and metrics.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrBadURL):
		return "bad_url"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	case isTimeout(err):
		return "timeout"
	default:
		return "unavailable"
	}
}
