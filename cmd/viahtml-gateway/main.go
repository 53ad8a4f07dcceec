package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"golang.org/x/time/rate"

	"github.com/hypothesis/viahtml/internal/client"
	"github.com/hypothesis/viahtml/internal/config"
	"github.com/hypothesis/viahtml/internal/gateway"
	"github.com/hypothesis/viahtml/internal/handler"
	"github.com/hypothesis/viahtml/internal/headers"
	"github.com/hypothesis/viahtml/internal/metrics"
	"github.com/hypothesis/viahtml/internal/middleware"
	"github.com/hypothesis/viahtml/internal/rewrite"
	"github.com/hypothesis/viahtml/internal/token"
	"github.com/hypothesis/viahtml/internal/traces"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// A missing .env file is fine; real environment variables still apply.
	_ = godotenv.Load()

	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("viahtml-gateway"),
		kong.Description("Admission and content-safety gateway for the HTML proxy."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newEcho,
			newRuleSet,
			newHooks,
			gateway.NewURLChecker,
			gateway.NewFromConfig,
			client.NewEngineTransport,
			handler.NewStatusHandler,
			handler.NewAdmissionHandler,
			handler.NewProxyHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startTracing, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newRuleSet(cfg *config.Config) *headers.RuleSet {
	return headers.Default(headers.Options{
		CDNMinCacheSeconds:  cfg.Headers.CDNMinCacheSeconds,
		DefaultCacheControl: cfg.Headers.DefaultCacheControl,
		AbusePolicyURL:      cfg.Headers.AbusePolicyURL,
		ComplaintsURL:       cfg.Headers.ComplaintsURL,
	})
}

func newHooks(cfg *config.Config) *rewrite.Hooks {
	var signer *token.SignedURL
	if cfg.Auth.SignedTokens {
		signer = token.NewSignedURL(cfg.Auth.Secret)
	}
	return rewrite.NewHooks(cfg.Rewrite.IgnorePrefixes, signer, time.Duration(cfg.Auth.URLMaxAgeSeconds)*time.Second)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout is disabled (0) so that large proxied pages are not cut
	// off mid-stream. The engine transport bounds the wait for headers.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.MetricsMiddleware(m, cfg.Metrics.Path))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if cfg.Server.RateLimit.Enabled {
		store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
		e.Use(echomw.RateLimiter(store))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startTracing(lc fx.Lifecycle, cfg *config.Config, v handler.Version, logger *slog.Logger) {
	shutdown := func(context.Context) error { return nil }
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			fn, err := traces.Init(ctx, cfg.Tracing.OTLPEndpoint, string(v), logger)
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			shutdown = fn
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return shutdown(ctx)
		},
	})
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server",
				"addr", addr,
				"engine", cfg.Upstream.BaseURL,
				"auth_required", cfg.Auth.Required,
				"signed_tokens", cfg.Auth.SignedTokens,
			)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
