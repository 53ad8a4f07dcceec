// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/viahtml/config.toml",
	"configs/config.toml",
}

// placeholderSecret is the value shipped in the example config.
const placeholderSecret = "CHANGE_ME"

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config           string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host             string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port             int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Secret           string `kong:"help='Token signing secret (overrides config).',env='VIA_SECRET'"`
	CheckmateURL     string `kong:"name='checkmate-url',help='Checkmate service URL (overrides config).',env='CHECKMATE_URL'"`
	CheckmateAPIKey  string `kong:"name='checkmate-api-key',help='Checkmate API key (overrides config).',env='CHECKMATE_API_KEY'"`
	AllowedReferrers string `kong:"help='Comma separated referrer hosts (overrides config).',env='VIA_ALLOWED_REFERRERS'"`
	DisableAuth      bool   `kong:"help='Do not require authentication (overrides config).',env='VIA_DISABLE_AUTHENTICATION'"`
	LogLevel         string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Debug            bool   `kong:"help='Emit authorization reasons in response headers.',env='VIA_DEBUG'"`
	OTLPEndpoint     string `kong:"name='otlp-endpoint',help='OTLP gRPC endpoint for traces.',env='OTEL_EXPORTER_OTLP_ENDPOINT'"`
}

// Config is the top-level application configuration.
type Config struct {
	Debug     bool            `toml:"debug"`
	Server    ServerConfig    `toml:"server"`
	Upstream  UpstreamConfig  `toml:"upstream"`
	Auth      AuthConfig      `toml:"auth"`
	Checkmate CheckmateConfig `toml:"checkmate"`
	Blocklist BlocklistConfig `toml:"blocklist"`
	Headers   HeadersConfig   `toml:"headers"`
	Rewrite   RewriteConfig   `toml:"rewrite"`
	Log       LogConfig       `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Tracing   TracingConfig   `toml:"tracing"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (9085); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig points at the rewriting engine admitted requests are handed to.
type UpstreamConfig struct {
	BaseURL         string `toml:"base_url"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections"`
}

// AuthConfig holds the admission policy knobs.
type AuthConfig struct {
	Required         bool     `toml:"required"`
	Secret           string   `toml:"secret"`
	AllowedReferrers []string `toml:"allowed_referrers"`
	// AllowAll is the default for bypassing Checkmate's allow-list. Same-origin
	// traffic always bypasses it regardless of this value.
	AllowAll            bool `toml:"allow_all"`
	SignedTokens        bool `toml:"signed_tokens"`
	CookieMaxAgeSeconds int  `toml:"cookie_max_age_seconds"`
	URLMaxAgeSeconds    int  `toml:"url_max_age_seconds"`
}

// CheckmateConfig holds the URL reputation service settings.
type CheckmateConfig struct {
	Host          string   `toml:"host"`
	APIKey        string   `toml:"api_key"`
	IgnoreReasons []string `toml:"ignore_reasons"`
	TimeoutMillis int      `toml:"timeout_ms"`
}

// BlocklistConfig configures the local file blocklist used when no Checkmate host is set.
type BlocklistConfig struct {
	Path         string `toml:"path"`
	BlockPageURL string `toml:"block_page_url"`
}

// HeadersConfig holds outbound header policy.
type HeadersConfig struct {
	CDNMinCacheSeconds  int    `toml:"cdn_min_cache_seconds"`
	DefaultCacheControl string `toml:"default_cache_control"`
	AbusePolicyURL      string `toml:"abuse_policy_url"`
	ComplaintsURL       string `toml:"complaints_url"`
}

// RewriteConfig holds settings shared with the rewriting engine.
type RewriteConfig struct {
	IgnorePrefixes []string `toml:"ignore_prefixes"`
	RoutingHost    string   `toml:"routing_host"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// TracingConfig holds OpenTelemetry settings. An empty endpoint disables export.
type TracingConfig struct {
	OTLPEndpoint string `toml:"otlp_endpoint"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/viahtml/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	// Authentication is on unless the file says otherwise.
	cfg := Config{Auth: AuthConfig{Required: true}}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Secret != "" {
		c.Auth.Secret = cli.Secret
	}
	if cli.CheckmateURL != "" {
		c.Checkmate.Host = cli.CheckmateURL
	}
	if cli.CheckmateAPIKey != "" {
		c.Checkmate.APIKey = cli.CheckmateAPIKey
	}
	if cli.AllowedReferrers != "" {
		c.Auth.AllowedReferrers = SplitList(cli.AllowedReferrers)
	}
	if cli.DisableAuth {
		c.Auth.Required = false
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.Debug {
		c.Debug = true
	}
	if cli.OTLPEndpoint != "" {
		c.Tracing.OTLPEndpoint = cli.OTLPEndpoint
	}
}

func (c *Config) validate() error {
	if c.Auth.Secret == placeholderSecret {
		return fmt.Errorf("auth.secret contains placeholder value; set a real secret")
	}
	if c.Auth.SignedTokens && c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is required when auth.signed_tokens is enabled")
	}

	// The rewriting engine is required; it is usually a sidecar so plain HTTP is allowed.
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if err := validateHTTPURL("upstream.base_url", c.Upstream.BaseURL); err != nil {
		return err
	}
	if c.Checkmate.Host != "" {
		if err := validateHTTPURL("checkmate.host", c.Checkmate.Host); err != nil {
			return err
		}
	}
	if c.Rewrite.RoutingHost != "" {
		if err := validateHTTPURL("rewrite.routing_host", c.Rewrite.RoutingHost); err != nil {
			return err
		}
	}
	if c.Blocklist.Path != "" && c.Blocklist.BlockPageURL == "" {
		return fmt.Errorf("blocklist.block_page_url is required when blocklist.path is set")
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Checkmate.TimeoutMillis < 0 {
		return fmt.Errorf("checkmate.timeout_ms must be non-negative; got %d", c.Checkmate.TimeoutMillis)
	}
	if c.Headers.CDNMinCacheSeconds < 0 {
		return fmt.Errorf("headers.cdn_min_cache_seconds must be non-negative; got %d", c.Headers.CDNMinCacheSeconds)
	}
	if c.Auth.CookieMaxAgeSeconds < 0 || c.Auth.URLMaxAgeSeconds < 0 {
		return fmt.Errorf("auth max age values must be non-negative")
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled). Everything
	// else under / is a proxied URL, so only the fixed routes are reserved.
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/", "/_status", "/robots.txt", "/static"} {
			if p == reserved || (reserved != "/" && strings.HasPrefix(p, reserved+"/")) {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func validateHTTPURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https; got %q", field, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must include a host; got %q", field, raw)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 9085
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 60
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Auth.CookieMaxAgeSeconds == 0 {
		// Must outlive any edge cache TTL so a cached response never
		// strands a session.
		c.Auth.CookieMaxAgeSeconds = 24 * 60 * 60
	}
	if c.Auth.URLMaxAgeSeconds == 0 {
		c.Auth.URLMaxAgeSeconds = 60 * 60
	}
	if c.Checkmate.TimeoutMillis == 0 {
		c.Checkmate.TimeoutMillis = 1000
	}
	if c.Headers.CDNMinCacheSeconds == 0 {
		c.Headers.CDNMinCacheSeconds = 1800
	}
	if c.Headers.DefaultCacheControl == "" {
		c.Headers.DefaultCacheControl = "no-store"
	}
	if c.Headers.AbusePolicyURL == "" {
		c.Headers.AbusePolicyURL = "https://web.hypothes.is/abuse-policy/"
	}
	if c.Headers.ComplaintsURL == "" {
		c.Headers.ComplaintsURL = "https://web.hypothes.is/report-abuse/"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Timeout returns the Checkmate request timeout.
func (c *CheckmateConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMillis) * time.Millisecond
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// SplitList splits a comma separated value, dropping empty parts.
func SplitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
// The file usually holds the signing secret and the Checkmate API key.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
