// Package model defines the request-scoped types shared by the gateway.
package model

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// ViaParamPrefix marks query parameters that belong to the gateway rather
// than to the proxied page.
const ViaParamPrefix = "via."

// proxyPathPattern matches the optional "proxy/" prefix and pywb-style
// rewrite modifiers such as "oe_/".
var proxyPathPattern = regexp.MustCompile(`^proxy/(?:[a-z]{2}_/)?`)

// Header is a single name/value pair queued for the response.
type Header struct {
	Name  string
	Value string
}

// RequestContext carries everything the gateway derives from one inbound request.
type RequestContext struct {
	// Header is the inbound request header set.
	Header http.Header
	// Query holds the inbound query parameters with lower-cased keys.
	Query url.Values
	// URL is the full inbound URL, including the gateway's own parameters.
	URL *url.URL
	// Host is the gateway's own host as seen by the client.
	Host string
	// Debug enables diagnostic response headers.
	Debug bool

	proxiedURL string
	headers    []Header
}

// NewRequestContext builds a RequestContext from an inbound request. The
// proxied target URL is derived here once and never changes afterwards.
func NewRequestContext(r *http.Request, scheme string, debug bool) *RequestContext {
	full := *r.URL
	full.Scheme = scheme
	full.Host = r.Host

	query := make(url.Values)
	for key, vals := range r.URL.Query() {
		lk := strings.ToLower(key)
		query[lk] = append(query[lk], vals...)
	}

	return &RequestContext{
		Header:     r.Header,
		Query:      query,
		URL:        &full,
		Host:       r.Host,
		Debug:      debug,
		proxiedURL: deriveProxiedURL(r.URL),
	}
}

// ProxiedURL returns the third-party URL being proxied with all via.*
// parameters removed, or "" when the request does not target a page.
func (rc *RequestContext) ProxiedURL() string {
	return rc.proxiedURL
}

// HeaderValue returns the first value of the named request header.
func (rc *RequestContext) HeaderValue(name string) string {
	return rc.Header.Get(name)
}

// QueryParam returns the first value of a query parameter, matched case-insensitively.
func (rc *RequestContext) QueryParam(name string) string {
	return rc.Query.Get(strings.ToLower(name))
}

// ViaParams returns the via.* parameters of the inbound request.
func (rc *RequestContext) ViaParams() url.Values {
	out := make(url.Values)
	for key, vals := range rc.URL.Query() {
		if strings.HasPrefix(strings.ToLower(key), ViaParamPrefix) {
			out[key] = vals
		}
	}
	return out
}

// AddHeader queues a header for the eventual response.
func (rc *RequestContext) AddHeader(name, value string) {
	rc.headers = append(rc.headers, Header{Name: name, Value: value})
}

// Headers returns a copy of the queued response headers in insertion order.
func (rc *RequestContext) Headers() []Header {
	out := make([]Header, len(rc.headers))
	copy(out, rc.headers)
	return out
}

// ExplicitTarget returns the proxied URL of a gateway URL whose path names
// its target with an http or https scheme, as in /proxy/https://example.com/.
func ExplicitTarget(u *url.URL) (string, bool) {
	path := proxyPathPattern.ReplaceAllString(strings.TrimPrefix(u.EscapedPath(), "/"), "")
	lower := strings.ToLower(path)
	if !strings.HasPrefix(lower, "http:/") && !strings.HasPrefix(lower, "https:/") {
		return "", false
	}
	return deriveProxiedURL(u), true
}

// deriveProxiedURL extracts the target from paths of the form /<url>,
// /proxy/<url> and /proxy/xx_/<url>.
func deriveProxiedURL(u *url.URL) string {
	path := strings.TrimPrefix(u.EscapedPath(), "/")
	if path == "" || strings.HasPrefix(path, "static/") {
		return ""
	}
	path = proxyPathPattern.ReplaceAllString(path, "")
	if path == "" {
		return ""
	}

	// Clients and proxies collapse "//" in paths, so "http:/example.com" is common.
	lower := strings.ToLower(path)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
	case strings.HasPrefix(lower, "http:/"):
		path = "http://" + path[len("http:/"):]
	case strings.HasPrefix(lower, "https:/"):
		path = "https://" + path[len("https:/"):]
	case strings.Contains(path, "://"):
		// Other schemes are passed through and rejected by the URL checker.
	default:
		path = "http://" + path
	}

	return StripViaParams(path, u.RawQuery)
}

// StripViaParams appends rawQuery to target after dropping via.* parameters.
// The original parameter order is kept.
func StripViaParams(target, rawQuery string) string {
	if rawQuery == "" {
		return target
	}

	var kept []string
	for _, part := range strings.Split(rawQuery, "&") {
		if part == "" {
			continue
		}
		key := part
		if i := strings.IndexByte(part, '='); i >= 0 {
			key = part[:i]
		}
		if unescaped, err := url.QueryUnescape(key); err == nil {
			key = unescaped
		}
		if strings.HasPrefix(strings.ToLower(key), ViaParamPrefix) {
			continue
		}
		kept = append(kept, part)
	}
	if len(kept) == 0 {
		return target
	}
	return target + "?" + strings.Join(kept, "&")
}

type contextKey struct{}

// WithRequestContext stores rc in ctx so it survives the handoff to the
// rewriting engine and is available when the response comes back.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rc)
}

// FromContext returns the RequestContext stored in ctx, if any.
func FromContext(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(contextKey{}).(*RequestContext)
	return rc, ok
}
