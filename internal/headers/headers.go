// Package headers filters the headers the gateway accepts and emits.
package headers

import (
	"net/http"
	"strconv"
	"strings"
)

const (
	// ArchivePrefix is the namespace the rewriting engine uses for its own
	// diagnostic headers, including copies of the original response headers.
	ArchivePrefix = "X-Archive-"
	// ArchivedCacheControl carries the third-party Cache-Control value.
	ArchivedCacheControl = "X-Archive-Orig-Cache-Control"

	// ReferrerPolicy is forced on every response so browsers keep sending
	// the Referer header the trust evaluator depends on.
	ReferrerPolicy = "no-referrer-when-downgrade"
	// RobotsTag keeps proxied pages out of search indexes.
	RobotsTag = "noindex, nofollow"
)

// blockedBoth are stripped in both directions.
var blockedBoth = []string{
	// h CSRF token
	"X-Csrf-Token",
}

// DefaultInbound lists edge-injected request headers. Passing them on makes the
// downstream edge network reject the request as forged.
var DefaultInbound = append([]string{
	"Cdn-Loop",
	"Cf-Connecting-Ip",
	"Cf-Ipcountry",
	"Cf-Ray",
	"Cf-Request-Id",
	"Cf-Visitor",
	"X-Amzn-Trace-Id",
}, blockedBoth...)

// DefaultOutbound lists response headers replaced or dropped by the gateway.
var DefaultOutbound = append([]string{
	// Would block the embedded annotation client.
	"Content-Security-Policy",
	// Archival headers from the rewriting engine.
	"Memento-Datetime",
	"Link",
	// Third-party pages must not suppress the Referer header.
	"Referrer-Policy",
	// Replaced by the gateway's own caching policy.
	"Cache-Control",
	"Vary",
}, blockedBoth...)

// Options configures the header emitted by FilterOutbound.
type Options struct {
	// CDNMinCacheSeconds is the shortest TTL the shared edge cache honours.
	CDNMinCacheSeconds int
	// DefaultCacheControl is emitted when no archived Cache-Control exists.
	DefaultCacheControl string
	AbusePolicyURL      string
	ComplaintsURL       string
}

// RuleSet is the immutable header policy built once at startup.
type RuleSet struct {
	inbound  map[string]bool
	outbound map[string]bool
	opts     Options
}

// NewRuleSet builds a RuleSet from header name lists. Names are matched case-insensitively.
func NewRuleSet(inbound, outbound []string, opts Options) *RuleSet {
	rs := &RuleSet{
		inbound:  make(map[string]bool, len(inbound)),
		outbound: make(map[string]bool, len(outbound)),
		opts:     opts,
	}
	for _, h := range inbound {
		rs.inbound[strings.ToLower(h)] = true
	}
	for _, h := range outbound {
		rs.outbound[strings.ToLower(h)] = true
	}
	return rs
}

// Default returns the RuleSet with the standard inbound and outbound lists.
func Default(opts Options) *RuleSet {
	return NewRuleSet(DefaultInbound, DefaultOutbound, opts)
}

// FilterInbound returns a copy of src without the blocked request headers.
func (rs *RuleSet) FilterInbound(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		if rs.inbound[strings.ToLower(key)] {
			continue
		}
		dst[key] = vals
	}
	return dst
}

// FilterOutbound returns a copy of src without blocked or archival headers,
// followed by the gateway's own caching, referrer, robots and abuse headers.
func (rs *RuleSet) FilterOutbound(src http.Header) http.Header {
	dst := make(http.Header, len(src)+5)
	archived := ""

	for key, vals := range src {
		lower := strings.ToLower(key)
		if lower == strings.ToLower(ArchivedCacheControl) && len(vals) > 0 {
			archived = vals[0]
		}
		if strings.HasPrefix(lower, strings.ToLower(ArchivePrefix)) || rs.outbound[lower] {
			continue
		}
		dst[key] = vals
	}

	if archived != "" {
		dst.Set("Cache-Control", TranslateCacheControl(archived, rs.opts.CDNMinCacheSeconds))
	} else if rs.opts.DefaultCacheControl != "" {
		dst.Set("Cache-Control", rs.opts.DefaultCacheControl)
	}
	dst.Set("Referrer-Policy", ReferrerPolicy)
	dst.Set("X-Robots-Tag", RobotsTag)
	if rs.opts.AbusePolicyURL != "" {
		dst.Set("X-Abuse-Policy", rs.opts.AbusePolicyURL)
	}
	if rs.opts.ComplaintsURL != "" {
		dst.Set("X-Complaints-To", rs.opts.ComplaintsURL)
	}
	return dst
}

// TranslateCacheControl rewrites a public Cache-Control whose max-age is below
// the CDN minimum to private, so the edge does not round it up to its minimum.
// Browsers ignore trailing junk after the max-age digits and so do we; a
// max-age without leading digits counts as zero. Values without both public
// and max-age, or at or above the minimum, are returned unchanged.
func TranslateCacheControl(value string, cdnMinSeconds int) string {
	directives := strings.Split(value, ",")
	for i := range directives {
		directives[i] = strings.TrimSpace(directives[i])
	}

	publicAt, maxAgeAt := -1, -1
	for i, d := range directives {
		name, _, _ := strings.Cut(d, "=")
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "public":
			publicAt = i
		case "max-age":
			maxAgeAt = i
		}
	}
	if publicAt < 0 || maxAgeAt < 0 {
		return value
	}

	_, raw, _ := strings.Cut(directives[maxAgeAt], "=")
	maxAge := leadingInt(strings.TrimSpace(raw))
	if maxAge >= cdnMinSeconds {
		return value
	}
	directives[maxAgeAt] = "max-age=" + strconv.Itoa(maxAge)

	out := make([]string, 0, len(directives))
	for i, d := range directives {
		if i != publicAt {
			out = append(out, d)
		}
	}
	out = append(out, "private")
	return strings.Join(out, ", ")
}

// leadingInt parses the leading decimal digits of s, returning 0 if there are none.
func leadingInt(s string) int {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0
	}
	return n
}
