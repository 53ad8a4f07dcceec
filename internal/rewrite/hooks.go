// Package rewrite holds the gateway's hooks into the rewriting engine's
// output: tag attribute rules for proxied HTML and redirect rewriting.
package rewrite

import (
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/hypothesis/viahtml/internal/model"
	"github.com/hypothesis/viahtml/internal/token"
)

// MediaEmbedPrefixes are media player embeds that are neither proxied nor
// blocked. Proxying them is expensive and blocking them breaks pages.
var MediaEmbedPrefixes = []string{
	"https://cdnapisec.kaltura.com/",
	"https://player.vimeo.com/",
	"https://www.youtube.com/embed/",
}

// ReferrerPolicy replaces every referrerpolicy attribute so browsers keep
// sending the Referer the gateway authenticates with.
const ReferrerPolicy = "no-referrer-when-downgrade"

// NoProxyAttr on an iframe keeps it out of the gateway.
const NoProxyAttr = "data-viahtml-no-proxy"

// Decision tells the caller what to do with a tag after the hook ran.
type Decision int

const (
	// Continue applies default rewriting to the returned attributes.
	Continue Decision = iota
	// Replace writes the returned attributes as they are.
	Replace
)

// TagResult is the outcome of ModifyTagAttrs.
type TagResult struct {
	Decision Decision
	Attrs    []html.Attribute
}

// Hooks implements the rewriting callbacks. It holds no request state and
// is safe for concurrent use.
type Hooks struct {
	ignorePrefixes []string
	signer         *token.SignedURL
	urlMaxAge      time.Duration
}

// NewHooks creates Hooks. ignorePrefixes are added to MediaEmbedPrefixes.
// When signer is non-nil, rewritten redirects are signed for urlMaxAge.
func NewHooks(ignorePrefixes []string, signer *token.SignedURL, urlMaxAge time.Duration) *Hooks {
	return &Hooks{
		ignorePrefixes: slices.Concat(ignorePrefixes, MediaEmbedPrefixes),
		signer:         signer,
		urlMaxAge:      urlMaxAge,
	}
}

// IgnorePrefixes returns the URL prefixes that are never proxied.
func (h *Hooks) IgnorePrefixes() []string {
	return slices.Clone(h.ignorePrefixes)
}

// IsIgnored reports whether rawURL starts with an ignored prefix.
func (h *Hooks) IsIgnored(rawURL string) bool {
	for _, prefix := range h.ignorePrefixes {
		if strings.HasPrefix(rawURL, prefix) {
			return true
		}
	}
	return false
}

// ModifyTagAttrs applies the gateway's rules to one tag's attributes. The
// returned slice is always a copy.
func (h *Hooks) ModifyTagAttrs(rc *model.RequestContext, tag string, attrs []html.Attribute) TagResult {
	out := slices.Clone(attrs)
	decision := Continue

	for i := range out {
		if strings.EqualFold(out[i].Key, "referrerpolicy") {
			out[i].Val = ReferrerPolicy
		}
	}

	switch strings.ToLower(tag) {
	case "a":
		// Links take the user to the site itself, not through the gateway.
		for i := range out {
			if strings.EqualFold(out[i].Key, "href") {
				out[i].Val = unproxiedLink(rc, out[i].Val)
			}
		}
		decision = Replace

	case "link":
		// The client compares canonical URLs across visits.
		if attrValue(out, "rel", "canonical") {
			unproxyAttr(rc, out, "href")
			decision = Replace
		}

	case "iframe":
		if hasAttr(out, NoProxyAttr) || !proxyFrames(rc) {
			unproxyAttr(rc, out, "src")
			decision = Replace
		}
		for i := range out {
			if !strings.EqualFold(out[i].Key, "src") {
				continue
			}
			if target, ok := gatewayTarget(rc, out[i].Val); ok && h.IsIgnored(target) {
				out[i].Val = target
				decision = Replace
			}
		}
	}

	return TagResult{Decision: decision, Attrs: out}
}

// ModifyRedirectLocation rewrites the Location of an engine redirect so it
// stays under the gateway and keeps the request's via.* parameters. The
// result is re-signed when URL signing is enabled.
func (h *Hooks) ModifyRedirectLocation(rc *model.RequestContext, location string) string {
	if location == "" {
		return location
	}

	loc, ok := h.gatewayLocation(rc, location)
	if !ok {
		return location
	}

	// The target's own query is kept byte for byte; only via.* pairs change.
	query := strings.TrimPrefix(model.StripViaParams("", loc.RawQuery), "?")
	via := rc.ViaParams()
	for key := range via {
		if strings.EqualFold(key, token.URLParam) {
			delete(via, key)
		}
	}
	if encoded := via.Encode(); encoded != "" {
		if query != "" {
			query += "&"
		}
		query += encoded
	}
	loc.RawQuery = query

	if h.signer == nil {
		return loc.String()
	}
	signed, err := h.signer.Create(loc.String(), h.urlMaxAge)
	if err != nil {
		return loc.String()
	}
	return signed
}

// gatewayLocation returns location as an absolute gateway URL.
func (h *Hooks) gatewayLocation(rc *model.RequestContext, location string) (*url.URL, bool) {
	ref, err := url.Parse(location)
	if err != nil {
		return nil, false
	}

	resolved := rc.URL.ResolveReference(ref)
	if strings.EqualFold(resolved.Host, rc.Host) {
		if _, ok := model.ExplicitTarget(resolved); ok {
			return resolved, true
		}
	}

	// The engine passed the origin's own Location through.
	target := location
	if base, err := url.Parse(rc.ProxiedURL()); err == nil && rc.ProxiedURL() != "" {
		target = base.ResolveReference(ref).String()
	} else if !ref.IsAbs() {
		return nil, false
	}
	if h.IsIgnored(target) {
		return nil, false
	}

	out, err := url.Parse(rc.URL.Scheme + "://" + rc.Host + "/" + target)
	if err != nil {
		return nil, false
	}
	return out, true
}

// unproxiedLink returns the absolute third-party URL a link points at.
// Fragment-only links are left alone.
func unproxiedLink(rc *model.RequestContext, value string) string {
	if value == "" || strings.HasPrefix(value, "#") {
		return value
	}
	if target, ok := gatewayTarget(rc, value); ok {
		return target
	}

	ref, err := url.Parse(strings.TrimSpace(value))
	if err != nil {
		return value
	}
	if ref.Scheme != "" && ref.Scheme != "http" && ref.Scheme != "https" {
		// mailto:, javascript: and friends.
		return value
	}
	base, err := url.Parse(rc.ProxiedURL())
	if err != nil || rc.ProxiedURL() == "" {
		return value
	}
	return base.ResolveReference(ref).String()
}

// unproxyAttr points every key attribute that goes through the gateway back
// at its third-party URL. Other values are left alone.
func unproxyAttr(rc *model.RequestContext, attrs []html.Attribute, key string) {
	for i := range attrs {
		if !strings.EqualFold(attrs[i].Key, key) {
			continue
		}
		if target, ok := gatewayTarget(rc, attrs[i].Val); ok {
			attrs[i].Val = target
		}
	}
}

// gatewayTarget returns the proxied URL when value points back through the gateway.
func gatewayTarget(rc *model.RequestContext, value string) (string, bool) {
	ref, err := url.Parse(strings.TrimSpace(value))
	if err != nil {
		return "", false
	}
	resolved := rc.URL.ResolveReference(ref)
	if !strings.EqualFold(resolved.Host, rc.Host) {
		return "", false
	}
	target, ok := model.ExplicitTarget(resolved)
	if !ok {
		return "", false
	}
	if resolved.Fragment != "" {
		target += "#" + resolved.EscapedFragment()
	}
	return target, true
}

// proxyFrames reads via.proxy_frames. Iframes are proxied unless it is set
// to a value that is not a non-zero integer.
func proxyFrames(rc *model.RequestContext) bool {
	if !rc.Query.Has("via.proxy_frames") {
		return true
	}
	n, err := strconv.Atoi(strings.TrimSpace(rc.QueryParam("via.proxy_frames")))
	return err == nil && n != 0
}

func hasAttr(attrs []html.Attribute, key string) bool {
	return slices.ContainsFunc(attrs, func(a html.Attribute) bool {
		return strings.EqualFold(a.Key, key)
	})
}

func attrValue(attrs []html.Attribute, key, value string) bool {
	return slices.ContainsFunc(attrs, func(a html.Attribute) bool {
		return strings.EqualFold(a.Key, key) && strings.EqualFold(strings.TrimSpace(a.Val), value)
	})
}

// IsRedirect reports whether the engine's status carries a Location that
// must be rewritten.
func IsRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusUseProxy, http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}
