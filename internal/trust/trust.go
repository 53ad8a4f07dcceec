// Package trust decides from request headers whether a request comes from
// the gateway itself or from a partner application.
package trust

import (
	"net/url"
	"strings"

	"github.com/hypothesis/viahtml/internal/model"
)

// Evaluator checks the origin signals of a request.
type Evaluator struct {
	allowed  map[string]struct{}
	allowAll bool
}

// NewEvaluator creates an Evaluator. allowedReferrers are host[:port] values
// matched against the Referer header; allowAll is the default allow-list
// bypass for requests that are not same-origin.
func NewEvaluator(allowedReferrers []string, allowAll bool) *Evaluator {
	allowed := make(map[string]struct{}, len(allowedReferrers))
	for _, host := range allowedReferrers {
		if host = strings.ToLower(strings.TrimSpace(host)); host != "" {
			allowed[host] = struct{}{}
		}
	}
	return &Evaluator{allowed: allowed, allowAll: allowAll}
}

// AllowAll returns the configured default allow-list bypass.
func (e *Evaluator) AllowAll() bool {
	return e.allowAll
}

// Evaluate returns an admitting verdict and true when the request is trusted
// by origin. The first matching signal wins.
func (e *Evaluator) Evaluate(rc *model.RequestContext) (model.Verdict, bool) {
	// Browsers set this and page content cannot forge it, so it goes first.
	// Chrome omits Referer on some subresource requests.
	if rc.HeaderValue("Sec-Fetch-Site") == "same-origin" {
		return model.Admit(model.ReasonSecFetchSite, true), true
	}

	host, ok := referrerHost(rc.HeaderValue("Referer"))
	if !ok {
		return model.Verdict{}, false
	}
	if rc.Host != "" && strings.EqualFold(host, rc.Host) {
		return model.Admit(model.ReasonSameOrigin, true), true
	}
	if _, ok := e.allowed[strings.ToLower(host)]; ok {
		return model.Admit(model.ReasonAllowedReferrer, e.allowAll), true
	}
	return model.Verdict{}, false
}

// referrerHost returns the host[:port] of a Referer value. Missing and
// unparseable values are reported as absent.
func referrerHost(referrer string) (string, bool) {
	if referrer == "" {
		return "", false
	}
	u, err := url.Parse(referrer)
	if err != nil || u.Host == "" {
		return "", false
	}
	return u.Host, true
}
