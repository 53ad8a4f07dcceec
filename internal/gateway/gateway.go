// Package gateway composes origin trust, signed tokens and the URL checker
// into one admission decision per request.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/hypothesis/viahtml/internal/blocklist"
	"github.com/hypothesis/viahtml/internal/checkmate"
	"github.com/hypothesis/viahtml/internal/config"
	"github.com/hypothesis/viahtml/internal/metrics"
	"github.com/hypothesis/viahtml/internal/model"
	"github.com/hypothesis/viahtml/internal/token"
	"github.com/hypothesis/viahtml/internal/traces"
	"github.com/hypothesis/viahtml/internal/trust"
)

// AuthorizedBecauseHeader carries the verdict reason in debug mode.
const AuthorizedBecauseHeader = "X-Via-Authorized-Because"

// BlockedForParam names the calling application for the block page.
const BlockedForParam = "via.blocked_for"

// Decision is the outcome of Evaluate.
type Decision struct {
	Outcome model.Outcome
	Verdict model.Verdict
	// Block is set when Outcome is OutcomeBlocked.
	Block *checkmate.BlockResponse
	// Err explains OutcomeBadURL.
	Err error
}

// Gateway evaluates requests. It holds no per-request state.
type Gateway struct {
	trust         *trust.Evaluator
	checker       checkmate.URLChecker
	signedURL     *token.SignedURL
	cookie        *token.SignedCookie
	cookieMaxAge  time.Duration
	authRequired  bool
	ignoreReasons []string
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

// Options configures a Gateway.
type Options struct {
	AuthRequired bool
	// SignedURL and Cookie are nil when signed tokens are disabled.
	SignedURL     *token.SignedURL
	Cookie        *token.SignedCookie
	CookieMaxAge  time.Duration
	IgnoreReasons []string
}

// New creates a Gateway. checker may be nil, in which case no URL is
// checked. The metrics parameter is optional; pass nil to disable recording.
func New(evaluator *trust.Evaluator, checker checkmate.URLChecker, opts Options, logger *slog.Logger, m *metrics.Metrics) *Gateway {
	return &Gateway{
		trust:         evaluator,
		checker:       checker,
		signedURL:     opts.SignedURL,
		cookie:        opts.Cookie,
		cookieMaxAge:  opts.CookieMaxAge,
		authRequired:  opts.AuthRequired,
		ignoreReasons: opts.IgnoreReasons,
		logger:        logger.With("component", "gateway"),
		metrics:       m,
	}
}

// NewFromConfig builds a Gateway and its collaborators from cfg.
func NewFromConfig(cfg *config.Config, checker checkmate.URLChecker, logger *slog.Logger, m *metrics.Metrics) *Gateway {
	opts := Options{
		AuthRequired:  cfg.Auth.Required,
		CookieMaxAge:  time.Duration(cfg.Auth.CookieMaxAgeSeconds) * time.Second,
		IgnoreReasons: cfg.Checkmate.IgnoreReasons,
	}
	if cfg.Auth.SignedTokens {
		opts.SignedURL = token.NewSignedURL(cfg.Auth.Secret)
		opts.Cookie = token.NewSignedCookie(cfg.Auth.Secret, true)
	}
	return New(trust.NewEvaluator(cfg.Auth.AllowedReferrers, cfg.Auth.AllowAll), checker, opts, logger, m)
}

// NewURLChecker picks the URL checker for cfg: Checkmate when a host is
// configured, else the local blocklist when a path is configured, else none.
func NewURLChecker(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) checkmate.URLChecker {
	switch {
	case cfg.Checkmate.Host != "":
		return checkmate.New(cfg, logger, m)
	case cfg.Blocklist.Path != "":
		return blocklist.New(cfg.Blocklist.Path, cfg.Blocklist.BlockPageURL, logger, m)
	default:
		logger.Warn("no checkmate host or blocklist configured; urls are not checked")
		return nil
	}
}

// Evaluate decides what happens to one request. Headers to attach to an
// admitted response are queued on rc.
func (g *Gateway) Evaluate(ctx context.Context, rc *model.RequestContext, r *http.Request) Decision {
	ctx, span := traces.StartSpan(ctx, "gateway.evaluate", traces.TargetURL(rc.ProxiedURL()))
	defer span.End()

	d := g.evaluate(ctx, span, rc, r)

	span.SetAttributes(traces.Outcome(d.Outcome.String()), traces.Reason(d.Verdict.Reason))
	if g.metrics != nil {
		g.metrics.Verdicts.WithLabelValues(d.Outcome.String(), d.Verdict.Reason).Inc()
	}
	return d
}

func (g *Gateway) evaluate(ctx context.Context, span trace.Span, rc *model.RequestContext, r *http.Request) Decision {
	verdict := g.authorize(rc, r)
	if !verdict.Admitted {
		g.logger.Debug("request denied", "reason", verdict.Reason, "url", rc.ProxiedURL())
		return Decision{Outcome: model.OutcomeDenied, Verdict: verdict}
	}
	if rc.Debug {
		rc.AddHeader(AuthorizedBecauseHeader, verdict.Reason)
	}

	target := rc.ProxiedURL()
	if target == "" || g.checker == nil {
		return Decision{Outcome: model.OutcomeAdmitted, Verdict: verdict}
	}

	block, err := g.checker.CheckURL(ctx, target, checkmate.CheckOptions{
		AllowAll:      verdict.AllowAll,
		BlockedFor:    rc.QueryParam(BlockedForParam),
		IgnoreReasons: g.ignoreReasons,
	})
	switch {
	case errors.Is(err, checkmate.ErrBadURL):
		return Decision{Outcome: model.OutcomeBadURL, Verdict: verdict, Err: err}
	case err != nil:
		// Fail open: an unavailable checker must not take pages down.
		g.logger.Error("failed to check url", "url", target, "error", err)
		span.AddEvent("checkmate.fail_open")
		traces.Fail(span, err, "url check failed open")
		if g.metrics != nil {
			g.metrics.CheckmateFailures.WithLabelValues(checkmate.Result(err)).Inc()
		}
		return Decision{Outcome: model.OutcomeAdmitted, Verdict: verdict}
	case block != nil:
		g.logger.Info("url blocked", "url", target, "reasons", block.ReasonCodes)
		return Decision{Outcome: model.OutcomeBlocked, Verdict: verdict, Block: block}
	default:
		return Decision{Outcome: model.OutcomeAdmitted, Verdict: verdict}
	}
}

// authorize runs the trust paths in order: origin signals, signed URL,
// signed cookie, then the authentication requirement.
func (g *Gateway) authorize(rc *model.RequestContext, r *http.Request) model.Verdict {
	if verdict, ok := g.trust.Evaluate(rc); ok {
		return verdict
	}
	if !g.authRequired {
		return model.Admit(model.ReasonAuthDisabled, g.trust.AllowAll())
	}
	if g.signedURL == nil {
		return model.Deny(model.ReasonUntrustedOrigin)
	}

	res := g.signedURL.Verify(rc.URL.String())
	reason := model.ReasonSignedURL
	if res.Status == token.Missing {
		res = g.cookie.VerifyRequest(r)
		reason = model.ReasonSignedCookie
	}

	switch res.Status {
	case token.Valid:
		g.issueCookie(rc)
		return model.Admit(reason, g.trust.AllowAll())
	case token.Invalid:
		g.logger.Info("invalid token", "kind", reason, "error", res.Err)
		return model.Deny(model.ReasonInvalidToken)
	default:
		return model.Deny(model.ReasonUntrustedOrigin)
	}
}

// issueCookie queues a fresh session cookie. Its lifetime outlives any edge
// cache TTL so a cached page never strands the browser.
func (g *Gateway) issueCookie(rc *model.RequestContext) {
	name, value, err := g.cookie.Create(g.cookieMaxAge)
	if err != nil {
		g.logger.Error("failed to create session cookie", "error", err)
		return
	}
	rc.AddHeader(name, value)
	if g.metrics != nil {
		g.metrics.TokensIssued.WithLabelValues("cookie").Inc()
	}
}
