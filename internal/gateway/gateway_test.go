package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hypothesis/viahtml/internal/checkmate"
	"github.com/hypothesis/viahtml/internal/config"
	"github.com/hypothesis/viahtml/internal/metrics"
	"github.com/hypothesis/viahtml/internal/model"
	"github.com/hypothesis/viahtml/internal/token"
	"github.com/hypothesis/viahtml/internal/trust"
)

const testSecret = "not-a-secret"

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeChecker records calls and returns a canned answer.
type fakeChecker struct {
	block *checkmate.BlockResponse
	err   error
	calls []checkmate.CheckOptions
	urls  []string
}

func (f *fakeChecker) CheckURL(_ context.Context, rawURL string, opts checkmate.CheckOptions) (*checkmate.BlockResponse, error) {
	f.urls = append(f.urls, rawURL)
	f.calls = append(f.calls, opts)
	return f.block, f.err
}

func newRequest(target string, headers map[string]string) (*http.Request, *model.RequestContext) {
	r := httptest.NewRequest(http.MethodGet, target, http.NoBody)
	r.Host = "via.example.com"
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return r, model.NewRequestContext(r, "https", false)
}

func newGateway(checker checkmate.URLChecker, opts Options, allowAll bool) *Gateway {
	evaluator := trust.NewEvaluator([]string{"lms.example.org"}, allowAll)
	return New(evaluator, checker, opts, discard, metrics.New())
}

func TestEvaluate_SecFetchSiteAdmittedWithAllowAll(t *testing.T) {
	for _, required := range []bool{true, false} {
		t.Run(fmt.Sprintf("required=%v", required), func(t *testing.T) {
			checker := &fakeChecker{}
			g := newGateway(checker, Options{AuthRequired: required}, false)
			r, rc := newRequest("/https://example.com/", map[string]string{"Sec-Fetch-Site": "same-origin"})

			d := g.Evaluate(context.Background(), rc, r)

			assert.Equal(t, model.OutcomeAdmitted, d.Outcome)
			assert.Equal(t, model.ReasonSecFetchSite, d.Verdict.Reason)
			assert.True(t, d.Verdict.AllowAll)
			require.Len(t, checker.calls, 1)
			assert.True(t, checker.calls[0].AllowAll)
		})
	}
}

func TestEvaluate_UntrustedDenied(t *testing.T) {
	checker := &fakeChecker{}
	g := newGateway(checker, Options{AuthRequired: true}, false)
	r, rc := newRequest("/https://example.com/", nil)

	d := g.Evaluate(context.Background(), rc, r)

	assert.Equal(t, model.OutcomeDenied, d.Outcome)
	assert.Equal(t, model.ReasonUntrustedOrigin, d.Verdict.Reason)
	assert.Empty(t, checker.calls, "denied requests are not checked")
}

func TestEvaluate_UnparseableRefererDenied(t *testing.T) {
	g := newGateway(&fakeChecker{}, Options{AuthRequired: true}, false)
	r, rc := newRequest("/https://example.com/", map[string]string{"Referer": "http://[via"})

	d := g.Evaluate(context.Background(), rc, r)

	assert.Equal(t, model.OutcomeDenied, d.Outcome)
}

func TestEvaluate_AuthDisabledProceedsToCheck(t *testing.T) {
	for _, allowAll := range []bool{true, false} {
		checker := &fakeChecker{}
		g := newGateway(checker, Options{AuthRequired: false}, allowAll)
		r, rc := newRequest("/https://example.com/page?via.blocked_for=lms", nil)

		d := g.Evaluate(context.Background(), rc, r)

		assert.Equal(t, model.OutcomeAdmitted, d.Outcome)
		assert.Equal(t, model.ReasonAuthDisabled, d.Verdict.Reason)
		require.Len(t, checker.calls, 1)
		assert.Equal(t, "https://example.com/page", checker.urls[0])
		assert.Equal(t, allowAll, checker.calls[0].AllowAll)
		assert.Equal(t, "lms", checker.calls[0].BlockedFor)
	}
}

func TestEvaluate_AllowedReferrerKeepsDefault(t *testing.T) {
	checker := &fakeChecker{}
	g := newGateway(checker, Options{AuthRequired: true, IgnoreReasons: []string{"high-io"}}, false)
	r, rc := newRequest("/https://example.com/", map[string]string{"Referer": "https://lms.example.org/course"})

	d := g.Evaluate(context.Background(), rc, r)

	assert.Equal(t, model.OutcomeAdmitted, d.Outcome)
	assert.Equal(t, model.ReasonAllowedReferrer, d.Verdict.Reason)
	require.Len(t, checker.calls, 1)
	assert.False(t, checker.calls[0].AllowAll)
	assert.Equal(t, []string{"high-io"}, checker.calls[0].IgnoreReasons)
}

func TestEvaluate_Blocked(t *testing.T) {
	block := &checkmate.BlockResponse{ReasonCodes: []string{"malicious"}, PresentationURL: "https://checkmate/block"}
	g := newGateway(&fakeChecker{block: block}, Options{AuthRequired: false}, false)
	r, rc := newRequest("/https://bad.example.com/", nil)

	d := g.Evaluate(context.Background(), rc, r)

	assert.Equal(t, model.OutcomeBlocked, d.Outcome)
	assert.Same(t, block, d.Block)
}

func TestEvaluate_BadURL(t *testing.T) {
	err := fmt.Errorf("%w: private address", checkmate.ErrBadURL)
	g := newGateway(&fakeChecker{err: err}, Options{AuthRequired: false}, false)
	r, rc := newRequest("/http://10.0.0.1/", nil)

	d := g.Evaluate(context.Background(), rc, r)

	assert.Equal(t, model.OutcomeBadURL, d.Outcome)
	assert.ErrorIs(t, d.Err, checkmate.ErrBadURL)
}

func TestEvaluate_ServiceFaultFailsOpen(t *testing.T) {
	faults := []error{
		fmt.Errorf("%w: connection refused", checkmate.ErrServiceUnavailable),
		checkmate.ErrMalformedResponse,
		errors.New("unexpected"),
	}

	for _, fault := range faults {
		t.Run(fault.Error(), func(t *testing.T) {
			m := metrics.New()
			g := New(trust.NewEvaluator(nil, false), &fakeChecker{err: fault}, Options{}, discard, m)
			r, rc := newRequest("/https://example.com/", nil)

			d := g.Evaluate(context.Background(), rc, r)

			assert.Equal(t, model.OutcomeAdmitted, d.Outcome)
			assert.Nil(t, d.Block)
			assert.NoError(t, d.Err)
			assert.Equal(t, 1, counterTotal(t, m, "viahtml_checkmate_failures_total"))
		})
	}
}

func TestEvaluate_ConnectionErrorFromRealClientIsAdmitted(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	host := srv.URL
	srv.Close()

	cfg := &config.Config{Checkmate: config.CheckmateConfig{Host: host, TimeoutMillis: 200}}
	checker := checkmate.New(cfg, discard, nil)
	g := newGateway(checker, Options{AuthRequired: false}, false)
	r, rc := newRequest("/https://example.com/", nil)

	d := g.Evaluate(context.Background(), rc, r)

	assert.Equal(t, model.OutcomeAdmitted, d.Outcome)
}

func TestEvaluate_NoTargetSkipsCheck(t *testing.T) {
	checker := &fakeChecker{err: checkmate.ErrServiceUnavailable}
	g := newGateway(checker, Options{AuthRequired: false}, false)
	r, rc := newRequest("/static/wombat.js", nil)

	d := g.Evaluate(context.Background(), rc, r)

	assert.Equal(t, model.OutcomeAdmitted, d.Outcome)
	assert.Empty(t, checker.calls)
}

func TestEvaluate_NilCheckerAdmits(t *testing.T) {
	g := newGateway(nil, Options{AuthRequired: false}, false)
	r, rc := newRequest("/https://example.com/", nil)

	assert.Equal(t, model.OutcomeAdmitted, g.Evaluate(context.Background(), rc, r).Outcome)
}

func TestEvaluate_DebugHeader(t *testing.T) {
	g := newGateway(nil, Options{AuthRequired: false}, false)

	r, rc := newRequest("/https://example.com/", map[string]string{"Sec-Fetch-Site": "same-origin"})
	rc.Debug = true
	g.Evaluate(context.Background(), rc, r)
	assert.Equal(t, []model.Header{{Name: AuthorizedBecauseHeader, Value: model.ReasonSecFetchSite}}, rc.Headers())

	r, rc = newRequest("/https://example.com/", map[string]string{"Sec-Fetch-Site": "same-origin"})
	g.Evaluate(context.Background(), rc, r)
	assert.Empty(t, rc.Headers())
}

func tokenOptions() Options {
	return Options{
		AuthRequired: true,
		SignedURL:    token.NewSignedURL(testSecret),
		Cookie:       token.NewSignedCookie(testSecret, true),
		CookieMaxAge: 24 * time.Hour,
	}
}

func TestEvaluate_SignedURLAdmitsAndIssuesCookie(t *testing.T) {
	opts := tokenOptions()
	g := newGateway(&fakeChecker{}, opts, false)

	signed, err := opts.SignedURL.Create("https://via.example.com/https://example.com/?via.blocked_for=lms", time.Hour)
	require.NoError(t, err)
	r, rc := newRequest(strings.TrimPrefix(signed, "https://via.example.com"), nil)

	d := g.Evaluate(context.Background(), rc, r)

	assert.Equal(t, model.OutcomeAdmitted, d.Outcome)
	assert.Equal(t, model.ReasonSignedURL, d.Verdict.Reason)
	headers := rc.Headers()
	require.Len(t, headers, 1)
	assert.Equal(t, "Set-Cookie", headers[0].Name)
	assert.Contains(t, headers[0].Value, token.CookieName+"=")
}

func TestEvaluate_SignedCookieAdmits(t *testing.T) {
	opts := tokenOptions()
	g := newGateway(&fakeChecker{}, opts, false)

	_, setCookie, err := opts.Cookie.Create(time.Hour)
	require.NoError(t, err)
	r, rc := newRequest("/https://example.com/", map[string]string{"Cookie": strings.SplitN(setCookie, ";", 2)[0]})

	d := g.Evaluate(context.Background(), rc, r)

	assert.Equal(t, model.OutcomeAdmitted, d.Outcome)
	assert.Equal(t, model.ReasonSignedCookie, d.Verdict.Reason)
	require.Len(t, rc.Headers(), 1, "the cookie is re-issued")
}

func TestEvaluate_InvalidTokensDeny(t *testing.T) {
	opts := tokenOptions()
	g := newGateway(&fakeChecker{}, opts, false)

	_, setCookie, err := opts.Cookie.Create(time.Hour)
	require.NoError(t, err)
	cookie := strings.SplitN(setCookie, ";", 2)[0]

	tests := []struct {
		name    string
		target  string
		headers map[string]string
	}{
		{"forged url token", "/https://example.com/?via.sec=forged", nil},
		{"forged url token beats valid cookie", "/https://example.com/?via.sec=forged", map[string]string{"Cookie": cookie}},
		{"forged cookie", "/https://example.com/", map[string]string{"Cookie": token.CookieName + "=forged"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, rc := newRequest(tt.target, tt.headers)

			d := g.Evaluate(context.Background(), rc, r)

			assert.Equal(t, model.OutcomeDenied, d.Outcome)
			assert.Equal(t, model.ReasonInvalidToken, d.Verdict.Reason)
			assert.Empty(t, rc.Headers())
		})
	}
}

func TestEvaluate_TokensIgnoredWhenAuthDisabled(t *testing.T) {
	opts := tokenOptions()
	opts.AuthRequired = false
	g := newGateway(&fakeChecker{}, opts, false)
	r, rc := newRequest("/https://example.com/?via.sec=forged", nil)

	d := g.Evaluate(context.Background(), rc, r)

	assert.Equal(t, model.OutcomeAdmitted, d.Outcome)
	assert.Equal(t, model.ReasonAuthDisabled, d.Verdict.Reason)
}

func TestNewURLChecker(t *testing.T) {
	m := metrics.New()

	cfg := &config.Config{Checkmate: config.CheckmateConfig{Host: "https://checkmate.example.com", TimeoutMillis: 1000}}
	assert.IsType(t, &checkmate.Client{}, NewURLChecker(cfg, discard, m))

	cfg = &config.Config{Blocklist: config.BlocklistConfig{Path: t.TempDir() + "/missing.txt", BlockPageURL: "https://via/blocked"}}
	assert.NotNil(t, NewURLChecker(cfg, discard, m))

	assert.Nil(t, NewURLChecker(&config.Config{}, discard, m))
}

func counterTotal(t *testing.T, m *metrics.Metrics, name string) int {
	t.Helper()
	families, err := m.Registry.Gather()
	require.NoError(t, err)
	total := 0
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			total += int(metric.GetCounter().GetValue())
		}
	}
	return total
}
