package checkmate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hypothesis/viahtml/internal/config"
	"github.com/hypothesis/viahtml/internal/metrics"
)

const blockBody = `{
	"data": [{"type": "reason", "id": "malicious", "attributes": {"severity": "mandatory"}}],
	"links": {"html": "https://checkmate.example.com/ui/block?url=x"}
}`

func testClient(t *testing.T, handler http.HandlerFunc) (*Client, *metrics.Metrics) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		Upstream:  config.UpstreamConfig{IdleConnections: 2},
		Checkmate: config.CheckmateConfig{Host: srv.URL + "/", APIKey: "api-key", TimeoutMillis: 200},
	}
	m := metrics.New()
	return New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), m), m
}

func TestCheckURL_NoContentIsClear(t *testing.T) {
	var got *http.Request
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.WriteHeader(http.StatusNoContent)
	})

	block, err := c.CheckURL(context.Background(), "https://example.com/page", CheckOptions{
		AllowAll:      true,
		BlockedFor:    "lms",
		IgnoreReasons: []string{"publisher-blocked", "high-io"},
	})

	require.NoError(t, err)
	assert.Nil(t, block)

	require.NotNil(t, got)
	assert.Equal(t, "/api/check", got.URL.Path)
	q := got.URL.Query()
	assert.Equal(t, "https://example.com/page", q.Get("url"))
	assert.Equal(t, "true", q.Get("allow_all"))
	assert.Equal(t, "lms", q.Get("blocked_for"))
	assert.Equal(t, "publisher-blocked,high-io", q.Get("ignore_reasons"))

	user, pass, ok := got.BasicAuth()
	assert.True(t, ok)
	assert.Equal(t, "api-key", user)
	assert.Empty(t, pass)
}

func TestCheckURL_OmitsUnsetOptions(t *testing.T) {
	var query map[string][]string
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		w.WriteHeader(http.StatusNoContent)
	})

	_, err := c.CheckURL(context.Background(), "http://example.com/", CheckOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"http://example.com/"}, query["url"])
	assert.NotContains(t, query, "allow_all")
	assert.NotContains(t, query, "blocked_for")
	assert.NotContains(t, query, "ignore_reasons")
}

func TestCheckURL_Blocked(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, blockBody)
	})

	block, err := c.CheckURL(context.Background(), "https://bad.example.com/", CheckOptions{})

	require.NoError(t, err)
	require.NotNil(t, block)
	assert.Equal(t, []string{"malicious"}, block.ReasonCodes)
	assert.Equal(t, "https://checkmate.example.com/ui/block?url=x", block.PresentationURL)
}

func TestCheckURL_ServiceFaults(t *testing.T) {
	tests := []struct {
		name      string
		handler   http.HandlerFunc
		malformed bool
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
		},
		{
			name: "unauthorized",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
			},
		},
		{
			name: "empty reasons",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = io.WriteString(w, `{"data": []}`)
			},
			malformed: true,
		},
		{
			name: "not json",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = io.WriteString(w, `<html>`)
			},
			malformed: true,
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
				w.WriteHeader(http.StatusNoContent)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := testClient(t, tt.handler)

			block, err := c.CheckURL(context.Background(), "https://example.com/", CheckOptions{})

			assert.Nil(t, block)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrServiceUnavailable), "got %v", err)
			assert.False(t, errors.Is(err, ErrBadURL))
			assert.Equal(t, tt.malformed, errors.Is(err, ErrMalformedResponse))
		})
	}
}

func TestCheckURL_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	cfg := &config.Config{Checkmate: config.CheckmateConfig{Host: addr, TimeoutMillis: 200}}
	c := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	_, err := c.CheckURL(context.Background(), "https://example.com/", CheckOptions{})

	assert.ErrorIs(t, err, ErrServiceUnavailable)
	assert.Equal(t, "unavailable", Result(err))
}

func TestCheckURL_BadURLNeverReachesService(t *testing.T) {
	called := false
	c, _ := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusNoContent)
	})

	_, err := c.CheckURL(context.Background(), "http://127.0.0.1/admin", CheckOptions{})

	assert.ErrorIs(t, err, ErrBadURL)
	assert.False(t, errors.Is(err, ErrServiceUnavailable))
	assert.False(t, called)
	assert.Equal(t, "bad_url", Result(err))
}

func TestCheckURL_RecordsDuration(t *testing.T) {
	c, m := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	_, err := c.CheckURL(context.Background(), "https://example.com/", CheckOptions{})
	require.NoError(t, err)

	families, err := m.Registry.Gather()
	require.NoError(t, err)
	var count uint64
	for _, f := range families {
		if f.GetName() != "viahtml_checkmate_request_duration_seconds" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, l := range metric.GetLabel() {
				if l.GetName() == "result" && l.GetValue() == "clear" {
					count += metric.GetHistogram().GetSampleCount()
				}
			}
		}
	}
	assert.Equal(t, uint64(1), count)
}
