package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/BaSui01/flowrun/api/handlers"
	"github.com/BaSui01/flowrun/internal/metrics"
	"github.com/BaSui01/flowrun/types"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSecurityHeaders(t *testing.T) {
	t.Parallel()
	handler := SecurityHeaders()(okHandler())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "default-src 'none'", w.Header().Get("Content-Security-Policy"))
}

func TestRequestID_KeepsClientValueAndSetsTraceID(t *testing.T) {
	t.Parallel()
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = types.TraceID(r.Context())
	})
	handler := Chain(inner, SecurityHeaders(), RequestID())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/status", nil)
	r.Header.Set("X-Request-ID", "req-fixed")
	handler.ServeHTTP(w, r)
	assert.Equal(t, "req-fixed", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "req-fixed", seen)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.True(t, strings.HasPrefix(w.Header().Get("X-Request-ID"), "req-"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}

func TestRecovery_WritesInternalError(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zap.ErrorLevel)
	handler := Recovery(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/threads", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var resp handlers.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(types.ErrInternalError), resp.Error.Code)
	assert.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
}

func TestRequestLogger_LogsStatus(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zap.InfoLevel)
	handler := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}), RequestID(), RequestLogger(zap.New(core)))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/status", nil))

	entries := logs.FilterMessage("request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.EqualValues(t, http.StatusTeapot, fields["status"])
	assert.Equal(t, "/status", fields["path"])
	assert.NotEmpty(t, fields["request_id"])
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"/claim", "/claim"},
		{"/threads", "/threads"},
		{"/threads/6f1c2a9e-4b7d-4e0f-9a31-0c2b5d8e7f10/session", "/threads/:id/session"},
		{"/threads/12345/session", "/threads/:id/session"},
		{"/threads/abc/session", "/threads/abc/session"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizePath(tt.in), tt.in)
	}
}

func TestMetricsMiddleware_UsesNormalizedPath(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollectorWithRegistry("mw", reg, nil)
	handler := MetricsMiddleware(collector)(okHandler())

	for _, id := range []string{"0123456789abcdef", "fedcba9876543210"} {
		handler.ServeHTTP(httptest.NewRecorder(),
			httptest.NewRequest(http.MethodGet, "/threads/"+id+"/session", nil))
	}

	n, err := promtest.GatherAndCount(reg, "mw_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "both ids collapse into one series")
}

func TestCORS(t *testing.T) {
	t.Parallel()
	handler := CORS([]string{"https://studio.example"})(okHandler())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodOptions, "/claim", nil)
	r.Header.Set("Origin", "https://studio.example")
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://studio.example", w.Header().Get("Access-Control-Allow-Origin"))

	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodOptions, "/claim", nil)
	r.Header.Set("Origin", "https://evil.example")
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimiter_PerAddressAndAdjustable(t *testing.T) {
	t.Parallel()
	l := NewRateLimiter(0.001, 1, "X-Forwarded-For", zap.NewNop())
	handler := l.Wrap(okHandler().ServeHTTP)

	call := func(addr string) int {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/claim", nil)
		r.Header.Set("X-Forwarded-For", addr)
		handler(w, r)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, call("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, call("10.0.0.1"))
	assert.Equal(t, http.StatusOK, call("10.0.0.2"), "addresses are limited independently")

	l.SetLimit(0, 1)
	assert.Equal(t, http.StatusOK, call("10.0.0.1"), "zero rate disables limiting")
}

func TestChain_KeepsWebSocketUpgradeWorking(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		typ, data, err := c.Read(r.Context())
		if err != nil {
			return
		}
		_ = c.Write(r.Context(), typ, data)
		c.Close(websocket.StatusNormalClosure, "")
	})
	handler := Chain(inner,
		Recovery(zap.NewNop()),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		RequestLogger(zap.NewNop()),
		MetricsMiddleware(metrics.NewCollectorWithRegistry("ws", reg, nil)),
	)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer c.CloseNow()

	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte("ping")))
	_, data, err := c.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(data))
}
