package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/flowrun/api/handlers"
	"github.com/BaSui01/flowrun/config"
)

func startServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.HTTPPort = 0
	cfg.Server.MetricsPort = 0
	cfg.Server.RateLimitRPS = 0
	cfg.Runner.PoolSize = 1
	if mutate != nil {
		mutate(cfg)
	}

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	s := NewServer(cfg, config.NewLoader(), zap.NewNop(), level)
	s.registry = prometheus.NewRegistry()
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Shutdown)
	return s
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServer_ServesRunnerAPIAndMetrics(t *testing.T) {
	s := startServer(t, nil)
	api := "http://" + s.httpManager.Addr()

	code, body := get(t, api+"/ready")
	assert.Equal(t, http.StatusOK, code)
	var health handlers.HealthStatus
	require.NoError(t, json.Unmarshal([]byte(body), &health))
	assert.Equal(t, "pass", health.Checks["worker_pool"].Status)
	assert.NotContains(t, health.Checks, "redis")
	assert.Equal(t, s.runner.ID(), health.Instance)

	resp, err := http.Post(api+"/claim", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	code, body = get(t, "http://"+s.metricsManager.Addr()+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `flowrun_runner_claims_total{operation="claim",result="ok"} 1`)
	assert.Contains(t, body, `flowrun_http_requests_total{method="POST",path="/claim",status="2xx"} 1`)
}

func TestServer_RedisBackedVariablesAreHealthChecked(t *testing.T) {
	mr := miniredis.RunT(t)
	s := startServer(t, func(cfg *config.Config) {
		cfg.Redis.Enabled = true
		cfg.Redis.Addr = mr.Addr()
	})

	code, body := get(t, "http://"+s.httpManager.Addr()+"/readyz")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, strings.Contains(body, `"redis"`), body)

	mr.Close()
	code, _ = get(t, "http://"+s.httpManager.Addr()+"/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestServer_ApplyReloadAdjustsLevelAndLimit(t *testing.T) {
	s := startServer(t, nil)
	prev := *s.cfg
	next := *s.cfg
	next.Log.Level = "debug"
	next.Server.RateLimitRPS = 5
	next.Server.RateLimitBurst = 2

	s.applyReload(&prev, &next)
	assert.Equal(t, zapcore.DebugLevel, s.level.Level())

	s.limiter.mu.Lock()
	defer s.limiter.mu.Unlock()
	assert.EqualValues(t, 5, s.limiter.rps)
	assert.Equal(t, 2, s.limiter.burst)
}
