package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/flowrun/flow/sandbox"
)

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.NotEqual(t, ServerConfig{}, cfg.Server)
	assert.NotEqual(t, RunnerConfig{}, cfg.Runner)
	assert.Equal(t, sandbox.DefaultConfig(), cfg.Sandbox)
	assert.NotEqual(t, RedisConfig{}, cfg.Redis)
	assert.NotEqual(t, LogConfig{}, cfg.Log)
	assert.NotEqual(t, TelemetryConfig{}, cfg.Telemetry)
}

func TestDefaultConfig_IsValid(t *testing.T) {
	t.Parallel()
	assert.NoError(t, DefaultConfig().Validate())
}

func TestDefaultServerConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultServerConfig()
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 9091, cfg.MetricsPort)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	// 会话是长连接，默认不设写超时
	assert.Zero(t, cfg.WriteTimeout)
	assert.False(t, cfg.TLSEnabled())
}

func TestDefaultRunnerConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultRunnerConfig()
	assert.Zero(t, cfg.PoolSize)
	assert.Equal(t, 24*time.Hour, cfg.TokenTTL)
	assert.Empty(t, cfg.TrustedProxyHeader)
}

func TestDefaultRedisConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultRedisConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "localhost:6379", cfg.Addr)
	assert.Equal(t, "flowrun:vars:", cfg.KeyPrefix)
}

func TestDefaultLogAndTelemetryConfig(t *testing.T) {
	t.Parallel()
	log := DefaultLogConfig()
	assert.Equal(t, "info", log.Level)
	assert.Equal(t, "json", log.Format)
	assert.Equal(t, []string{"stdout"}, log.OutputPaths)

	tel := DefaultTelemetryConfig()
	assert.False(t, tel.Enabled)
	assert.Equal(t, "flowrun", tel.ServiceName)
	assert.InDelta(t, 0.1, tel.SampleRate, 1e-9)
}
