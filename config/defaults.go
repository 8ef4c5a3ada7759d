// =============================================================================
// 📦 flowrun 默认配置
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/flowrun/flow/sandbox"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Runner:    DefaultRunnerConfig(),
		Sandbox:   sandbox.DefaultConfig(),
		Redis:     DefaultRedisConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    1,
		RateLimitBurst:  5,
	}
}

// DefaultRunnerConfig 返回默认 runner 配置
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		TokenTTL: 24 * time.Hour,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		PoolSize:  10,
		KeyPrefix: "flowrun:vars:",
		LocalTTL:  5 * time.Second,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: true,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		OTLPEndpoint: "localhost:4317",
		Insecure:     true,
		ServiceName:  "flowrun",
		SampleRate:   0.1,
	}
}
