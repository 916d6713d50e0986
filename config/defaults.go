// =============================================================================
// 📦 AgentLink 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/agentlink/types"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Transport: DefaultTransportConfig(),
		Protocols: DefaultProtocolsConfig(),
		Admin:     DefaultAdminConfig(),
		Events:    DefaultEventsConfig(),
		Metrics:   MetricsConfig{Namespace: "agentlink"},
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultTransportConfig 返回默认传输层配置
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		AgentID:          "agentlink",
		DefaultTimeout:   30 * time.Second,
		BroadcastTimeout: 10 * time.Second,
		Pool: PoolConfig{
			MaxConnections:         100,
			MaxConnectionsPerAgent: 10,
			IdleTimeout:            5 * time.Minute,
			SweepInterval:          5 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 4,
			BaseDelay:   time.Second,
			Multiplier:  2.0,
			MaxDelay:    30 * time.Second,
			Jitter:      false,
		},
		RateLimit: RateLimitConfig{
			MessagesPerSecond: 0,
			Burst:             1,
		},
	}
}

// DefaultProtocolsConfig 默认启用全部协议
func DefaultProtocolsConfig() ProtocolsConfig {
	return ProtocolsConfig{
		Enabled: []string{
			string(types.ProtocolWebSocket),
			string(types.ProtocolHTTP),
			string(types.ProtocolGRPC),
			string(types.ProtocolTCP),
		},
		Path:              types.DefaultPath,
		KeepAliveInterval: types.DefaultKeepAliveInterval,
		MaxMessageSize:    types.DefaultMaxMessageSize,
	}
}

// DefaultAdminConfig 返回默认管理端配置
func DefaultAdminConfig() AdminConfig {
	return AdminConfig{
		Enabled:         true,
		Addr:            ":9091",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultEventsConfig 返回默认事件配置
func DefaultEventsConfig() EventsConfig {
	return EventsConfig{
		BufferSize: 64,
		Redis: RedisConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			Channel:  "agentlink:connections",
			PoolSize: 10,
		},
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		Insecure:     true,
		ServiceName:  "agentlink",
		SampleRate:   0.1,
	}
}
