package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/BaSui01/agentlink/types"
)

func TestDefaultConfig_AllSectionsPopulated(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotEqual(t, TransportConfig{}, cfg.Transport)
	assert.NotEmpty(t, cfg.Protocols.Enabled)
	assert.NotEqual(t, AdminConfig{}, cfg.Admin)
	assert.NotEqual(t, EventsConfig{}, cfg.Events)
	assert.NotEmpty(t, cfg.Metrics.Namespace)
	assert.NotEqual(t, TelemetryConfig{}, cfg.Telemetry)
	assert.Empty(t, cfg.Peers)
}

// --- Individual Default*Config functions ---

func TestDefaultTransportConfig(t *testing.T) {
	cfg := DefaultTransportConfig()
	assert.Equal(t, 30*time.Second, cfg.DefaultTimeout)
	assert.Equal(t, 10*time.Second, cfg.BroadcastTimeout)
	assert.Equal(t, 100, cfg.Pool.MaxConnections)
	assert.Equal(t, 10, cfg.Pool.MaxConnectionsPerAgent)
	assert.Equal(t, 5*time.Minute, cfg.Pool.IdleTimeout)
	assert.Equal(t, 5*time.Second, cfg.Pool.SweepInterval)
	assert.Equal(t, 4, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 2.0, cfg.Retry.Multiplier)
	assert.Equal(t, 30*time.Second, cfg.Retry.MaxDelay)
	assert.Zero(t, cfg.RateLimit.MessagesPerSecond)
}

func TestDefaultProtocolsConfig(t *testing.T) {
	cfg := DefaultProtocolsConfig()
	assert.ElementsMatch(t, []string{"websocket", "http", "grpc", "tcp"}, cfg.Enabled)
	assert.Equal(t, types.DefaultPath, cfg.Path)
	assert.Equal(t, 30*time.Second, cfg.KeepAliveInterval)
	assert.Equal(t, int64(4<<20), cfg.MaxMessageSize)
}

func TestDefaultAdminConfig(t *testing.T) {
	cfg := DefaultAdminConfig()
	assert.True(t, cfg.Enabled)
	assert.Equal(t, ":9091", cfg.Addr)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
	assert.Empty(t, cfg.JWTSecret)
}

func TestDefaultEventsConfig(t *testing.T) {
	cfg := DefaultEventsConfig()
	assert.Equal(t, 64, cfg.BufferSize)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "agentlink:connections", cfg.Redis.Channel)
}

func TestDefaultLogConfig(t *testing.T) {
	cfg := DefaultLogConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, []string{"stdout"}, cfg.OutputPaths)
	assert.True(t, cfg.EnableCaller)
	assert.False(t, cfg.EnableStacktrace)
}

func TestDefaultTelemetryConfig(t *testing.T) {
	cfg := DefaultTelemetryConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.Equal(t, "agentlink", cfg.ServiceName)
	assert.Equal(t, 0.1, cfg.SampleRate)
}
