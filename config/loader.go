// =============================================================================
// 📦 AgentLink 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("agentlink.yaml").
//	    WithEnvPrefix("AGENTLINK").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/agentlink/types"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 AgentLink 的完整配置结构
type Config struct {
	// Transport 传输层配置
	Transport TransportConfig `yaml:"transport" env:"TRANSPORT"`

	// Protocols 启用的协议及其调优参数
	Protocols ProtocolsConfig `yaml:"protocols" env:"PROTOCOLS"`

	// Peers 启动时主动连接的远端 Agent（仅 YAML）
	Peers []PeerConfig `yaml:"peers" env:"-"`

	// Admin 管理端 HTTP 服务
	Admin AdminConfig `yaml:"admin" env:"ADMIN"`

	// Events 连接事件发布
	Events EventsConfig `yaml:"events" env:"EVENTS"`

	// Metrics Prometheus 指标
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// TransportConfig 传输层核心参数
type TransportConfig struct {
	// 本地 Agent ID，作为消息的 from 字段
	AgentID string `yaml:"agent_id" env:"AGENT_ID"`
	// 连接未指定超时时的默认值
	DefaultTimeout time.Duration `yaml:"default_timeout" env:"DEFAULT_TIMEOUT"`
	// 广播等待窗口
	BroadcastTimeout time.Duration `yaml:"broadcast_timeout" env:"BROADCAST_TIMEOUT"`
	// 连接池
	Pool PoolConfig `yaml:"pool" env:"POOL"`
	// 重试策略
	Retry RetryConfig `yaml:"retry" env:"RETRY"`
	// 单连接发送限速
	RateLimit RateLimitConfig `yaml:"rate_limit" env:"RATE_LIMIT"`
}

// PoolConfig 连接池容量与回收参数，0 表示不限制
type PoolConfig struct {
	MaxConnections         int           `yaml:"max_connections" env:"MAX_CONNECTIONS"`
	MaxConnectionsPerAgent int           `yaml:"max_connections_per_agent" env:"MAX_CONNECTIONS_PER_AGENT"`
	IdleTimeout            time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	SweepInterval          time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
}

// RetryConfig 指数退避重试参数
type RetryConfig struct {
	// 总尝试次数（含首次）
	MaxAttempts int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	BaseDelay   time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	Multiplier  float64       `yaml:"multiplier" env:"MULTIPLIER"`
	MaxDelay    time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	Jitter      bool          `yaml:"jitter" env:"JITTER"`
}

// RateLimitConfig 令牌桶参数，MessagesPerSecond 为 0 时关闭
type RateLimitConfig struct {
	MessagesPerSecond float64 `yaml:"messages_per_second" env:"MESSAGES_PER_SECOND"`
	Burst             int     `yaml:"burst" env:"BURST"`
}

// ProtocolsConfig 协议配置
type ProtocolsConfig struct {
	// 启用的协议: websocket, http, grpc, tcp
	Enabled []string `yaml:"enabled" env:"ENABLED"`
	// WebSocket / HTTP 默认路径
	Path string `yaml:"path" env:"PATH"`
	// 心跳间隔
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval" env:"KEEP_ALIVE_INTERVAL"`
	// 单条消息上限（字节）
	MaxMessageSize int64 `yaml:"max_message_size" env:"MAX_MESSAGE_SIZE"`
	// gRPC 使用双向流复用请求
	GRPCStreaming bool `yaml:"grpc_streaming" env:"GRPC_STREAMING"`
	// HTTP 建连时拉取 Agent Card
	HTTPDiscover bool `yaml:"http_discover" env:"HTTP_DISCOVER"`
}

// PeerConfig 启动时需要连接的远端 Agent
type PeerConfig struct {
	AgentID    string                 `yaml:"agent_id"`
	Connection types.ConnectionConfig `yaml:",inline"`
}

// AdminConfig 管理端 HTTP 服务配置
type AdminConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 监听地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// TLS 证书与私钥，均非空时以 HTTPS 提供服务
	TLSCertFile string `yaml:"tls_cert_file" env:"TLS_CERT_FILE"`
	TLSKeyFile  string `yaml:"tls_key_file" env:"TLS_KEY_FILE"`
	// Bearer JWT 校验密钥，为空时不校验
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	// 每秒请求数限制，0 表示不限制
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND"`
}

// EventsConfig 连接事件配置
type EventsConfig struct {
	// 本地订阅者通道缓冲
	BufferSize int `yaml:"buffer_size" env:"BUFFER_SIZE"`
	// Redis 发布
	Redis RedisConfig `yaml:"redis" env:"REDIS"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 发布频道
	Channel string `yaml:"channel" env:"CHANNEL"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
}

// MetricsConfig Prometheus 配置
type MetricsConfig struct {
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 是否使用明文 gRPC 连接 OTLP 端点
	Insecure bool `yaml:"insecure" env:"INSECURE"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "AGENTLINK",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// ConfigPath 返回配置文件路径
func (l *Loader) ConfigPath() string {
	return l.configPath
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置，文件不存在时保留默认值
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置带 env tag 的结构体字段
func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		envTag := t.Field(i).Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue, ok := os.LookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// setFieldValue 按字段类型解析环境变量
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			out := parts[:0]
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			field.Set(reflect.ValueOf(out))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// ProtocolConfigs 将启用的协议转换为初始化参数
func (c *Config) ProtocolConfigs() ([]types.ProtocolConfig, error) {
	out := make([]types.ProtocolConfig, 0, len(c.Protocols.Enabled))
	seen := make(map[types.Protocol]bool)
	for _, name := range c.Protocols.Enabled {
		p, err := types.ParseProtocol(name)
		if err != nil {
			return nil, err
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, types.ProtocolConfig{
			Protocol:          p,
			Path:              c.Protocols.Path,
			KeepAliveInterval: c.Protocols.KeepAliveInterval,
			MaxMessageSize:    c.Protocols.MaxMessageSize,
			Streaming:         p == types.ProtocolGRPC && c.Protocols.GRPCStreaming,
			Discover:          p == types.ProtocolHTTP && c.Protocols.HTTPDiscover,
		}.WithDefaults())
	}
	return out, nil
}

// Validate 验证配置，汇总所有问题
func (c *Config) Validate() error {
	var errs []string

	t := c.Transport
	if t.DefaultTimeout <= 0 {
		errs = append(errs, "transport.default_timeout must be positive")
	}
	if t.BroadcastTimeout <= 0 {
		errs = append(errs, "transport.broadcast_timeout must be positive")
	}
	if t.Pool.MaxConnections < 0 || t.Pool.MaxConnectionsPerAgent < 0 {
		errs = append(errs, "transport.pool limits must not be negative")
	}
	if t.Pool.MaxConnections > 0 && t.Pool.MaxConnectionsPerAgent > t.Pool.MaxConnections {
		errs = append(errs, "transport.pool.max_connections_per_agent exceeds max_connections")
	}
	if t.Pool.IdleTimeout <= 0 || t.Pool.SweepInterval <= 0 {
		errs = append(errs, "transport.pool idle_timeout and sweep_interval must be positive")
	}
	if t.Retry.MaxAttempts < 1 {
		errs = append(errs, "transport.retry.max_attempts must be at least 1")
	}
	if t.Retry.Multiplier < 1 {
		errs = append(errs, "transport.retry.multiplier must be >= 1")
	}
	if t.RateLimit.MessagesPerSecond < 0 {
		errs = append(errs, "transport.rate_limit.messages_per_second must not be negative")
	}

	enabled := make(map[types.Protocol]bool)
	protocols, err := c.ProtocolConfigs()
	if err != nil {
		errs = append(errs, err.Error())
	}
	for _, p := range protocols {
		enabled[p.Protocol] = true
	}
	if len(c.Protocols.Enabled) == 0 {
		errs = append(errs, "protocols.enabled must list at least one protocol")
	}

	for i, peer := range c.Peers {
		if strings.TrimSpace(peer.AgentID) == "" {
			errs = append(errs, fmt.Sprintf("peers[%d].agent_id is required", i))
		}
		if err := peer.Connection.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("peers[%d]: %v", i, err))
			continue
		}
		if !enabled[peer.Connection.Protocol] {
			errs = append(errs, fmt.Sprintf("peers[%d]: protocol %s is not enabled", i, peer.Connection.Protocol))
		}
	}

	if c.Admin.Enabled && c.Admin.Addr == "" {
		errs = append(errs, "admin.addr is required when admin is enabled")
	}
	if c.Events.Redis.Enabled && c.Events.Redis.Addr == "" {
		errs = append(errs, "events.redis.addr is required when redis is enabled")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry.sample_rate must be between 0 and 1")
	}

	if len(errs) > 0 {
		return errors.New("config validation errors: " + strings.Join(errs, "; "))
	}
	return nil
}
