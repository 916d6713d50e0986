package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentlink/config"
	"github.com/BaSui01/agentlink/internal/tlsutil"
)

// =============================================================================
// 🌐 管理端 HTTP 服务器
// =============================================================================

// Manager 管理端 HTTP 服务器，负责监听、服务与优雅关闭
type Manager struct {
	server   *http.Server
	listener net.Listener
	errCh    chan error
	config   Config
	logger   *zap.Logger
	mu       sync.RWMutex
	closed   bool
}

// Config 服务器配置
type Config struct {
	// 监听地址，":0" 表示随机端口
	Addr string `yaml:"addr" json:"addr"`

	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// 最大请求头大小
	MaxHeaderBytes int `yaml:"max_header_bytes" json:"max_header_bytes"`

	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// DefaultConfig 返回默认服务器配置
func DefaultConfig() Config {
	return Config{
		Addr:            ":9091",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: 15 * time.Second,
	}
}

// FromAdminConfig 由 config.AdminConfig 构建服务器配置，零值字段取默认值
func FromAdminConfig(ac config.AdminConfig) Config {
	cfg := DefaultConfig()
	if ac.Addr != "" {
		cfg.Addr = ac.Addr
	}
	if ac.ReadTimeout > 0 {
		cfg.ReadTimeout = ac.ReadTimeout
	}
	if ac.WriteTimeout > 0 {
		cfg.WriteTimeout = ac.WriteTimeout
	}
	if ac.ShutdownTimeout > 0 {
		cfg.ShutdownTimeout = ac.ShutdownTimeout
	}
	return cfg
}

// NewManager 创建服务器管理器
func NewManager(handler http.Handler, config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &http.Server{
		Addr:           config.Addr,
		Handler:        handler,
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
	}

	return &Manager{
		server: server,
		errCh:  make(chan error, 1),
		config: config,
		logger: logger.With(zap.String("component", "admin_server")),
	}
}

// =============================================================================
// 🎯 核心方法
// =============================================================================

// Start 启动服务器（非阻塞）
func (m *Manager) Start() error {
	listener, err := m.listen()
	if err != nil {
		return err
	}
	m.logger.Info("starting admin server", zap.String("addr", listener.Addr().String()))
	go m.serve(func() error { return m.server.Serve(listener) })
	return nil
}

// StartTLS 启动 HTTPS 服务器（非阻塞），使用 tlsutil 的 TLS 1.2+ 基线配置
func (m *Manager) StartTLS(certFile, keyFile string) error {
	if certFile == "" || keyFile == "" {
		return fmt.Errorf("tls cert and key files are required")
	}
	m.server.TLSConfig = tlsutil.DefaultTLSConfig()

	listener, err := m.listen()
	if err != nil {
		return err
	}
	m.logger.Info("starting admin server with TLS",
		zap.String("addr", listener.Addr().String()),
		zap.String("cert", certFile),
	)
	go m.serve(func() error { return m.server.ServeTLS(listener, certFile, keyFile) })
	return nil
}

func (m *Manager) listen() (net.Listener, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("server is closed")
	}
	if m.listener != nil {
		return nil, fmt.Errorf("server already started")
	}

	listener, err := net.Listen("tcp", m.config.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", m.config.Addr, err)
	}
	m.listener = listener
	return listener, nil
}

func (m *Manager) serve(run func() error) {
	if err := run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		m.logger.Error("admin server failed", zap.Error(err))
		select {
		case m.errCh <- err:
		default:
		}
	}
}

// Shutdown 优雅关闭服务器，重复调用返回 nil
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.logger.Info("shutting down admin server")

	shutdownCtx, cancel := context.WithTimeout(ctx, m.config.ShutdownTimeout)
	defer cancel()

	if err := m.server.Shutdown(shutdownCtx); err != nil {
		m.logger.Error("admin server shutdown failed", zap.Error(err))
		return err
	}
	m.listener = nil

	m.logger.Info("admin server stopped")
	return nil
}

// Wait 阻塞直到收到 SIGINT/SIGTERM、ctx 结束或服务器异常退出。
// 不会自动关闭服务器，由调用方按依赖顺序执行 Shutdown。
func (m *Manager) Wait(ctx context.Context) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		m.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		return nil
	case <-ctx.Done():
		return nil
	case err := <-m.errCh:
		m.logger.Error("admin server exited unexpectedly", zap.Error(err))
		return err
	}
}

// Errors 返回异步服务错误通道
func (m *Manager) Errors() <-chan error {
	return m.errCh
}

// =============================================================================
// 🔧 辅助方法
// =============================================================================

// Addr 返回配置的监听地址
func (m *Manager) Addr() string {
	return m.config.Addr
}

// ListenAddr 返回实际绑定的地址，未启动时为空
func (m *Manager) ListenAddr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// IsRunning 检查服务器是否运行中
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.closed
}
