package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/BaSui01/agentlink/config"
	"github.com/BaSui01/agentlink/internal/metrics"
	"github.com/BaSui01/agentlink/internal/server"
	"github.com/BaSui01/agentlink/internal/telemetry"
	"github.com/BaSui01/agentlink/transport"
	"github.com/BaSui01/agentlink/transport/events"
	"github.com/BaSui01/agentlink/types"
)

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	loader := config.NewLoader().WithValidator(func(c *config.Config) error { return c.Validate() })
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting AgentLink",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	s := NewServer(cfg, loader, logger)
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		s.Shutdown(ctx)
		return err
	}

	waitErr := s.Wait(ctx)
	s.Shutdown(ctx)
	logger.Info("AgentLink stopped")
	return waitErr
}

// =============================================================================
// 🧩 Server
// =============================================================================

// Server 组装传输层、管理端与配置热更新
type Server struct {
	cfg    *config.Config
	loader *config.Loader
	logger *zap.Logger

	providers *telemetry.Providers
	registry  *prometheus.Registry
	metrics   *metrics.Collector
	publisher *events.RedisPublisher
	transport *transport.Transport
	watcher   *config.Watcher
	admin     *server.Manager

	cancel context.CancelFunc

	// peers 记录配置中的对端到连接 ID 的映射，热更新时据此增删
	mu    sync.Mutex
	peers map[string]string
}

// NewServer 创建服务实例
func NewServer(cfg *config.Config, loader *config.Loader, logger *zap.Logger) *Server {
	return &Server{
		cfg:    cfg,
		loader: loader,
		logger: logger,
		peers:  make(map[string]string),
	}
}

// Start 依次初始化遥测、指标、事件、传输层、对端连接、配置监听与管理端
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	providers, err := telemetry.Init(ctx, s.cfg.Telemetry, telemetry.Identity{
		Version: Version,
		AgentID: s.cfg.Transport.AgentID,
	}, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	s.providers = providers

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = metrics.NewCollector(s.cfg.Metrics.Namespace, s.registry, s.logger)

	opts := []transport.Option{
		transport.WithLogger(s.logger),
		transport.WithRecorder(s.metrics),
		transport.WithTracerProvider(s.providers.TracerProvider()),
	}
	if s.cfg.Events.Redis.Enabled {
		pub, err := events.NewRedisPublisher(s.cfg.Events.Redis, s.logger)
		if err != nil {
			return fmt.Errorf("failed to init event publisher: %w", err)
		}
		s.publisher = pub
		opts = append(opts, transport.WithListener(pub.Handle))
	}
	s.transport = transport.New(s.cfg.Transport, opts...)

	protocols, err := s.cfg.ProtocolConfigs()
	if err != nil {
		return err
	}
	if err := s.transport.Initialize(ctx, protocols); err != nil {
		return fmt.Errorf("failed to initialize transport: %w", err)
	}
	s.reconcilePeers(ctx, s.cfg.Peers)

	if s.loader.ConfigPath() != "" {
		if err := s.startWatcher(ctx); err != nil {
			s.logger.Warn("config hot reload disabled", zap.Error(err))
		}
	}

	if s.cfg.Admin.Enabled {
		if err := s.startAdmin(ctx); err != nil {
			return fmt.Errorf("failed to start admin server: %w", err)
		}
	}

	s.logger.Info("AgentLink started",
		zap.Any("protocols", s.transport.SupportedProtocols()),
		zap.Int("peers", len(s.cfg.Peers)),
		zap.Bool("admin", s.cfg.Admin.Enabled),
		zap.Bool("hot_reload", s.watcher != nil),
	)
	return nil
}

func (s *Server) startWatcher(ctx context.Context) error {
	w, err := config.NewWatcher(s.loader, s.cfg, config.WithWatcherLogger(s.logger))
	if err != nil {
		return err
	}
	w.OnReload(func(old, updated *config.Config) {
		s.logger.Info("configuration reloaded, reconciling peers",
			zap.Int("before", len(old.Peers)),
			zap.Int("after", len(updated.Peers)),
		)
		s.reconcilePeers(ctx, updated.Peers)
	})
	if err := w.Start(ctx); err != nil {
		return err
	}
	s.watcher = w
	return nil
}

func (s *Server) startAdmin(ctx context.Context) error {
	ac := s.cfg.Admin
	handler := Chain(newAdminMux(s.transport, s.registry, s.logger),
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(s.providers.TracerProvider()),
		RateLimiter(ctx, ac.RequestsPerSecond, 0, s.logger),
		JWTAuth(ac.JWTSecret, adminSkipAuthPaths, s.logger),
		// 紧贴路由，才能读到 r.Pattern 与 caller
		RequestLogger(s.logger, s.metrics),
	)

	s.admin = server.NewManager(handler, server.FromAdminConfig(ac), s.logger)
	if ac.TLSCertFile != "" && ac.TLSKeyFile != "" {
		return s.admin.StartTLS(ac.TLSCertFile, ac.TLSKeyFile)
	}
	return s.admin.Start()
}

// =============================================================================
// 🔗 对端连接
// =============================================================================

func peerKey(p config.PeerConfig) string {
	c := p.Connection
	return fmt.Sprintf("%s|%s://%s:%d%s", p.AgentID, c.Protocol, c.Host, c.Port, c.Path)
}

// reconcilePeers 连接新增的对端，断开已移除的对端。
// 连接失败只记录日志，下一次热更新会重试。
func (s *Server) reconcilePeers(ctx context.Context, peers []config.PeerConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	desired := make(map[string]config.PeerConfig, len(peers))
	for _, p := range peers {
		desired[peerKey(p)] = p
	}

	for key, connID := range s.peers {
		if _, keep := desired[key]; keep {
			if _, err := s.transport.GetConnection(connID); err == nil {
				continue
			}
			// 连接已被清理，重新建立
		}
		_ = s.transport.Disconnect(connID)
		delete(s.peers, key)
	}

	for key, p := range desired {
		if _, ok := s.peers[key]; ok {
			continue
		}
		conn, err := s.transport.Connect(ctx, p.AgentID, p.Connection)
		if err != nil {
			s.logger.Warn("failed to connect peer",
				zap.String("agent_id", p.AgentID),
				zap.String("protocol", string(p.Connection.Protocol)),
				zap.Error(err),
			)
			continue
		}
		s.peers[key] = conn.ID
		s.logger.Info("peer connected",
			zap.String("agent_id", p.AgentID),
			zap.String("connection_id", conn.ID),
		)
	}
}

// PeerConnections 返回对端到连接 ID 的快照
func (s *Server) PeerConnections() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.peers))
	for k, v := range s.peers {
		out[k] = v
	}
	return out
}

// =============================================================================
// 🛑 等待与关闭
// =============================================================================

// Wait 阻塞直到收到信号、ctx 结束或管理端异常退出
func (s *Server) Wait(ctx context.Context) error {
	if s.admin != nil {
		return s.admin.Wait(ctx)
	}
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	return nil
}

// Shutdown 按依赖逆序关闭：管理端 → 配置监听 → 传输层 → 事件发布 → 遥测
func (s *Server) Shutdown(ctx context.Context) {
	s.logger.Info("starting graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if s.admin != nil {
		if err := s.admin.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("admin server shutdown error", zap.Error(err))
		}
	}
	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.transport != nil {
		if err := s.transport.Shutdown(shutdownCtx); err != nil && !isNotInitialized(err) {
			s.logger.Error("transport shutdown error", zap.Error(err))
		}
	}
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Error("event publisher close error", zap.Error(err))
		}
	}
	if err := s.providers.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("telemetry shutdown error", zap.Error(err))
	}

	s.logger.Info("graceful shutdown completed")
}

func isNotInitialized(err error) bool {
	return errors.Is(err, types.ErrNotInitialized)
}
