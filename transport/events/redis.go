package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentlink/config"
)

// =============================================================================
// 📡 Redis 事件发布
// =============================================================================

const publishTimeout = 2 * time.Second

// RedisPublisher 将连接事件以 JSON 发布到 Redis 频道
type RedisPublisher struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
	mu      sync.RWMutex
	closed  bool
}

// NewRedisPublisher 创建发布器并检查 Redis 连接
func NewRedisPublisher(cfg config.RedisConfig, logger *zap.Logger) (*RedisPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Channel == "" {
		cfg.Channel = config.DefaultEventsConfig().Redis.Channel
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	p := &RedisPublisher{
		client:  client,
		channel: cfg.Channel,
		logger:  logger.With(zap.String("component", "events_redis")),
	}
	p.logger.Info("redis event publisher ready",
		zap.String("addr", cfg.Addr),
		zap.String("channel", cfg.Channel))
	return p, nil
}

// Channel 返回发布频道
func (p *RedisPublisher) Channel() string {
	return p.channel
}

// Publish 发布一个事件
func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return fmt.Errorf("event publisher is closed")
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("event publish failed: %w", err)
	}
	return nil
}

// Handle 可直接注册为 Bus 订阅者；发布失败只记录日志
func (p *RedisPublisher) Handle(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.Publish(ctx, e); err != nil {
		p.logger.Warn("failed to publish connection event",
			zap.String("type", string(e.Type)),
			zap.String("connection_id", e.ConnectionID),
			zap.Error(err))
	}
}

// Close 关闭 Redis 客户端
func (p *RedisPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.logger.Info("closing redis event publisher")
	return p.client.Close()
}
