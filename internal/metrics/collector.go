// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 传输层 Prometheus 指标收集器
type Collector struct {
	// 连接指标
	connectsTotal     *prometheus.CounterVec
	connectDuration   *prometheus.HistogramVec
	connectionsActive *prometheus.GaugeVec
	disconnectsTotal  *prometheus.CounterVec

	// 消息指标
	messagesTotal   *prometheus.CounterVec
	messageDuration *prometheus.HistogramVec
	bytesTotal      *prometheus.CounterVec
	retriesTotal    *prometheus.CounterVec

	// 广播指标
	broadcastsTotal    *prometheus.CounterVec
	broadcastResponses prometheus.Histogram

	// 管理端 HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器。reg 为 nil 时注册到默认 Registry。
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 连接指标
	c.connectsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_total",
			Help:      "Total number of connection attempts",
		},
		[]string{"protocol", "result"},
	)

	c.connectDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_duration_seconds",
			Help:      "Connection establishment latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"protocol"},
	)

	c.connectionsActive = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of open connections",
		},
		[]string{"protocol"},
	)

	c.disconnectsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Total number of closed connections",
		},
		[]string{"protocol", "reason"},
	)

	// 消息指标
	c.messagesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Total number of message attempts",
		},
		[]string{"protocol", "kind", "status"},
	)

	c.messageDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_duration_seconds",
			Help:      "Message round-trip latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"protocol", "kind"},
	)

	c.bytesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total bytes written and read",
		},
		[]string{"protocol"},
	)

	c.retriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Total number of message retries",
		},
		[]string{"protocol"},
	)

	// 广播指标
	c.broadcastsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Total number of broadcasts",
		},
		[]string{"status"},
	)

	c.broadcastResponses = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broadcast_response_ratio",
			Help:      "Fraction of targets that replied within the broadcast window",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	// 管理端 HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of admin HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🔌 连接指标记录
// =============================================================================

// RecordConnect 记录一次连接尝试
func (c *Collector) RecordConnect(protocol string, ok bool, latency time.Duration) {
	c.connectsTotal.WithLabelValues(protocol, result(ok)).Inc()
	if ok {
		c.connectDuration.WithLabelValues(protocol).Observe(latency.Seconds())
		c.connectionsActive.WithLabelValues(protocol).Inc()
	}
}

// RecordDisconnect 记录连接关闭
func (c *Collector) RecordDisconnect(protocol, reason string) {
	c.disconnectsTotal.WithLabelValues(protocol, reason).Inc()
	c.connectionsActive.WithLabelValues(protocol).Dec()
}

// =============================================================================
// ✉️ 消息指标记录
// =============================================================================

// RecordMessage 记录一次消息发送尝试
func (c *Collector) RecordMessage(protocol, kind string, ok bool, latency time.Duration, bytes int64) {
	c.messagesTotal.WithLabelValues(protocol, kind, result(ok)).Inc()
	if ok {
		c.messageDuration.WithLabelValues(protocol, kind).Observe(latency.Seconds())
	}
	if bytes > 0 {
		c.bytesTotal.WithLabelValues(protocol).Add(float64(bytes))
	}
}

// RecordRetry 记录一次重试
func (c *Collector) RecordRetry(protocol string) {
	c.retriesTotal.WithLabelValues(protocol).Inc()
}

// RecordBroadcast 记录一次广播
func (c *Collector) RecordBroadcast(targets, responses int) {
	c.broadcastsTotal.WithLabelValues(result(responses > 0)).Inc()
	if targets > 0 {
		c.broadcastResponses.Observe(float64(responses) / float64(targets))
	}
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录管理端 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
