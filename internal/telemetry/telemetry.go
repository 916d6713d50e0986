// =============================================================================
// 📡 AgentLink 遥测初始化
// =============================================================================
// 为连接建立与消息分发的 span 提供 TracerProvider，并通过 OTLP gRPC 导出。
// 关闭遥测时不创建任何导出器，传输层使用 noop provider。
// =============================================================================

package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/BaSui01/agentlink/config"
)

const defaultServiceName = "agentlink"

// Identity 描述上报到 OTel resource 的进程身份
type Identity struct {
	// Version 构建版本，为空时记为 dev
	Version string
	// AgentID 本地 agent 标识，作为 service.instance.id
	AgentID string
}

// Providers 持有 SDK 的 TracerProvider 与 MeterProvider，关闭遥测时均为 nil
type Providers struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// Init 按配置初始化 OTel SDK 并注册为全局 provider。
// cfg.Enabled 为 false 时返回空的 Providers，不连接任何外部服务。
func Init(ctx context.Context, cfg config.TelemetryConfig, id Identity, logger *zap.Logger) (*Providers, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "telemetry"))
	if !cfg.Enabled {
		logger.Debug("telemetry disabled")
		return &Providers{}, nil
	}

	res, err := newResource(ctx, cfg, id)
	if err != nil {
		return nil, err
	}
	spanExp, metricExp, err := newExporters(ctx, cfg)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(spanExp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("telemetry initialized",
		zap.String("endpoint", cfg.OTLPEndpoint),
		zap.String("agent_id", id.AgentID),
		zap.Float64("sample_rate", cfg.SampleRate))
	return &Providers{tp: tp, mp: mp}, nil
}

func newResource(ctx context.Context, cfg config.TelemetryConfig, id Identity) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = defaultServiceName
	}
	version := id.Version
	if version == "" {
		version = "dev"
	}
	attrs := []resource.Option{resource.WithAttributes(
		semconv.ServiceName(name),
		semconv.ServiceVersion(version),
	)}
	if id.AgentID != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceInstanceID(id.AgentID)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}
	return res, nil
}

// newExporters 创建 span 与 metric 导出器；后者失败时关闭前者
func newExporters(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, sdkmetric.Exporter, error) {
	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	spanExp, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create trace exporter: %w", err)
	}
	metricExp, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = spanExp.Shutdown(ctx)
		return nil, nil, fmt.Errorf("create metric exporter: %w", err)
	}
	return spanExp, metricExp, nil
}

// sampler 尊重上游的采样决定，根 span 按比例采样
func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate < 0:
		rate = 0
	case rate > 1:
		rate = 1
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// TracerProvider 返回 SDK provider，关闭遥测时返回 noop provider
func (p *Providers) TracerProvider() trace.TracerProvider {
	if p == nil || p.tp == nil {
		return noop.NewTracerProvider()
	}
	return p.tp
}

// Enabled 报告是否创建了 SDK provider
func (p *Providers) Enabled() bool {
	return p != nil && p.tp != nil
}

// Shutdown 刷新未导出的数据并关闭导出器，nil 或空 Providers 上调用是安全的
func (p *Providers) Shutdown(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	return errors.Join(
		wrap("shutdown tracer provider", p.tp.Shutdown(ctx)),
		wrap("shutdown meter provider", p.mp.Shutdown(ctx)),
	)
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
