package transport

import (
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentlink/transport/adapter"
	"github.com/BaSui01/agentlink/transport/events"
	"github.com/BaSui01/agentlink/transport/metrics"
)

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithAdapterFactory replaces the adapter constructor used by Initialize.
func WithAdapterFactory(f adapter.Factory) Option {
	return func(t *Transport) {
		if f != nil {
			t.factory = f
		}
	}
}

// WithRecorder forwards every observation to r, typically the Prometheus
// collector from internal/metrics.
func WithRecorder(r metrics.Recorder) Option {
	return func(t *Transport) {
		t.recorder = r
	}
}

// WithTracerProvider sets the provider used for send spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(t *Transport) {
		t.tracerProvider = tp
	}
}

// WithListener subscribes fn to connection events from construction on.
func WithListener(fn events.Handler) Option {
	return func(t *Transport) {
		if fn != nil {
			t.listeners = append(t.listeners, fn)
		}
	}
}
