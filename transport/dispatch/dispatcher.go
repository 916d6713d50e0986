package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/agentlink/internal/ctxkeys"
	"github.com/BaSui01/agentlink/transport/adapter"
	"github.com/BaSui01/agentlink/transport/metrics"
	"github.com/BaSui01/agentlink/transport/registry"
	"github.com/BaSui01/agentlink/transport/retry"
	"github.com/BaSui01/agentlink/types"
)

const instrumentationName = "github.com/BaSui01/agentlink/transport/dispatch"

// Config controls addressing, deadlines and retries.
type Config struct {
	// LocalAgentID fills From on outgoing messages that leave it empty.
	LocalAgentID string
	// DefaultTimeout bounds an attempt when the connection has no timeout.
	DefaultTimeout time.Duration
	// BroadcastTimeout is the broadcast window when the caller passes none.
	BroadcastTimeout time.Duration
	Retry            retry.Policy
}

// DefaultConfig returns the dispatch defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:   30 * time.Second,
		BroadcastTimeout: 10 * time.Second,
		Retry:            retry.DefaultPolicy(),
	}
}

// Dispatcher sends messages over registered connections.
type Dispatcher struct {
	cfg       Config
	registry  *registry.Registry
	collector *metrics.Collector
	retryer   *retry.Retryer
	tracer    trace.Tracer
	logger    *zap.Logger
}

// New creates a Dispatcher. collector and tp may be nil.
func New(cfg Config, reg *registry.Registry, collector *metrics.Collector, tp trace.TracerProvider, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	if collector == nil {
		collector = metrics.NewCollector(nil)
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if cfg.BroadcastTimeout <= 0 {
		cfg.BroadcastTimeout = DefaultConfig().BroadcastTimeout
	}
	logger = logger.With(zap.String("component", "dispatcher"))
	return &Dispatcher{
		cfg:       cfg,
		registry:  reg,
		collector: collector,
		retryer:   retry.New(cfg.Retry, logger),
		tracer:    tp.Tracer(instrumentationName),
		logger:    logger,
	}
}

// SendMessage sends a request and waits for the correlated response.
// Transient failures are retried under the retry policy; the returned error
// carries the number of attempts made.
func (d *Dispatcher) SendMessage(ctx context.Context, connID string, msg *types.Message) (*types.Message, error) {
	if _, err := d.registry.Lease(connID); err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, types.ProtocolError(types.CodeInvalidMessage, "message is nil")
	}
	req := msg.Clone()
	req.ApplyDefaults(types.MessageTypeRequest)
	if req.MessageType != types.MessageTypeRequest {
		return nil, types.ProtocolError(types.CodeInvalidMessage, "expected a request, got %s", req.MessageType)
	}
	return d.request(ctx, connID, req, metrics.KindRequest)
}

func (d *Dispatcher) request(ctx context.Context, connID string, req *types.Message, kind string) (*types.Message, error) {
	lease, err := d.registry.Lease(connID)
	if err != nil {
		return nil, err
	}
	d.address(req, lease)
	if err := req.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, types.ProtocolError(types.CodeInvalidMessage, "encode message").WithCause(err)
	}

	if err := d.registry.BeginRequest(connID, req.ID); err != nil {
		return nil, err
	}
	defer d.registry.EndRequest(connID, req.ID)

	ctx, span := d.startSpan(ctx, "agentlink.send", lease, req)
	defer span.End()

	call := adapter.Request{ID: req.ID, Payload: payload}
	resp, attempts, err := retry.DoValue(ctx, d.retryer, func(attempt int) (*types.Message, error) {
		raw, err := d.attempt(ctx, connID, attempt, call, kind)
		if err != nil {
			return nil, err
		}
		return correlate(req.ID, raw)
	})
	span.SetAttributes(attribute.Int("agentlink.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.log(ctx).Warn("send failed",
			zap.String("connection_id", connID),
			zap.String("message_id", req.ID),
			zap.String("method", req.Method),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return resp, nil
}

// SendNotification delivers a message that expects no response.
func (d *Dispatcher) SendNotification(ctx context.Context, connID string, msg *types.Message) error {
	lease, err := d.registry.Lease(connID)
	if err != nil {
		return err
	}
	if msg == nil {
		return types.ProtocolError(types.CodeInvalidMessage, "message is nil")
	}
	note := msg.Clone()
	note.MessageType = types.MessageTypeNotification
	note.ApplyDefaults(types.MessageTypeNotification)
	d.address(note, lease)
	if err := note.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(note)
	if err != nil {
		return types.ProtocolError(types.CodeInvalidMessage, "encode message").WithCause(err)
	}

	ctx, span := d.startSpan(ctx, "agentlink.notify", lease, note)
	defer span.End()

	call := adapter.Request{ID: note.ID, Payload: payload, Notify: true}
	attempts, err := d.retryer.Do(ctx, func(attempt int) error {
		_, err := d.attempt(ctx, connID, attempt, call, metrics.KindNotification)
		return err
	})
	span.SetAttributes(attribute.Int("agentlink.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.log(ctx).Warn("notification failed",
			zap.String("connection_id", connID),
			zap.String("method", note.Method),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return err
	}
	return nil
}

// BroadcastMessage sends a copy of msg to every active connection and
// collects the responses that arrive within timeout. A non-positive timeout
// selects the configured broadcast window. It fails only when nothing
// answered.
func (d *Dispatcher) BroadcastMessage(ctx context.Context, msg *types.Message, timeout time.Duration) ([]*types.Message, error) {
	if msg == nil {
		return nil, types.ProtocolError(types.CodeInvalidMessage, "message is nil")
	}
	proto := msg.Clone()
	proto.ApplyDefaults(types.MessageTypeRequest)
	if proto.MessageType != types.MessageTypeRequest {
		return nil, types.ProtocolError(types.CodeInvalidMessage, "broadcast requires a request, got %s", proto.MessageType)
	}
	if err := proto.Validate(); err != nil {
		return nil, err
	}

	targets := d.registry.Active()
	if len(targets) == 0 {
		return nil, types.ErrNoActiveConnections.Clone()
	}
	if timeout <= 0 {
		timeout = d.cfg.BroadcastTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ctx, span := d.tracer.Start(ctx, "agentlink.broadcast",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("agentlink.method", proto.Method),
			attribute.Int("agentlink.targets", len(targets)),
		))
	defer span.End()

	results := make([]*types.Message, len(targets))
	var g errgroup.Group
	for i, conn := range targets {
		g.Go(func() error {
			m := proto.Clone()
			m.To = conn.AgentID
			if msg.ID == "" {
				m.ID = types.NewMessageID()
			}
			resp, err := d.request(ctx, conn.ID, m, metrics.KindBroadcast)
			if err != nil {
				d.log(ctx).Debug("broadcast target failed",
					zap.String("connection_id", conn.ID),
					zap.String("agent_id", conn.AgentID),
					zap.Error(err))
				return nil
			}
			results[i] = resp
			return nil
		})
	}
	_ = g.Wait()

	responses := make([]*types.Message, 0, len(results))
	for _, r := range results {
		if r != nil {
			responses = append(responses, r)
		}
	}
	d.collector.Broadcast(len(targets), len(responses))
	span.SetAttributes(attribute.Int("agentlink.responses", len(responses)))

	if len(responses) == 0 {
		err := types.RoutingError(types.CodeBroadcastFailed, "no connection responded to broadcast").
			WithContext("targets", len(targets))
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	d.log(ctx).Debug("broadcast complete",
		zap.String("method", proto.Method),
		zap.Int("targets", len(targets)),
		zap.Int("responses", len(responses)))
	return responses, nil
}

// attempt runs one bounded send. The connection is leased again on every
// attempt so a connection closed between retries stops the loop with
// NOT_ACTIVE.
func (d *Dispatcher) attempt(ctx context.Context, connID string, attempt int, req adapter.Request, kind string) ([]byte, error) {
	lease, err := d.registry.Lease(connID)
	if err != nil {
		return nil, err
	}
	if attempt > 1 {
		d.collector.Retry(lease.Protocol)
	}

	timeout := lease.Timeout
	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if lease.Limiter != nil {
		if err := lease.Limiter.Wait(ctx); err != nil {
			return nil, waitError(ctx, err)
		}
	}

	d.registry.RecordSend(connID, len(req.Payload))
	start := time.Now()
	raw, err := lease.Handle.Send(ctx, req)
	latency := time.Since(start)
	d.collector.MessageAttempt(lease.Protocol, kind, err == nil, latency, int64(len(req.Payload)+len(raw)))
	if err != nil {
		d.log(ctx).Debug("attempt failed",
			zap.String("connection_id", connID),
			zap.String("message_id", req.ID),
			zap.Int("attempt", attempt),
			zap.Duration("latency", latency),
			zap.Error(err))
		return nil, err
	}
	if len(raw) > 0 {
		d.registry.RecordReceive(connID, len(raw))
	}
	return raw, nil
}

func waitError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return types.RoutingError(types.CodeUnreachable, "send canceled").WithCause(err)
	}
	return types.TimeoutError("rate limit wait exceeds deadline").WithCause(err)
}

// correlate decodes a reply and checks it answers the request.
func correlate(id string, raw []byte) (*types.Message, error) {
	resp, err := types.DecodeResponse(raw)
	if err != nil {
		return nil, err
	}
	if resp.ID == "" {
		resp.ID = id
	}
	if resp.ID != id {
		return nil, types.RoutingError(types.CodeCorrelationMismatch, "response id %s does not match request %s", resp.ID, id).
			WithContext("request_id", id).
			WithContext("response_id", resp.ID)
	}
	return resp, nil
}

func (d *Dispatcher) address(m *types.Message, lease registry.Lease) {
	if m.From == "" {
		m.From = d.cfg.LocalAgentID
	}
	if m.To == "" {
		m.To = lease.AgentID
	}
}

func (d *Dispatcher) startSpan(ctx context.Context, name string, lease registry.Lease, m *types.Message) (context.Context, trace.Span) {
	return d.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("agentlink.connection_id", lease.ID),
			attribute.String("agentlink.protocol", string(lease.Protocol)),
			attribute.String("agentlink.agent_id", lease.AgentID),
			attribute.String("agentlink.method", m.Method),
			attribute.String("agentlink.message_id", m.ID),
		))
}

func (d *Dispatcher) log(ctx context.Context) *zap.Logger {
	l := d.logger
	if id, ok := ctxkeys.TraceID(ctx); ok {
		l = l.With(zap.String("trace_id", id))
	} else if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(zap.String("trace_id", sc.TraceID().String()))
	}
	return l
}
