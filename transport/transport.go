package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentlink/config"
	"github.com/BaSui01/agentlink/transport/adapter"
	"github.com/BaSui01/agentlink/transport/dispatch"
	"github.com/BaSui01/agentlink/transport/events"
	"github.com/BaSui01/agentlink/transport/metrics"
	"github.com/BaSui01/agentlink/transport/registry"
	"github.com/BaSui01/agentlink/transport/retry"
	"github.com/BaSui01/agentlink/types"
)

// State is the facade lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateInitialized
	StateShutDown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateShutDown:
		return "shut_down"
	}
	return "unknown"
}

// Transport is the public entry point of the A2A transport layer.
type Transport struct {
	cfg            config.TransportConfig
	logger         *zap.Logger
	factory        adapter.Factory
	recorder       metrics.Recorder
	tracerProvider trace.TracerProvider
	listeners      []events.Handler

	state atomic.Int32

	// mu serializes lifecycle transitions and guards adapters.
	mu       sync.RWMutex
	adapters map[types.Protocol]adapter.Adapter

	bus        *events.Bus
	collector  *metrics.Collector
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher

	stopSweep context.CancelFunc
	sweepDone chan struct{}
}

// New builds an uninitialized Transport.
func New(cfg config.TransportConfig, opts ...Option) *Transport {
	t := &Transport{
		cfg:      cfg,
		logger:   zap.NewNop(),
		factory:  adapter.New,
		adapters: make(map[types.Protocol]adapter.Adapter),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(zap.String("component", "transport"))

	if t.cfg.DefaultTimeout <= 0 {
		t.cfg.DefaultTimeout = config.DefaultTransportConfig().DefaultTimeout
	}
	if t.cfg.BroadcastTimeout <= 0 {
		t.cfg.BroadcastTimeout = config.DefaultTransportConfig().BroadcastTimeout
	}

	t.bus = events.NewBus(t.logger)
	t.collector = metrics.NewCollector(t.recorder)
	t.bus.Subscribe(t.collector.HandleEvent)
	for _, fn := range t.listeners {
		t.bus.Subscribe(fn)
	}

	t.registry = registry.New(registryConfig(t.cfg), t.bus, t.logger)
	t.dispatcher = dispatch.New(dispatch.Config{
		LocalAgentID:     t.cfg.AgentID,
		DefaultTimeout:   t.cfg.DefaultTimeout,
		BroadcastTimeout: t.cfg.BroadcastTimeout,
		Retry:            retryPolicy(t.cfg.Retry),
	}, t.registry, t.collector, t.tracerProvider, t.logger)
	return t
}

func registryConfig(cfg config.TransportConfig) registry.Config {
	return registry.Config{
		MaxConnections:         cfg.Pool.MaxConnections,
		MaxConnectionsPerAgent: cfg.Pool.MaxConnectionsPerAgent,
		IdleTimeout:            cfg.Pool.IdleTimeout,
		SweepInterval:          cfg.Pool.SweepInterval,
		MessagesPerSecond:      cfg.RateLimit.MessagesPerSecond,
		Burst:                  cfg.RateLimit.Burst,
	}
}

func retryPolicy(cfg config.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		Multiplier:  cfg.Multiplier,
		MaxDelay:    cfg.MaxDelay,
		Jitter:      cfg.Jitter,
	}
}

// State returns the lifecycle state.
func (t *Transport) State() State {
	return State(t.state.Load())
}

func (t *Transport) ready() error {
	if t.State() != StateInitialized {
		return types.ErrNotInitialized.Clone()
	}
	return nil
}

// Initialize enables the given protocols and starts the stale sweep.
func (t *Transport) Initialize(ctx context.Context, protocols []types.ProtocolConfig) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.State() {
	case StateInitialized:
		return types.ErrAlreadyInitialized.Clone()
	case StateShutDown:
		return types.ErrNotInitialized.Clone().WithContext("state", StateShutDown.String())
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(protocols) == 0 {
		return types.ProtocolError(types.CodeInvalidConfig, "at least one protocol is required")
	}

	adapters := make(map[types.Protocol]adapter.Adapter, len(protocols))
	for _, pc := range protocols {
		if !pc.Protocol.Valid() {
			return types.ProtocolError(types.CodeUnsupportedProtocol, "unknown protocol %q", pc.Protocol).
				WithContext("protocol", string(pc.Protocol))
		}
		if _, dup := adapters[pc.Protocol]; dup {
			return types.ProtocolError(types.CodeInvalidConfig, "protocol %s configured twice", pc.Protocol)
		}
		a, err := t.factory(pc.WithDefaults(), t.logger)
		if err != nil {
			return err
		}
		adapters[pc.Protocol] = a
	}
	t.adapters = adapters

	sweepCtx, cancel := context.WithCancel(context.Background())
	t.stopSweep = cancel
	t.sweepDone = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		t.registry.Run(sweepCtx)
	}(t.sweepDone)

	t.state.Store(int32(StateInitialized))
	t.logger.Info("transport initialized", zap.Strings("protocols", protocolNames(t.supportedLocked())))
	return nil
}

// IsProtocolSupported reports whether p was enabled by Initialize.
func (t *Transport) IsProtocolSupported(p types.Protocol) bool {
	if t.State() != StateInitialized {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.adapters[p]
	return ok
}

// SupportedProtocols lists the enabled protocols in a stable order.
func (t *Transport) SupportedProtocols() []types.Protocol {
	if t.State() != StateInitialized {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.supportedLocked()
}

func (t *Transport) supportedLocked() []types.Protocol {
	var out []types.Protocol
	for _, p := range types.Protocols() {
		if _, ok := t.adapters[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

func protocolNames(ps []types.Protocol) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p)
	}
	return out
}

// Connect opens a connection to agentID.
func (t *Transport) Connect(ctx context.Context, agentID string, cfg types.ConnectionConfig) (types.Connection, error) {
	if err := t.ready(); err != nil {
		return types.Connection{}, err
	}
	if err := cfg.Validate(); err != nil {
		return types.Connection{}, err
	}

	t.mu.RLock()
	a, ok := t.adapters[cfg.Protocol]
	t.mu.RUnlock()
	if !ok {
		return types.Connection{}, types.ProtocolError(types.CodeUnsupportedProtocol, "protocol %s is not enabled", cfg.Protocol).
			WithContext("protocol", string(cfg.Protocol))
	}

	cfg.Timeout = cfg.TimeoutOr(t.cfg.DefaultTimeout)
	return t.registry.Connect(ctx, agentID, cfg, a)
}

// Disconnect closes a connection. Unknown ids are a no-op.
func (t *Transport) Disconnect(connID string) error {
	if err := t.ready(); err != nil {
		return err
	}
	return t.registry.Disconnect(connID, registry.ReasonRequested)
}

// SendMessage sends a request and returns the correlated response.
func (t *Transport) SendMessage(ctx context.Context, connID string, msg *types.Message) (*types.Message, error) {
	if err := t.ready(); err != nil {
		return nil, err
	}
	return t.dispatcher.SendMessage(ctx, connID, msg)
}

// SendNotification sends a message that expects no response.
func (t *Transport) SendNotification(ctx context.Context, connID string, msg *types.Message) error {
	if err := t.ready(); err != nil {
		return err
	}
	return t.dispatcher.SendNotification(ctx, connID, msg)
}

// BroadcastMessage sends msg to every active connection and returns the
// responses received within timeout. A non-positive timeout uses the
// configured broadcast window.
func (t *Transport) BroadcastMessage(ctx context.Context, msg *types.Message, timeout time.Duration) ([]*types.Message, error) {
	if err := t.ready(); err != nil {
		return nil, err
	}
	return t.dispatcher.BroadcastMessage(ctx, msg, timeout)
}

// GetActiveConnections returns snapshots of connections that can carry
// messages.
func (t *Transport) GetActiveConnections() ([]types.Connection, error) {
	if err := t.ready(); err != nil {
		return nil, err
	}
	return t.registry.Active(), nil
}

// GetConnection returns one connection snapshot.
func (t *Transport) GetConnection(connID string) (types.Connection, error) {
	if err := t.ready(); err != nil {
		return types.Connection{}, err
	}
	conn, ok := t.registry.Get(connID)
	if !ok {
		return types.Connection{}, types.ErrNotActive.Clone().WithContext("connection_id", connID)
	}
	return conn, nil
}

// GetTransportMetrics returns a metrics snapshot.
func (t *Transport) GetTransportMetrics() (types.TransportMetrics, error) {
	if err := t.ready(); err != nil {
		return types.TransportMetrics{}, err
	}
	return t.collector.Snapshot(), nil
}

// Subscribe registers fn for connection events. It may be called in any
// state; the returned function removes the subscription.
func (t *Transport) Subscribe(fn events.Handler) func() {
	return t.bus.Subscribe(fn)
}

// Events returns a buffered event channel; see events.Bus.Channel.
func (t *Transport) Events(buffer int) (<-chan events.Event, func()) {
	return t.bus.Channel(buffer)
}

// Shutdown stops the sweeper, disconnects everything and resets metrics.
// The transport cannot be initialized again.
func (t *Transport) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.State() != StateInitialized {
		return types.ErrNotInitialized.Clone()
	}
	t.state.Store(int32(StateShutDown))

	t.stopSweep()
	select {
	case <-t.sweepDone:
	case <-ctx.Done():
		t.logger.Warn("sweeper did not stop before shutdown deadline")
	}

	closed := t.registry.CloseAll(registry.ReasonShutdown)
	t.collector.Reset()
	t.bus.Close()
	t.adapters = make(map[types.Protocol]adapter.Adapter)

	t.logger.Info("transport shut down", zap.Int("connections_closed", closed))
	return nil
}
