package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/BaSui01/agentlink/transport/adapter"
	"github.com/BaSui01/agentlink/transport/events"
	"github.com/BaSui01/agentlink/types"
)

// Disconnect reasons reported on connection.closed events.
const (
	ReasonRequested = "requested"
	ReasonStale     = "stale"
	ReasonDead      = "dead"
	ReasonShutdown  = "shutdown"
)

// Config bounds the pool and drives the stale sweep. Zero limits mean
// unlimited; a zero IdleTimeout disables idle reclamation.
type Config struct {
	MaxConnections         int
	MaxConnectionsPerAgent int
	IdleTimeout            time.Duration
	SweepInterval          time.Duration

	// MessagesPerSecond enables a token bucket per connection when positive.
	MessagesPerSecond float64
	Burst             int
}

// DefaultConfig returns the pool defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnections:         100,
		MaxConnectionsPerAgent: 10,
		IdleTimeout:            5 * time.Minute,
		SweepInterval:          5 * time.Second,
		Burst:                  1,
	}
}

type entry struct {
	conn     types.Connection
	handle   adapter.Handle
	limiter  *rate.Limiter
	inflight map[string]struct{}
}

// Lease is what the dispatcher needs to run one call against a connection.
type Lease struct {
	ID       string
	AgentID  string
	Protocol types.Protocol
	Timeout  time.Duration
	Handle   adapter.Handle
	// Limiter is nil when rate limiting is off.
	Limiter *rate.Limiter
}

// Registry owns the connection map. Readers get value snapshots; handle I/O
// never happens while the lock is held.
type Registry struct {
	cfg    Config
	events events.Emitter
	logger *zap.Logger
	now    func() time.Time

	mu       sync.RWMutex
	entries  map[string]*entry
	reserved int
	perAgent map[string]int
	// closed is set by CloseAll; later connects are refused.
	closed bool
}

// New creates an empty Registry. emitter may be nil.
func New(cfg Config, emitter events.Emitter, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	return &Registry{
		cfg:      cfg,
		events:   emitter,
		logger:   logger.With(zap.String("component", "registry")),
		now:      time.Now,
		entries:  make(map[string]*entry),
		perAgent: make(map[string]int),
	}
}

// Connect validates cfg, reserves pool capacity, then asks a to open the
// connection within cfg.Timeout. Nothing is inserted unless the adapter
// succeeds, and the reservation is released on failure.
func (r *Registry) Connect(ctx context.Context, agentID string, cfg types.ConnectionConfig, a adapter.Adapter) (types.Connection, error) {
	if agentID == "" {
		return types.Connection{}, types.ProtocolError(types.CodeInvalidConfig, "agent id is required")
	}
	if err := cfg.Validate(); err != nil {
		return types.Connection{}, err
	}
	if a == nil || a.Protocol() != cfg.Protocol {
		return types.Connection{}, types.ProtocolError(types.CodeUnsupportedProtocol, "protocol %s is not supported", cfg.Protocol).
			WithContext("protocol", string(cfg.Protocol))
	}

	if err := r.reserve(agentID); err != nil {
		r.logger.Warn("connection rejected",
			zap.String("agent_id", agentID),
			zap.String("protocol", string(cfg.Protocol)),
			zap.Error(err))
		return types.Connection{}, err
	}

	cfg = cfg.Clone()
	r.logger.Debug("connecting",
		zap.String("agent_id", agentID),
		zap.String("protocol", string(cfg.Protocol)),
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port))

	dialCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	h, err := a.Connect(dialCtx, cfg.Clone())
	if err != nil {
		r.release(agentID)
		err = normalize(err, cfg.Timeout)
		r.logger.Warn("connect failed",
			zap.String("agent_id", agentID),
			zap.String("protocol", string(cfg.Protocol)),
			zap.Error(err))
		r.emit(events.Event{
			Type:     events.ConnectionFailed,
			AgentID:  agentID,
			Protocol: cfg.Protocol,
			Error:    err.Error(),
		})
		return types.Connection{}, err
	}

	now := r.now()
	e := &entry{
		conn: types.Connection{
			ID:             uuid.New().String(),
			AgentID:        agentID,
			Protocol:       cfg.Protocol,
			Config:         cfg,
			State:          types.StateConnected,
			IsConnected:    true,
			ConnectionTime: now,
			LastActivity:   now,
			ConnectLatency: h.ConnectLatency(),
		},
		handle:   h,
		inflight: make(map[string]struct{}),
	}
	if r.cfg.MessagesPerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(r.cfg.MessagesPerSecond), r.cfg.Burst)
	}

	r.mu.Lock()
	if r.closed {
		r.releaseLocked(agentID)
		r.mu.Unlock()
		_ = h.Close()
		r.logger.Debug("registry closed while connecting",
			zap.String("agent_id", agentID),
			zap.String("protocol", string(cfg.Protocol)))
		return types.Connection{}, errClosed()
	}
	r.entries[e.conn.ID] = e
	snapshot := e.conn
	r.mu.Unlock()

	r.logger.Info("connection established",
		zap.String("connection_id", snapshot.ID),
		zap.String("agent_id", agentID),
		zap.String("protocol", string(cfg.Protocol)),
		zap.Duration("latency", snapshot.ConnectLatency))
	r.emit(events.Event{
		Type:         events.ConnectionEstablished,
		ConnectionID: snapshot.ID,
		AgentID:      agentID,
		Protocol:     cfg.Protocol,
		Latency:      snapshot.ConnectLatency,
	})
	return snapshot, nil
}

func (r *Registry) reserve(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errClosed()
	}
	if limit := r.cfg.MaxConnections; limit > 0 && r.reserved >= limit {
		return types.CapacityError(types.CodePoolExhausted, "connection pool exhausted (%d/%d)", r.reserved, limit).
			WithContext("limit", limit)
	}
	if limit := r.cfg.MaxConnectionsPerAgent; limit > 0 && r.perAgent[agentID] >= limit {
		return types.CapacityError(types.CodeAgentPoolExhausted, "agent %s has %d/%d connections", agentID, r.perAgent[agentID], limit).
			WithContext("agent_id", agentID).
			WithContext("limit", limit)
	}
	r.reserved++
	r.perAgent[agentID]++
	return nil
}

// release must not be called with r.mu held.
func (r *Registry) release(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseLocked(agentID)
}

func (r *Registry) releaseLocked(agentID string) {
	r.reserved--
	if r.perAgent[agentID] <= 1 {
		delete(r.perAgent, agentID)
	} else {
		r.perAgent[agentID]--
	}
}

func errClosed() error {
	return types.ErrNotInitialized.Clone().WithContext("reason", "registry closed")
}

// normalize guarantees callers see a structured error. A deadline hit while
// connecting becomes a timeout error.
func normalize(err error, timeout time.Duration) error {
	if _, ok := types.AsError(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.TimeoutError("connect timed out after %s", timeout).WithCause(err)
	}
	return types.RoutingError(types.CodeUnreachable, "connect failed").WithCause(err)
}

// Disconnect removes the connection and closes its handle. Unknown ids are a
// no-op, so it is safe to call more than once.
func (r *Registry) Disconnect(id, reason string) error {
	r.remove(id, reason, nil)
	return nil
}

// remove deletes the entry when keep is nil or returns false for it under
// the lock, and reports whether it did.
func (r *Registry) remove(id, reason string, keep func(*entry) bool) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || (keep != nil && keep(e)) {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, id)
	r.releaseLocked(e.conn.AgentID)
	e.conn.State = types.StateClosing
	conn := e.conn
	r.mu.Unlock()

	if err := e.handle.Close(); err != nil {
		r.logger.Debug("handle close returned error",
			zap.String("connection_id", id),
			zap.Error(err))
	}

	r.logger.Info("connection closed",
		zap.String("connection_id", id),
		zap.String("agent_id", conn.AgentID),
		zap.String("reason", reason))
	r.emit(events.Event{
		Type:         events.ConnectionClosed,
		ConnectionID: id,
		AgentID:      conn.AgentID,
		Protocol:     conn.Protocol,
		Reason:       reason,
	})
	return true
}

// CloseAll refuses further connects, disconnects every connection
// concurrently and returns how many were closed. Connects still dialing
// close their own handle when they finish.
func (r *Registry) CloseAll(reason string) int {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(16)
	for _, id := range ids {
		g.Go(func() error {
			return r.Disconnect(id, reason)
		})
	}
	_ = g.Wait()
	return len(ids)
}

// Lease returns what is needed to call the connection. Missing or dead
// connections fail with NOT_ACTIVE.
func (r *Registry) Lease(id string) (Lease, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	if !ok || e.conn.State != types.StateConnected {
		r.mu.RUnlock()
		return Lease{}, notActive(id)
	}
	l := Lease{
		ID:       id,
		AgentID:  e.conn.AgentID,
		Protocol: e.conn.Protocol,
		Timeout:  e.conn.Config.Timeout,
		Handle:   e.handle,
		Limiter:  e.limiter,
	}
	r.mu.RUnlock()

	if !l.Handle.Alive() {
		return Lease{}, notActive(id)
	}
	return l, nil
}

func notActive(id string) error {
	return types.ErrNotActive.Clone().WithContext("connection_id", id)
}

// BeginRequest marks msgID as outstanding on the connection. A second
// outstanding request with the same id is rejected.
func (r *Registry) BeginRequest(id, msgID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return notActive(id)
	}
	if _, dup := e.inflight[msgID]; dup {
		return types.ProtocolError(types.CodeDuplicateMessageID, "message id %s is already in flight", msgID).
			WithContext("connection_id", id)
	}
	e.inflight[msgID] = struct{}{}
	return nil
}

// EndRequest clears an outstanding id.
func (r *Registry) EndRequest(id, msgID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		delete(e.inflight, msgID)
	}
}

// RecordSend counts one outbound message of n bytes.
func (r *Registry) RecordSend(id string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.conn.MessagesSent++
		e.conn.BytesTransferred += int64(n)
		e.conn.LastActivity = r.now()
	}
}

// RecordReceive counts one inbound message of n bytes.
func (r *Registry) RecordReceive(id string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.conn.MessagesReceived++
		e.conn.BytesTransferred += int64(n)
		e.conn.LastActivity = r.now()
	}
}

// Touch refreshes LastActivity.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.conn.LastActivity = r.now()
	}
}

// Get returns a snapshot of one connection.
func (r *Registry) Get(id string) (types.Connection, bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.RUnlock()
		return types.Connection{}, false
	}
	conn, h := e.conn, e.handle
	r.mu.RUnlock()
	return snapshot(conn, h), true
}

func snapshot(conn types.Connection, h adapter.Handle) types.Connection {
	conn.Config = conn.Config.Clone()
	conn.IsConnected = conn.State == types.StateConnected && h.Alive()
	return conn
}

// List returns snapshots of every registered connection, oldest first.
func (r *Registry) List() []types.Connection {
	r.mu.RLock()
	out := make([]types.Connection, 0, len(r.entries))
	handles := make([]adapter.Handle, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.conn)
		handles = append(handles, e.handle)
	}
	r.mu.RUnlock()

	for i := range out {
		out[i] = snapshot(out[i], handles[i])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectionTime.Equal(out[j].ConnectionTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectionTime.Before(out[j].ConnectionTime)
	})
	return out
}

// Active returns the connections that can currently carry messages.
func (r *Registry) Active() []types.Connection {
	all := r.List()
	out := all[:0]
	for _, c := range all {
		if c.IsConnected {
			out = append(out, c)
		}
	}
	return out
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// CountForAgent returns the number of registered connections for one agent.
func (r *Registry) CountForAgent(agentID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if e.conn.AgentID == agentID {
			n++
		}
	}
	return n
}

func (r *Registry) emit(e events.Event) {
	if r.events != nil {
		r.events.Emit(e)
	}
}
