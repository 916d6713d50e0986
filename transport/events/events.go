package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentlink/types"
)

// Type names a connection lifecycle event.
type Type string

const (
	ConnectionEstablished Type = "connection.established"
	ConnectionClosed      Type = "connection.closed"
	ConnectionFailed      Type = "connection.failed"
)

// Event describes one change in a connection's lifecycle.
// ConnectionID is empty for failed connects, which never produced an entry.
type Event struct {
	Type         Type           `json:"type"`
	ConnectionID string         `json:"connectionId,omitempty"`
	AgentID      string         `json:"agentId"`
	Protocol     types.Protocol `json:"protocol"`
	Reason       string         `json:"reason,omitempty"`
	Error        string         `json:"error,omitempty"`
	Latency      time.Duration  `json:"latency,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Handler receives events synchronously, in emission order.
type Handler func(Event)

// Emitter is the publishing side consumed by the registry.
type Emitter interface {
	Emit(Event)
}

type subscriber struct {
	id uint64
	fn Handler
}

// Bus fans events out to subscribers. It is owned by one transport; there is
// no process-wide instance.
type Bus struct {
	mu      sync.RWMutex
	subs    []subscriber
	closers []func()
	nextID  uint64
	closed  bool
	logger  *zap.Logger
}

// NewBus creates an empty Bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger.With(zap.String("component", "events"))}
}

// Subscribe registers fn and returns a function that removes it.
// Subscribing to a closed bus is a no-op.
func (b *Bus) Subscribe(fn Handler) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Channel subscribes a buffered channel. Events that do not fit are dropped
// rather than blocking the emitter. The channel is closed by unsubscribe or
// by Close.
func (b *Bus) Channel(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	var (
		mu   sync.Mutex
		done bool
	)
	send := func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		if done {
			return
		}
		select {
		case ch <- e:
		default:
			b.logger.Warn("event channel full, dropping event",
				zap.String("type", string(e.Type)),
				zap.String("connection_id", e.ConnectionID))
		}
	}
	closeCh := func() {
		mu.Lock()
		defer mu.Unlock()
		if !done {
			done = true
			close(ch)
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		closeCh()
		return ch, func() {}
	}
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, fn: send})
	b.closers = append(b.closers, closeCh)
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.remove(id)
			closeCh()
		})
	}
}

// Emit delivers e to every subscriber. A panicking subscriber is logged and
// does not stop delivery to the others.
func (b *Bus) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, e)
	}
}

func (b *Bus) deliver(s subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				zap.String("type", string(e.Type)),
				zap.Any("panic", r))
		}
	}()
	s.fn(e)
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close drops all subscribers and closes subscribed channels. Later emits are
// ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.subs = nil
	closers := b.closers
	b.closers = nil
	b.mu.Unlock()

	for _, c := range closers {
		c()
	}
}
