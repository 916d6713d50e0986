package metrics

import (
	"sync"
	"time"

	"github.com/BaSui01/agentlink/transport/events"
	"github.com/BaSui01/agentlink/types"
)

// Message kinds reported per attempt.
const (
	KindRequest      = "request"
	KindNotification = "notification"
	KindBroadcast    = "broadcast"
)

// Recorder receives every observation as it happens. The Prometheus
// collector in internal/metrics satisfies it.
type Recorder interface {
	RecordConnect(protocol string, ok bool, latency time.Duration)
	RecordDisconnect(protocol, reason string)
	RecordMessage(protocol, kind string, ok bool, latency time.Duration, bytes int64)
	RecordRetry(protocol string)
	RecordBroadcast(targets, responses int)
}

type protocolCounters struct {
	connections    int64
	messages       int64
	bytes          int64
	failures       int64
	connectLatency time.Duration
}

// Collector keeps running totals for one transport and builds
// TransportMetrics snapshots on demand.
type Collector struct {
	recorder Recorder

	mu               sync.Mutex
	totalConnections int64
	active           int64
	attempts         int64
	successes        int64
	latency          time.Duration
	bytes            int64
	retries          int64
	broadcasts       int64
	perProtocol      map[types.Protocol]*protocolCounters
}

// NewCollector creates a Collector. recorder may be nil.
func NewCollector(recorder Recorder) *Collector {
	return &Collector{
		recorder:    recorder,
		perProtocol: make(map[types.Protocol]*protocolCounters),
	}
}

func (c *Collector) protocol(p types.Protocol) *protocolCounters {
	pc, ok := c.perProtocol[p]
	if !ok {
		pc = &protocolCounters{}
		c.perProtocol[p] = pc
	}
	return pc
}

// HandleEvent folds a connection lifecycle event into the counters. It is
// subscribed to the transport's event bus.
func (c *Collector) HandleEvent(e events.Event) {
	c.mu.Lock()
	switch e.Type {
	case events.ConnectionEstablished:
		pc := c.protocol(e.Protocol)
		c.totalConnections++
		c.active++
		pc.connections++
		pc.connectLatency += e.Latency
	case events.ConnectionFailed:
		c.protocol(e.Protocol).failures++
	case events.ConnectionClosed:
		if c.active > 0 {
			c.active--
		}
	}
	c.mu.Unlock()

	if c.recorder == nil {
		return
	}
	proto := string(e.Protocol)
	switch e.Type {
	case events.ConnectionEstablished:
		c.recorder.RecordConnect(proto, true, e.Latency)
	case events.ConnectionFailed:
		c.recorder.RecordConnect(proto, false, 0)
	case events.ConnectionClosed:
		c.recorder.RecordDisconnect(proto, e.Reason)
	}
}

// MessageAttempt records one send attempt. Latency only counts toward the
// average when the attempt succeeded.
func (c *Collector) MessageAttempt(p types.Protocol, kind string, ok bool, latency time.Duration, bytes int64) {
	c.mu.Lock()
	pc := c.protocol(p)
	c.attempts++
	c.bytes += bytes
	pc.messages++
	pc.bytes += bytes
	if ok {
		c.successes++
		c.latency += latency
	} else {
		pc.failures++
	}
	c.mu.Unlock()

	if c.recorder != nil {
		c.recorder.RecordMessage(string(p), kind, ok, latency, bytes)
	}
}

// Retry records a retry against a protocol.
func (c *Collector) Retry(p types.Protocol) {
	c.mu.Lock()
	c.retries++
	c.mu.Unlock()

	if c.recorder != nil {
		c.recorder.RecordRetry(string(p))
	}
}

// Broadcast records one broadcast and how many targets answered in time.
func (c *Collector) Broadcast(targets, responses int) {
	c.mu.Lock()
	c.broadcasts++
	c.mu.Unlock()

	if c.recorder != nil {
		c.recorder.RecordBroadcast(targets, responses)
	}
}

// Retries returns the number of retries recorded since the last Reset.
func (c *Collector) Retries() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries
}

// Broadcasts returns the number of broadcasts recorded since the last Reset.
func (c *Collector) Broadcasts() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broadcasts
}

// Snapshot returns an independent copy of the current totals.
func (c *Collector) Snapshot() types.TransportMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := types.TransportMetrics{
		TotalConnections:      c.totalConnections,
		ActiveConnections:     c.active,
		TotalMessages:         c.attempts,
		TotalBytesTransferred: c.bytes,
		ProtocolMetrics:       make(map[types.Protocol]types.ProtocolMetrics, len(c.perProtocol)),
	}
	if m.ActiveConnections > m.TotalConnections {
		m.ActiveConnections = m.TotalConnections
	}
	if c.successes > 0 {
		m.AvgLatency = c.latency / time.Duration(c.successes)
	}
	if c.attempts > 0 {
		m.SuccessRate = float64(c.successes) / float64(c.attempts)
	}
	for p, pc := range c.perProtocol {
		pm := types.ProtocolMetrics{
			Connections: pc.connections,
			Messages:    pc.messages,
			Bytes:       pc.bytes,
			Failures:    pc.failures,
		}
		if pc.connections > 0 {
			pm.AvgConnectLatency = pc.connectLatency / time.Duration(pc.connections)
		}
		m.ProtocolMetrics[p] = pm
	}
	return m
}

// Reset zeroes every counter.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalConnections = 0
	c.active = 0
	c.attempts = 0
	c.successes = 0
	c.latency = 0
	c.bytes = 0
	c.retries = 0
	c.broadcasts = 0
	c.perProtocol = make(map[types.Protocol]*protocolCounters)
}
