package types

import "time"

// ProtocolMetrics aggregates counters for one protocol.
type ProtocolMetrics struct {
	Connections       int64         `json:"connections"`
	Messages          int64         `json:"messages"`
	Bytes             int64         `json:"bytes"`
	Failures          int64         `json:"failures"`
	AvgConnectLatency time.Duration `json:"avgConnectLatency"`
}

// TransportMetrics is a derived snapshot; it is rebuilt on every request.
type TransportMetrics struct {
	TotalConnections      int64                        `json:"totalConnections"`
	ActiveConnections     int64                        `json:"activeConnections"`
	TotalMessages         int64                        `json:"totalMessages"`
	AvgLatency            time.Duration                `json:"avgLatency"`
	SuccessRate           float64                      `json:"successRate"`
	TotalBytesTransferred int64                        `json:"totalBytesTransferred"`
	ProtocolMetrics       map[Protocol]ProtocolMetrics `json:"protocolMetrics"`
}
