package adapter

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentlink/types"
)

// Request is one outbound frame handed to a Handle.
type Request struct {
	// ID correlates the reply. Empty for notifications.
	ID      string
	Payload []byte
	// Notify marks fire-and-forget frames; Send returns no reply for them.
	Notify bool
}

// Adapter opens protocol-specific connections to remote agents.
type Adapter interface {
	Protocol() types.Protocol
	// Connect dials, authenticates and returns a live Handle. The context
	// bounds the whole establishment phase.
	Connect(ctx context.Context, cfg types.ConnectionConfig) (Handle, error)
}

// Handle is one established connection.
//
// Send is safe for concurrent use. Errors are always *types.Error.
type Handle interface {
	Send(ctx context.Context, req Request) ([]byte, error)
	Close() error
	// Alive reports whether the underlying transport is still usable.
	Alive() bool
	ConnectLatency() time.Duration
}

// Factory builds an Adapter for one protocol configuration.
type Factory func(pc types.ProtocolConfig, logger *zap.Logger) (Adapter, error)

// New builds the adapter for pc.Protocol.
func New(pc types.ProtocolConfig, logger *zap.Logger) (Adapter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pc = pc.WithDefaults()

	switch pc.Protocol {
	case types.ProtocolWebSocket:
		return NewWebSocket(pc, logger), nil
	case types.ProtocolHTTP:
		return NewHTTP(pc, logger), nil
	case types.ProtocolGRPC:
		return NewGRPC(pc, logger), nil
	case types.ProtocolTCP:
		return NewTCP(pc, logger), nil
	default:
		return nil, types.ProtocolError(types.CodeUnsupportedProtocol, "unsupported protocol %q", pc.Protocol)
	}
}

// endpointPath picks the per-connection path override, then the protocol
// default.
func endpointPath(cfg types.ConnectionConfig, pc types.ProtocolConfig) string {
	p := cfg.Path
	if p == "" {
		p = pc.Path
	}
	if p == "" {
		p = types.DefaultPath
	}
	if p[0] != '/' {
		p = "/" + p
	}
	return p
}
