package adapter

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	grpccreds "google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/BaSui01/agentlink/transport/wire"
	"github.com/BaSui01/agentlink/types"
)

// GRPCAdapter speaks a2a.v1.AgentTransport. Requests use the unary Send RPC,
// or the bidirectional Stream RPC when streaming is enabled.
type GRPCAdapter struct {
	pc       types.ProtocolConfig
	logger   *zap.Logger
	dialOpts []grpc.DialOption
}

// NewGRPC creates a gRPC adapter. Extra dial options are appended after the
// ones derived from the connection config.
func NewGRPC(pc types.ProtocolConfig, logger *zap.Logger, opts ...grpc.DialOption) *GRPCAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	pc.Protocol = types.ProtocolGRPC
	return &GRPCAdapter{
		pc:       pc.WithDefaults(),
		logger:   logger.With(zap.String("component", "grpc_adapter")),
		dialOpts: opts,
	}
}

func (a *GRPCAdapter) Protocol() types.Protocol { return types.ProtocolGRPC }

// Connect creates the client and performs the Handshake RPC so that
// unreachable peers and rejected credentials fail here rather than on the
// first send. Peers that do not implement Handshake are accepted.
func (a *GRPCAdapter) Connect(ctx context.Context, cfg types.ConnectionConfig) (Handle, error) {
	start := time.Now()
	creds, tlsCfg, err := prepare(ctx, cfg)
	if err != nil {
		return nil, err
	}

	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(int(a.pc.MaxMessageSize)),
			grpc.MaxCallSendMsgSize(int(a.pc.MaxMessageSize)),
		),
	}
	if tlsCfg != nil {
		opts = append(opts, grpc.WithTransportCredentials(grpccreds.NewTLS(tlsCfg)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	if !creds.empty() {
		opts = append(opts, grpc.WithPerRPCCredentials(rpcCredentials{creds: creds, secure: cfg.Secure}))
	}
	if cfg.KeepAlive {
		opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                a.pc.KeepAliveInterval,
			Timeout:             a.pc.KeepAliveInterval / 2,
			PermitWithoutStream: true,
		}))
	}
	opts = append(opts, a.dialOpts...)

	target := "passthrough:///" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, types.ProtocolError(types.CodeInvalidConfig, "create grpc client").WithCause(err)
	}

	hello, _ := structpb.NewStruct(map[string]any{"protocol": string(types.ProtocolGRPC)})
	if err := conn.Invoke(ctx, wire.HandshakeMethod, hello, new(structpb.Struct)); err != nil {
		if status.Code(err) != codes.Unimplemented {
			_ = conn.Close()
			if ctx.Err() != nil {
				return nil, contextError(ctx.Err())
			}
			return nil, grpcError("grpc handshake", err)
		}
	}

	h := &grpcHandle{
		conn:    conn,
		pending: newPending(),
		logger:  a.logger.With(zap.String("target", target)),
	}
	h.alive.Store(true)
	if a.pc.Streaming {
		if err := h.openStream(); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	h.latency = time.Since(start)

	h.logger.Debug("grpc connected", zap.Duration("latency", h.latency), zap.Bool("streaming", h.stream != nil))
	return h, nil
}

// rpcCredentials attaches bearer and api key metadata to every call.
type rpcCredentials struct {
	creds  credentials
	secure bool
}

func (c rpcCredentials) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	md := make(map[string]string, 2)
	if c.creds.bearer != "" {
		md["authorization"] = "Bearer " + c.creds.bearer
	}
	if c.creds.apiKey != "" {
		md["x-api-key"] = c.creds.apiKey
	}
	return md, nil
}

func (c rpcCredentials) RequireTransportSecurity() bool { return c.secure }

type grpcHandle struct {
	conn    *grpc.ClientConn
	pending *pending
	latency time.Duration
	logger  *zap.Logger

	// stream mode only
	stream       grpc.ClientStream
	streamCancel context.CancelFunc
	sendMu       sync.Mutex

	alive     atomic.Bool
	closeOnce sync.Once
}

func (h *grpcHandle) openStream() error {
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := h.conn.NewStream(ctx, &wire.StreamDesc, wire.StreamMethod)
	if err != nil {
		cancel()
		return grpcError("grpc open stream", err)
	}
	h.stream = stream
	h.streamCancel = cancel
	go h.recvLoop()
	return nil
}

func (h *grpcHandle) recvLoop() {
	for {
		msg := new(structpb.Struct)
		if err := h.stream.RecvMsg(msg); err != nil {
			h.shutdown(grpcError("grpc stream", err))
			return
		}
		data, err := wire.FromStruct(msg)
		if err != nil {
			h.logger.Warn("dropping undecodable stream frame", zap.Error(err))
			continue
		}
		id := wire.PeekID(data)
		if id == "" || !h.pending.resolve(id, data) {
			h.logger.Debug("dropping unsolicited frame", zap.String("id", id))
		}
	}
}

func (h *grpcHandle) Send(ctx context.Context, req Request) ([]byte, error) {
	if !h.alive.Load() {
		return nil, types.RoutingError(types.CodeConnectionClosed, "grpc connection closed")
	}

	in, err := wire.ToStruct(req.Payload)
	if err != nil {
		return nil, types.ProtocolError(types.CodeInvalidMessage, "payload is not a JSON object").WithCause(err)
	}

	if h.stream != nil {
		return h.sendStream(ctx, req, in)
	}

	out := new(structpb.Struct)
	if err := h.conn.Invoke(ctx, wire.SendMethod, in, out); err != nil {
		if ctx.Err() != nil {
			return nil, contextError(ctx.Err())
		}
		return nil, grpcError("grpc send", err)
	}
	if req.Notify {
		return nil, nil
	}
	data, err := wire.FromStruct(out)
	if err != nil {
		return nil, types.ProtocolError(types.CodeMalformedResponse, "encode grpc reply").WithCause(err)
	}
	return data, nil
}

func (h *grpcHandle) sendStream(ctx context.Context, req Request, in *structpb.Struct) ([]byte, error) {
	var ch <-chan reply
	if !req.Notify {
		var err error
		if ch, err = h.pending.add(req.ID); err != nil {
			return nil, err
		}
	}

	h.sendMu.Lock()
	err := h.stream.SendMsg(in)
	h.sendMu.Unlock()
	if err != nil {
		if !req.Notify {
			h.pending.remove(req.ID)
		}
		return nil, grpcError("grpc stream send", err)
	}
	if req.Notify {
		return nil, nil
	}
	return h.pending.wait(ctx, req.ID, ch)
}

func (h *grpcHandle) shutdown(cause error) {
	h.closeOnce.Do(func() {
		h.alive.Store(false)
		if h.streamCancel != nil {
			h.streamCancel()
		}
		h.pending.failAll(types.RoutingError(types.CodeConnectionClosed, "grpc connection closed").WithCause(cause))
	})
}

func (h *grpcHandle) Close() error {
	h.shutdown(nil)
	if err := h.conn.Close(); err != nil && status.Code(err) != codes.Canceled {
		return err
	}
	return nil
}

func (h *grpcHandle) Alive() bool {
	return h.alive.Load() && h.conn.GetState() != connectivity.Shutdown
}

func (h *grpcHandle) ConnectLatency() time.Duration { return h.latency }
