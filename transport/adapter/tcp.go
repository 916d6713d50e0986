package adapter

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentlink/transport/wire"
	"github.com/BaSui01/agentlink/types"
)

// TCPAdapter exchanges newline-delimited JSON frames over a raw (optionally
// TLS) socket.
type TCPAdapter struct {
	pc     types.ProtocolConfig
	logger *zap.Logger
}

// NewTCP creates a TCP adapter.
func NewTCP(pc types.ProtocolConfig, logger *zap.Logger) *TCPAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	pc.Protocol = types.ProtocolTCP
	return &TCPAdapter{
		pc:     pc.WithDefaults(),
		logger: logger.With(zap.String("component", "tcp_adapter")),
	}
}

func (a *TCPAdapter) Protocol() types.Protocol { return types.ProtocolTCP }

// Connect dials the socket and, when credentials are configured, performs
// the auth.handshake exchange before returning.
func (a *TCPAdapter) Connect(ctx context.Context, cfg types.ConnectionConfig) (Handle, error) {
	start := time.Now()
	creds, tlsCfg, err := prepare(ctx, cfg)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{KeepAlive: -1}
	if cfg.KeepAlive {
		dialer.KeepAlive = a.pc.KeepAliveInterval
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	var conn net.Conn
	if tlsCfg != nil {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsCfg}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, transportError("tcp dial", err)
	}

	h := &tcpHandle{
		conn:    conn,
		pending: newPending(),
		maxSize: int(a.pc.MaxMessageSize),
		logger:  a.logger.With(zap.String("addr", addr)),
	}
	h.alive.Store(true)
	go h.readLoop()

	if !creds.empty() {
		if err := h.authenticate(ctx, creds); err != nil {
			_ = h.Close()
			return nil, err
		}
	}
	h.latency = time.Since(start)

	h.logger.Debug("tcp connected", zap.Duration("latency", h.latency))
	return h, nil
}

type tcpHandle struct {
	conn    net.Conn
	pending *pending
	maxSize int
	latency time.Duration
	logger  *zap.Logger

	writeMu   sync.Mutex
	alive     atomic.Bool
	closeOnce sync.Once
}

type handshakeReply struct {
	Error *types.RPCError `json:"error,omitempty"`
}

func (h *tcpHandle) authenticate(ctx context.Context, creds credentials) error {
	id := "auth_" + uuid.NewString()[:8]
	frame, err := json.Marshal(map[string]any{
		"jsonrpc": types.JSONRPCVersion,
		"id":      id,
		"method":  wire.AuthHandshakeMethod,
		"params": map[string]string{
			"token":  creds.bearer,
			"apiKey": creds.apiKey,
		},
	})
	if err != nil {
		return types.ProtocolError(types.CodeInvalidMessage, "encode handshake").WithCause(err)
	}

	raw, err := h.Send(ctx, Request{ID: id, Payload: frame})
	if err != nil {
		return err
	}
	var rep handshakeReply
	if err := json.Unmarshal(raw, &rep); err != nil {
		return types.ProtocolError(types.CodeMalformedResponse, "decode handshake reply").WithCause(err)
	}
	if rep.Error != nil {
		return types.AuthError(types.CodeAuthRejected, "peer rejected credentials: %s", rep.Error.Message)
	}
	return nil
}

func (h *tcpHandle) Send(ctx context.Context, req Request) ([]byte, error) {
	if !h.alive.Load() {
		return nil, types.RoutingError(types.CodeConnectionClosed, "tcp connection closed")
	}
	line, err := wire.CompactLine(req.Payload)
	if err != nil {
		return nil, types.ProtocolError(types.CodeInvalidMessage, "payload is not valid JSON").WithCause(err)
	}

	var ch <-chan reply
	if !req.Notify {
		if ch, err = h.pending.add(req.ID); err != nil {
			return nil, err
		}
	}
	if err := h.write(ctx, line); err != nil {
		if !req.Notify {
			h.pending.remove(req.ID)
		}
		return nil, err
	}
	if req.Notify {
		return nil, nil
	}
	return h.pending.wait(ctx, req.ID, ch)
}

func (h *tcpHandle) write(ctx context.Context, line []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	_ = h.conn.SetWriteDeadline(deadline)

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := h.conn.Write(buf); err != nil {
		return transportError("tcp write", err)
	}
	return nil
}

func (h *tcpHandle) readLoop() {
	scanner := bufio.NewScanner(h.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), h.maxSize+1)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		data := make([]byte, len(line))
		copy(data, line)

		id := wire.PeekID(data)
		if id == "" || !h.pending.resolve(id, data) {
			h.logger.Debug("dropping unsolicited frame", zap.String("id", id))
		}
	}
	h.shutdown(transportError("tcp read", scanner.Err()))
}

func (h *tcpHandle) shutdown(cause error) {
	h.closeOnce.Do(func() {
		h.alive.Store(false)
		h.pending.failAll(types.RoutingError(types.CodeConnectionClosed, "tcp connection closed").WithCause(cause))
	})
}

func (h *tcpHandle) Close() error {
	h.shutdown(nil)
	if err := h.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (h *tcpHandle) Alive() bool { return h.alive.Load() }

func (h *tcpHandle) ConnectLatency() time.Duration { return h.latency }
