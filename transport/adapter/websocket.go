package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BaSui01/agentlink/internal/tlsutil"
	"github.com/BaSui01/agentlink/transport/wire"
	"github.com/BaSui01/agentlink/types"
)

// WebSocketAdapter dials ws:// and wss:// peers. Replies are matched to
// requests by id.
type WebSocketAdapter struct {
	pc     types.ProtocolConfig
	logger *zap.Logger
}

// NewWebSocket creates a WebSocket adapter.
func NewWebSocket(pc types.ProtocolConfig, logger *zap.Logger) *WebSocketAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	pc.Protocol = types.ProtocolWebSocket
	return &WebSocketAdapter{
		pc:     pc.WithDefaults(),
		logger: logger.With(zap.String("component", "ws_adapter")),
	}
}

func (a *WebSocketAdapter) Protocol() types.Protocol { return types.ProtocolWebSocket }

// Connect performs the upgrade handshake and starts the read and heartbeat
// loops.
func (a *WebSocketAdapter) Connect(ctx context.Context, cfg types.ConnectionConfig) (Handle, error) {
	start := time.Now()
	creds, tlsCfg, err := prepare(ctx, cfg)
	if err != nil {
		return nil, err
	}

	scheme := "ws"
	if cfg.Secure {
		scheme = "wss"
	}
	url := fmt.Sprintf("%s://%s%s", scheme, net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)), endpointPath(cfg, a.pc))

	opts := &websocket.DialOptions{
		HTTPHeader:   creds.header(),
		Subprotocols: []string{wire.Subprotocol},
	}
	if tlsCfg != nil {
		opts.HTTPClient = &http.Client{Transport: tlsutil.SecureTransport(tlsCfg)}
	}

	conn, resp, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, httpStatusError(resp.StatusCode, nil)
		}
		return nil, transportError("websocket dial", err)
	}
	if a.pc.MaxMessageSize > 0 {
		conn.SetReadLimit(a.pc.MaxMessageSize)
	}

	h := &wsHandle{
		conn:    conn,
		pending: newPending(),
		latency: time.Since(start),
		done:    make(chan struct{}),
		logger:  a.logger.With(zap.String("url", url)),
	}
	h.alive.Store(true)

	go h.readLoop()
	if cfg.KeepAlive {
		go h.heartbeat(a.pc.KeepAliveInterval)
	}

	h.logger.Debug("websocket connected", zap.Duration("latency", h.latency))
	return h, nil
}

type wsHandle struct {
	conn    *websocket.Conn
	pending *pending
	latency time.Duration
	logger  *zap.Logger

	alive     atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

func (h *wsHandle) Send(ctx context.Context, req Request) ([]byte, error) {
	if !h.alive.Load() {
		return nil, types.RoutingError(types.CodeConnectionClosed, "websocket connection closed")
	}

	if req.Notify {
		if err := h.conn.Write(ctx, websocket.MessageText, req.Payload); err != nil {
			return nil, h.writeError(ctx, err)
		}
		return nil, nil
	}

	ch, err := h.pending.add(req.ID)
	if err != nil {
		return nil, err
	}
	if err := h.conn.Write(ctx, websocket.MessageText, req.Payload); err != nil {
		h.pending.remove(req.ID)
		return nil, h.writeError(ctx, err)
	}
	return h.pending.wait(ctx, req.ID, ch)
}

func (h *wsHandle) writeError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return contextError(ctx.Err())
	}
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		h.shutdown(err)
		return types.RoutingError(types.CodeConnectionClosed, "websocket closed by peer (%d)", ce.Code).WithCause(err)
	}
	return transportError("websocket write", err)
}

func (h *wsHandle) readLoop() {
	for {
		_, data, err := h.conn.Read(context.Background())
		if err != nil {
			h.shutdown(err)
			return
		}
		id := wire.PeekID(data)
		if id == "" || !h.pending.resolve(id, data) {
			h.logger.Debug("dropping unsolicited frame", zap.String("id", id))
		}
	}
}

func (h *wsHandle) heartbeat(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval/2)
			err := h.conn.Ping(ctx)
			cancel()
			if err != nil {
				h.logger.Warn("websocket heartbeat failed", zap.Error(err))
				h.shutdown(err)
				_ = h.conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// shutdown marks the handle dead and fails every waiter exactly once.
func (h *wsHandle) shutdown(cause error) {
	h.closeOnce.Do(func() {
		h.alive.Store(false)
		close(h.done)
		h.pending.failAll(types.RoutingError(types.CodeConnectionClosed, "websocket connection closed").WithCause(cause))
	})
}

func (h *wsHandle) Close() error {
	wasAlive := h.alive.Load()
	h.shutdown(nil)
	err := h.conn.Close(websocket.StatusNormalClosure, "closing")
	if !wasAlive {
		return nil
	}
	var ce websocket.CloseError
	if err != nil && !errors.As(err, &ce) && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (h *wsHandle) Alive() bool { return h.alive.Load() }

func (h *wsHandle) ConnectLatency() time.Duration { return h.latency }
