package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentlink/internal/tlsutil"
	"github.com/BaSui01/agentlink/transport/wire"
	"github.com/BaSui01/agentlink/types"
)

// AgentCard is the subset of a peer's discovery document the adapter reads.
type AgentCard struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	URL          string   `json:"url,omitempty"`
	Version      string   `json:"version,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// HTTPAdapter posts each message to the peer's endpoint and reads the reply
// from the response body.
type HTTPAdapter struct {
	pc     types.ProtocolConfig
	logger *zap.Logger
}

// NewHTTP creates an HTTP(S) adapter.
func NewHTTP(pc types.ProtocolConfig, logger *zap.Logger) *HTTPAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	pc.Protocol = types.ProtocolHTTP
	return &HTTPAdapter{
		pc:     pc.WithDefaults(),
		logger: logger.With(zap.String("component", "http_adapter")),
	}
}

func (a *HTTPAdapter) Protocol() types.Protocol { return types.ProtocolHTTP }

// Connect prepares a client for the peer and verifies reachability and
// credentials before returning. With discovery enabled the agent card is
// fetched; otherwise an OPTIONS request is sent to the endpoint.
func (a *HTTPAdapter) Connect(ctx context.Context, cfg types.ConnectionConfig) (Handle, error) {
	start := time.Now()
	creds, tlsCfg, err := prepare(ctx, cfg)
	if err != nil {
		return nil, err
	}

	scheme := "http"
	if cfg.Secure {
		scheme = "https"
	}
	base := fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))

	transport := tlsutil.SecureTransport(tlsCfg)
	transport.DisableKeepAlives = !cfg.KeepAlive

	h := &httpHandle{
		client:   &http.Client{Transport: transport},
		endpoint: base + endpointPath(cfg, a.pc),
		creds:    creds,
		maxSize:  a.pc.MaxMessageSize,
		logger:   a.logger.With(zap.String("endpoint", base)),
	}

	if a.pc.Discover {
		card, err := h.discover(ctx, base)
		if err != nil {
			transport.CloseIdleConnections()
			return nil, err
		}
		h.card = card
	} else if err := h.checkAccess(ctx); err != nil {
		transport.CloseIdleConnections()
		return nil, err
	}
	h.latency = time.Since(start)
	h.alive.Store(true)

	h.logger.Debug("http peer ready", zap.Duration("latency", h.latency), zap.Bool("discovered", h.card != nil))
	return h, nil
}

type httpHandle struct {
	client   *http.Client
	endpoint string
	creds    credentials
	maxSize  int64
	latency  time.Duration
	card     *AgentCard
	logger   *zap.Logger

	alive atomic.Bool
}

// Card returns the discovered agent card, if any.
func (h *httpHandle) Card() *AgentCard { return h.card }

func (h *httpHandle) discover(ctx context.Context, base string) (*AgentCard, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+wire.AgentCardPath, nil)
	if err != nil {
		return nil, types.ProtocolError(types.CodeInvalidConfig, "build discovery request").WithCause(err)
	}
	req.Header.Set("Accept", "application/json")
	h.creds.apply(req.Header)

	body, err := h.do(req)
	if err != nil {
		return nil, err
	}
	var card AgentCard
	if err := json.Unmarshal(body, &card); err != nil {
		return nil, types.ProtocolError(types.CodeMalformedResponse, "decode agent card").WithCause(err)
	}
	return &card, nil
}

// checkAccess sends an authenticated OPTIONS to the endpoint. Only 401/403 fail
// it; peers that do not route OPTIONS still count as reachable.
func (h *httpHandle) checkAccess(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, h.endpoint, nil)
	if err != nil {
		return types.ProtocolError(types.CodeInvalidConfig, "build access check request").WithCause(err)
	}
	h.creds.apply(req.Header)

	resp, err := h.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return contextError(ctxErr)
		}
		return transportError("http access check", err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return httpStatusError(resp.StatusCode, nil)
	}
	return nil
}

func (h *httpHandle) Send(ctx context.Context, req Request) ([]byte, error) {
	if !h.alive.Load() {
		return nil, types.RoutingError(types.CodeConnectionClosed, "http connection closed")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(req.Payload))
	if err != nil {
		return nil, types.ProtocolError(types.CodeInvalidMessage, "build request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if req.ID != "" {
		httpReq.Header.Set("X-Message-ID", req.ID)
	}
	h.creds.apply(httpReq.Header)

	body, err := h.do(httpReq)
	if err != nil {
		return nil, err
	}
	if req.Notify {
		return nil, nil
	}
	return body, nil
}

// do executes req and returns the body of a 2xx reply.
func (h *httpHandle) do(req *http.Request) ([]byte, error) {
	resp, err := h.client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, contextError(ctxErr)
		}
		return nil, transportError("http request", err)
	}
	defer resp.Body.Close()

	limit := h.maxSize
	if limit <= 0 {
		limit = types.DefaultMaxMessageSize
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, transportError("http read", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, httpStatusError(resp.StatusCode, body)
	}
	if int64(len(body)) > limit {
		return nil, types.ProtocolError(types.CodeMalformedResponse, "response exceeds %d bytes", limit)
	}
	return body, nil
}

func (h *httpHandle) Close() error {
	h.alive.Store(false)
	h.client.CloseIdleConnections()
	return nil
}

func (h *httpHandle) Alive() bool { return h.alive.Load() }

func (h *httpHandle) ConnectLatency() time.Duration { return h.latency }
