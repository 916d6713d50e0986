// =============================================================================
// 🛰️ 测试对端（Peer）
// =============================================================================
// 提供 WebSocket / HTTP / gRPC / TCP 四种协议的回显对端，供适配器与门面测试使用。
// 对端将请求的 params 原样放入 result.echo 返回，通知只计数不回复。
//
// 使用方法:
//
//	peer := testutil.NewWSPeer(t, testutil.PeerOptions{Token: "secret"})
//	cfg := peer.Config()
// =============================================================================
package testutil

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/BaSui01/agentlink/transport/wire"
	"github.com/BaSui01/agentlink/types"
)

// PeerOptions 控制回显对端的行为
type PeerOptions struct {
	// Token 非空时要求 Bearer 认证
	Token string
	// Delay 每个请求回复前的延迟
	Delay time.Duration
	// FailFirst 前 N 个请求失败（HTTP/gRPC 返回 FailStatus，流协议不回复）
	FailFirst int
	// FailStatus HTTP 失败状态码，默认 503
	FailStatus int
	// Silent 从不回复请求
	Silent bool
	// WrongID 回复时使用错误的 id
	WrongID bool
	// TLS 以 HTTPS/WSS 方式启动（仅 HTTP 与 WebSocket）
	TLS bool
	// RequireClientCert 要求客户端证书（隐含 TLS）
	RequireClientCert bool
	// Discover 提供 /.well-known/agent.json（仅 HTTP）
	Discover bool
}

// Peer 是一个运行中的测试对端
type Peer struct {
	Protocol types.Protocol
	Host     string
	Port     int
	// CAFile 为 TLS 对端的证书文件
	CAFile string

	opts          PeerOptions
	requests      atomic.Int64
	notifications atomic.Int64

	mu       sync.Mutex
	received []types.Message
	closers  []func()
}

// Requests 返回收到的请求数（含失败的请求）
func (p *Peer) Requests() int { return int(p.requests.Load()) }

// Notifications 返回收到的通知数
func (p *Peer) Notifications() int { return int(p.notifications.Load()) }

// Received 返回收到的全部消息副本
func (p *Peer) Received() []types.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.Message, len(p.received))
	copy(out, p.received)
	return out
}

// Config 返回连接此对端的配置
func (p *Peer) Config() types.ConnectionConfig {
	cfg := types.ConnectionConfig{
		Protocol: p.Protocol,
		Host:     p.Host,
		Port:     p.Port,
		Timeout:  5 * time.Second,
	}
	if p.opts.Token != "" {
		cfg.Auth = &types.AuthConfig{Type: types.AuthToken, Credentials: map[string]string{"token": p.opts.Token}}
	}
	if p.CAFile != "" {
		cfg.Secure = true
		cfg.TLS = &types.TLSConfig{CAFile: p.CAFile, ServerName: "example.com"}
	}
	return cfg
}

// Close 停止对端并断开所有连接
func (p *Peer) Close() {
	p.mu.Lock()
	closers := p.closers
	p.closers = nil
	p.mu.Unlock()
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}

func (p *Peer) onClose(fn func()) {
	p.mu.Lock()
	p.closers = append(p.closers, fn)
	p.mu.Unlock()
}

type outcome int

const (
	replied outcome = iota
	notified
	failed
	silent
)

// handle 处理一帧并返回回复与处理结果
func (p *Peer) handle(frame []byte) ([]byte, outcome) {
	var msg types.Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, failed
	}
	p.mu.Lock()
	p.received = append(p.received, msg)
	p.mu.Unlock()

	if msg.ID == "" || msg.MessageType == types.MessageTypeNotification {
		p.notifications.Add(1)
		return nil, notified
	}

	if msg.Method == wire.AuthHandshakeMethod {
		var params struct {
			Token string `json:"token"`
		}
		_ = json.Unmarshal(msg.Params, &params)
		reply := map[string]any{"jsonrpc": types.JSONRPCVersion, "id": msg.ID}
		if p.opts.Token != "" && params.Token != p.opts.Token {
			reply["error"] = types.RPCError{Code: 401, Message: "invalid token"}
		} else {
			reply["result"] = map[string]bool{"ok": true}
		}
		data, _ := json.Marshal(reply)
		return data, replied
	}

	n := p.requests.Add(1)
	if int(n) <= p.opts.FailFirst {
		return nil, failed
	}
	if p.opts.Silent {
		return nil, silent
	}
	if p.opts.Delay > 0 {
		time.Sleep(p.opts.Delay)
	}
	return echoReply(msg, p.opts.WrongID), replied
}

func echoReply(msg types.Message, wrongID bool) []byte {
	id := msg.ID
	if wrongID {
		id = "not-" + id
	}
	params := msg.Params
	if len(params) == 0 {
		params = json.RawMessage("null")
	}
	result, _ := json.Marshal(map[string]any{"echo": params, "method": msg.Method})
	reply := types.Message{
		JSONRPC:     types.JSONRPCVersion,
		ID:          id,
		From:        msg.To,
		To:          msg.From,
		MessageType: types.MessageTypeResponse,
		Result:      result,
		Timestamp:   time.Now().UnixMilli(),
	}
	data, _ := json.Marshal(reply)
	return data
}

func bearerOK(token, header string) bool {
	return token == "" || header == "Bearer "+token
}

// --- HTTP / WebSocket ---

func (p *Peer) startHTTP(t *testing.T, handler http.Handler) {
	t.Helper()
	srv := httptest.NewUnstartedServer(handler)
	if p.opts.TLS || p.opts.RequireClientCert {
		if p.opts.RequireClientCert {
			srv.TLS = &tls.Config{ClientAuth: tls.RequireAnyClientCert}
		}
		srv.StartTLS()
		p.CAFile = WriteCertPEM(t, srv.Certificate())
	} else {
		srv.Start()
	}
	p.Host, p.Port = splitAddr(t, srv.Listener.Addr().String())
	p.onClose(srv.Close)
	t.Cleanup(p.Close)
}

// NewHTTPPeer 启动 HTTP 回显对端
func NewHTTPPeer(t *testing.T, opts PeerOptions) *Peer {
	t.Helper()
	if opts.FailStatus == 0 {
		opts.FailStatus = http.StatusServiceUnavailable
	}
	p := &Peer{Protocol: types.ProtocolHTTP, opts: opts}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+wire.AgentCardPath, func(w http.ResponseWriter, r *http.Request) {
		if !opts.Discover {
			http.NotFound(w, r)
			return
		}
		if !bearerOK(opts.Token, r.Header.Get("Authorization")) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"name": "echo-peer", "version": "1.0.0"})
	})
	mux.HandleFunc("OPTIONS "+types.DefaultPath, func(w http.ResponseWriter, r *http.Request) {
		if !bearerOK(opts.Token, r.Header.Get("Authorization")) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Allow", "OPTIONS, POST")
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST "+types.DefaultPath, func(w http.ResponseWriter, r *http.Request) {
		if !bearerOK(opts.Token, r.Header.Get("Authorization")) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var frame json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&frame); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		reply, out := p.handle(frame)
		switch out {
		case failed:
			w.WriteHeader(opts.FailStatus)
		case silent:
			<-r.Context().Done()
		case notified:
			w.WriteHeader(http.StatusAccepted)
		default:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(reply)
		}
	})

	p.startHTTP(t, mux)
	return p
}

// NewWSPeer 启动 WebSocket 回显对端
func NewWSPeer(t *testing.T, opts PeerOptions) *Peer {
	t.Helper()
	p := &Peer{Protocol: types.ProtocolWebSocket, opts: opts}

	ctx, cancel := context.WithCancel(context.Background())
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != types.DefaultPath {
			http.NotFound(w, r)
			return
		}
		if !bearerOK(opts.Token, r.Header.Get("Authorization")) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{wire.Subprotocol}})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			go func(frame []byte) {
				if reply, _ := p.handle(frame); reply != nil {
					_ = conn.Write(ctx, websocket.MessageText, reply)
				}
			}(data)
		}
	})
	p.onClose(cancel)
	p.startHTTP(t, handler)
	return p
}

// --- TCP ---

// NewTCPPeer 启动换行分隔 JSON 的 TCP 回显对端
func NewTCPPeer(t *testing.T, opts PeerOptions) *Peer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	p := &Peer{Protocol: types.ProtocolTCP, opts: opts}
	p.Host, p.Port = splitAddr(t, ln.Addr().String())

	var conns sync.Map
	p.onClose(func() {
		_ = ln.Close()
		conns.Range(func(k, _ any) bool {
			_ = k.(net.Conn).Close()
			return true
		})
	})

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conns.Store(conn, struct{}{})
			go p.serveTCP(conn)
		}
	}()
	t.Cleanup(p.Close)
	return p
}

func (p *Peer) serveTCP(conn net.Conn) {
	defer conn.Close()
	var writeMu sync.Mutex
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		frame := append([]byte(nil), scanner.Bytes()...)
		go func() {
			reply, _ := p.handle(frame)
			if reply == nil {
				return
			}
			writeMu.Lock()
			defer writeMu.Unlock()
			_, _ = conn.Write(append(reply, '\n'))
		}()
	}
}

// --- gRPC ---

// NewGRPCPeer 启动实现 a2a.v1.AgentTransport 的 gRPC 回显对端
func NewGRPCPeer(t *testing.T, opts PeerOptions) *Peer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	p := &Peer{Protocol: types.ProtocolGRPC, opts: opts}
	p.Host, p.Port = splitAddr(t, ln.Addr().String())

	srv := grpc.NewServer()
	wire.RegisterAgentTransportServer(srv, &grpcPeer{p: p})
	go func() { _ = srv.Serve(ln) }()

	p.onClose(srv.Stop)
	t.Cleanup(p.Close)
	return p
}

type grpcPeer struct {
	p *Peer
}

func (g *grpcPeer) authorize(ctx context.Context) error {
	if g.p.opts.Token == "" {
		return nil
	}
	md, _ := metadata.FromIncomingContext(ctx)
	if vals := md.Get("authorization"); len(vals) > 0 && bearerOK(g.p.opts.Token, vals[0]) {
		return nil
	}
	return status.Error(codes.Unauthenticated, "invalid token")
}

func (g *grpcPeer) Handshake(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := g.authorize(ctx); err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{"ok": true})
}

func (g *grpcPeer) Send(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := g.authorize(ctx); err != nil {
		return nil, err
	}
	frame, err := wire.FromStruct(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	reply, out := g.p.handle(frame)
	switch out {
	case failed:
		return nil, status.Error(codes.Unavailable, "peer warming up")
	case silent:
		<-ctx.Done()
		return nil, status.FromContextError(ctx.Err()).Err()
	case notified:
		return &structpb.Struct{}, nil
	}
	return wire.ToStruct(reply)
}

func (g *grpcPeer) Stream(stream grpc.ServerStream) error {
	if err := g.authorize(stream.Context()); err != nil {
		return err
	}
	var sendMu sync.Mutex
	for {
		in := new(structpb.Struct)
		if err := stream.RecvMsg(in); err != nil {
			return nil
		}
		frame, err := wire.FromStruct(in)
		if err != nil {
			continue
		}
		go func() {
			reply, _ := g.p.handle(frame)
			if reply == nil {
				return
			}
			out, err := wire.ToStruct(reply)
			if err != nil {
				return
			}
			sendMu.Lock()
			defer sendMu.Unlock()
			_ = stream.SendMsg(out)
		}()
	}
}

// --- 辅助 ---

// UnusedPort 返回一个当前无人监听的本地端口
func UnusedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	_, port := splitAddr(t, ln.Addr().String())
	_ = ln.Close()
	return port
}

func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %s: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("port %s: %v", portStr, err)
	}
	return strings.Trim(host, "[]"), port
}
