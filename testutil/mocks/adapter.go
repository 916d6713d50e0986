// FakeAdapter / FakeHandle 的传输适配器测试模拟实现。
//
// 支持连接失败注入、自定义发送逻辑与调用计数，默认行为为回显请求。
package mocks

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentlink/transport/adapter"
	"github.com/BaSui01/agentlink/types"
)

// --- FakeAdapter ---

// FakeAdapter 是 adapter.Adapter 的模拟实现
type FakeAdapter struct {
	protocol types.Protocol

	mu         sync.Mutex
	connectErr error
	sendFunc   func(ctx context.Context, req adapter.Request) ([]byte, error)
	delay      time.Duration
	handles    []*FakeHandle

	connectCalls atomic.Int64
}

// NewFakeAdapter 创建指定协议的 FakeAdapter
func NewFakeAdapter(protocol types.Protocol) *FakeAdapter {
	return &FakeAdapter{protocol: protocol}
}

// Factory 返回一个始终产出 fake 的 adapter.Factory
func Factory(fakes map[types.Protocol]*FakeAdapter) adapter.Factory {
	return func(pc types.ProtocolConfig, _ *zap.Logger) (adapter.Adapter, error) {
		if f, ok := fakes[pc.Protocol]; ok {
			return f, nil
		}
		return nil, types.ProtocolError(types.CodeUnsupportedProtocol, "no fake for %s", pc.Protocol)
	}
}

// WithConnectError 让后续 Connect 返回 err
func (f *FakeAdapter) WithConnectError(err error) *FakeAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
	return f
}

// WithSendFunc 设置新连接使用的发送逻辑
func (f *FakeAdapter) WithSendFunc(fn func(ctx context.Context, req adapter.Request) ([]byte, error)) *FakeAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendFunc = fn
	return f
}

// WithConnectDelay 设置 Connect 的模拟延迟
func (f *FakeAdapter) WithConnectDelay(d time.Duration) *FakeAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
	return f
}

func (f *FakeAdapter) Protocol() types.Protocol { return f.protocol }

func (f *FakeAdapter) Connect(ctx context.Context, cfg types.ConnectionConfig) (adapter.Handle, error) {
	f.connectCalls.Add(1)

	f.mu.Lock()
	err, send, delay := f.connectErr, f.sendFunc, f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, types.TimeoutError("connect deadline exceeded").WithCause(ctx.Err())
		}
	}
	if err != nil {
		return nil, err
	}

	h := &FakeHandle{sendFunc: send, latency: delay + time.Millisecond}
	h.alive.Store(true)

	f.mu.Lock()
	f.handles = append(f.handles, h)
	f.mu.Unlock()
	return h, nil
}

// ConnectCalls 返回 Connect 被调用的次数
func (f *FakeAdapter) ConnectCalls() int { return int(f.connectCalls.Load()) }

// Handles 返回已建立的全部 FakeHandle
func (f *FakeAdapter) Handles() []*FakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeHandle(nil), f.handles...)
}

// --- FakeHandle ---

// FakeHandle 是 adapter.Handle 的模拟实现
type FakeHandle struct {
	sendFunc func(ctx context.Context, req adapter.Request) ([]byte, error)
	latency  time.Duration

	alive      atomic.Bool
	sendCalls  atomic.Int64
	closeCalls atomic.Int64
}

func (h *FakeHandle) Send(ctx context.Context, req adapter.Request) ([]byte, error) {
	h.sendCalls.Add(1)
	if !h.alive.Load() {
		return nil, types.RoutingError(types.CodeConnectionClosed, "fake connection closed")
	}
	if h.sendFunc != nil {
		return h.sendFunc(ctx, req)
	}
	if req.Notify {
		return nil, nil
	}
	return EchoResponse(req)
}

func (h *FakeHandle) Close() error {
	h.closeCalls.Add(1)
	h.alive.Store(false)
	return nil
}

func (h *FakeHandle) Alive() bool { return h.alive.Load() }

func (h *FakeHandle) ConnectLatency() time.Duration { return h.latency }

// Kill 模拟底层连接意外断开
func (h *FakeHandle) Kill() { h.alive.Store(false) }

// SendCalls 返回 Send 被调用的次数
func (h *FakeHandle) SendCalls() int { return int(h.sendCalls.Load()) }

// CloseCalls 返回 Close 被调用的次数
func (h *FakeHandle) CloseCalls() int { return int(h.closeCalls.Load()) }

// EchoResponse 为请求构造一个携带相同 id 的响应
func EchoResponse(req adapter.Request) ([]byte, error) {
	var msg types.Message
	if err := json.Unmarshal(req.Payload, &msg); err != nil {
		return nil, types.ProtocolError(types.CodeInvalidMessage, "fake: bad payload").WithCause(err)
	}
	return json.Marshal(types.Message{
		JSONRPC:     types.JSONRPCVersion,
		ID:          msg.ID,
		From:        msg.To,
		To:          msg.From,
		MessageType: types.MessageTypeResponse,
		Result:      json.RawMessage(`{"ok":true}`),
	})
}
