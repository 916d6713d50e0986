package adapter

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentlink/testutil"
	"github.com/BaSui01/agentlink/types"
)

func newRequest(t *testing.T, method string, params any) Request {
	t.Helper()
	msg := testutil.MustRequest(t, method, params)
	payload, err := json.Marshal(msg)
	require.NoError(t, err)
	return Request{ID: msg.ID, Payload: payload}
}

func newNotification(t *testing.T, method string) Request {
	t.Helper()
	msg := testutil.MustNotification(t, method, nil)
	payload, err := json.Marshal(msg)
	require.NoError(t, err)
	return Request{Payload: payload, Notify: true}
}

// assertEcho checks that raw is a response for req carrying params back.
func assertEcho(t *testing.T, req Request, raw []byte, params string) {
	t.Helper()
	resp, err := types.DecodeResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, req.ID, resp.ID)

	var result struct {
		Echo json.RawMessage `json:"echo"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.JSONEq(t, params, string(result.Echo))
}

func connect(t *testing.T, a Adapter, cfg types.ConnectionConfig) Handle {
	t.Helper()
	h, err := a.Connect(testutil.TestContextWithTimeout(t, 5*time.Second), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestNew_SelectsAdapterByProtocol(t *testing.T) {
	for _, p := range types.Protocols() {
		a, err := New(types.ProtocolConfig{Protocol: p}, zap.NewNop())
		require.NoError(t, err, p)
		assert.Equal(t, p, a.Protocol())
	}

	_, err := New(types.ProtocolConfig{Protocol: "smtp"}, nil)
	require.Error(t, err)
	testutil.AssertErrorCode(t, err, types.CodeUnsupportedProtocol)
}

func TestEndpointPath(t *testing.T) {
	pc := types.ProtocolConfig{Path: "/rpc"}
	assert.Equal(t, "/rpc", endpointPath(types.ConnectionConfig{}, pc))
	assert.Equal(t, "/x", endpointPath(types.ConnectionConfig{Path: "x"}, pc))
	assert.Equal(t, types.DefaultPath, endpointPath(types.ConnectionConfig{}, types.ProtocolConfig{}))
}

// Every adapter rejects an invalid config before touching the network.
func TestAdapters_RejectInvalidConfig(t *testing.T) {
	for _, p := range types.Protocols() {
		a, err := New(types.ProtocolConfig{Protocol: p}, nil)
		require.NoError(t, err)

		_, err = a.Connect(context.Background(), types.ConnectionConfig{Protocol: p, Host: "", Port: 80})
		require.Error(t, err, p)
		assert.Equal(t, types.ErrorTypeProtocol, types.TypeOf(err), p)
	}
}

// Connecting to a port nobody listens on fails with a routing or timeout
// error on every protocol.
func TestAdapters_Unreachable(t *testing.T) {
	port := testutil.UnusedPort(t)
	for _, p := range types.Protocols() {
		t.Run(string(p), func(t *testing.T) {
			a, err := New(types.ProtocolConfig{Protocol: p, Discover: true}, nil)
			require.NoError(t, err)

			ctx := testutil.TestContextWithTimeout(t, 2*time.Second)
			_, err = a.Connect(ctx, types.ConnectionConfig{Protocol: p, Host: "127.0.0.1", Port: port})
			require.Error(t, err)
			typ := types.TypeOf(err)
			assert.True(t, typ == types.ErrorTypeRouting || typ == types.ErrorTypeTimeout, "got %v", err)
		})
	}
}
