package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	prom "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentlink/internal/metrics"
	"github.com/BaSui01/agentlink/testutil"
	"github.com/BaSui01/agentlink/types"
)

func allProtocols() []types.ProtocolConfig {
	return []types.ProtocolConfig{
		{Protocol: types.ProtocolWebSocket},
		{Protocol: types.ProtocolHTTP, Discover: true},
		{Protocol: types.ProtocolGRPC, Streaming: true},
		{Protocol: types.ProtocolTCP},
	}
}

func liveTransport(t *testing.T, opts ...Option) *Transport {
	t.Helper()
	tr := New(testConfig(), opts...)
	require.NoError(t, tr.Initialize(testutil.TestContext(t), allProtocols()))
	t.Cleanup(func() { _ = tr.Shutdown(context.Background()) })
	return tr
}

func echoOf(t *testing.T, resp *types.Message) string {
	t.Helper()
	var result struct {
		Echo json.RawMessage `json:"echo"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	return string(result.Echo)
}

func TestEndToEnd_EveryProtocol(t *testing.T) {
	peers := []*testutil.Peer{
		testutil.NewWSPeer(t, testutil.PeerOptions{Token: "ws-token"}),
		testutil.NewHTTPPeer(t, testutil.PeerOptions{Token: "http-token", Discover: true}),
		testutil.NewGRPCPeer(t, testutil.PeerOptions{Token: "grpc-token"}),
		testutil.NewTCPPeer(t, testutil.PeerOptions{Token: "tcp-token"}),
	}
	tr := liveTransport(t)
	ctx := testutil.TestContext(t)

	for _, peer := range peers {
		t.Run(string(peer.Protocol), func(t *testing.T) {
			conn, err := tr.Connect(ctx, "agent-"+string(peer.Protocol), peer.Config())
			require.NoError(t, err)
			assert.Equal(t, types.StateConnected, conn.State)

			req := testutil.MustRequest(t, "tasks.run", map[string]string{"via": string(peer.Protocol)})
			resp, err := tr.SendMessage(ctx, conn.ID, req)
			require.NoError(t, err)
			assert.Equal(t, req.ID, resp.ID)
			assert.Equal(t, types.MessageTypeResponse, resp.MessageType)
			assert.JSONEq(t, `{"via":"`+string(peer.Protocol)+`"}`, echoOf(t, resp))

			require.NoError(t, tr.SendNotification(ctx, conn.ID, testutil.MustNotification(t, "status", "busy")))
			testutil.AssertEventuallyTrue(t, func() bool { return peer.Notifications() == 1 }, 2*time.Second)

			var sent *types.Message
			for _, m := range peer.Received() {
				if m.Method == "tasks.run" {
					sent = &m
				}
			}
			require.NotNil(t, sent)
			assert.Equal(t, "orchestrator", sent.From)
			assert.Equal(t, "agent-"+string(peer.Protocol), sent.To)

			got, err := tr.GetConnection(conn.ID)
			require.NoError(t, err)
			assert.EqualValues(t, 2, got.MessagesSent)
			assert.EqualValues(t, 1, got.MessagesReceived)
		})
	}

	responses, err := tr.BroadcastMessage(ctx, testutil.MustRequest(t, "status.query", nil), time.Second)
	require.NoError(t, err)
	assert.Len(t, responses, len(peers))

	m, err := tr.GetTransportMetrics()
	require.NoError(t, err)
	assert.EqualValues(t, 4, m.TotalConnections)
	assert.EqualValues(t, 4, m.ActiveConnections)
	assert.Len(t, m.ProtocolMetrics, 4)
	for p, pm := range m.ProtocolMetrics {
		assert.Positive(t, pm.AvgConnectLatency, "protocol %s", p)
	}
}

func TestEndToEnd_AuthRejected(t *testing.T) {
	tr := liveTransport(t)
	ctx := testutil.TestContext(t)

	for _, peer := range []*testutil.Peer{
		testutil.NewWSPeer(t, testutil.PeerOptions{Token: "right"}),
		testutil.NewHTTPPeer(t, testutil.PeerOptions{Token: "right", Discover: true}),
		testutil.NewGRPCPeer(t, testutil.PeerOptions{Token: "right"}),
		testutil.NewTCPPeer(t, testutil.PeerOptions{Token: "right"}),
	} {
		cfg := peer.Config()
		cfg.Auth.Credentials["token"] = "wrong"
		_, err := tr.Connect(ctx, "intruder", cfg)
		assert.Equal(t, types.ErrorTypeAuth, types.TypeOf(err), "protocol %s", peer.Protocol)
	}

	// 未开启发现的 HTTP 同样在连接时校验凭据
	plain := New(testConfig())
	require.NoError(t, plain.Initialize(ctx, []types.ProtocolConfig{{Protocol: types.ProtocolHTTP}}))
	t.Cleanup(func() { _ = plain.Shutdown(context.Background()) })
	httpPeer := testutil.NewHTTPPeer(t, testutil.PeerOptions{Token: "good"})
	bad := httpPeer.Config()
	bad.Auth.Credentials["token"] = "bad"
	_, err := plain.Connect(ctx, "intruder", bad)
	testutil.AssertErrorType(t, err, types.ErrorTypeAuth)
	conns, err := plain.GetActiveConnections()
	require.NoError(t, err)
	assert.Empty(t, conns)
	assert.Zero(t, httpPeer.Requests())

	active, err := tr.GetActiveConnections()
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestEndToEnd_RetryRecoversFromServerErrors(t *testing.T) {
	peer := testutil.NewHTTPPeer(t, testutil.PeerOptions{FailFirst: 2})
	tr := liveTransport(t)
	ctx := testutil.TestContext(t)

	conn, err := tr.Connect(ctx, "flaky", peer.Config())
	require.NoError(t, err)

	resp, err := tr.SendMessage(ctx, conn.ID, testutil.MustRequest(t, "ping", "x"))
	require.NoError(t, err)
	assert.Equal(t, `"x"`, echoOf(t, resp))
	assert.Equal(t, 3, peer.Requests())

	m, _ := tr.GetTransportMetrics()
	assert.EqualValues(t, 3, m.TotalMessages)
	assert.InDelta(t, 1.0/3.0, m.SuccessRate, 1e-9)
}

func TestEndToEnd_TimeoutSurfacesAfterRetries(t *testing.T) {
	peer := testutil.NewWSPeer(t, testutil.PeerOptions{Silent: true})
	tr := liveTransport(t)
	ctx := testutil.TestContext(t)

	cfg := peer.Config()
	cfg.Timeout = 100 * time.Millisecond
	conn, err := tr.Connect(ctx, "sleepy", cfg)
	require.NoError(t, err)

	_, err = tr.SendMessage(ctx, conn.ID, testutil.MustRequest(t, "ping", nil))
	require.Error(t, err)
	e, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrorTypeTimeout, e.Type)
	assert.Equal(t, 3, e.Attempts)
	assert.Equal(t, 3, peer.Requests())
}

func TestEndToEnd_PeerGoneIsReclaimed(t *testing.T) {
	peer := testutil.NewTCPPeer(t, testutil.PeerOptions{})
	tr := liveTransport(t)

	conn, err := tr.Connect(testutil.TestContext(t), "ephemeral", peer.Config())
	require.NoError(t, err)

	peer.Close()
	testutil.AssertEventuallyTrue(t, func() bool {
		_, err := tr.GetConnection(conn.ID)
		return err != nil
	}, 2*time.Second)
}

func TestEndToEnd_PrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	tr := liveTransport(t, WithRecorder(metrics.NewCollector("agentlink", reg, nil)))
	peer := testutil.NewWSPeer(t, testutil.PeerOptions{})
	ctx := testutil.TestContext(t)

	conn, err := tr.Connect(ctx, "planner", peer.Config())
	require.NoError(t, err)
	_, err = tr.SendMessage(ctx, conn.ID, testutil.MustRequest(t, "ping", nil))
	require.NoError(t, err)

	n, err := prom.GatherAndCount(reg, "agentlink_messages_total", "agentlink_connects_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
