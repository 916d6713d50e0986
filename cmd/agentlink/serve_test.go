package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentlink/config"
	"github.com/BaSui01/agentlink/testutil"
)

func peerYAML(agentID string, p *testutil.Peer) string {
	return fmt.Sprintf(`
  - agent_id: %q
    protocol: %s
    host: %q
    port: %d
    timeout: 5s`, agentID, p.Protocol, p.Host, p.Port)
}

func writeServeConfig(t *testing.T, path string, peers ...string) {
	t.Helper()
	content := `
transport:
  agent_id: "daemon"
protocols:
  enabled: ["http", "tcp"]
admin:
  enabled: true
  addr: "127.0.0.1:0"
peers:`
	for _, p := range peers {
		content += p
	}
	if len(peers) == 0 {
		content += " []"
	}
	require.NoError(t, os.WriteFile(path, []byte(content+"\n"), 0o600))
}

func startServer(t *testing.T, path string) *Server {
	t.Helper()
	loader := config.NewLoader().
		WithConfigPath(path).
		WithValidator(func(c *config.Config) error { return c.Validate() })
	cfg, err := loader.Load()
	require.NoError(t, err)

	s := NewServer(cfg, loader, zap.NewNop())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s
}

func TestServer_StartConnectsPeersAndServesAdmin(t *testing.T) {
	httpPeer := testutil.NewHTTPPeer(t, testutil.PeerOptions{})
	tcpPeer := testutil.NewTCPPeer(t, testutil.PeerOptions{})
	path := filepath.Join(t.TempDir(), "agentlink.yaml")
	writeServeConfig(t, path, peerYAML("web", httpPeer), peerYAML("raw", tcpPeer))

	s := startServer(t, path)
	assert.Len(t, s.PeerConnections(), 2)

	conns, err := s.transport.GetActiveConnections()
	require.NoError(t, err)
	assert.Len(t, conns, 2)

	resp, err := http.Get("http://" + s.admin.ListenAddr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get("http://" + s.admin.ListenAddr() + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_ReconcilePeers(t *testing.T) {
	a := testutil.NewHTTPPeer(t, testutil.PeerOptions{})
	b := testutil.NewHTTPPeer(t, testutil.PeerOptions{})
	path := filepath.Join(t.TempDir(), "agentlink.yaml")
	writeServeConfig(t, path, peerYAML("a", a))
	s := startServer(t, path)
	require.Len(t, s.PeerConnections(), 1)

	cfgA := config.PeerConfig{AgentID: "a", Connection: a.Config()}
	cfgB := config.PeerConfig{AgentID: "b", Connection: b.Config()}

	before := s.PeerConnections()[peerKey(cfgA)]
	require.NotEmpty(t, before)

	ctx := testutil.TestContext(t)
	s.reconcilePeers(ctx, []config.PeerConfig{cfgA, cfgB})
	after := s.PeerConnections()
	assert.Len(t, after, 2)
	assert.Equal(t, before, after[peerKey(cfgA)], "unchanged peers keep their connection")

	s.reconcilePeers(ctx, []config.PeerConfig{cfgB})
	after = s.PeerConnections()
	assert.Len(t, after, 1)
	_, err := s.transport.GetConnection(before)
	assert.Error(t, err, "removed peers are disconnected")

	// 已被清理的连接在下一次对账时重建
	require.NoError(t, s.transport.Disconnect(after[peerKey(cfgB)]))
	s.reconcilePeers(ctx, []config.PeerConfig{cfgB})
	rebuilt := s.PeerConnections()[peerKey(cfgB)]
	assert.NotEqual(t, after[peerKey(cfgB)], rebuilt)
	_, err = s.transport.GetConnection(rebuilt)
	assert.NoError(t, err)
}

func TestServer_UnreachablePeerDoesNotBlockStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentlink.yaml")
	writeServeConfig(t, path, fmt.Sprintf(`
  - agent_id: "ghost"
    protocol: tcp
    host: "127.0.0.1"
    port: %d
    timeout: 200ms`, testutil.UnusedPort(t)))

	s := startServer(t, path)
	assert.Empty(t, s.PeerConnections())
}

func TestServer_HotReloadAddsPeer(t *testing.T) {
	a := testutil.NewHTTPPeer(t, testutil.PeerOptions{})
	path := filepath.Join(t.TempDir(), "agentlink.yaml")
	writeServeConfig(t, path)
	s := startServer(t, path)
	require.NotNil(t, s.watcher)
	assert.Empty(t, s.PeerConnections())

	writeServeConfig(t, path, peerYAML("late", a))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	testutil.AssertEventuallyTrue(t, func() bool { return len(s.PeerConnections()) == 1 }, 5*time.Second)
}

func TestServer_ShutdownIsSafeBeforeStart(t *testing.T) {
	s := NewServer(config.DefaultConfig(), config.NewLoader(), zap.NewNop())
	assert.NotPanics(t, func() { s.Shutdown(context.Background()) })
}

func TestInitLogger(t *testing.T) {
	logger := initLogger(config.LogConfig{Level: "debug", Format: "console", OutputPaths: []string{"stderr"}})
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))

	logger = initLogger(config.LogConfig{Level: "warn", Format: "json"})
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))
	assert.True(t, logger.Core().Enabled(zap.WarnLevel))
}
