package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentlink/testutil"
	"github.com/BaSui01/agentlink/testutil/mocks"
	"github.com/BaSui01/agentlink/transport/events"
	"github.com/BaSui01/agentlink/types"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(typ events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func tcpConfig() types.ConnectionConfig {
	return types.ConnectionConfig{Protocol: types.ProtocolTCP, Host: "127.0.0.1", Port: 7000, Timeout: time.Second}
}

func newRegistry(cfg Config) (*Registry, *recorder) {
	rec := &recorder{}
	return New(cfg, rec, nil), rec
}

func TestConnect_CreatesConnectedEntry(t *testing.T) {
	r, rec := newRegistry(DefaultConfig())
	fake := mocks.NewFakeAdapter(types.ProtocolTCP)

	conn, err := r.Connect(context.Background(), "planner", tcpConfig(), fake)
	require.NoError(t, err)

	assert.NotEmpty(t, conn.ID)
	assert.Equal(t, "planner", conn.AgentID)
	assert.Equal(t, types.StateConnected, conn.State)
	assert.True(t, conn.IsConnected)
	assert.False(t, conn.LastActivity.IsZero())
	assert.Positive(t, conn.ConnectLatency)
	assert.Equal(t, 1, r.Count())
	assert.Equal(t, 1, rec.count(events.ConnectionEstablished))
}

func TestConnect_InvalidConfigTouchesNothing(t *testing.T) {
	r, rec := newRegistry(DefaultConfig())
	fake := mocks.NewFakeAdapter(types.ProtocolTCP)

	cfg := tcpConfig()
	cfg.Port = 70000
	_, err := r.Connect(context.Background(), "planner", cfg, fake)
	require.Error(t, err)
	testutil.AssertErrorType(t, err, types.ErrorTypeProtocol)

	_, err = r.Connect(context.Background(), "", tcpConfig(), fake)
	testutil.AssertErrorCode(t, err, types.CodeInvalidConfig)

	assert.Zero(t, fake.ConnectCalls())
	assert.Zero(t, r.Count())
	assert.Empty(t, rec.events)
}

func TestConnect_ProtocolMismatch(t *testing.T) {
	r, _ := newRegistry(DefaultConfig())
	_, err := r.Connect(context.Background(), "planner", tcpConfig(), mocks.NewFakeAdapter(types.ProtocolHTTP))
	testutil.AssertErrorCode(t, err, types.CodeUnsupportedProtocol)

	_, err = r.Connect(context.Background(), "planner", tcpConfig(), nil)
	testutil.AssertErrorCode(t, err, types.CodeUnsupportedProtocol)
}

func TestConnect_AdapterFailureReleasesCapacity(t *testing.T) {
	r, rec := newRegistry(Config{MaxConnections: 1})
	fake := mocks.NewFakeAdapter(types.ProtocolTCP).
		WithConnectError(types.AuthError(types.CodeAuthRejected, "bad token"))

	_, err := r.Connect(context.Background(), "planner", tcpConfig(), fake)
	require.Error(t, err)
	testutil.AssertErrorType(t, err, types.ErrorTypeAuth)
	assert.Equal(t, 1, rec.count(events.ConnectionFailed))

	fake.WithConnectError(nil)
	_, err = r.Connect(context.Background(), "planner", tcpConfig(), fake)
	assert.NoError(t, err, "failed connect must not hold a slot")
}

func TestConnect_PlainAdapterErrorIsNormalized(t *testing.T) {
	r, _ := newRegistry(DefaultConfig())
	fake := mocks.NewFakeAdapter(types.ProtocolTCP).WithConnectError(context.Canceled)

	_, err := r.Connect(context.Background(), "planner", tcpConfig(), fake)
	testutil.AssertErrorCode(t, err, types.CodeUnreachable)
}

func TestConnect_GlobalCapacity(t *testing.T) {
	r, _ := newRegistry(Config{MaxConnections: 2})
	fake := mocks.NewFakeAdapter(types.ProtocolTCP)

	for _, agent := range []string{"a", "b"} {
		_, err := r.Connect(context.Background(), agent, tcpConfig(), fake)
		require.NoError(t, err)
	}
	_, err := r.Connect(context.Background(), "c", tcpConfig(), fake)
	require.Error(t, err)
	testutil.AssertErrorType(t, err, types.ErrorTypeCapacity)
	testutil.AssertErrorCode(t, err, types.CodePoolExhausted)
	assert.Equal(t, 2, fake.ConnectCalls(), "adapter is not invoked when the pool is full")
}

func TestConnect_PerAgentCapacity(t *testing.T) {
	r, _ := newRegistry(Config{MaxConnectionsPerAgent: 1})
	fake := mocks.NewFakeAdapter(types.ProtocolTCP)

	first, err := r.Connect(context.Background(), "planner", tcpConfig(), fake)
	require.NoError(t, err)

	_, err = r.Connect(context.Background(), "planner", tcpConfig(), fake)
	testutil.AssertErrorCode(t, err, types.CodeAgentPoolExhausted)

	_, err = r.Connect(context.Background(), "executor", tcpConfig(), fake)
	require.NoError(t, err)

	require.NoError(t, r.Disconnect(first.ID, ReasonRequested))
	_, err = r.Connect(context.Background(), "planner", tcpConfig(), fake)
	assert.NoError(t, err)
}

func TestConnect_StoresDeepCopy(t *testing.T) {
	r, _ := newRegistry(DefaultConfig())
	cfg := tcpConfig()
	cfg.Auth = &types.AuthConfig{Type: types.AuthToken, Credentials: map[string]string{"token": "t1"}}

	conn, err := r.Connect(context.Background(), "planner", cfg, mocks.NewFakeAdapter(types.ProtocolTCP))
	require.NoError(t, err)

	cfg.Auth.Credentials["token"] = "changed"
	got, ok := r.Get(conn.ID)
	require.True(t, ok)
	assert.Equal(t, "t1", got.Config.Auth.Credentials["token"])

	got.Config.Auth.Credentials["token"] = "mutated"
	again, _ := r.Get(conn.ID)
	assert.Equal(t, "t1", again.Config.Auth.Credentials["token"])
}

func TestDisconnect_IdempotentSingleEvent(t *testing.T) {
	r, rec := newRegistry(DefaultConfig())
	fake := mocks.NewFakeAdapter(types.ProtocolTCP)
	conn, err := r.Connect(context.Background(), "planner", tcpConfig(), fake)
	require.NoError(t, err)

	require.NoError(t, r.Disconnect(conn.ID, ReasonRequested))
	require.NoError(t, r.Disconnect(conn.ID, ReasonRequested))
	require.NoError(t, r.Disconnect("unknown", ReasonRequested))

	assert.Equal(t, 1, rec.count(events.ConnectionClosed))
	assert.Equal(t, 1, fake.Handles()[0].CloseCalls())
	_, ok := r.Get(conn.ID)
	assert.False(t, ok)
}

func TestLease(t *testing.T) {
	r, _ := newRegistry(Config{MessagesPerSecond: 10, Burst: 2})
	fake := mocks.NewFakeAdapter(types.ProtocolTCP)
	conn, err := r.Connect(context.Background(), "planner", tcpConfig(), fake)
	require.NoError(t, err)

	lease, err := r.Lease(conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "planner", lease.AgentID)
	assert.Equal(t, time.Second, lease.Timeout)
	require.NotNil(t, lease.Limiter)
	assert.Equal(t, 2, lease.Limiter.Burst())

	_, err = r.Lease("missing")
	assert.ErrorIs(t, err, types.ErrNotActive)

	fake.Handles()[0].Kill()
	_, err = r.Lease(conn.ID)
	assert.ErrorIs(t, err, types.ErrNotActive)

	got, _ := r.Get(conn.ID)
	assert.False(t, got.IsConnected)
	assert.Empty(t, r.Active())
}

func TestLease_NoLimiterByDefault(t *testing.T) {
	r, _ := newRegistry(DefaultConfig())
	conn, err := r.Connect(context.Background(), "planner", tcpConfig(), mocks.NewFakeAdapter(types.ProtocolTCP))
	require.NoError(t, err)

	lease, err := r.Lease(conn.ID)
	require.NoError(t, err)
	assert.Nil(t, lease.Limiter)
}

func TestInflightTracking(t *testing.T) {
	r, _ := newRegistry(DefaultConfig())
	conn, err := r.Connect(context.Background(), "planner", tcpConfig(), mocks.NewFakeAdapter(types.ProtocolTCP))
	require.NoError(t, err)

	require.NoError(t, r.BeginRequest(conn.ID, "m1"))
	err = r.BeginRequest(conn.ID, "m1")
	testutil.AssertErrorCode(t, err, types.CodeDuplicateMessageID)
	testutil.AssertErrorType(t, err, types.ErrorTypeProtocol)

	require.NoError(t, r.BeginRequest(conn.ID, "m2"))
	r.EndRequest(conn.ID, "m1")
	assert.NoError(t, r.BeginRequest(conn.ID, "m1"))

	assert.ErrorIs(t, r.BeginRequest("missing", "m1"), types.ErrNotActive)
}

func TestCounters(t *testing.T) {
	r, _ := newRegistry(DefaultConfig())
	base := time.Unix(1700000000, 0)
	r.now = func() time.Time { return base }

	conn, err := r.Connect(context.Background(), "planner", tcpConfig(), mocks.NewFakeAdapter(types.ProtocolTCP))
	require.NoError(t, err)

	r.now = func() time.Time { return base.Add(time.Minute) }
	r.RecordSend(conn.ID, 100)
	r.RecordSend(conn.ID, 50)
	r.RecordReceive(conn.ID, 30)

	got, _ := r.Get(conn.ID)
	assert.EqualValues(t, 2, got.MessagesSent)
	assert.EqualValues(t, 1, got.MessagesReceived)
	assert.EqualValues(t, 180, got.BytesTransferred)
	assert.Equal(t, base.Add(time.Minute), got.LastActivity)

	r.now = func() time.Time { return base.Add(2 * time.Minute) }
	r.Touch(conn.ID)
	got, _ = r.Get(conn.ID)
	assert.Equal(t, base.Add(2*time.Minute), got.LastActivity)

	// Unknown ids are ignored.
	r.RecordSend("missing", 1)
	r.Touch("missing")
}

func TestListOrderedByConnectionTime(t *testing.T) {
	r, _ := newRegistry(DefaultConfig())
	fake := mocks.NewFakeAdapter(types.ProtocolTCP)
	base := time.Unix(1700000000, 0)

	var ids []string
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		r.now = func() time.Time { return at }
		conn, err := r.Connect(context.Background(), "planner", tcpConfig(), fake)
		require.NoError(t, err)
		ids = append(ids, conn.ID)
	}

	list := r.List()
	require.Len(t, list, 3)
	for i, c := range list {
		assert.Equal(t, ids[i], c.ID)
	}
	assert.Equal(t, 3, r.CountForAgent("planner"))
	assert.Zero(t, r.CountForAgent("nobody"))
}

func TestCloseAll(t *testing.T) {
	r, rec := newRegistry(DefaultConfig())
	fake := mocks.NewFakeAdapter(types.ProtocolTCP)
	for i := 0; i < 5; i++ {
		_, err := r.Connect(context.Background(), "planner", tcpConfig(), fake)
		require.NoError(t, err)
	}

	assert.Equal(t, 5, r.CloseAll(ReasonShutdown))
	assert.Zero(t, r.Count())
	assert.Equal(t, 5, rec.count(events.ConnectionClosed))
	for _, h := range fake.Handles() {
		assert.Equal(t, 1, h.CloseCalls())
	}
}

func TestConnect_DeadlineFromConnectionTimeout(t *testing.T) {
	r, rec := newRegistry(Config{MaxConnections: 1})
	fake := mocks.NewFakeAdapter(types.ProtocolTCP).WithConnectDelay(time.Minute)

	cfg := tcpConfig()
	cfg.Timeout = 50 * time.Millisecond
	start := time.Now()
	_, err := r.Connect(context.Background(), "planner", cfg, fake)
	require.Error(t, err)
	testutil.AssertErrorType(t, err, types.ErrorTypeTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 1, rec.count(events.ConnectionFailed))

	fake.WithConnectDelay(0)
	_, err = r.Connect(context.Background(), "planner", cfg, fake)
	assert.NoError(t, err, "timed out connect must not hold a slot")
}

func TestConnect_PlainDeadlineErrorIsTimeout(t *testing.T) {
	r, _ := newRegistry(DefaultConfig())
	fake := mocks.NewFakeAdapter(types.ProtocolTCP).WithConnectError(context.DeadlineExceeded)

	_, err := r.Connect(context.Background(), "planner", tcpConfig(), fake)
	testutil.AssertErrorType(t, err, types.ErrorTypeTimeout)
}

func TestCloseAll_ClosesConnectsStillDialing(t *testing.T) {
	r, rec := newRegistry(DefaultConfig())
	fake := mocks.NewFakeAdapter(types.ProtocolTCP).WithConnectDelay(200 * time.Millisecond)

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Connect(context.Background(), "planner", tcpConfig(), fake)
		errCh <- err
	}()
	testutil.AssertEventuallyTrue(t, func() bool { return fake.ConnectCalls() == 1 }, time.Second)

	assert.Zero(t, r.CloseAll(ReasonShutdown))

	err := <-errCh
	assert.ErrorIs(t, err, types.ErrNotInitialized)
	require.Len(t, fake.Handles(), 1)
	assert.Equal(t, 1, fake.Handles()[0].CloseCalls())
	assert.Zero(t, r.Count())
	assert.Zero(t, rec.count(events.ConnectionEstablished))

	_, err = r.Connect(context.Background(), "planner", tcpConfig(), fake)
	assert.ErrorIs(t, err, types.ErrNotInitialized)
	assert.Equal(t, 1, fake.ConnectCalls())
}
